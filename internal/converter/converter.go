// Package converter turns a video into the movie half of a Live Photo.
//
// A Converter is bound to one source video. Each conversion writes a new
// file carrying a content identifier and a still-image-time metadata track;
// the source is never modified. The output is written next to its final
// path and renamed into place only after the export has been verified, so a
// failed or cancelled conversion leaves nothing at the output path.
package converter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maauso/livephoto-api/internal/media"
	"github.com/maauso/livephoto-api/internal/operation"
	"github.com/maauso/livephoto-api/internal/quicktime"
)

const opConvert = "convert"

// outputMode is the permission of a converted movie.
const outputMode = 0o644

// Verifier independently checks an exported movie.
type Verifier interface {
	Verify(ctx context.Context, path string, want media.Expectation) error
}

// Converter embeds Live Photo metadata into copies of one source video.
// Construction never touches the file system: a missing or unreadable
// source is reported by the first conversion. Conversions on one Converter
// run one at a time, in call order of acquisition.
type Converter struct {
	source         string
	exporter       Exporter
	verifier       Verifier
	overwrite      bool
	stillImageTime time.Duration
	logger         *slog.Logger

	// sem serializes conversions on this instance.
	sem chan struct{}
}

// Option configures a Converter.
type Option func(*Converter)

// WithExporter replaces the default QuickTimeExporter.
func WithExporter(e Exporter) Option {
	return func(c *Converter) { c.exporter = e }
}

// WithVerifier adds an independent check of every exported movie.
func WithVerifier(v Verifier) Option {
	return func(c *Converter) { c.verifier = v }
}

// WithOverwrite allows replacing an existing file at the output path.
// The existing file is only replaced when the conversion succeeds.
func WithOverwrite(overwrite bool) Option {
	return func(c *Converter) { c.overwrite = overwrite }
}

// WithStillImageTime sets the presentation time of the still image.
// It is clamped to the movie duration.
func WithStillImageTime(d time.Duration) Option {
	return func(c *Converter) { c.stillImageTime = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Converter) { c.logger = l }
}

// New creates a Converter for the video at videoPath.
func New(videoPath string, opts ...Option) *Converter {
	c := &Converter{
		source:   videoPath,
		exporter: NewQuickTimeExporter(),
		logger:   slog.Default(),
		sem:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Source returns the source video path.
func (c *Converter) Source() string {
	return c.source
}

// Start begins a conversion and returns immediately. The Future resolves
// with the output path on success.
func (c *Converter) Start(ctx context.Context, outputPath, identifier string) *operation.Future {
	ctx, cancel := context.WithCancel(ctx)
	f := operation.NewFuture(cancel)

	logger := c.logger.With(
		slog.String("source", c.source),
		slog.String("output", outputPath),
		slog.String("identifier", identifier),
	)
	f.OnTransition(func(s operation.State) {
		logger.Debug("conversion state changed", slog.String("state", string(s)))
	})

	go func() {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			f.Resolve("", operation.ExportError(opConvert, outputPath, ctx.Err()))
			return
		}
		defer func() { <-c.sem }()

		out, err := c.run(ctx, f, outputPath, identifier)
		if err != nil {
			logger.Error("conversion failed",
				slog.String("kind", string(operation.KindOf(err))),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("conversion committed", slog.Duration("elapsed", f.Elapsed()))
		}
		f.Resolve(out, err)
	}()
	return f
}

// Convert runs a conversion and waits for it.
func (c *Converter) Convert(ctx context.Context, outputPath, identifier string) error {
	return c.Start(ctx, outputPath, identifier).Wait().Err
}

// ConvertToLivePhoto runs a conversion and calls completion exactly once
// when it ends.
func (c *Converter) ConvertToLivePhoto(ctx context.Context, outputPath, identifier string, completion func(success bool, err error)) {
	c.Start(ctx, outputPath, identifier).Then(func(r operation.Result) {
		completion(r.Success(), r.Err)
	})
}

func (c *Converter) run(ctx context.Context, f *operation.Future, outputPath, identifier string) (string, error) {
	if err := f.Transition(operation.StateValidating); err != nil {
		return "", err
	}
	source, err := c.validate(outputPath, identifier)
	if err != nil {
		return "", err
	}

	if err := f.Transition(operation.StateProcessing); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", operation.ExportError(opConvert, outputPath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".*.tmp")
	if err != nil {
		return "", operation.NewError(operation.KindExportFailed, opConvert, outputPath, err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	if err := c.export(ctx, source, tmpPath, outputPath, identifier); err != nil {
		return "", c.cleanup(tmpPath, err)
	}
	return outputPath, nil
}

// validate checks every argument and returns the parsed source movie.
func (c *Converter) validate(outputPath, identifier string) (*quicktime.Movie, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, operation.NewError(operation.KindInvalidArgument, opConvert, "", errors.New("empty identifier"))
	}
	if outputPath == "" {
		return nil, operation.NewError(operation.KindInvalidArgument, opConvert, "", errors.New("empty output path"))
	}

	srcInfo, err := os.Stat(c.source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, operation.NewError(operation.KindInputNotFound, opConvert, c.source, err)
		}
		return nil, operation.NewError(operation.KindInputUnreadable, opConvert, c.source, err)
	}
	if srcInfo.IsDir() {
		return nil, operation.NewError(operation.KindInputUnreadable, opConvert, c.source, errors.New("is a directory"))
	}

	mime, notVideo, err := media.SniffVideo(c.source)
	if err != nil {
		return nil, operation.NewError(operation.KindInputUnreadable, opConvert, c.source, err)
	}
	if notVideo {
		return nil, operation.NewError(operation.KindUnsupportedFormat, opConvert, c.source,
			fmt.Errorf("detected %s", mime))
	}

	movie, err := quicktime.InspectFile(c.source)
	if err != nil {
		if errors.Is(err, quicktime.ErrNoMovie) || errors.Is(err, quicktime.ErrUnsupportedMovie) ||
			errors.Is(err, quicktime.ErrMalformedAtom) {
			return nil, operation.NewError(operation.KindUnsupportedFormat, opConvert, c.source, err)
		}
		return nil, operation.NewError(operation.KindInputUnreadable, opConvert, c.source, err)
	}
	if movie.Timescale == 0 || movie.Duration == 0 {
		return nil, operation.NewError(operation.KindUnsupportedFormat, opConvert, c.source, errors.New("movie has no duration"))
	}

	if same, _ := samePath(c.source, outputPath); same {
		return nil, operation.NewError(operation.KindInvalidArgument, opConvert, outputPath, errors.New("output would overwrite the source"))
	}
	if info, err := os.Stat(outputPath); err == nil {
		if info.IsDir() {
			return nil, operation.NewError(operation.KindInvalidArgument, opConvert, outputPath, errors.New("output is a directory"))
		}
		if !c.overwrite {
			return nil, operation.NewError(operation.KindInvalidArgument, opConvert, outputPath, fs.ErrExist)
		}
	}
	dirInfo, err := os.Stat(filepath.Dir(outputPath))
	if err != nil || !dirInfo.IsDir() {
		if err == nil {
			err = errors.New("not a directory")
		}
		return nil, operation.NewError(operation.KindExportFailed, opConvert, outputPath, fmt.Errorf("output directory: %w", err))
	}
	return movie, nil
}

// export runs the exporter into tmpPath, verifies the result and moves it
// to outputPath.
func (c *Converter) export(ctx context.Context, source *quicktime.Movie, tmpPath, outputPath, identifier string) error {
	res := c.exporter.Export(ctx, ExportRequest{
		Source:         c.source,
		Output:         tmpPath,
		Identifier:     identifier,
		StillImageTime: c.stillImageTime,
	})
	switch res.Status {
	case ExportCompleted:
	case ExportCancelled:
		err := res.Err
		if err == nil {
			err = context.Canceled
		}
		return operation.NewError(operation.KindExportCancelled, opConvert, outputPath, err)
	default:
		err := res.Err
		if err == nil {
			err = errors.New("exporter reported failure")
		}
		return operation.NewError(operation.KindExportFailed, opConvert, outputPath, err)
	}

	if err := c.verify(ctx, source, tmpPath, identifier); err != nil {
		if ctx.Err() != nil {
			return operation.ExportError(opConvert, outputPath, ctx.Err())
		}
		return operation.NewError(operation.KindExportFailed, opConvert, outputPath, err)
	}

	if err := ctx.Err(); err != nil {
		return operation.ExportError(opConvert, outputPath, err)
	}
	if err := os.Chmod(tmpPath, outputMode); err != nil {
		return operation.NewError(operation.KindExportFailed, opConvert, outputPath, err)
	}
	return c.commit(tmpPath, outputPath)
}

// commit moves the verified export to outputPath. Without overwrite the
// file is hard-linked into place, which fails if the output appeared since
// validation instead of replacing it.
func (c *Converter) commit(tmpPath, outputPath string) error {
	if c.overwrite {
		if err := os.Rename(tmpPath, outputPath); err != nil {
			return operation.NewError(operation.KindExportFailed, opConvert, outputPath, err)
		}
		return nil
	}

	err := os.Link(tmpPath, outputPath)
	switch {
	case err == nil:
		if err := os.Remove(tmpPath); err != nil {
			c.logger.Warn("failed to remove temp file", slog.String("path", tmpPath), slog.String("error", err.Error()))
		}
		return nil
	case errors.Is(err, fs.ErrExist):
		return operation.NewError(operation.KindInvalidArgument, opConvert, outputPath, fs.ErrExist)
	}

	// Filesystems without hard links fall back to check and rename.
	c.logger.Debug("hard link failed, renaming", slog.String("error", err.Error()))
	if _, err := os.Lstat(outputPath); err == nil {
		return operation.NewError(operation.KindInvalidArgument, opConvert, outputPath, fs.ErrExist)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return operation.NewError(operation.KindExportFailed, opConvert, outputPath, err)
	}
	return nil
}

// verify checks the exported movie against the source.
func (c *Converter) verify(ctx context.Context, source *quicktime.Movie, path, identifier string) error {
	out, err := quicktime.InspectFile(path)
	if err != nil {
		return fmt.Errorf("inspect export: %w", err)
	}
	ids := out.ContentIdentifiers()
	if len(ids) != 1 || ids[0] != identifier {
		return fmt.Errorf("export carries identifiers %q, want exactly %q", ids, identifier)
	}
	if !out.HasStillImageTime() {
		return errors.New("export has no still-image-time track")
	}

	tolerance := durationTolerance(source)
	drift := out.DurationTime() - source.DurationTime()
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return fmt.Errorf("export duration %s differs from source %s", out.DurationTime(), source.DurationTime())
	}

	if c.verifier != nil {
		return c.verifier.Verify(ctx, path, media.Expectation{
			Identifier: identifier,
			Duration:   source.DurationTime(),
			Tolerance:  tolerance,
		})
	}
	return nil
}

// durationTolerance is one frame, or one movie tick for movies without video.
func durationTolerance(m *quicktime.Movie) time.Duration {
	if fi := m.FrameInterval(); fi > 0 {
		return fi
	}
	return time.Second / time.Duration(m.Timescale)
}

// cleanup removes the temporary export after a failure.
func (c *Converter) cleanup(tmpPath string, cause error) error {
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Error("failed to remove partial export",
			slog.String("path", tmpPath),
			slog.String("error", err.Error()),
		)
		return operation.NewError(operation.KindPartialWriteCleanupFailed, opConvert, tmpPath, errors.Join(cause, err))
	}
	return cause
}

func samePath(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}
