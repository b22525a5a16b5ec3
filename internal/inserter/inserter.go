// Package inserter adds Live Photo pairs to a photo library.
//
// The video is the source of truth for the pairing: it must already carry a
// content identifier and a still-image-time track. A photo without an
// identifier is tagged in place with the video's identifier; a photo with a
// different identifier is rejected. Both files are then committed to the
// library as one asset inside a single transaction.
package inserter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/maauso/livephoto-api/internal/imagemeta"
	"github.com/maauso/livephoto-api/internal/library"
	"github.com/maauso/livephoto-api/internal/lock"
	"github.com/maauso/livephoto-api/internal/media"
	"github.com/maauso/livephoto-api/internal/operation"
	"github.com/maauso/livephoto-api/internal/quicktime"
)

const opCreate = "createLivePhoto"

// NewIdentifier returns a fresh content identifier in the uppercase UUID form
// cameras write.
func NewIdentifier() string {
	return strings.ToUpper(uuid.NewString())
}

// Inserter commits photo and video pairs to a library. Insertions on one
// Inserter run one at a time. Insertions sharing an identifier are also
// serialized across Inserters that share a Locker.
type Inserter struct {
	lib    library.Library
	locker lock.Locker
	logger *slog.Logger

	sem chan struct{}
}

// Option configures an Inserter.
type Option func(*Inserter)

// WithLocker sets the identifier locker. Defaults to a process-local locker.
func WithLocker(l lock.Locker) Option {
	return func(i *Inserter) { i.locker = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Inserter) { i.logger = l }
}

// New creates an Inserter writing to lib.
func New(lib library.Library, opts ...Option) *Inserter {
	i := &Inserter{
		lib:    lib,
		locker: lock.NewMemoryLocker(),
		logger: slog.Default(),
		sem:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	return i
}

// Start begins an insertion and returns immediately. The Future resolves
// with the new asset ID on success.
func (i *Inserter) Start(ctx context.Context, photoPath, videoPath string) *operation.Future {
	ctx, cancel := context.WithCancel(ctx)
	f := operation.NewFuture(cancel)

	logger := i.logger.With(
		slog.String("photo", photoPath),
		slog.String("video", videoPath),
	)
	f.OnTransition(func(s operation.State) {
		logger.Debug("insertion state changed", slog.String("state", string(s)))
	})

	go func() {
		select {
		case i.sem <- struct{}{}:
		case <-ctx.Done():
			f.Resolve("", operation.ExportError(opCreate, "", ctx.Err()))
			return
		}
		defer func() { <-i.sem }()

		assetID, err := i.run(ctx, f, photoPath, videoPath)
		if err != nil {
			logger.Error("insertion failed",
				slog.String("kind", string(operation.KindOf(err))),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("live photo committed",
				slog.String("asset_id", assetID),
				slog.Duration("elapsed", f.Elapsed()),
			)
		}
		f.Resolve(assetID, err)
	}()
	return f
}

// Insert runs an insertion and waits for it.
func (i *Inserter) Insert(ctx context.Context, photoPath, videoPath string) (string, error) {
	res := i.Start(ctx, photoPath, videoPath).Wait()
	return res.Value, res.Err
}

// CreateLivePhoto runs an insertion and calls completion exactly once when
// it ends.
func (i *Inserter) CreateLivePhoto(ctx context.Context, photoPath, videoPath string, completion func(success bool, err error)) {
	i.Start(ctx, photoPath, videoPath).Then(func(r operation.Result) {
		completion(r.Success(), r.Err)
	})
}

// pair is a validated insertion request.
type pair struct {
	photo, video string
	identifier   string
	photoTagged  bool
}

func (i *Inserter) run(ctx context.Context, f *operation.Future, photoPath, videoPath string) (string, error) {
	if err := f.Transition(operation.StateValidating); err != nil {
		return "", err
	}
	if err := i.authorize(ctx); err != nil {
		return "", err
	}
	p, err := i.validate(photoPath, videoPath)
	if err != nil {
		return "", err
	}

	if err := f.Transition(operation.StateProcessing); err != nil {
		return "", err
	}
	unlock, err := i.locker.Lock(ctx, p.identifier)
	if err != nil {
		if ctx.Err() != nil {
			return "", operation.ExportError(opCreate, "", ctx.Err())
		}
		return "", operation.NewError(operation.KindLibraryTransactionFailed, opCreate, "", fmt.Errorf("lock identifier: %w", err))
	}
	defer unlock()

	if err := i.checkPhotoIdentifier(&p); err != nil {
		return "", err
	}
	if !p.photoTagged {
		if err := ctx.Err(); err != nil {
			return "", operation.ExportError(opCreate, p.photo, err)
		}
		if err := imagemeta.TagFile(p.photo, p.identifier); err != nil {
			return "", operation.NewError(operation.KindExportFailed, opCreate, p.photo, fmt.Errorf("tag photo: %w", err))
		}
		i.logger.Info("photo tagged", slog.String("photo", p.photo), slog.String("identifier", p.identifier))
	}
	return i.commit(ctx, p)
}

// authorize resolves the library authorization, prompting when undecided.
func (i *Inserter) authorize(ctx context.Context) error {
	status := i.lib.AuthorizationStatus(ctx)
	if status == library.StatusNotDetermined {
		var err error
		status, err = i.lib.RequestAuthorization(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return operation.ExportError(opCreate, "", ctx.Err())
			}
			return operation.NewError(operation.KindPermissionDenied, opCreate, "", err)
		}
	}
	if status != library.StatusAuthorized {
		return operation.NewError(operation.KindPermissionDenied, opCreate, "",
			fmt.Errorf("%w: status %s", library.ErrNotAuthorized, status))
	}
	return nil
}

func (i *Inserter) validate(photoPath, videoPath string) (pair, error) {
	p := pair{photo: photoPath, video: videoPath}

	if err := checkInput(photoPath); err != nil {
		return p, err
	}
	if err := checkInput(videoPath); err != nil {
		return p, err
	}
	photoType, err := mimetype.DetectFile(photoPath)
	if err != nil {
		return p, operation.NewError(operation.KindInputUnreadable, opCreate, photoPath, err)
	}
	if photoType.String() != "image/jpeg" {
		return p, operation.NewError(operation.KindUnsupportedFormat, opCreate, photoPath,
			fmt.Errorf("detected %s", photoType.String()))
	}
	mime, notVideo, err := media.SniffVideo(videoPath)
	if err != nil {
		return p, operation.NewError(operation.KindInputUnreadable, opCreate, videoPath, err)
	}
	if notVideo {
		return p, operation.NewError(operation.KindUnsupportedFormat, opCreate, videoPath,
			fmt.Errorf("detected %s", mime))
	}

	movie, err := quicktime.InspectFile(videoPath)
	if err != nil {
		if errors.Is(err, quicktime.ErrNoMovie) || errors.Is(err, quicktime.ErrUnsupportedMovie) ||
			errors.Is(err, quicktime.ErrMalformedAtom) {
			return p, operation.NewError(operation.KindUnsupportedFormat, opCreate, videoPath, err)
		}
		return p, operation.NewError(operation.KindInputUnreadable, opCreate, videoPath, err)
	}
	id, ok := movie.ContentIdentifier()
	if !ok {
		return p, operation.NewError(operation.KindMissingIdentifierMetadata, opCreate, videoPath,
			fmt.Errorf("video carries %d content identifiers", len(movie.ContentIdentifiers())))
	}
	if !movie.HasStillImageTime() {
		return p, operation.NewError(operation.KindMissingIdentifierMetadata, opCreate, videoPath,
			errors.New("video has no still-image-time track"))
	}
	p.identifier = id

	return p, i.checkPhotoIdentifier(&p)
}

// checkPhotoIdentifier reads the photo identifier and checks it against the video's.
// It runs during validation and again under the identifier lock, since
// another insertion may tag the photo in between.
func (i *Inserter) checkPhotoIdentifier(p *pair) error {
	photoID, err := imagemeta.ReadFile(p.photo)
	if err != nil {
		if errors.Is(err, imagemeta.ErrNotJPEG) || errors.Is(err, imagemeta.ErrMalformedJPEG) {
			return operation.NewError(operation.KindUnsupportedFormat, opCreate, p.photo, err)
		}
		return operation.NewError(operation.KindInputUnreadable, opCreate, p.photo, err)
	}
	if !photoID.Found() {
		p.photoTagged = false
		return nil
	}
	if photoID.Value != p.identifier {
		return operation.NewError(operation.KindMissingIdentifierMetadata, opCreate, p.photo,
			fmt.Errorf("photo identifier %q does not match video identifier %q", photoID.Value, p.identifier))
	}
	p.photoTagged = true
	return nil
}

// checkInput verifies that path is a readable regular file.
func checkInput(path string) error {
	if path == "" {
		return operation.NewError(operation.KindInvalidArgument, opCreate, "", errors.New("empty path"))
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return operation.NewError(operation.KindInputNotFound, opCreate, path, err)
		}
		return operation.NewError(operation.KindInputUnreadable, opCreate, path, err)
	}
	if !info.Mode().IsRegular() {
		return operation.NewError(operation.KindInputUnreadable, opCreate, path, errors.New("not a regular file"))
	}
	return nil
}

// commit creates the asset in one library transaction. Any failure rolls
// the transaction back so no partial asset becomes visible.
func (i *Inserter) commit(ctx context.Context, p pair) (string, error) {
	tx, err := i.lib.Begin(ctx)
	if err != nil {
		if errors.Is(err, library.ErrNotAuthorized) {
			return "", operation.NewError(operation.KindPermissionDenied, opCreate, "", err)
		}
		return "", operation.NewError(operation.KindLibraryTransactionFailed, opCreate, "", err)
	}

	fail := func(err error) (string, error) {
		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			i.logger.Error("rollback failed", slog.String("error", rerr.Error()))
			err = errors.Join(err, rerr)
		}
		if ctx.Err() != nil {
			return "", operation.NewError(operation.KindExportCancelled, opCreate, "", err)
		}
		return "", operation.NewError(operation.KindLibraryTransactionFailed, opCreate, "", err)
	}

	assetID, err := tx.CreateAsset(ctx, library.CreationRequest{
		Identifier: p.identifier,
		Resources: []library.Resource{
			{Type: library.ResourcePhoto, Path: p.photo},
			{Type: library.ResourcePairedVideo, Path: p.video},
		},
	})
	if err != nil {
		return fail(fmt.Errorf("create asset: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(fmt.Errorf("commit: %w", err))
	}
	return assetID, nil
}
