package converter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/maauso/livephoto-api/internal/quicktime"
)

// ExportStatus is the terminal state of one export request.
type ExportStatus int

// Export outcomes.
const (
	ExportCompleted ExportStatus = iota
	ExportFailed
	ExportCancelled
)

func (s ExportStatus) String() string {
	switch s {
	case ExportCompleted:
		return "completed"
	case ExportFailed:
		return "failed"
	case ExportCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("ExportStatus(%d)", int(s))
}

// ExportRequest asks an Exporter to copy Source to Output unchanged except for
// the Live Photo metadata.
type ExportRequest struct {
	Source         string
	Output         string
	Identifier     string
	StillImageTime time.Duration
}

// ExportResult reports how an export ended. Err is set unless Status is
// ExportCompleted.
type ExportResult struct {
	Status ExportStatus
	Err    error
}

// Exporter writes a Live Photo movie. Export reports exactly one result per
// request and must not leave Output half-written on success.
type Exporter interface {
	Export(ctx context.Context, req ExportRequest) ExportResult
}

// QuickTimeExporter exports by rewriting the container with the quicktime
// package. Media samples are copied byte for byte.
type QuickTimeExporter struct{}

// NewQuickTimeExporter creates a QuickTimeExporter.
func NewQuickTimeExporter() *QuickTimeExporter {
	return &QuickTimeExporter{}
}

// Export rewrites req.Source into req.Output.
func (e *QuickTimeExporter) Export(ctx context.Context, req ExportRequest) ExportResult {
	if err := e.export(ctx, req); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ExportResult{Status: ExportCancelled, Err: err}
		}
		return ExportResult{Status: ExportFailed, Err: err}
	}
	return ExportResult{Status: ExportCompleted}
}

func (e *QuickTimeExporter) export(ctx context.Context, req ExportRequest) error {
	src, err := os.Open(req.Source) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	dst, err := os.OpenFile(req.Output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) // #nosec G302 G304
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	w := bufio.NewWriterSize(dst, 1<<20)
	_, err = quicktime.Rewrite(ctx, src, info.Size(), w, quicktime.RewriteOptions{
		ContentIdentifier: req.Identifier,
		StillImageTime:    req.StillImageTime,
	})
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = dst.Sync()
	}
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close output: %w", cerr)
	}
	return err
}
