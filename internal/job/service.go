package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/maauso/livephoto-api/internal/converter"
	"github.com/maauso/livephoto-api/internal/inserter"
	"github.com/maauso/livephoto-api/internal/library"
	"github.com/maauso/livephoto-api/internal/lock"
	"github.com/maauso/livephoto-api/internal/operation"
)

var (
	// ErrInvalidInput is returned when a job is submitted with missing parameters.
	ErrInvalidInput = errors.New("invalid job input")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
	// ErrShuttingDown is returned when submitting to a stopped service.
	ErrShuttingDown = errors.New("job service is shutting down")
)

// DefaultMaxConcurrent is the number of jobs run at once when unset.
const DefaultMaxConcurrent = 2

// Recorder receives job outcomes.
type Recorder interface {
	ObserveJob(kind, status string, elapsed time.Duration)
}

// ConversionInput describes a conversion job.
type ConversionInput struct {
	SourcePath string
	OutputPath string
	// Identifier is generated when empty.
	Identifier     string
	Overwrite      bool
	StillImageTime time.Duration
}

// LivePhotoInput describes an insertion job.
type LivePhotoInput struct {
	PhotoPath string
	VideoPath string
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Repo    Repository
	Library library.Library
	// Locker serializes insertions sharing an identifier. Defaults to a
	// process-local locker.
	Locker lock.Locker
	// Verifier, if set, checks every converted movie.
	Verifier converter.Verifier
	Metrics  Recorder
	Logger   *slog.Logger
	// MaxConcurrent bounds the number of running jobs.
	MaxConcurrent int
}

// Service runs conversions and insertions in the background.
type Service struct {
	repo     Repository
	lib      library.Library
	locker   lock.Locker
	verifier converter.Verifier
	metrics  Recorder
	logger   *slog.Logger
	sem      *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*activeJob
	closed bool
	wg     sync.WaitGroup
}

type activeJob struct {
	job    *Job
	cancel context.CancelFunc
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Locker == nil {
		d.Locker = lock.NewMemoryLocker()
	}
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Service{
		repo:     d.Repo,
		lib:      d.Library,
		locker:   d.Locker,
		verifier: d.Verifier,
		metrics:  d.Metrics,
		logger:   d.Logger,
		sem:      semaphore.NewWeighted(int64(d.MaxConcurrent)),
		active:   make(map[string]*activeJob),
	}
}

// SubmitConversion queues a conversion and returns the queued job.
func (s *Service) SubmitConversion(ctx context.Context, in ConversionInput) (*Job, error) {
	if in.SourcePath == "" || in.OutputPath == "" {
		return nil, fmt.Errorf("%w: source and output paths are required", ErrInvalidInput)
	}
	if in.StillImageTime < 0 {
		return nil, fmt.Errorf("%w: negative still image time", ErrInvalidInput)
	}
	if in.Identifier == "" {
		in.Identifier = inserter.NewIdentifier()
	}

	j := New(KindConversion)
	j.Conversion = Conversion(in)

	opts := []converter.Option{
		converter.WithOverwrite(in.Overwrite),
		converter.WithStillImageTime(in.StillImageTime),
		converter.WithLogger(s.logger),
	}
	if s.verifier != nil {
		opts = append(opts, converter.WithVerifier(s.verifier))
	}
	return s.submit(ctx, j, func(ctx context.Context) *operation.Future {
		return converter.New(in.SourcePath, opts...).Start(ctx, in.OutputPath, in.Identifier)
	})
}

// SubmitLivePhoto queues a library insertion and returns the queued job.
func (s *Service) SubmitLivePhoto(ctx context.Context, in LivePhotoInput) (*Job, error) {
	if in.PhotoPath == "" || in.VideoPath == "" {
		return nil, fmt.Errorf("%w: photo and video paths are required", ErrInvalidInput)
	}

	j := New(KindLivePhoto)
	j.LivePhoto = LivePhoto(in)

	ins := inserter.New(s.lib, inserter.WithLocker(s.locker), inserter.WithLogger(s.logger))
	return s.submit(ctx, j, func(ctx context.Context) *operation.Future {
		return ins.Start(ctx, in.PhotoPath, in.VideoPath)
	})
}

// GetJob retrieves a job by ID.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// ListJobs returns all jobs, newest first.
func (s *Service) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// JobCounts returns the number of jobs per status.
func (s *Service) JobCounts(ctx context.Context) (map[Status]int, error) {
	return s.repo.CountByStatus(ctx)
}

// GetAsset returns a committed library asset.
func (s *Service) GetAsset(ctx context.Context, id string) (*library.Asset, error) {
	return s.lib.Get(ctx, id)
}

// CancelJob requests cancellation. A queued job is cancelled at once; a
// running one ends as soon as its operation notices.
func (s *Service) CancelJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	aj, ok := s.active[id]
	s.mu.Unlock()

	if !ok {
		j, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.IsTerminal() {
			return j, ErrJobFinished
		}
		return j, nil
	}

	aj.cancel()
	if aj.job.GetStatus() == StatusInQueue && aj.job.Cancel() == nil {
		s.save(aj.job)
	}
	s.logger.Info("job cancellation requested", slog.String("job_id", id))
	return aj.job.Clone(), nil
}

// Shutdown stops accepting jobs, cancels running ones and waits for them
// to finish or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, aj := range s.active {
		aj.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) submit(ctx context.Context, j *Job, start func(context.Context) *operation.Future) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShuttingDown
	}
	if err := s.repo.Save(ctx, j); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	// The job outlives the request that created it.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.active[j.ID] = &activeJob{job: j, cancel: cancel}
	s.wg.Add(1)
	go s.run(jobCtx, j, start)

	s.logger.Info("job queued",
		slog.String("job_id", j.ID),
		slog.String("kind", string(j.Kind)),
	)
	return j.Clone(), nil
}

func (s *Service) run(ctx context.Context, j *Job, start func(context.Context) *operation.Future) {
	defer s.wg.Done()
	defer s.forget(j.ID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		if j.Cancel() == nil {
			s.save(j)
		}
		s.record(j)
		return
	}
	defer s.sem.Release(1)

	if err := j.Start(); err != nil {
		// Cancelled while waiting for a slot.
		s.record(j)
		return
	}
	s.save(j)

	f := start(ctx)
	f.OnTransition(func(st operation.State) {
		j.SetStage(st)
		s.save(j)
	})
	res := f.Wait()

	switch {
	case res.Err == nil:
		_ = j.Complete(res.Value)
	case ctx.Err() != nil && operation.KindOf(res.Err) == operation.KindExportCancelled:
		_ = j.Cancel()
	default:
		_ = j.Fail(res.Err)
	}
	s.save(j)
	s.record(j)

	snap := j.Clone()
	if snap.Status == StatusCompleted {
		s.logger.Info("job completed",
			slog.String("job_id", snap.ID),
			slog.String("result", snap.Result),
		)
	} else {
		s.logger.Warn("job ended without result",
			slog.String("job_id", snap.ID),
			slog.String("status", string(snap.Status)),
			slog.String("error_kind", string(snap.ErrorKind)),
		)
	}
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if aj, ok := s.active[id]; ok {
		aj.cancel()
		delete(s.active, id)
	}
}

func (s *Service) save(j *Job) {
	if err := s.repo.Save(context.Background(), j); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) record(j *Job) {
	if s.metrics == nil {
		return
	}
	snap := j.Clone()
	elapsed := time.Duration(0)
	if !snap.StartedAt.IsZero() {
		elapsed = snap.CompletedAt.Sub(snap.StartedAt)
	}
	s.metrics.ObserveJob(string(snap.Kind), string(snap.Status), elapsed)
}
