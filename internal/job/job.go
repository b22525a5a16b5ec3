// Package job provides the Job aggregate for background Live Photo work.
// A job runs either a conversion or a library insertion and records its
// outcome, so HTTP callers can poll instead of holding a connection open.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/maauso/livephoto-api/internal/job/id"
	"github.com/maauso/livephoto-api/internal/operation"
)

// Kind is the type of work a job performs.
type Kind string

const (
	// KindConversion embeds Live Photo metadata into a video.
	KindConversion Kind = "conversion"
	// KindLivePhoto inserts a photo and paired video into the library.
	KindLivePhoto Kind = "live_photo"
)

// IsValid returns true if the kind is known.
func (k Kind) IsValid() bool {
	return k == KindConversion || k == KindLivePhoto
}

// Status represents the current state of a Job.
type Status string

const (
	// StatusInQueue indicates the job is waiting for a free worker slot.
	StatusInQueue Status = "IN_QUEUE"
	// StatusRunning indicates the operation is running.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the operation committed.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the operation failed.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was cancelled by the caller.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

var validTransitions = map[Status][]Status{
	StatusInQueue:   {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Conversion holds the parameters of a conversion job.
type Conversion struct {
	SourcePath     string
	OutputPath     string
	Identifier     string
	Overwrite      bool
	StillImageTime time.Duration
}

// LivePhoto holds the parameters of an insertion job.
type LivePhoto struct {
	PhotoPath string
	VideoPath string
}

// Job is a unit of background work.
type Job struct {
	mu sync.RWMutex

	ID     string
	Kind   Kind
	Status Status
	// Stage is the state of the underlying operation while running.
	Stage operation.State

	Conversion Conversion
	LivePhoto  LivePhoto

	// Result is the output path of a conversion or the asset ID of an insertion.
	Result string
	// ErrorKind classifies Error.
	ErrorKind operation.Kind
	Error     string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// New creates a queued job of the given kind with a generated ID.
func New(kind Kind) *Job {
	return NewWithID(id.Generate(), kind)
}

// NewWithID creates a queued job with the specified ID.
func NewWithID(jobID string, kind Kind) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Kind:      kind,
		Status:    StatusInQueue,
		Stage:     operation.StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the job status.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}
	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

// Start moves the job from IN_QUEUE to RUNNING.
func (j *Job) Start() error {
	return j.TransitionTo(StatusRunning)
}

// Complete records the result and moves the job to COMPLETED.
func (j *Job) Complete(result string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	j.Result = result
	return nil
}

// Fail records the error and moves the job to FAILED.
func (j *Job) Fail(err error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if terr := j.transitionLocked(StatusFailed); terr != nil {
		return terr
	}
	j.ErrorKind = operation.KindOf(err)
	if err != nil {
		j.Error = err.Error()
	}
	return nil
}

// Cancel moves the job to CANCELLED.
func (j *Job) Cancel() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusCancelled); err != nil {
		return err
	}
	j.ErrorKind = operation.KindExportCancelled
	return nil
}

// SetStage records the operation state of a running job.
func (j *Job) SetStage(s operation.State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Stage = s
	j.UpdatedAt = time.Now()
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted ||
		j.Status == StatusFailed ||
		j.Status == StatusCancelled
}

// Clone creates a copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return &Job{
		ID:          j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		Stage:       j.Stage,
		Conversion:  j.Conversion,
		LivePhoto:   j.LivePhoto,
		Result:      j.Result,
		ErrorKind:   j.ErrorKind,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
