package job

import (
	"errors"
	"testing"
	"time"

	"github.com/maauso/livephoto-api/internal/operation"
)

func TestNew(t *testing.T) {
	job := New(KindConversion)

	if job.ID == "" {
		t.Error("expected job to have an ID")
	}
	if job.Kind != KindConversion {
		t.Errorf("expected kind %s, got %s", KindConversion, job.Kind)
	}
	if job.Status != StatusInQueue {
		t.Errorf("expected status %s, got %s", StatusInQueue, job.Status)
	}
	if job.Stage != operation.StateIdle {
		t.Errorf("expected stage %s, got %s", operation.StateIdle, job.Stage)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestNewWithID(t *testing.T) {
	job := NewWithID("test-job-123", KindLivePhoto)

	if job.ID != "test-job-123" {
		t.Errorf("expected ID test-job-123, got %s", job.ID)
	}
	if job.Kind != KindLivePhoto {
		t.Errorf("expected kind %s, got %s", KindLivePhoto, job.Kind)
	}
}

func TestKind_IsValid(t *testing.T) {
	if !KindConversion.IsValid() || !KindLivePhoto.IsValid() {
		t.Error("expected known kinds to be valid")
	}
	if Kind("render").IsValid() {
		t.Error("expected unknown kind to be invalid")
	}
}

func TestJob_ValidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"IN_QUEUE to RUNNING", StatusInQueue, StatusRunning, false},
		{"IN_QUEUE to CANCELLED", StatusInQueue, StatusCancelled, false},
		{"IN_QUEUE to FAILED", StatusInQueue, StatusFailed, false},
		{"RUNNING to COMPLETED", StatusRunning, StatusCompleted, false},
		{"RUNNING to FAILED", StatusRunning, StatusFailed, false},
		{"RUNNING to CANCELLED", StatusRunning, StatusCancelled, false},
		{"IN_QUEUE to COMPLETED", StatusInQueue, StatusCompleted, true},
		{"COMPLETED to RUNNING", StatusCompleted, StatusRunning, true},
		{"FAILED to COMPLETED", StatusFailed, StatusCompleted, true},
		{"CANCELLED to RUNNING", StatusCancelled, StatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewWithID("test", KindConversion)
			job.Status = tt.from

			err := job.TransitionTo(tt.to)

			if tt.wantErr && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition for %s -> %s, got %v", tt.from, tt.to, err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error for transition %s -> %s: %v", tt.from, tt.to, err)
			}
		})
	}
}

func TestJob_Complete(t *testing.T) {
	job := New(KindConversion)
	if err := job.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}

	if err := job.Complete("/out/live.mov"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("expected status %s, got %s", StatusCompleted, job.Status)
	}
	if job.Result != "/out/live.mov" {
		t.Errorf("expected result /out/live.mov, got %s", job.Result)
	}
	if job.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be set")
	}
}

func TestJob_Fail(t *testing.T) {
	job := New(KindLivePhoto)
	_ = job.Start()

	cause := operation.NewError(operation.KindPermissionDenied, "createLivePhoto", "", errors.New("status denied"))
	if err := job.Fail(cause); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != StatusFailed {
		t.Errorf("expected status %s, got %s", StatusFailed, job.Status)
	}
	if job.ErrorKind != operation.KindPermissionDenied {
		t.Errorf("expected error kind %s, got %s", operation.KindPermissionDenied, job.ErrorKind)
	}
	if job.Error == "" {
		t.Error("expected error message to be set")
	}
}

func TestJob_Cancel(t *testing.T) {
	job := New(KindConversion)

	if err := job.Cancel(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != StatusCancelled {
		t.Errorf("expected status %s, got %s", StatusCancelled, job.Status)
	}
	if job.ErrorKind != operation.KindExportCancelled {
		t.Errorf("expected error kind %s, got %s", operation.KindExportCancelled, job.ErrorKind)
	}
	if err := job.Start(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected cancelled job not to start, got %v", err)
	}
}

func TestJob_CannotCompleteTwice(t *testing.T) {
	job := New(KindConversion)
	_ = job.Start()
	_ = job.Complete("first")

	if err := job.Complete("second"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if job.Result != "first" {
		t.Errorf("expected result to stay first, got %s", job.Result)
	}
	if err := job.Fail(errors.New("late")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if job.Error != "" {
		t.Errorf("expected no error message, got %s", job.Error)
	}
}

func TestJob_IsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusInQueue, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			job := NewWithID("test", KindConversion)
			job.Status = tt.status
			if got := job.IsTerminal(); got != tt.terminal {
				t.Errorf("expected IsTerminal()=%v for %s, got %v", tt.terminal, tt.status, got)
			}
		})
	}
}

func TestJob_SetStage(t *testing.T) {
	job := New(KindConversion)
	before := job.UpdatedAt
	time.Sleep(time.Millisecond)

	job.SetStage(operation.StateProcessing)

	if job.Stage != operation.StateProcessing {
		t.Errorf("expected stage %s, got %s", operation.StateProcessing, job.Stage)
	}
	if !job.UpdatedAt.After(before) {
		t.Error("expected UpdatedAt to advance")
	}
}

func TestJob_Clone(t *testing.T) {
	job := New(KindConversion)
	job.Conversion = Conversion{SourcePath: "/in.mov", OutputPath: "/out.mov", Identifier: "ID"}
	_ = job.Start()

	clone := job.Clone()

	if clone.ID != job.ID || clone.Status != job.Status || clone.Conversion != job.Conversion {
		t.Errorf("clone differs from original: %+v", clone)
	}

	clone.Status = StatusCompleted
	clone.Conversion.Identifier = "OTHER"
	if job.Status == StatusCompleted || job.Conversion.Identifier == "OTHER" {
		t.Error("modifying clone should not affect original")
	}
}

func TestJob_GetStatus_ThreadSafe(t *testing.T) {
	job := New(KindLivePhoto)

	done := make(chan bool)
	go func() {
		for i := 0; i < 100; i++ {
			_ = job.GetStatus()
			_ = job.Clone()
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 100; i++ {
			_ = job.Start()
			job.SetStage(operation.StateValidating)
		}
		done <- true
	}()

	<-done
	<-done
}
