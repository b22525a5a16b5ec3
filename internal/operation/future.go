package operation

import (
	"context"
	"sync"
	"time"
)

// Result is the single outcome of an operation.
type Result struct {
	// Value is the operation product: the output path for a conversion,
	// the asset ID for an insertion.
	Value string
	// Err is nil on success.
	Err error
}

// Success reports whether the operation committed.
func (r Result) Success() bool {
	return r.Err == nil
}

// Future tracks one running operation. It moves through the state machine
// and resolves exactly once; later resolutions are ignored.
type Future struct {
	mu        sync.Mutex
	state     State
	result    Result
	done      chan struct{}
	cancel    context.CancelFunc
	observers []func(State)
	startedAt time.Time
	endedAt   time.Time
}

// NewFuture creates a Future in StateIdle. cancel, if not nil, is invoked by Cancel.
func NewFuture(cancel context.CancelFunc) *Future {
	return &Future{
		state:  StateIdle,
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// OnTransition registers fn to be called with the current state and with
// every later state. fn runs with the Future locked and must not call back
// into it.
func (f *Future) OnTransition(fn func(State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
	fn(f.state)
}

// Transition moves the Future to a non-terminal state.
// Terminal states are reached only through Resolve.
func (f *Future) Transition(to State) error {
	if to.IsTerminal() {
		return ErrInvalidTransition
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitionLocked(to)
}

func (f *Future) transitionLocked(to State) error {
	if !CanTransition(f.state, to) {
		return ErrInvalidTransition
	}
	f.state = to
	if to == StateValidating {
		f.startedAt = time.Now()
	}
	for _, fn := range f.observers {
		fn(to)
	}
	return nil
}

// Resolve completes the Future with value on success or err on failure.
// It returns false if the Future was already resolved.
func (f *Future) Resolve(value string, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.IsTerminal() {
		return false
	}
	to := StateCommitted
	if err != nil {
		to = StateFailed
		value = ""
	}
	// Success is only reachable from Processing; a failure may occur anywhere.
	if !CanTransition(f.state, to) {
		to = StateFailed
		value = ""
		if err == nil {
			err = NewError(KindExportFailed, "", "", ErrInvalidTransition)
		}
	}
	f.result = Result{Value: value, Err: err}
	f.endedAt = time.Now()
	_ = f.transitionLocked(to)
	close(f.done)
	if f.cancel != nil {
		f.cancel()
	}
	return true
}

// Done returns a channel that is closed when the Future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the Future resolves and returns its result.
func (f *Future) Wait() Result {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// Result returns the result and true once resolved.
func (f *Future) Result() (Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.state.IsTerminal()
}

// State returns the current state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Elapsed returns how long the operation ran, or has been running.
func (f *Future) Elapsed() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startedAt.IsZero() {
		return 0
	}
	if f.endedAt.IsZero() {
		return time.Since(f.startedAt)
	}
	return f.endedAt.Sub(f.startedAt)
}

// Cancel requests cooperative cancellation. The Future still resolves
// exactly once, with a cancellation error, when the work notices.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Then calls fn with the result once the Future resolves. fn runs on its own
// goroutine and is called exactly once.
func (f *Future) Then(fn func(Result)) {
	go func() {
		fn(f.Wait())
	}()
}
