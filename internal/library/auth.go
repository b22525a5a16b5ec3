package library

import (
	"context"
	"sync"
)

// Authorizer answers library access requests.
type Authorizer interface {
	Status(ctx context.Context) AuthorizationStatus
	Request(ctx context.Context) (AuthorizationStatus, error)
}

// StaticAuthorizer holds a configured status. A not-determined status is
// resolved on the first request: granted when grantOnRequest is set, denied
// otherwise. The answer is remembered.
type StaticAuthorizer struct {
	mu             sync.Mutex
	status         AuthorizationStatus
	grantOnRequest bool
}

// NewStaticAuthorizer creates a StaticAuthorizer.
func NewStaticAuthorizer(status AuthorizationStatus, grantOnRequest bool) *StaticAuthorizer {
	return &StaticAuthorizer{status: status, grantOnRequest: grantOnRequest}
}

// Status returns the current status.
func (a *StaticAuthorizer) Status(_ context.Context) AuthorizationStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Request resolves a not-determined status.
func (a *StaticAuthorizer) Request(ctx context.Context) (AuthorizationStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusNotDetermined {
		if a.grantOnRequest {
			a.status = StatusAuthorized
		} else {
			a.status = StatusDenied
		}
	}
	return a.status, nil
}
