// Package library is the photo library the inserter writes Live Photo assets
// into. It defines the Library and Transaction ports and provides Store, an
// engine that keeps resource blobs in storage.Storage and asset records in a
// Catalog.
package library

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when an asset does not exist.
	ErrNotFound = errors.New("asset not found")
	// ErrNotAuthorized is returned when a transaction is opened without authorization.
	ErrNotAuthorized = errors.New("library access not authorized")
	// ErrTxDone is returned when a committed or rolled back transaction is used.
	ErrTxDone = errors.New("transaction already finished")
	// ErrRequestPending is returned when a second creation request is added to a transaction.
	ErrRequestPending = errors.New("transaction already holds a creation request")
	// ErrEmptyTransaction is returned when a transaction without a request is committed.
	ErrEmptyTransaction = errors.New("transaction has no creation request")
	// ErrInvalidRequest is returned for malformed creation requests.
	ErrInvalidRequest = errors.New("invalid creation request")
)

// AuthorizationStatus is the library access state of this process.
type AuthorizationStatus string

// Authorization states.
const (
	StatusAuthorized    AuthorizationStatus = "authorized"
	StatusDenied        AuthorizationStatus = "denied"
	StatusRestricted    AuthorizationStatus = "restricted"
	StatusNotDetermined AuthorizationStatus = "not-determined"
)

// ParseAuthorizationStatus parses a status name.
func ParseAuthorizationStatus(s string) (AuthorizationStatus, error) {
	switch st := AuthorizationStatus(s); st {
	case StatusAuthorized, StatusDenied, StatusRestricted, StatusNotDetermined:
		return st, nil
	}
	return "", fmt.Errorf("unknown authorization status %q", s)
}

// ResourceType identifies the role of a file inside an asset.
type ResourceType string

// Resource types of a Live Photo asset.
const (
	ResourcePhoto       ResourceType = "photo"
	ResourcePairedVideo ResourceType = "paired-video"
)

// Resource is a file to attach to a new asset.
type Resource struct {
	Type ResourceType
	Path string
}

// CreationRequest asks for one asset built from a photo and its paired video.
type CreationRequest struct {
	Identifier string
	Resources  []Resource
}

// Validate checks that the request holds exactly one photo and one paired video.
func (r CreationRequest) Validate() error {
	if r.Identifier == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidRequest)
	}
	counts := map[ResourceType]int{}
	for _, res := range r.Resources {
		if res.Path == "" {
			return fmt.Errorf("%w: %s resource has no path", ErrInvalidRequest, res.Type)
		}
		counts[res.Type]++
	}
	if counts[ResourcePhoto] != 1 || counts[ResourcePairedVideo] != 1 || len(r.Resources) != 2 {
		return fmt.Errorf("%w: need one photo and one paired video", ErrInvalidRequest)
	}
	return nil
}

// StoredResource is a resource persisted in the library.
type StoredResource struct {
	Type        ResourceType `json:"type"`
	Key         string       `json:"key"`
	ContentType string       `json:"content_type"`
	Size        int64        `json:"size"`
	URL         string       `json:"url,omitempty"`
}

// Asset is a committed library asset.
type Asset struct {
	ID         string           `json:"id"`
	Identifier string           `json:"identifier"`
	CreatedAt  time.Time        `json:"created_at"`
	Resources  []StoredResource `json:"resources"`
}

// Clone returns a deep copy of the asset.
func (a *Asset) Clone() *Asset {
	clone := *a
	clone.Resources = append([]StoredResource(nil), a.Resources...)
	return &clone
}

// Resource returns the resource of type t, if any.
func (a *Asset) Resource(t ResourceType) (StoredResource, bool) {
	for _, r := range a.Resources {
		if r.Type == t {
			return r, true
		}
	}
	return StoredResource{}, false
}

// Library is the photo library port.
type Library interface {
	// AuthorizationStatus returns the current access state without prompting.
	AuthorizationStatus(ctx context.Context) AuthorizationStatus

	// RequestAuthorization asks for access. It may block until the request
	// is answered.
	RequestAuthorization(ctx context.Context) (AuthorizationStatus, error)

	// Begin opens a write transaction. Access must be authorized.
	Begin(ctx context.Context) (Transaction, error)

	// Count returns the number of committed assets.
	Count(ctx context.Context) (int, error)

	// Get returns a committed asset.
	Get(ctx context.Context, id string) (*Asset, error)
}

// Transaction is a single-use unit of work holding at most one creation
// request. Either every resource of the request becomes visible at Commit or
// none does.
type Transaction interface {
	// CreateAsset stages the request and returns the ID the asset will have.
	CreateAsset(ctx context.Context, req CreationRequest) (string, error)

	// Commit makes the staged asset visible.
	Commit(ctx context.Context) error

	// Rollback discards staged resources. It is a no-op after Commit.
	Rollback(ctx context.Context) error
}
