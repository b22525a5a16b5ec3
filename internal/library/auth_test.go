package library

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthorizer(t *testing.T) {
	tests := []struct {
		name        string
		status      AuthorizationStatus
		grant       bool
		wantRequest AuthorizationStatus
	}{
		{name: "already authorized", status: StatusAuthorized, wantRequest: StatusAuthorized},
		{name: "prompt granted", status: StatusNotDetermined, grant: true, wantRequest: StatusAuthorized},
		{name: "prompt denied", status: StatusNotDetermined, grant: false, wantRequest: StatusDenied},
		{name: "restricted stays restricted", status: StatusRestricted, grant: true, wantRequest: StatusRestricted},
		{name: "denied stays denied", status: StatusDenied, grant: true, wantRequest: StatusDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			a := NewStaticAuthorizer(tt.status, tt.grant)
			assert.Equal(t, tt.status, a.Status(ctx))

			got, err := a.Request(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRequest, got)
			assert.Equal(t, tt.wantRequest, a.Status(ctx), "answer must be remembered")
		})
	}
}

func TestStaticAuthorizer_RequestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStaticAuthorizer(StatusNotDetermined, true).Request(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseAuthorizationStatus(t *testing.T) {
	st, err := ParseAuthorizationStatus("not-determined")
	require.NoError(t, err)
	assert.Equal(t, StatusNotDetermined, st)

	_, err = ParseAuthorizationStatus("maybe")
	assert.Error(t, err)
}
