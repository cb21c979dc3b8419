package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitdesk/sync-infra/internal/auth"
	"github.com/orbitdesk/sync-infra/internal/provider"
	syncpkg "github.com/orbitdesk/sync-infra/internal/sync"
)

func TestUnitRoundtrip(t *testing.T) {
	unit := &Unit{
		PrincipalID:   "p1",
		Source:        syncpkg.SourceGmailMessages,
		Fresh:         true,
		Cursor:        "page-token",
		TotalSynced:   120,
		OldestSeen:    time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC),
		Max:           500,
		PageSize:      100,
		ModifiedSince: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	payload, err := json.Marshal(unit)
	require.NoError(t, err)

	var decoded Unit
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, *unit, decoded)
}

func TestClassifyProviderError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "terminal refresh",
			err:  &auth.RefreshError{Provider: auth.ProviderGoogle, Terminal: true, Err: errors.New("invalid_grant")},
			want: "terminal",
		},
		{
			name: "auth",
			err:  &provider.AuthError{Provider: provider.NameGoogle, Err: errors.New("401")},
			want: "auth",
		},
		{
			name: "rate limited",
			err:  &provider.APIError{Provider: provider.NameGoogle, Status: 429},
			want: "rate_limited",
		},
		{
			name: "api",
			err:  &provider.APIError{Provider: provider.NameGoogle, Status: 500},
			want: "api",
		},
		{
			name: "request",
			err:  &provider.RequestError{Provider: provider.NameGoogle, Err: errors.New("timeout")},
			want: "request",
		},
		{
			name: "wrapped api",
			err:  fmt.Errorf("fetch page: %w", &provider.APIError{Provider: provider.NameGoogle, Status: 503}),
			want: "api",
		},
		{
			name: "unknown",
			err:  errors.New("something else"),
			want: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyProviderError(tt.err))
		})
	}
}

func TestRetryDelayDefaultsToFirstAttempt(t *testing.T) {
	// An unbound message has no delivery metadata; treat it as attempt one.
	assert.Equal(t, 30*time.Second, retryDelay(&nats.Msg{}))
}
