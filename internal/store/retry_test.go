package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("SQLITE_BUSY (5): database busy"), true},
		{"locked", errors.New("SQLITE_LOCKED (6)"), true},
		{"database is locked", errors.New("database is locked"), true},
		{"table locked", errors.New("database table is locked"), true},
		{"constraint", errors.New("UNIQUE constraint failed: records.source_id"), false},
		{"plain", errors.New("no such table: records"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransientSQLiteErr(tt.err))
		})
	}
}

func TestRetryOpRetriesTransientErrors(t *testing.T) {
	cfg := retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}

	attempts := 0
	err := retryOp(cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryOpStopsOnPermanentError(t *testing.T) {
	cfg := retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}

	attempts := 0
	err := retryOp(cfg, func() error {
		attempts++
		return errors.New("UNIQUE constraint failed")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryOpGivesUpAfterBudget(t *testing.T) {
	cfg := retryConfig{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}

	attempts := 0
	err := retryOp(cfg, func() error {
		attempts++
		return errors.New("SQLITE_BUSY")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}
