package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldRetryClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no status", errors.New("connection reset"), true},
		{"429", &StatusError{Status: 429, Err: errors.New("slow down")}, true},
		{"500", &StatusError{Status: 500, Err: errors.New("boom")}, true},
		{"503", &StatusError{Status: 503, Err: errors.New("busy")}, true},
		{"404", &StatusError{Status: 404, Err: errors.New("gone")}, false},
		{"400", &StatusError{Status: 400, Err: errors.New("bad")}, false},
		{"wrapped 502", fmt.Errorf("save: %w", &StatusError{Status: 502, Err: errors.New("gateway")}), true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := shouldRetry(tc.err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestShouldRetryHonorsRetryAfter(t *testing.T) {
	err := &StatusError{Status: 429, RetryAfter: 1500 * time.Millisecond, Err: errors.New("slow down")}
	retry, after := shouldRetry(err)
	require.True(t, retry)
	assert.Equal(t, 1500*time.Millisecond, after)
}

func TestBackoffDelayCapped(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		d := backoffDelay(attempt)
		assert.LessOrEqual(t, d, 5200*time.Millisecond, "attempt %d", attempt)
		assert.Greater(t, d, time.Duration(0))
	}
	// First attempt is around 0.4s plus jitter.
	d := backoffDelay(0)
	assert.GreaterOrEqual(t, d, 400*time.Millisecond)
	assert.LessOrEqual(t, d, 600*time.Millisecond)
}

func TestWithRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "test", func() error {
		calls++
		return &StatusError{Status: 404, Err: errors.New("gone")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRecovers(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "test", func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "test", func() error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, retryAttempts, calls)
}
