package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, NewBackoff(time.Millisecond, 2*time.Millisecond), nil, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterMax(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, NewBackoff(time.Millisecond, time.Millisecond), nil, func() error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Retry(context.Background(), 5, nil, func(err error) bool { return errors.Is(err, errTransient) }, func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 5, NewBackoff(time.Hour, time.Hour), nil, func() error {
		calls++
		cancel()
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}
