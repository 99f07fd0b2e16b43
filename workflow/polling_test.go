package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollUntilReturnsWhenDone(t *testing.T) {
	calls := 0
	v, pending, err := pollUntil(context.Background(), 5*time.Second, func(context.Context) (int, error) {
		calls++
		return calls, nil
	}, func(n int) bool { return n >= 3 })
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, 3, v)
}

func TestPollUntilReportsPendingAtDeadline(t *testing.T) {
	start := time.Now()
	v, pending, err := pollUntil(context.Background(), 50*time.Millisecond, func(context.Context) (string, error) {
		return "RUNNING", nil
	}, func(s string) bool { return s == "DONE" })
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, "RUNNING", v)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPollUntilZeroWaitReadsOnce(t *testing.T) {
	calls := 0
	_, pending, err := pollUntil(context.Background(), 0, func(context.Context) (int, error) {
		calls++
		return 0, nil
	}, func(int) bool { return false })
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, 1, calls)
}

func TestPollUntilSurfacesLoadErrors(t *testing.T) {
	boom := errors.New("boom")
	_, pending, err := pollUntil(context.Background(), time.Second, func(context.Context) (int, error) {
		return 0, boom
	}, func(int) bool { return true })
	assert.ErrorIs(t, err, boom)
	assert.False(t, pending)
}

func TestPollUntilStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, pending, err := pollUntil(ctx, MaxPollWait, func(context.Context) (int, error) {
		return 0, nil
	}, func(int) bool { return false })
	require.NoError(t, err)
	assert.True(t, pending)
}
