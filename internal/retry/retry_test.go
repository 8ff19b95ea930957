package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	got, err := DoWith(context.Background(), "test", func() (int, error) {
		calls++
		return 42, nil
	}, Options{MaxRetries: 3, BaseDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	got, err := DoWith(context.Background(), "test", func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("nonce too low")
		}
		return "ok", nil
	}, Options{MaxRetries: 3, BaseDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnTerminal(t *testing.T) {
	calls := 0
	_, err := DoWith(context.Background(), "test", func() (int, error) {
		calls++
		return 0, errors.New("execution reverted: NotRegistered")
	}, Options{MaxRetries: 3, BaseDelay: time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "terminal errors must not be retried")
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	_, err := DoWith(context.Background(), "test", func() (int, error) {
		calls++
		return 0, errors.New("connection timeout")
	}, Options{MaxRetries: 3, BaseDelay: time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoRespectsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DoWith(ctx, "test", func() (int, error) {
		return 0, errors.New("network unreachable")
	}, Options{MaxRetries: 3, BaseDelay: time.Millisecond})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("nonce too low"), true},
		{errors.New("replacement transaction underpriced"), true},
		{errors.New("existing transaction had higher priority"), true},
		{errors.New("Internal error"), true},
		{errors.New("read: ECONNRESET"), true},
		{errors.New("dial: ECONNREFUSED"), true},
		{errors.New("network is unreachable"), true},
		{errors.New("request timeout"), true},
		{fmt.Errorf("send failed: %w", errors.New("nonce gap detected")), true},
		{errors.New("execution reverted: InsufficientAgentBalance"), false},
		{errors.New("EpochNotFound"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsTransient(tc.err), "error %q", tc.err)
	}
}
