package retry_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/storacha/go-orbitdb-bridge/pkg/retry"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	cfg := retry.DefaultConfig()
	cfg.Initial = time.Millisecond
	cfg.Max = 2 * time.Millisecond
	cfg.Jitter = 0

	attempts := 0
	err := retry.Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.Initial = time.Millisecond
	cfg.Max = 2 * time.Millisecond
	cfg.Jitter = 0

	attempts := 0
	err := retry.Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("connection reset")
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestDoRespectsContextCancellation(t *testing.T) {
	cfg := retry.DefaultConfig()
	cfg.Initial = 50 * time.Millisecond
	cfg.Jitter = 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := retry.Do(ctx, cfg, func() error {
		attempts++
		return errors.New("connection reset")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts, "the first attempt still runs; cancellation is observed before waiting for a retry")
}

func TestConfigDelayIsCappedAndExponential(t *testing.T) {
	cfg := retry.Config{Initial: 1000 * time.Millisecond, Max: 8000 * time.Millisecond, Multiplier: 2, Jitter: 0}

	require.Equal(t, 1000*time.Millisecond, cfg.Delay(0))
	require.Equal(t, 2000*time.Millisecond, cfg.Delay(1))
	require.Equal(t, 4000*time.Millisecond, cfg.Delay(2))
	require.Equal(t, 8000*time.Millisecond, cfg.Delay(3))
	require.Equal(t, 8000*time.Millisecond, cfg.Delay(10), "delay must never exceed Max")
}

type statusError struct{ code int }

func (e statusError) Error() string  { return "status error" }
func (e statusError) StatusCode() int { return e.code }

func TestDefaultRetryableClassification(t *testing.T) {
	require.True(t, retry.DefaultRetryable(statusError{code: 429}))
	require.True(t, retry.DefaultRetryable(statusError{code: 503}))
	require.True(t, retry.DefaultRetryable(statusError{code: 504}))
	require.False(t, retry.DefaultRetryable(statusError{code: 404}), "a 404 is not a transient condition")

	require.True(t, retry.DefaultRetryable(errors.New("connection reset by peer")))
	require.True(t, retry.DefaultRetryable(errors.New("broken pipe")))

	// A literal "429" substring in an unrelated error string must not be
	// misclassified as retryable (spec.md's flagged bug).
	require.False(t, retry.DefaultRetryable(errors.New("validation failed: field 429 is required")))

	dnsErr := &net.DNSError{Err: "no such host", Name: "example.invalid"}
	require.True(t, retry.DefaultRetryable(dnsErr))
}
