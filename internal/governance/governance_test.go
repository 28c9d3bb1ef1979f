package governance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryPolicyDo(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 2})
	rp.sleep = noSleep

	calls := 0
	err := rp.Do(context.Background(), func(attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = rp.Do(context.Background(), func(int) error {
		calls++
		return errors.New("down")
	})
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyPermanent(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 5})
	rp.sleep = noSleep
	sentinel := errors.New("bad input")

	calls := 0
	err := rp.Do(context.Background(), func(int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 5})
	err := rp.Do(ctx, func(int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteWithRetryOnlyRetriesIdempotentMethods(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 3})
	rp.sleep = noSleep

	calls := 0
	status, err := rp.ExecuteWithRetry(context.Background(), http.MethodGet, func() (int, error) {
		calls++
		if calls == 1 {
			return http.StatusServiceUnavailable, nil
		}
		return http.StatusOK, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, calls)

	calls = 0
	status, err = rp.ExecuteWithRetry(context.Background(), http.MethodPost, func() (int, error) {
		calls++
		return http.StatusServiceUnavailable, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, 1, calls)
}

func TestCalculateBackoffIsCapped(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, BackoffMultiplier: 2})
	assert.Equal(t, time.Second, rp.CalculateBackoff(0))
	assert.Equal(t, 2*time.Second, rp.CalculateBackoff(1))
	assert.Equal(t, 3*time.Second, rp.CalculateBackoff(5))
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []CircuitBreakerState
	cb := NewCircuitBreaker("github", CircuitBreakerConfig{
		MaxFailures: 2,
		Timeout:     time.Minute,
		OnStateChange: func(name string, _, to CircuitBreakerState) {
			assert.Equal(t, "github", name)
			transitions = append(transitions, to)
		},
	})
	cb.now = func() time.Time { return now }
	ctx := context.Background()
	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, cb.Execute(ctx, fail), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}, transitions)

	stats := cb.Stats()
	assert.Equal(t, 2, stats.Failures)
	assert.Equal(t, 1, stats.Successes)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("gitlab", CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Second})
	cb.now = func() time.Time { return now }
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("nope") }

	_ = cb.Execute(ctx, fail)
	now = now.Add(2 * time.Second)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerManager(t *testing.T) {
	m := NewCircuitBreakerManager(CircuitBreakerConfig{MaxFailures: 1})
	assert.Same(t, m.Get("github"), m.Get("github"))
	assert.NotSame(t, m.Get("github"), m.Get("gitlab"))

	_ = m.Get("github").Execute(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, "open", m.Stats()["github"].State)
	m.ResetAll()
	assert.Equal(t, "closed", m.Stats()["github"].State)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 2})
	assert.True(t, rl.Allow("token-a"))
	assert.True(t, rl.Allow("token-a"))
	assert.False(t, rl.Allow("token-a"))
	assert.True(t, rl.Allow("token-b"))

	rec := httptest.NewRecorder()
	rl.Headers(rec, "token-a")
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	unlimited := NewRateLimiter(RateLimiterConfig{})
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow("any"))
	}
}
