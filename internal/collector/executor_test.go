package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/devcohort/internal/cache"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestExecutor(t *testing.T, attempts int) (*Executor, *[]time.Duration) {
	t.Helper()
	var delays []time.Duration
	gov := NewGovernor(nil, nil)
	exec := NewExecutor(gov, cache.NewMemoryStore(), ExecutorConfig{
		RequestTimeout: time.Second,
		Retry:          RetryPolicy{Attempts: attempts, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
	}, nil, nil).WithSleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	})
	return exec, &delays
}

func TestRun_CacheHitAvoidsNetwork(t *testing.T) {
	exec, _ := newTestExecutor(t, 3)
	var calls atomic.Int32

	call := Call[payload]{
		Op:       "test",
		Channel:  ChannelGeneral,
		CacheKey: "profile:octocat",
		TTL:      VolatilityProfile,
		Do: func(ctx context.Context) (payload, http.Header, error) {
			calls.Add(1)
			return payload{Name: "octocat", Count: 7}, nil, nil
		},
	}

	first, err := Run(context.Background(), exec, call)
	require.NoError(t, err)
	second, err := Run(context.Background(), exec, call)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, payload{Name: "octocat", Count: 7}, second)
}

func TestRun_CacheEntryExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := cache.NewMemoryStore().WithClock(func() time.Time { return now })
	exec := NewExecutor(NewGovernor(nil, nil), store, ExecutorConfig{Retry: DefaultRetryPolicy()}, nil, nil)
	var calls atomic.Int32

	call := Call[int]{
		Op:       "test",
		Channel:  ChannelGraphQL,
		CacheKey: "calendar:octocat:2024",
		TTL:      VolatilityContributions,
		Do: func(ctx context.Context) (int, http.Header, error) {
			return int(calls.Add(1)), nil, nil
		},
	}

	v, err := Run(context.Background(), exec, call)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	now = now.Add(59 * time.Minute)
	v, err = Run(context.Background(), exec, call)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	v, err = Run(context.Background(), exec, call)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestRun_RetriesTransientStatus(t *testing.T) {
	exec, delays := newTestExecutor(t, 3)
	var calls atomic.Int32

	got, err := Run(context.Background(), exec, Call[payload]{
		Op:      "test",
		Channel: ChannelGeneral,
		Do: func(ctx context.Context) (payload, http.Header, error) {
			if calls.Add(1) == 1 {
				return payload{}, nil, &StatusError{StatusCode: http.StatusServiceUnavailable, Message: "unavailable"}
			}
			return payload{Name: "ok", Count: 200}, nil, nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, payload{Name: "ok", Count: 200}, got)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, *delays, 1)
	assert.GreaterOrEqual(t, (*delays)[0], time.Second)
	assert.Less(t, (*delays)[0], time.Second+maxJitter)
}

func TestRun_NotFoundIsNotRetried(t *testing.T) {
	exec, delays := newTestExecutor(t, 3)
	var calls atomic.Int32

	_, err := Run(context.Background(), exec, Call[payload]{
		Op:      "test",
		Channel: ChannelGeneral,
		Do: func(ctx context.Context) (payload, http.Header, error) {
			calls.Add(1)
			return payload{}, nil, &StatusError{StatusCode: http.StatusNotFound, Message: "missing"}
		},
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, *delays)
	code, ok := StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRun_ExhaustedAttemptsPropagateLastError(t *testing.T) {
	exec, delays := newTestExecutor(t, 3)
	var calls atomic.Int32

	_, err := Run(context.Background(), exec, Call[payload]{
		Op:       "test",
		Channel:  ChannelSearch,
		CacheKey: "search:users:x",
		TTL:      VolatilitySearch,
		Do: func(ctx context.Context) (payload, http.Header, error) {
			n := calls.Add(1)
			return payload{}, nil, &StatusError{StatusCode: http.StatusBadGateway, Message: fmt.Sprintf("attempt %d", n)}
		},
	})

	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, *delays, 2)
	assert.Contains(t, err.Error(), "attempt 3")
	code, ok := apperrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeUpstreamUnavailable, code)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	// failures are not cached
	_, err = Run(context.Background(), exec, Call[payload]{
		Op:       "test",
		Channel:  ChannelSearch,
		CacheKey: "search:users:x",
		TTL:      VolatilitySearch,
		Do: func(ctx context.Context) (payload, http.Header, error) {
			calls.Add(1)
			return payload{Name: "recovered"}, nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

func TestRun_ExhaustedQuotaIsRateLimited(t *testing.T) {
	exec, _ := newTestExecutor(t, 2)

	_, err := Run(context.Background(), exec, Call[payload]{
		Op:      "search users",
		Channel: ChannelSearch,
		Do: func(ctx context.Context) (payload, http.Header, error) {
			return payload{}, nil, &StatusError{StatusCode: http.StatusTooManyRequests, Message: "slow down"}
		},
	})

	code, ok := apperrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeRateLimited, code)
	assert.Contains(t, err.Error(), "search users failed after 2 attempts")
}

func TestRun_ParentCancellationIsNotRetried(t *testing.T) {
	exec, delays := newTestExecutor(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	_, err := Run(ctx, exec, Call[payload]{
		Op:      "test",
		Channel: ChannelGeneral,
		Do: func(ctx context.Context) (payload, http.Header, error) {
			calls.Add(1)
			cancel()
			return payload{}, nil, ctx.Err()
		},
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, *delays)
}

func TestRun_AttemptTimeoutIsRetried(t *testing.T) {
	gov := NewGovernor(nil, nil)
	exec := NewExecutor(gov, nil, ExecutorConfig{
		RequestTimeout: 10 * time.Millisecond,
		Retry:          RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, nil, nil)
	var calls atomic.Int32

	got, err := Run(context.Background(), exec, Call[string]{
		Op:      "test",
		Channel: ChannelGeneral,
		Do: func(ctx context.Context) (string, http.Header, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return "", nil, ctx.Err()
			}
			return "done", nil, nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_ObservesHeadersOnSuccess(t *testing.T) {
	exec, _ := newTestExecutor(t, 1)
	reset := time.Now().Add(30 * time.Minute)

	_, err := Run(context.Background(), exec, Call[int]{
		Op:      "test",
		Channel: ChannelGraphQL,
		Do: func(ctx context.Context) (int, http.Header, error) {
			return 1, rateHeaders(4321, 5000, reset), nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 4321, exec.Governor().Status()[ChannelGraphQL].Remaining)
	assert.Equal(t, 5000, exec.Governor().Status()[ChannelGeneral].Remaining)
}

func TestBackoffDelay_MonotonicAndCapped(t *testing.T) {
	p := RetryPolicy{Attempts: 10, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		d := p.BackoffDelay(attempt)
		assert.Equal(t, want[attempt-1], d, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
	assert.Equal(t, 30*time.Second, p.BackoffDelay(200))
}

func TestIsRetryable(t *testing.T) {
	respErr := func(code int) error {
		req := &http.Request{Method: http.MethodGet, URL: &url.URL{Scheme: "https", Host: "api.github.com", Path: "/users/x"}}
		return &github.ErrorResponse{Response: &http.Response{StatusCode: code, Request: req}}
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"408", &StatusError{StatusCode: 408}, true},
		{"429", respErr(429), true},
		{"500", respErr(500), true},
		{"502", &StatusError{StatusCode: 502}, true},
		{"503", respErr(503), true},
		{"504", respErr(504), true},
		{"404", respErr(404), false},
		{"422", &StatusError{StatusCode: 422}, false},
		{"wrapped 503", fmt.Errorf("outer: %w", respErr(503)), true},
		{"secondary rate limit", &github.AbuseRateLimitError{}, true},
		{"primary rate limit", &github.RateLimitError{}, true},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.github.com"}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"deadline", context.DeadlineExceeded, true},
		{"transient marker", fmt.Errorf("graphql: %w", ErrTransient), true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestVolatilityTTL(t *testing.T) {
	assert.Equal(t, 24*time.Hour, VolatilityProfile.TTL())
	assert.Equal(t, 6*time.Hour, VolatilityRepoStats.TTL())
	assert.Equal(t, 12*time.Hour, VolatilitySearch.TTL())
	assert.Equal(t, time.Hour, VolatilityContributions.TTL())
	assert.Zero(t, VolatilityNone.TTL())
}
