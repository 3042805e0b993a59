package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/google/go-github/v55/github"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kurihiro0119/devcohort/internal/cache"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
	"github.com/kurihiro0119/devcohort/internal/metrics"
)

// Volatility selects how long a successful response stays cached
type Volatility string

const (
	VolatilityNone          Volatility = ""
	VolatilityProfile       Volatility = "profile"
	VolatilityRepoStats     Volatility = "repo_stats"
	VolatilitySearch        Volatility = "search"
	VolatilityContributions Volatility = "contributions"
)

// TTL returns the cache lifetime of the class
func (v Volatility) TTL() time.Duration {
	switch v {
	case VolatilityProfile:
		return 24 * time.Hour
	case VolatilityRepoStats:
		return 6 * time.Hour
	case VolatilitySearch:
		return 12 * time.Hour
	case VolatilityContributions:
		return time.Hour
	}
	return 0
}

const maxJitter = 200 * time.Millisecond

// ErrTransient can be wrapped by a call to mark a failure as retryable
var ErrTransient = errors.New("transient upstream failure")

// StatusError is an HTTP failure returned by calls that bypass go-github's error types
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

// RetryPolicy controls attempts and exponential backoff
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 1s base and 30s cap
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// BackoffDelay returns the non-jittered wait after the given failed attempt (1-based)
func (p RetryPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if (p.MaxDelay > 0 && d >= p.MaxDelay) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ExecutorConfig holds the request policy
type ExecutorConfig struct {
	RequestTimeout time.Duration
	Retry          RetryPolicy
}

// Executor runs governed calls: cache lookup, quota wait, bounded attempt,
// retry with backoff, then header observation and cache write.
type Executor struct {
	governor *Governor
	cache    cache.Store
	group    singleflight.Group
	cfg      ExecutorConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewExecutor creates an executor. store may be nil to disable caching.
func NewExecutor(governor *Governor, store cache.Store, cfg ExecutorConfig, logger *zap.Logger, m *metrics.Metrics) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 1
	}
	return &Executor{
		governor: governor,
		cache:    store,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		sleep:    sleepContext,
		jitter: func() time.Duration {
			return time.Duration(rand.Int64N(int64(maxJitter)))
		},
	}
}

// WithSleep replaces the backoff sleep, for tests
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	e.sleep = sleep
	return e
}

// Governor returns the governor shared by every call
func (e *Executor) Governor() *Governor {
	return e.governor
}

// Call describes one logical upstream operation
type Call[T any] struct {
	Op       string
	Channel  Channel
	CacheKey string
	TTL      Volatility
	Do       func(ctx context.Context) (T, http.Header, error)
}

// Run executes call under the executor's policy. Results are cached as JSON
// when a cache key and volatility class are set; concurrent calls with the
// same key share one upstream request.
func Run[T any](ctx context.Context, e *Executor, call Call[T]) (T, error) {
	var zero T
	if call.CacheKey == "" || call.TTL == VolatilityNone || e.cache == nil {
		return execute(ctx, e, call)
	}

	if data, ok := e.lookup(ctx, call.CacheKey, call.TTL); ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return v, nil
		}
		e.logger.Warn("Discarding undecodable cache entry", zap.String("key", call.CacheKey))
	}

	shared, err, _ := e.group.Do(call.CacheKey, func() (interface{}, error) {
		v, err := execute(ctx, e, call)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s response: %w", call.Op, err)
		}
		if err := e.cache.Set(ctx, call.CacheKey, data, call.TTL.TTL()); err != nil {
			e.logger.Warn("Failed to cache response", zap.String("key", call.CacheKey), zap.Error(err))
		}
		return data, nil
	})
	if err != nil {
		return zero, err
	}

	var v T
	if err := json.Unmarshal(shared.([]byte), &v); err != nil {
		return zero, fmt.Errorf("failed to decode %s response: %w", call.Op, err)
	}
	return v, nil
}

func (e *Executor) lookup(ctx context.Context, key string, class Volatility) ([]byte, bool) {
	data, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
		ok = false
	}
	e.metrics.IncCache(string(class), ok)
	return data, ok
}

func execute[T any](ctx context.Context, e *Executor, call Call[T]) (T, error) {
	var zero T
	var lastErr error
	attempts := e.cfg.Retry.Attempts

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := e.governor.WaitIfNeeded(ctx, call.Channel); err != nil {
			return zero, err
		}

		start := time.Now()
		actx, cancel := e.attemptContext(ctx)
		v, header, err := call.Do(actx)
		cancel()
		elapsed := time.Since(start).Seconds()

		if err == nil {
			e.governor.Observe(call.Channel, header)
			e.metrics.ObserveCall(string(call.Channel), "ok", elapsed)
			if attempt > 1 {
				e.logger.Info("Upstream call succeeded after retry",
					zap.String("op", call.Op),
					zap.Int("attempt", attempt),
				)
			}
			return v, nil
		}

		if h := errorHeader(err); h != nil {
			e.governor.Observe(call.Channel, h)
		}
		lastErr = err

		if ctx.Err() != nil {
			e.metrics.ObserveCall(string(call.Channel), "canceled", elapsed)
			return zero, ctx.Err()
		}
		if !IsRetryable(err) {
			e.metrics.ObserveCall(string(call.Channel), "error", elapsed)
			return zero, err
		}
		e.metrics.ObserveCall(string(call.Channel), "retryable", elapsed)

		if attempt == attempts {
			break
		}

		delay := e.cfg.Retry.BackoffDelay(attempt) + e.jitter()
		e.logger.Warn("Upstream call failed, retrying",
			zap.String("op", call.Op),
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
		)
		e.metrics.IncRetry(string(call.Channel))

		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, exhausted(call.Op, attempts, lastErr)
}

// exhausted classifies the last failure of a call that ran out of attempts
func exhausted(op string, attempts int, err error) error {
	msg := fmt.Sprintf("%s failed after %d attempts", op, attempts)
	if isQuotaFailure(err) {
		return apperrors.NewRateLimitedError(msg, err)
	}
	return apperrors.NewUpstreamError(msg, err)
}

func isQuotaFailure(err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	code, ok := StatusCode(err)
	return ok && code == http.StatusTooManyRequests
}

// attemptContext bounds one try by the request timeout
func (e *Executor) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.RequestTimeout)
}

// IsRetryable reports whether err is a transient upstream failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if code, ok := StatusCode(err); ok {
		switch code {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}

	// The per-attempt deadline fired; the caller's context is checked before this
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// StatusCode extracts the HTTP status of an upstream failure
func StatusCode(err error) (int, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode, true
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return 0, false
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return 0, false
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.StatusCode, true
	}
	return 0, false
}

func errorHeader(err error) http.Header {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) && rateErr.Response != nil {
		return rateErr.Response.Header
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.Header
	}
	return nil
}
