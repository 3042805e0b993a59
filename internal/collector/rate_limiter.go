package collector

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kurihiro0119/devcohort/internal/metrics"
)

// Channel is one of the independently rate-limited API surfaces
type Channel string

const (
	ChannelGeneral Channel = "general"
	ChannelSearch  Channel = "search"
	ChannelGraphQL Channel = "graphql"
)

// Channels lists every quota channel
var Channels = []Channel{ChannelGeneral, ChannelSearch, ChannelGraphQL}

// QuotaBudget is the last observed quota of one channel
type QuotaBudget struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// bufferFor returns how many calls are held back on a channel.
// The search channel has a 30/min budget so it keeps a narrow margin.
func bufferFor(ch Channel) int {
	if ch == ChannelSearch {
		return 5
	}
	return 100
}

func defaultLimit(ch Channel) int {
	if ch == ChannelSearch {
		return 30
	}
	return 5000
}

// Governor tracks the three quota budgets and gates outbound calls.
// It is safe for concurrent use.
type Governor struct {
	mu      sync.Mutex
	budgets map[Channel]QuotaBudget

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewGovernor creates a governor with optimistic budgets
func NewGovernor(logger *zap.Logger, m *metrics.Metrics) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		budgets: make(map[Channel]QuotaBudget, len(Channels)),
		now:     time.Now,
		sleep:   sleepContext,
		logger:  logger,
		metrics: m,
	}
	g.resetAll()
	return g
}

// WithClock replaces the time source and the sleep function.
// Budgets are re-initialized against the new clock.
func (g *Governor) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Governor {
	g.mu.Lock()
	g.now = now
	g.sleep = sleep
	g.mu.Unlock()
	g.resetAll()
	return g
}

func (g *Governor) resetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range Channels {
		g.budgets[ch] = QuotaBudget{
			Remaining: defaultLimit(ch),
			Limit:     defaultLimit(ch),
			ResetAt:   g.now().Add(time.Hour),
		}
	}
}

// Observe replaces a channel's budget with the values in the rate limit headers.
// Responses without the headers leave the budget unchanged.
func (g *Governor) Observe(ch Channel, h http.Header) {
	if h == nil {
		return
	}
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	resetEpoch, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}

	g.mu.Lock()
	limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	if err != nil {
		limit = g.budgets[ch].Limit
	}
	g.budgets[ch] = QuotaBudget{
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   time.Unix(resetEpoch, 0),
	}
	g.mu.Unlock()

	g.metrics.SetQuota(string(ch), remaining)
}

// WaitIfNeeded blocks until the channel's reset time when the remaining
// quota is at or below the buffer
func (g *Governor) WaitIfNeeded(ctx context.Context, ch Channel) error {
	g.mu.Lock()
	b := g.budgets[ch]
	buffer := bufferFor(ch)
	if b.Remaining > buffer {
		g.mu.Unlock()
		return nil
	}
	wait := b.ResetAt.Sub(g.now()) + time.Second
	sleep := g.sleep
	g.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	g.logger.Warn("Rate limit low, waiting for reset",
		zap.String("channel", string(ch)),
		zap.Int("remaining", b.Remaining),
		zap.Duration("wait", wait.Round(time.Second)),
	)
	g.metrics.IncQuotaWait(string(ch))

	if err := sleep(ctx, wait); err != nil {
		return err
	}

	// Assume a fresh window unless a newer response already replaced the budget
	g.mu.Lock()
	if cur := g.budgets[ch]; cur.ResetAt.Equal(b.ResetAt) && cur.Remaining == b.Remaining {
		g.budgets[ch] = QuotaBudget{
			Remaining: cur.Limit,
			Limit:     cur.Limit,
			ResetAt:   g.now().Add(time.Hour),
		}
	}
	g.mu.Unlock()

	g.logger.Info("Rate limit reset, continuing", zap.String("channel", string(ch)))
	return nil
}

// CanProceed reports without blocking whether a call on ch may go out now
func (g *Governor) CanProceed(ch Channel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.budgets[ch]
	return b.Remaining > bufferFor(ch) || !g.now().Before(b.ResetAt)
}

// Status returns a snapshot of every budget
func (g *Governor) Status() map[Channel]QuotaBudget {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[Channel]QuotaBudget, len(g.budgets))
	for ch, b := range g.budgets {
		out[ch] = b
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
