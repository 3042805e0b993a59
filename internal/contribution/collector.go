// Package contribution onboards sampled users: it fetches their contribution
// calendars, applies the baseline-activity gate and persists daily rows.
package contribution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
	"github.com/kurihiro0119/devcohort/internal/metrics"
)

// Rejection reasons reported in Outcome.Reason
const (
	ReasonNotFound       = "not_found"
	ReasonOrganization   = "organization"
	ReasonBot            = "bot"
	ReasonBaselineFailed = "baseline_fetch_failed"
	ReasonBelowThreshold = "below_threshold"
)

// knownAutomation lists automation accounts that do not follow a bot naming pattern
var knownAutomation = map[string]bool{
	"dependabot":      true,
	"renovate":        true,
	"github-actions":  true,
	"greenkeeper":     true,
	"imgbot":          true,
	"codecov":         true,
	"mergify":         true,
	"allcontributors": true,
	"snyk-bot":        true,
	"pre-commit-ci":   true,
}

// IsBotLogin reports whether login looks like an automation account
func IsBotLogin(login string) bool {
	l := strings.ToLower(login)
	if knownAutomation[l] {
		return true
	}
	return strings.Contains(l, "[bot]") || strings.HasSuffix(l, "-bot") || strings.HasPrefix(l, "bot-")
}

// Source is the subset of the upstream client used for onboarding
type Source interface {
	GetUserProfile(ctx context.Context, login string) (*domain.UserProfile, error)
	GetContributionCalendar(ctx context.Context, login string, year int) (*domain.ContributionCalendar, error)
}

// Store is the subset of storage used for onboarding
type Store interface {
	UpsertUser(ctx context.Context, user *domain.SampledUser) error
	UpsertDailyContributions(ctx context.Context, rows []domain.DailyContribution) error
	DeleteUser(ctx context.Context, userID int64) error
	UpdateUserTotals(ctx context.Context, userID, total, baseline int64, syncedAt time.Time) error
}

// Options controls the baseline gate and the collected years
type Options struct {
	BaselineYears []int
	Years         []int
	MinBaseline   int64
	ChunkSize     int
}

// Outcome is the result of onboarding one candidate
type Outcome struct {
	Included bool
	Reason   string
	UserID   int64
	Baseline int64
	Total    int64
}

// Collector runs the per-user onboarding procedure
type Collector struct {
	source  Source
	store   Store
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a contribution collector
func New(source Source, store Store, opts Options, logger *zap.Logger, m *metrics.Metrics) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 200
	}
	return &Collector{
		source:  source,
		store:   store,
		opts:    opts,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the collector's time source
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Onboard fetches the candidate's profile and baseline calendars and keeps the
// user only if the baseline total reaches the threshold. A user whose baseline
// could not be fully fetched is deleted with all of its rows. Post-baseline
// years are fetched best effort once the gate has passed.
//
// Rejections are reported through Outcome; the returned error is set only for
// failures the caller should log, such as a profile fetch that exhausted its
// retries or a storage failure.
func (c *Collector) Onboard(ctx context.Context, candidate domain.SearchUser, tier domain.Tier) (Outcome, error) {
	logger := c.logger.With(zap.String("username", candidate.Login), zap.String("tier", string(tier)))

	if IsBotLogin(candidate.Login) {
		return c.reject(logger, ReasonBot), nil
	}

	profile, err := c.source.GetUserProfile(ctx, candidate.Login)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return c.reject(logger, ReasonNotFound), nil
		}
		c.metrics.IncOnboarding("error")
		return Outcome{}, fmt.Errorf("failed to fetch profile of %s: %w", candidate.Login, err)
	}
	switch profile.Type {
	case domain.AccountTypeOrganization:
		return c.reject(logger, ReasonOrganization), nil
	case domain.AccountTypeBot:
		return c.reject(logger, ReasonBot), nil
	}
	if IsBotLogin(profile.Login) {
		return c.reject(logger, ReasonBot), nil
	}

	user := &domain.SampledUser{
		PlatformID:  profile.PlatformID,
		Username:    profile.Login,
		Tier:        tier,
		Followers:   profile.Followers,
		PublicRepos: profile.PublicRepos,
	}
	if err := c.store.UpsertUser(ctx, user); err != nil {
		c.metrics.IncOnboarding("error")
		return Outcome{}, err
	}

	var baseline int64
	for _, year := range c.opts.BaselineYears {
		n, err := c.collectYear(ctx, user, year)
		if err != nil {
			logger.Warn("Baseline year failed", zap.Int("year", year), zap.Error(err))
			if delErr := c.discard(ctx, user); delErr != nil {
				return Outcome{}, delErr
			}
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return c.reject(logger, ReasonBaselineFailed), nil
		}
		baseline += n
	}

	if baseline < c.opts.MinBaseline {
		if err := c.discard(ctx, user); err != nil {
			return Outcome{}, err
		}
		logger.Debug("Below baseline threshold", zap.Int64("baseline", baseline), zap.Int64("min", c.opts.MinBaseline))
		return c.reject(logger, ReasonBelowThreshold), nil
	}

	total := baseline
	now := c.now().UTC()
	for _, year := range c.postYears(now) {
		n, err := c.collectYear(ctx, user, year)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			logger.Warn("Skipping contribution year", zap.Int("year", year), zap.Error(err))
			continue
		}
		total += n
	}

	if err := c.store.UpdateUserTotals(ctx, user.ID, total, baseline, now); err != nil {
		c.metrics.IncOnboarding("error")
		return Outcome{}, err
	}

	c.metrics.IncOnboarding("included")
	logger.Info("Onboarded user", zap.Int64("baseline", baseline), zap.Int64("total", total))
	return Outcome{Included: true, UserID: user.ID, Baseline: baseline, Total: total}, nil
}

// collectYear fetches one calendar year and writes its non-zero days in chunks.
// It returns the sum of the stored day counts.
func (c *Collector) collectYear(ctx context.Context, user *domain.SampledUser, year int) (int64, error) {
	cal, err := c.source.GetContributionCalendar(ctx, user.Username, year)
	if err != nil {
		return 0, err
	}

	var sum int64
	rows := make([]domain.DailyContribution, 0, len(cal.Days))
	for _, d := range cal.Days {
		if d.Count <= 0 {
			continue
		}
		sum += int64(d.Count)
		rows = append(rows, domain.DailyContribution{Date: d.Date, UserID: user.ID, Count: d.Count})
	}

	for start := 0; start < len(rows); start += c.opts.ChunkSize {
		end := min(start+c.opts.ChunkSize, len(rows))
		if err := c.store.UpsertDailyContributions(ctx, rows[start:end]); err != nil {
			return 0, fmt.Errorf("failed to store %d contributions: %w", year, err)
		}
	}
	return sum, nil
}

// postYears returns the configured years outside the baseline that have started
func (c *Collector) postYears(now time.Time) []int {
	baseline := make(map[int]bool, len(c.opts.BaselineYears))
	for _, y := range c.opts.BaselineYears {
		baseline[y] = true
	}
	var years []int
	for _, y := range c.opts.Years {
		if baseline[y] || y > now.Year() {
			continue
		}
		years = append(years, y)
	}
	return years
}

// discard deletes a user that failed the gate. The delete must happen even
// when ctx has been cancelled.
func (c *Collector) discard(ctx context.Context, user *domain.SampledUser) error {
	if err := c.store.DeleteUser(context.WithoutCancel(ctx), user.ID); err != nil {
		c.metrics.IncOnboarding("error")
		return fmt.Errorf("failed to delete gated user %s: %w", user.Username, err)
	}
	return nil
}

func (c *Collector) reject(logger *zap.Logger, reason string) Outcome {
	c.metrics.IncOnboarding(reason)
	logger.Debug("Candidate rejected", zap.String("reason", reason))
	return Outcome{Reason: reason}
}
