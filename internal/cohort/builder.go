// Package cohort builds the sampled user and repository cohorts.
package cohort

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kurihiro0119/devcohort/internal/collector"
	"github.com/kurihiro0119/devcohort/internal/contribution"
	"github.com/kurihiro0119/devcohort/internal/domain"
	"github.com/kurihiro0119/devcohort/internal/flow"
	"github.com/kurihiro0119/devcohort/internal/metrics"
	"github.com/kurihiro0119/devcohort/internal/sampler"
	"github.com/kurihiro0119/devcohort/internal/signals"
	"github.com/kurihiro0119/devcohort/internal/storage"
)

// Upstream is the part of the platform client the builder drives
type Upstream interface {
	sampler.UserSearcher
	contribution.Source
	flow.Source
	signals.Source
	SearchRepositories(ctx context.Context, query string, page, perPage int) ([]domain.SearchRepository, error)
}

// UpstreamFactory builds a client that applies the request policy of p
type UpstreamFactory func(p Params) Upstream

// Builder runs the user and repository cohort builds
type Builder struct {
	upstream UpstreamFactory
	store    storage.Storage
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewBuilder creates a builder
func NewBuilder(upstream UpstreamFactory, store storage.Storage, logger *zap.Logger, m *metrics.Metrics) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		upstream: upstream,
		store:    store,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// WithClock replaces the builder's time source
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// BuildUsers samples every band in declaration order and onboards each
// candidate. It returns the number of users that passed the baseline gate.
// A band whose search fails is logged and skipped; the build fails only
// when every band failed or ctx was cancelled.
func (b *Builder) BuildUsers(ctx context.Context, p Params) (int, error) {
	up := b.upstream(p)
	s := sampler.New(up, p.SearchPageSize, p.SearchPagesPerOrder, b.logger)
	onboarder := contribution.New(up, b.store, contribution.Options{
		BaselineYears: p.BaselineYears,
		Years:         p.Years,
		MinBaseline:   p.MinBaselineContributions,
		ChunkSize:     p.UpsertChunkSize,
	}, b.logger, b.metrics).WithClock(b.now)

	included := 0
	var bandErrs []error
	for _, band := range p.Bands {
		if err := ctx.Err(); err != nil {
			return included, err
		}
		candidates, err := s.Sample(ctx, band, p.TargetFor(band), p.Seed)
		if err != nil {
			if ctx.Err() != nil {
				return included, ctx.Err()
			}
			b.logger.Error("Band sampling failed", zap.String("band", band.String()), zap.Error(err))
			bandErrs = append(bandErrs, err)
			continue
		}

		bandIncluded := 0
		for _, candidate := range candidates {
			if err := ctx.Err(); err != nil {
				return included, err
			}
			outcome, err := onboarder.Onboard(ctx, candidate, band.Tier)
			if err != nil {
				b.logger.Warn("Failed to onboard user", zap.String("username", candidate.Login), zap.Error(err))
				continue
			}
			if outcome.Included {
				bandIncluded++
			}
		}
		included += bandIncluded
		b.logger.Info("Band onboarded",
			zap.String("band", band.String()),
			zap.Int("candidates", len(candidates)),
			zap.Int("included", bandIncluded),
		)
	}

	if len(bandErrs) > 0 && len(bandErrs) == len(p.Bands) {
		return included, fmt.Errorf("every band failed: %w", errors.Join(bandErrs...))
	}
	return included, nil
}

// BuildRepos gathers the top repositories of each tracked language, then
// syncs the flow feeds and adoption signals of every gathered repository.
// It returns the number of repositories synced.
func (b *Builder) BuildRepos(ctx context.Context, p Params) (int, error) {
	up := b.upstream(p)
	flows := flow.New(up, b.store, p.PRPages, p.IssuePages, b.logger)
	scanner := signals.NewScanner(up, b.store, b.logger).WithClock(b.now)

	var repos []*domain.SampledRepository
	seen := make(map[int64]bool)
	var langErrs []error
	languages := Languages[:p.LanguageCount]
	for _, language := range languages {
		found, err := b.searchLanguage(ctx, up, language, p)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			b.logger.Error("Repository search failed", zap.String("language", language), zap.Error(err))
			langErrs = append(langErrs, err)
		}
		for _, hit := range found {
			if seen[hit.PlatformID] {
				continue
			}
			seen[hit.PlatformID] = true
			repo := &domain.SampledRepository{
				PlatformID:      hit.PlatformID,
				FullName:        hit.FullName,
				Owner:           hit.Owner,
				Name:            hit.Name,
				PrimaryLanguage: language,
				Stars:           hit.Stars,
				Forks:           hit.Forks,
				OpenIssues:      hit.OpenIssues,
			}
			if err := b.store.UpsertRepository(ctx, repo); err != nil {
				return 0, fmt.Errorf("failed to save repository %s: %w", hit.FullName, err)
			}
			repos = append(repos, repo)
		}
	}
	if len(languages) > 0 && len(langErrs) == len(languages) {
		return 0, fmt.Errorf("every language search failed: %w", errors.Join(langErrs...))
	}

	users, err := flows.UserIndex(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to index sampled users: %w", err)
	}

	synced := 0
	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		logger := b.logger.With(zap.String("repo", repo.FullName))
		res, err := flows.SyncRepository(ctx, repo, users)
		if err != nil {
			logger.Warn("Flow sync incomplete", zap.Error(err))
		}
		if _, err := scanner.ScanRepository(ctx, repo); err != nil {
			logger.Warn("Signal scan incomplete", zap.Error(err))
		}
		if err := b.store.MarkRepositorySynced(ctx, repo.ID, b.now().UTC()); err != nil {
			return synced, fmt.Errorf("failed to mark %s synced: %w", repo.FullName, err)
		}
		synced++
		logger.Debug("Repository synced",
			zap.Bool("stats_ready", res.StatsReady),
			zap.Int("pull_requests", res.PullRequests),
			zap.Int("issues", res.Issues),
		)
	}
	return synced, nil
}

// searchLanguage pages the star-sorted search of one language until the
// per-language target is met or results run out. Hits gathered before a
// failing page are returned with the error.
func (b *Builder) searchLanguage(ctx context.Context, up Upstream, language string, p Params) ([]domain.SearchRepository, error) {
	query := fmt.Sprintf("language:%s stars:>=%d", searchTerm(language), p.MinStars)
	var found []domain.SearchRepository
	for page := 1; len(found) < p.ReposPerLanguage && page*p.SearchPageSize <= maxSearchResults; page++ {
		hits, err := up.SearchRepositories(ctx, query, page, p.SearchPageSize)
		if err != nil {
			return found, err
		}
		found = append(found, hits...)
		if len(hits) < p.SearchPageSize {
			break
		}
	}
	if len(found) > p.ReposPerLanguage {
		found = found[:p.ReposPerLanguage]
	}
	return found, nil
}

// searchTerm maps a language to its search qualifier
func searchTerm(language string) string {
	switch language {
	case "C++":
		return "cpp"
	case "C#":
		return "csharp"
	}
	return language
}

var _ Upstream = collector.Collector(nil)
