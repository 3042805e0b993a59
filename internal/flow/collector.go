package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kurihiro0119/devcohort/internal/domain"
)

const listPageSize = 100

// Source is the subset of the upstream client used for flow metrics
type Source interface {
	GetContributorStats(ctx context.Context, owner, repo string) ([]domain.ContributorWeek, bool, error)
	ListPullRequests(ctx context.Context, owner, repo string, page, perPage int) ([]domain.PullRequest, error)
	ListIssues(ctx context.Context, owner, repo string, page, perPage int) ([]domain.Issue, error)
}

// Store is the subset of storage used for flow metrics
type Store interface {
	ListUsers(ctx context.Context) ([]*domain.SampledUser, error)
	IncrementCommitMetrics(ctx context.Context, rows []domain.CommitMetric) error
	ReplacePullRequestMetrics(ctx context.Context, rows []domain.PullRequestDayMetric) error
	ReplaceIssueMetrics(ctx context.Context, rows []domain.IssueDayMetric) error
}

// Result summarises one repository sync
type Result struct {
	StatsReady   bool
	CommitRows   int
	PullRequests int
	Issues       int
}

// Collector syncs the flow feeds of sampled repositories
type Collector struct {
	source     Source
	store      Store
	prPages    int
	issuePages int
	logger     *zap.Logger
}

// New creates a flow collector
func New(source Source, store Store, prPages, issuePages int, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		source:     source,
		store:      store,
		prPages:    prPages,
		issuePages: issuePages,
		logger:     logger,
	}
}

// UserIndex maps lowercase logins of sampled users to their ids
func (c *Collector) UserIndex(ctx context.Context) (map[string]int64, error) {
	users, err := c.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int64, len(users))
	for _, u := range users {
		index[strings.ToLower(u.Username)] = u.ID
	}
	return index, nil
}

// SyncRepository runs the contributor-stats, pull request and issue feeds of
// repo. Each feed is independent: a failing feed is logged and the others
// still run. The returned error joins the feed failures.
func (c *Collector) SyncRepository(ctx context.Context, repo *domain.SampledRepository, users map[string]int64) (Result, error) {
	logger := c.logger.With(zap.String("repo", repo.FullName))
	var res Result
	var errs []error

	feed := func(name string, fn func() error) {
		if ctx.Err() != nil {
			return
		}
		if err := fn(); err != nil {
			logger.Warn("Flow feed failed", zap.String("feed", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	feed("contributor_stats", func() error {
		weeks, ok, err := c.source.GetContributorStats(ctx, repo.Owner, repo.Name)
		if err != nil {
			return err
		}
		if !ok {
			logger.Debug("Contributor stats still computing")
			return nil
		}
		res.StatsReady = true
		rows := CommitRows(weeks, repo.ID, repo.PrimaryLanguage, users)
		res.CommitRows = len(rows)
		return c.store.IncrementCommitMetrics(ctx, rows)
	})

	feed("pull_requests", func() error {
		var prs []domain.PullRequest
		for page := 1; page <= c.prPages; page++ {
			batch, err := c.source.ListPullRequests(ctx, repo.Owner, repo.Name, page, listPageSize)
			if err != nil {
				return err
			}
			prs = append(prs, batch...)
			if len(batch) < listPageSize {
				break
			}
		}
		res.PullRequests = len(prs)
		return c.store.ReplacePullRequestMetrics(ctx, BucketPullRequests(prs, repo.ID, repo.PrimaryLanguage))
	})

	feed("issues", func() error {
		var issues []domain.Issue
		for page := 1; page <= c.issuePages; page++ {
			batch, err := c.source.ListIssues(ctx, repo.Owner, repo.Name, page, listPageSize)
			if err != nil {
				return err
			}
			issues = append(issues, batch...)
			// issue pages include pull requests upstream, so a short page is not the end
			if len(batch) == 0 {
				break
			}
		}
		res.Issues = len(issues)
		return c.store.ReplaceIssueMetrics(ctx, BucketIssues(issues, repo.ID, repo.PrimaryLanguage))
	})

	if err := ctx.Err(); err != nil {
		return res, err
	}
	logger.Debug("Synced flow metrics",
		zap.Bool("stats_ready", res.StatsReady),
		zap.Int("commit_rows", res.CommitRows),
		zap.Int("pull_requests", res.PullRequests),
		zap.Int("issues", res.Issues),
	)
	return res, errors.Join(errs...)
}
