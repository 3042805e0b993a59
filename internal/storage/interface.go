package storage

import (
	"context"
	"time"

	"github.com/kurihiro0119/devcohort/internal/domain"
)

// DateLayout is the storage format of calendar days
const DateLayout = "2006-01-02"

// Storage is the abstract interface for the persistence layer
type Storage interface {
	// Sampled users. UpsertUser sets user.ID.
	UpsertUser(ctx context.Context, user *domain.SampledUser) error
	GetUserByUsername(ctx context.Context, username string) (*domain.SampledUser, error)
	ListUsers(ctx context.Context) ([]*domain.SampledUser, error)
	UpdateUserTotals(ctx context.Context, userID, total, baseline int64, syncedAt time.Time) error
	// DeleteUser removes the user and cascades its daily rows
	DeleteUser(ctx context.Context, userID int64) error

	// Daily contributions. Each call is written in one transaction;
	// rows with a zero count are skipped.
	UpsertDailyContributions(ctx context.Context, rows []domain.DailyContribution) error

	// Sampled repositories. UpsertRepository sets repo.ID.
	UpsertRepository(ctx context.Context, repo *domain.SampledRepository) error
	ListRepositories(ctx context.Context) ([]*domain.SampledRepository, error)
	UpdateRepositoryAdoption(ctx context.Context, repoID int64, score float64, firstSeenAt time.Time) error
	MarkRepositorySynced(ctx context.Context, repoID int64, syncedAt time.Time) error

	// Flow metrics. Commit rows add to existing counters; PR and issue day rows replace them.
	IncrementCommitMetrics(ctx context.Context, rows []domain.CommitMetric) error
	ReplacePullRequestMetrics(ctx context.Context, rows []domain.PullRequestDayMetric) error
	ReplaceIssueMetrics(ctx context.Context, rows []domain.IssueDayMetric) error

	// Adoption signals accumulate occurrences per (type, source, user, repo)
	UpsertAISignal(ctx context.Context, signal *domain.AISignal) error
	ListAISignals(ctx context.Context, repoID int64) ([]*domain.AISignal, error)

	// Sync job audit. FinishSyncJob only transitions running jobs.
	CreateSyncJob(ctx context.Context, job *domain.SyncJob) error
	FinishSyncJob(ctx context.Context, id string, status domain.JobStatus, itemsProcessed int, errMsg string, completedAt time.Time) error
	GetLatestSyncJob(ctx context.Context) (*domain.SyncJob, error)

	// Leases. Acquire succeeds when the lease is free, expired, or already held by holder.
	AcquireLease(ctx context.Context, name, holder string, now, expiresAt time.Time) (bool, error)
	RenewLease(ctx context.Context, name, holder string, expiresAt time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
	GetLease(ctx context.Context, name string) (*domain.Lease, error)

	// Aggregation
	CohortSizes(ctx context.Context) (map[domain.Tier]int, error)
	CountRepositories(ctx context.Context) (int, error)
	MonthlyContributionTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.MonthTotal, error)
	UserMonthlyTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.UserMonthTotal, error)
	UserPeriodTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.UserPeriodTotal, error)
	MonthlyFlowTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.FlowMonth, error)

	// Migration
	Migrate(ctx context.Context) error

	// Connection management
	Close() error
}
