package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
	"github.com/kurihiro0119/devcohort/internal/storage"
)

func newTestStorage(t *testing.T) storage.Storage {
	t.Helper()
	s, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func int64Ptr(v int64) *int64 { return &v }

func seedUser(t *testing.T, s storage.Storage, platformID int64, login string, tier domain.Tier) *domain.SampledUser {
	t.Helper()
	u := &domain.SampledUser{PlatformID: platformID, Username: login, Tier: tier, Followers: 100}
	require.NoError(t, s.UpsertUser(context.Background(), u))
	require.NotZero(t, u.ID)
	return u
}

func seedRepo(t *testing.T, s storage.Storage, platformID int64, fullName string) *domain.SampledRepository {
	t.Helper()
	r := &domain.SampledRepository{PlatformID: platformID, FullName: fullName, Owner: "o", Name: fullName, PrimaryLanguage: "Go", Stars: 10}
	require.NoError(t, s.UpsertRepository(context.Background(), r))
	require.NotZero(t, r.ID)
	return r
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestUpsertUser_KeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	first := seedUser(t, s, 42, "alice", domain.TierMid)
	second := &domain.SampledUser{PlatformID: 42, Username: "alice", Tier: domain.TierTop, Followers: 6000}
	require.NoError(t, s.UpsertUser(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TierTop, got.Tier)
	assert.Equal(t, 6000, got.Followers)
	assert.Nil(t, got.LastSyncedAt)

	_, err = s.GetUserByUsername(ctx, "nobody")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDailyContributions_SkipZeroAndCascade(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	u := seedUser(t, s, 1, "alice", domain.TierCasual)

	require.NoError(t, s.UpsertDailyContributions(ctx, []domain.DailyContribution{
		{Date: day(2022, 1, 1), UserID: u.ID, Count: 0},
		{Date: day(2022, 1, 2), UserID: u.ID, Count: 3},
		{Date: day(2022, 2, 1), UserID: u.ID, Count: 4},
	}))
	// re-upsert overwrites instead of adding
	require.NoError(t, s.UpsertDailyContributions(ctx, []domain.DailyContribution{
		{Date: day(2022, 1, 2), UserID: u.ID, Count: 5},
	}))

	totals, err := s.UserPeriodTotals(ctx, domain.TimeRange{Start: day(2022, 1, 1), End: day(2022, 12, 31)})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(9), totals[0].Contributions)
	assert.Equal(t, int64(2), totals[0].ActiveDays)

	require.NoError(t, s.DeleteUser(ctx, u.ID))
	totals, err = s.UserPeriodTotals(ctx, domain.TimeRange{Start: day(2022, 1, 1), End: day(2022, 12, 31)})
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestMonthlyContributionTotals(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	a := seedUser(t, s, 1, "alice", domain.TierTop)
	b := seedUser(t, s, 2, "bob", domain.TierTop)
	c := seedUser(t, s, 3, "carol", domain.TierCasual)

	require.NoError(t, s.UpsertDailyContributions(ctx, []domain.DailyContribution{
		{Date: day(2023, 1, 5), UserID: a.ID, Count: 2},
		{Date: day(2023, 1, 6), UserID: b.ID, Count: 4},
		{Date: day(2023, 2, 1), UserID: a.ID, Count: 1},
		{Date: day(2023, 1, 31), UserID: c.ID, Count: 7},
		{Date: day(2023, 3, 1), UserID: c.ID, Count: 9},
	}))

	totals, err := s.MonthlyContributionTotals(ctx, domain.TimeRange{Start: day(2023, 1, 1), End: day(2023, 2, 28)})
	require.NoError(t, err)
	assert.Equal(t, []domain.MonthTotal{
		{Month: "2023-01", Tier: domain.TierCasual, Contributions: 7, ActiveUserDays: 1},
		{Month: "2023-01", Tier: domain.TierTop, Contributions: 6, ActiveUserDays: 2},
		{Month: "2023-02", Tier: domain.TierTop, Contributions: 1, ActiveUserDays: 1},
	}, totals)

	perUser, err := s.UserMonthlyTotals(ctx, domain.TimeRange{Start: day(2023, 1, 1), End: day(2023, 1, 31)})
	require.NoError(t, err)
	assert.Len(t, perUser, 3)

	sizes, err := s.CohortSizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Tier]int{domain.TierTop: 2, domain.TierCasual: 1}, sizes)
}

func TestFlowMetrics(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	r := seedRepo(t, s, 10, "o/r")
	u := seedUser(t, s, 1, "alice", domain.TierMid)

	commits := []domain.CommitMetric{
		{WeekStart: day(2024, 1, 7), RepoID: r.ID, Language: "Go", Commits: 3, Additions: 10, Deletions: 1},
		{WeekStart: day(2024, 1, 7), RepoID: r.ID, Language: "Go", UserID: int64Ptr(u.ID), Commits: 2},
	}
	require.NoError(t, s.IncrementCommitMetrics(ctx, commits))
	require.NoError(t, s.IncrementCommitMetrics(ctx, commits[:1]))

	require.NoError(t, s.ReplacePullRequestMetrics(ctx, []domain.PullRequestDayMetric{
		{Date: day(2024, 1, 2), RepoID: r.ID, Language: "Go", Opened: 5, Merged: 1, MergeLatencyHours: 10},
		{Date: day(2024, 1, 3), RepoID: r.ID, Language: "Go", Opened: 1, Merged: 3, MergeLatencyHours: 2},
	}))
	// overwrite the first day
	require.NoError(t, s.ReplacePullRequestMetrics(ctx, []domain.PullRequestDayMetric{
		{Date: day(2024, 1, 2), RepoID: r.ID, Language: "Go", Opened: 2, Merged: 1, MergeLatencyHours: 10},
	}))
	require.NoError(t, s.ReplaceIssueMetrics(ctx, []domain.IssueDayMetric{
		{Date: day(2024, 2, 10), RepoID: r.ID, Language: "Go", Opened: 4, Closed: 2, CloseLatencyHours: 6},
	}))

	flow, err := s.MonthlyFlowTotals(ctx, domain.TimeRange{Start: day(2024, 1, 1), End: day(2024, 2, 29)})
	require.NoError(t, err)
	require.Len(t, flow, 2)

	assert.Equal(t, "2024-01", flow[0].Month)
	assert.Equal(t, int64(3), flow[0].PRsOpened)
	assert.Equal(t, int64(4), flow[0].PRsMerged)
	// (10*1 + 2*3) / 4
	assert.InDelta(t, 4.0, flow[0].MergeLatencyHours, 1e-9)
	// repository-level rows only, incremented twice
	assert.Equal(t, int64(6), flow[0].Commits)

	assert.Equal(t, "2024-02", flow[1].Month)
	assert.Equal(t, int64(4), flow[1].IssuesOpened)
	assert.Equal(t, int64(2), flow[1].IssuesClosed)
	assert.InDelta(t, 6.0, flow[1].CloseLatencyHours, 1e-9)
}

func TestRepositoryAdoptionAndSignals(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	r := seedRepo(t, s, 10, "o/r")

	first := day(2024, 3, 1)
	require.NoError(t, s.UpdateRepositoryAdoption(ctx, r.ID, 0.5, first))
	require.NoError(t, s.UpdateRepositoryAdoption(ctx, r.ID, 1, day(2024, 4, 1)))

	repos, err := s.ListRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	require.NotNil(t, repos[0].AdoptionScore)
	assert.Equal(t, 1.0, *repos[0].AdoptionScore)
	require.NotNil(t, repos[0].AdoptionFirstSeenAt)
	assert.True(t, first.Equal(*repos[0].AdoptionFirstSeenAt))

	sig := &domain.AISignal{
		SignalType: domain.SignalTypeConfigFile, Source: "CLAUDE.md", RepoID: int64Ptr(r.ID),
		Occurrences: 1, FirstSeenAt: first, LastSeenAt: first, Examples: []string{"CLAUDE.md"},
	}
	require.NoError(t, s.UpsertAISignal(ctx, sig))
	again := *sig
	again.LastSeenAt = day(2024, 4, 1)
	require.NoError(t, s.UpsertAISignal(ctx, &again))

	signals, err := s.ListAISignals(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, 2, signals[0].Occurrences)
	assert.True(t, first.Equal(signals[0].FirstSeenAt))
	assert.Nil(t, signals[0].UserID)
	assert.Equal(t, []string{"CLAUDE.md"}, signals[0].Examples)
}

func TestSyncJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.GetLatestSyncJob(ctx)
	assert.True(t, apperrors.IsNotFound(err))

	job := &domain.SyncJob{
		ID: "job-1", JobType: domain.JobTypeUsers, Status: domain.JobStatusRunning,
		StartedAt: time.Now().UTC(), SamplingSeed: 20240101, SamplingParams: `{"seed":20240101}`,
	}
	require.NoError(t, s.CreateSyncJob(ctx, job))
	require.NoError(t, s.FinishSyncJob(ctx, job.ID, domain.JobStatusCompleted, 12, "", time.Now().UTC()))

	err = s.FinishSyncJob(ctx, job.ID, domain.JobStatusFailed, 0, "late", time.Now().UTC())
	code, ok := apperrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeConflict, code)

	latest, err := s.GetLatestSyncJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, latest.Status)
	assert.Equal(t, 12, latest.ItemsProcessed)
	assert.Equal(t, uint32(20240101), latest.SamplingSeed)
	assert.Equal(t, `{"seed":20240101}`, latest.SamplingParams)
	assert.NotNil(t, latest.CompletedAt)
}

func TestLease(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.AcquireLease(ctx, "sync", "a", now, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// held by another holder
	ok, err = s.AcquireLease(ctx, "sync", "b", now.Add(time.Minute), now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	// re-entrant for the same holder
	ok, err = s.AcquireLease(ctx, "sync", "a", now.Add(time.Minute), now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.RenewLease(ctx, "sync", "b", now.Add(20*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	// expired leases can be taken over
	ok, err = s.AcquireLease(ctx, "sync", "b", now.Add(12*time.Minute), now.Add(22*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	lease, err := s.GetLease(ctx, "sync")
	require.NoError(t, err)
	assert.Equal(t, "b", lease.Holder)
	assert.True(t, now.Add(22*time.Minute).Equal(lease.ExpiresAt))

	// release by a non-holder is a no-op
	require.NoError(t, s.ReleaseLease(ctx, "sync", "a"))
	_, err = s.GetLease(ctx, "sync")
	require.NoError(t, err)

	require.NoError(t, s.ReleaseLease(ctx, "sync", "b"))
	_, err = s.GetLease(ctx, "sync")
	assert.True(t, apperrors.IsNotFound(err))
}
