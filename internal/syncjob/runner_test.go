package syncjob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/devcohort/internal/cohort"
	"github.com/kurihiro0119/devcohort/internal/collector"
	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
	"github.com/kurihiro0119/devcohort/internal/sampler"
	"github.com/kurihiro0119/devcohort/internal/storage"
	"github.com/kurihiro0119/devcohort/internal/storage/sqlite"
)

type fakeBuilder struct {
	users    int
	repos    int
	usersErr error
	block    chan struct{}
	started  chan struct{}
}

func (f *fakeBuilder) BuildUsers(ctx context.Context, _ cohort.Params) (int, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return f.users, f.usersErr
}

func (f *fakeBuilder) BuildRepos(context.Context, cohort.Params) (int, error) {
	return f.repos, nil
}

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := sqlite.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testParams() cohort.Params {
	return cohort.Params{
		Seed:                     99,
		Bands:                    []sampler.Band{{Tier: domain.TierTop, Min: 5000}},
		UsersPerBand:             2,
		SearchPageSize:           100,
		SearchPagesPerOrder:      1,
		LanguageCount:            1,
		ReposPerLanguage:         1,
		BaselineYears:            []int{2021, 2022},
		MinBaselineContributions: 50,
		UpsertChunkSize:          200,
		RetryAttempts:            1,
	}
}

func TestRun_Completed(t *testing.T) {
	store := newStore(t)
	r := NewRunner(store, &fakeBuilder{users: 3, repos: 2}, time.Minute, nil, nil)

	job, err := r.Run(context.Background(), domain.JobTypeAll, testParams())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 5, job.ItemsProcessed)
	require.NotNil(t, job.CompletedAt)

	latest, err := store.GetLatestSyncJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.ID, latest.ID)
	assert.Equal(t, domain.JobStatusCompleted, latest.Status)
	assert.Equal(t, uint32(99), latest.SamplingSeed)

	restored, err := cohort.ParseSnapshot(latest.SamplingParams)
	require.NoError(t, err)
	assert.Equal(t, testParams(), restored)

	_, err = store.GetLease(context.Background(), LeaseName)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRun_UsersOnly(t *testing.T) {
	r := NewRunner(newStore(t), &fakeBuilder{users: 3, repos: 2}, time.Minute, nil, nil)
	job, err := r.Run(context.Background(), domain.JobTypeUsers, testParams())
	require.NoError(t, err)
	assert.Equal(t, 3, job.ItemsProcessed)
}

func TestRun_FailureIsRecorded(t *testing.T) {
	store := newStore(t)
	r := NewRunner(store, &fakeBuilder{users: 1, usersErr: errors.New("every band failed")}, time.Minute, nil, nil)

	job, err := r.Run(context.Background(), domain.JobTypeAll, testParams())
	require.Error(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.ItemsProcessed)

	latest, err := store.GetLatestSyncJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, latest.Status)
	assert.Contains(t, latest.ErrorMessage, "every band failed")
}

func TestRun_InvalidParams(t *testing.T) {
	r := NewRunner(newStore(t), &fakeBuilder{}, time.Minute, nil, nil)
	p := testParams()
	p.Bands = nil
	_, err := r.Run(context.Background(), domain.JobTypeUsers, p)
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestStart_SecondSyncConflicts(t *testing.T) {
	store := newStore(t)
	b := &fakeBuilder{users: 1, block: make(chan struct{}), started: make(chan struct{})}
	r := NewRunner(store, b, time.Minute, nil, nil)

	job, done, err := r.Start(context.Background(), domain.JobTypeUsers, testParams())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	<-b.started

	_, err = r.Run(context.Background(), domain.JobTypeRepos, testParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSyncInProgress)
	code, ok := apperrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeConflict, code)

	st, err := r.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	require.NotNil(t, st.LatestJob)
	assert.Equal(t, job.ID, st.LatestJob.ID)

	close(b.block)
	require.NoError(t, <-done)

	st, err = r.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, domain.JobStatusCompleted, st.LatestJob.Status)
}

func TestRun_LostLeaseCancelsWork(t *testing.T) {
	store := newStore(t)
	b := &fakeBuilder{block: make(chan struct{}), started: make(chan struct{})}
	r := NewRunner(store, b, 30*time.Millisecond, nil, nil)

	_, done, err := r.Start(context.Background(), domain.JobTypeUsers, testParams())
	require.NoError(t, err)
	<-b.started

	lease, err := store.GetLease(context.Background(), LeaseName)
	require.NoError(t, err)
	require.NoError(t, store.ReleaseLease(context.Background(), LeaseName, lease.Holder))
	now := time.Now()
	ok, err := store.AcquireLease(context.Background(), LeaseName, "intruder", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errLeaseLost)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after losing the lease")
	}

	// the intruder keeps its lease
	lease, err = store.GetLease(context.Background(), LeaseName)
	require.NoError(t, err)
	assert.Equal(t, "intruder", lease.Holder)
}

func TestStatus_Empty(t *testing.T) {
	r := NewRunner(newStore(t), &fakeBuilder{}, 0, nil, nil)
	st, err := r.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Nil(t, st.LatestJob)
}

func TestStatus_IncludesQuota(t *testing.T) {
	governor := collector.NewGovernor(nil, nil)
	r := NewRunner(newStore(t), &fakeBuilder{}, 0, nil, nil).WithQuota(governor.Status)

	st, err := r.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Quota, 3)
	assert.Equal(t, 30, st.Quota[collector.ChannelSearch].Limit)
	assert.Equal(t, 5000, st.Quota[collector.ChannelGraphQL].Remaining)
}

func TestStatus_ReportsCohortSizes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	users := []*domain.SampledUser{
		{PlatformID: 1, Username: "alice", Tier: domain.TierTop},
		{PlatformID: 2, Username: "bob", Tier: domain.TierMid},
		{PlatformID: 3, Username: "carol", Tier: domain.TierMid},
	}
	for _, u := range users {
		require.NoError(t, store.UpsertUser(ctx, u))
	}
	require.NoError(t, store.UpsertRepository(ctx, &domain.SampledRepository{
		PlatformID: 10, FullName: "o/r", Owner: "o", Name: "r", PrimaryLanguage: "Go",
	}))

	st, err := NewRunner(store, &fakeBuilder{}, 0, nil, nil).Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Tier]int{domain.TierTop: 1, domain.TierMid: 2}, st.Users)
	assert.Equal(t, 1, st.Repositories)
}
