package contribution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
	"github.com/kurihiro0119/devcohort/internal/storage"
	"github.com/kurihiro0119/devcohort/internal/storage/sqlite"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) GetUserProfile(ctx context.Context, login string) (*domain.UserProfile, error) {
	args := m.Called(ctx, login)
	if p := args.Get(0); p != nil {
		return p.(*domain.UserProfile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSource) GetContributionCalendar(ctx context.Context, login string, year int) (*domain.ContributionCalendar, error) {
	args := m.Called(ctx, login, year)
	if c := args.Get(0); c != nil {
		return c.(*domain.ContributionCalendar), args.Error(1)
	}
	return nil, args.Error(1)
}

func calendar(year int, counts ...int) *domain.ContributionCalendar {
	cal := &domain.ContributionCalendar{Year: year}
	for i, n := range counts {
		cal.Days = append(cal.Days, domain.ContributionDay{
			Date:  time.Date(year, 1, 1+i, 0, 0, 0, 0, time.UTC),
			Count: n,
		})
		cal.Total += n
	}
	return cal
}

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := sqlite.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var testOptions = Options{
	BaselineYears: []int{2021, 2022},
	Years:         []int{2020, 2021, 2022, 2023, 2024, 2025},
	MinBaseline:   50,
	ChunkSize:     2,
}

var fixedNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func profile(login string) *domain.UserProfile {
	return &domain.UserProfile{PlatformID: 7, Login: login, Type: domain.AccountTypeUser, Followers: 800}
}

func TestIsBotLogin(t *testing.T) {
	for _, login := range []string{"dependabot[bot]", "some-bot", "bot-runner", "Renovate", "github-actions"} {
		assert.True(t, IsBotLogin(login), login)
	}
	for _, login := range []string{"robotics", "abbot", "alice"} {
		assert.False(t, IsBotLogin(login), login)
	}
}

func TestOnboard_AcceptsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := &mockSource{}
	src.On("GetUserProfile", mock.Anything, "alice").Return(profile("alice"), nil)
	src.On("GetContributionCalendar", mock.Anything, "alice", 2021).Return(calendar(2021, 10, 0, 20), nil)
	src.On("GetContributionCalendar", mock.Anything, "alice", 2022).Return(calendar(2022, 25, 5, 0, 1), nil)
	src.On("GetContributionCalendar", mock.Anything, "alice", 2020).Return(calendar(2020, 4), nil)
	src.On("GetContributionCalendar", mock.Anything, "alice", 2023).Return(nil, errors.New("upstream down"))
	src.On("GetContributionCalendar", mock.Anything, "alice", 2024).Return(calendar(2024, 3), nil)

	c := New(src, store, testOptions, nil, nil).WithClock(func() time.Time { return fixedNow })

	first, err := c.Onboard(ctx, domain.SearchUser{PlatformID: 7, Login: "alice"}, domain.TierMid)
	require.NoError(t, err)
	assert.True(t, first.Included)
	assert.Equal(t, int64(61), first.Baseline)
	// 2023 failed and is skipped; 2025 has not started
	assert.Equal(t, int64(68), first.Total)

	second, err := c.Onboard(ctx, domain.SearchUser{PlatformID: 7, Login: "alice"}, domain.TierMid)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	u, err := store.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(61), u.BaselineContributions)
	assert.Equal(t, int64(68), u.TotalContributions)
	assert.Equal(t, domain.TierMid, u.Tier)
	require.NotNil(t, u.LastSyncedAt)

	totals, err := store.UserPeriodTotals(ctx, domain.TimeRange{
		Start: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(61), totals[0].Contributions)
	assert.Equal(t, int64(5), totals[0].ActiveDays)

	src.AssertNotCalled(t, "GetContributionCalendar", mock.Anything, "alice", 2025)
}

func TestOnboard_BelowThresholdDeletesUser(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := &mockSource{}
	src.On("GetUserProfile", mock.Anything, "casual").Return(profile("casual"), nil)
	src.On("GetContributionCalendar", mock.Anything, "casual", 2021).Return(calendar(2021, 10), nil)
	src.On("GetContributionCalendar", mock.Anything, "casual", 2022).Return(calendar(2022, 39), nil)

	c := New(src, store, testOptions, nil, nil).WithClock(func() time.Time { return fixedNow })

	for i := 0; i < 2; i++ {
		out, err := c.Onboard(ctx, domain.SearchUser{PlatformID: 7, Login: "casual"}, domain.TierCasual)
		require.NoError(t, err)
		assert.False(t, out.Included)
		assert.Equal(t, ReasonBelowThreshold, out.Reason)

		_, err = store.GetUserByUsername(ctx, "casual")
		assert.True(t, apperrors.IsNotFound(err))
	}

	totals, err := store.UserPeriodTotals(ctx, domain.TimeRange{
		Start: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestOnboard_BaselineFailureDeletesPartialRows(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := &mockSource{}
	src.On("GetUserProfile", mock.Anything, "flaky").Return(profile("flaky"), nil)
	src.On("GetContributionCalendar", mock.Anything, "flaky", 2021).Return(calendar(2021, 100, 100, 100), nil)
	src.On("GetContributionCalendar", mock.Anything, "flaky", 2022).Return(nil, errors.New("timeout"))

	c := New(src, store, testOptions, nil, nil).WithClock(func() time.Time { return fixedNow })

	out, err := c.Onboard(ctx, domain.SearchUser{PlatformID: 7, Login: "flaky"}, domain.TierTop)
	require.NoError(t, err)
	assert.False(t, out.Included)
	assert.Equal(t, ReasonBaselineFailed, out.Reason)

	_, err = store.GetUserByUsername(ctx, "flaky")
	assert.True(t, apperrors.IsNotFound(err))
	totals, err := store.UserPeriodTotals(ctx, domain.TimeRange{
		Start: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestOnboard_RejectsWithoutCreatingRows(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := &mockSource{}
	org := &domain.UserProfile{PlatformID: 1, Login: "acme", Type: domain.AccountTypeOrganization}
	src.On("GetUserProfile", mock.Anything, "acme").Return(org, nil)
	src.On("GetUserProfile", mock.Anything, "ghost").Return(nil, apperrors.NewNotFoundError("user ghost"))
	src.On("GetUserProfile", mock.Anything, "broken").Return(nil, errors.New("503 after retries"))

	c := New(src, store, testOptions, nil, nil)

	out, err := c.Onboard(ctx, domain.SearchUser{Login: "acme"}, domain.TierTop)
	require.NoError(t, err)
	assert.Equal(t, ReasonOrganization, out.Reason)

	out, err = c.Onboard(ctx, domain.SearchUser{Login: "ghost"}, domain.TierTop)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, out.Reason)

	out, err = c.Onboard(ctx, domain.SearchUser{Login: "renovate[bot]"}, domain.TierTop)
	require.NoError(t, err)
	assert.Equal(t, ReasonBot, out.Reason)

	_, err = c.Onboard(ctx, domain.SearchUser{Login: "broken"}, domain.TierTop)
	assert.Error(t, err)

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
	src.AssertNotCalled(t, "GetUserProfile", mock.Anything, "renovate[bot]")
	src.AssertNotCalled(t, "GetContributionCalendar", mock.Anything, mock.Anything, mock.Anything)
}
