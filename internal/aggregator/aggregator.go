package aggregator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
)

// Aggregator defines the interface for the panel and findings views
type Aggregator interface {
	// Panel computes monthly statistics per tier for every month touched by [start, end]
	Panel(ctx context.Context, start, end time.Time) ([]domain.PanelMonth, error)

	// Findings compares the baseline period with the post period that ends
	// with the last completed month before now
	Findings(ctx context.Context, now time.Time) (*domain.Findings, error)
}

// Store is the read side of storage used for aggregation
type Store interface {
	CohortSizes(ctx context.Context) (map[domain.Tier]int, error)
	MonthlyContributionTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.MonthTotal, error)
	UserMonthlyTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.UserMonthTotal, error)
	UserPeriodTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.UserPeriodTotal, error)
	MonthlyFlowTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.FlowMonth, error)
}

// Periods fixes the findings windows
type Periods struct {
	Pre       domain.TimeRange
	PostStart time.Time
}

// DefaultPeriods derives the pre window from the two baseline years
func DefaultPeriods(baselineYears []int, postStart time.Time) Periods {
	first, last := 2021, 2022
	if len(baselineYears) > 0 {
		first, last = baselineYears[0], baselineYears[0]
		for _, y := range baselineYears {
			first = min(first, y)
			last = max(last, y)
		}
	}
	return Periods{
		Pre: domain.TimeRange{
			Start: time.Date(first, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(last, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		PostStart: postStart.UTC(),
	}
}

// aggregator implements the Aggregator interface
type aggregator struct {
	storage Store
	periods Periods
}

// NewAggregator creates a new aggregator
func NewAggregator(storage Store, periods Periods) Aggregator {
	return &aggregator{
		storage: storage,
		periods: periods,
	}
}

// tierSizes returns the cohort size of every tier plus TierAll
func (a *aggregator) tierSizes(ctx context.Context) (map[domain.Tier]int, error) {
	sizes, err := a.storage.CohortSizes(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Tier]int, len(domain.Tiers)+1)
	for _, tier := range domain.Tiers {
		out[tier] = sizes[tier]
		out[domain.TierAll] += sizes[tier]
	}
	return out, nil
}

func reportTiers() []domain.Tier {
	return append([]domain.Tier{domain.TierAll}, domain.Tiers...)
}

type monthTierKey struct {
	month string
	tier  domain.Tier
}

type tierSums struct {
	contributions int64
	activeDays    int64
	rates         []float64
}

// Panel computes monthly statistics per tier. The range is widened to whole
// calendar months so every month divides by its full length.
func (a *aggregator) Panel(ctx context.Context, start, end time.Time) ([]domain.PanelMonth, error) {
	if start.IsZero() || end.IsZero() {
		return nil, apperrors.NewBadRequestError("start and end are required")
	}
	if end.Before(start) {
		return nil, apperrors.NewBadRequestError("start must not be after end")
	}

	months := MonthsBetween(start, end)
	last := months[len(months)-1]
	timeRange := domain.TimeRange{
		Start: months[0],
		End:   time.Date(last.Year(), last.Month(), DaysInMonth(last), 0, 0, 0, 0, time.UTC),
	}

	sizes, err := a.tierSizes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count cohort: %w", err)
	}
	totals, err := a.storage.MonthlyContributionTotals(ctx, timeRange)
	if err != nil {
		return nil, fmt.Errorf("failed to load monthly totals: %w", err)
	}
	perUser, err := a.storage.UserMonthlyTotals(ctx, timeRange)
	if err != nil {
		return nil, fmt.Errorf("failed to load per-user totals: %w", err)
	}
	flows, err := a.storage.MonthlyFlowTotals(ctx, timeRange)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow totals: %w", err)
	}

	sums := make(map[monthTierKey]*tierSums)
	get := func(month string, tier domain.Tier) *tierSums {
		k := monthTierKey{month, tier}
		s, ok := sums[k]
		if !ok {
			s = &tierSums{}
			sums[k] = s
		}
		return s
	}
	for _, t := range totals {
		for _, tier := range []domain.Tier{t.Tier, domain.TierAll} {
			s := get(t.Month, tier)
			s.contributions += t.Contributions
			s.activeDays += t.ActiveUserDays
		}
	}

	days := make(map[string]int, len(months))
	for _, m := range months {
		days[m.Format(MonthLayout)] = DaysInMonth(m)
	}
	for _, u := range perUser {
		d, ok := days[u.Month]
		if !ok {
			continue
		}
		rate := float64(u.Contributions) / float64(d)
		for _, tier := range []domain.Tier{u.Tier, domain.TierAll} {
			s := get(u.Month, tier)
			s.rates = append(s.rates, rate)
		}
	}

	flowByMonth := make(map[string]domain.FlowMonth, len(flows))
	for _, f := range flows {
		flowByMonth[f.Month] = f
	}

	panel := make([]domain.PanelMonth, 0, len(months))
	for _, m := range months {
		key := m.Format(MonthLayout)
		pm := domain.PanelMonth{Month: key, Days: days[key]}
		for _, tier := range reportTiers() {
			s := get(key, tier)
			stats, err := periodStats(tier, sizes[tier], pm.Days, s.contributions, s.activeDays, s.rates)
			if err != nil {
				return nil, err
			}
			pm.Tiers = append(pm.Tiers, stats)
		}
		if f, ok := flowByMonth[key]; ok {
			pm.Flow = &f
		}
		panel = append(panel, pm)
	}
	return panel, nil
}

// PostEnd returns the last day of the last calendar month completed before now
func PostEnd(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

type userRate struct {
	tier domain.Tier
	pre  float64
	post float64
}

// Findings computes the fixed pre/post comparison
func (a *aggregator) Findings(ctx context.Context, now time.Time) (*domain.Findings, error) {
	pre := a.periods.Pre
	post := domain.TimeRange{Start: a.periods.PostStart, End: PostEnd(now)}
	if pre.End.Before(pre.Start) {
		return nil, apperrors.NewBadRequestError("baseline period is empty")
	}
	if post.End.Before(post.Start) {
		return nil, apperrors.NewBadRequestError(fmt.Sprintf("no completed month since %s", post.Start.Format("2006-01-02")))
	}
	preDays := DaysBetween(pre.Start, pre.End)
	postDays := DaysBetween(post.Start, post.End)

	sizes, err := a.tierSizes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count cohort: %w", err)
	}
	preTotals, err := a.storage.UserPeriodTotals(ctx, pre)
	if err != nil {
		return nil, fmt.Errorf("failed to load pre-period totals: %w", err)
	}
	postTotals, err := a.storage.UserPeriodTotals(ctx, post)
	if err != nil {
		return nil, fmt.Errorf("failed to load post-period totals: %w", err)
	}

	users := make(map[int64]*userRate)
	preSums := make(map[domain.Tier]*tierSums)
	postSums := make(map[domain.Tier]*tierSums)
	for _, tier := range reportTiers() {
		preSums[tier] = &tierSums{}
		postSums[tier] = &tierSums{}
	}
	accumulate := func(rows []domain.UserPeriodTotal, days int, sums map[domain.Tier]*tierSums, isPost bool) {
		for _, r := range rows {
			rate := float64(r.Contributions) / float64(days)
			u, ok := users[r.UserID]
			if !ok {
				u = &userRate{tier: r.Tier}
				users[r.UserID] = u
			}
			if isPost {
				u.post = rate
			} else {
				u.pre = rate
			}
			for _, tier := range []domain.Tier{r.Tier, domain.TierAll} {
				s, ok := sums[tier]
				if !ok {
					continue
				}
				s.contributions += r.Contributions
				s.activeDays += r.ActiveDays
				s.rates = append(s.rates, rate)
			}
		}
	}
	accumulate(preTotals, preDays, preSums, false)
	accumulate(postTotals, postDays, postSums, true)

	ids := make([]int64, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	deltas := make(map[domain.Tier][]float64)
	for _, id := range ids {
		u := users[id]
		d := u.post - u.pre
		deltas[domain.TierAll] = append(deltas[domain.TierAll], d)
		deltas[u.tier] = append(deltas[u.tier], d)
	}

	findings := &domain.Findings{Pre: pre, Post: post, Deltas: deltas[domain.TierAll]}
	for _, tier := range reportTiers() {
		tf := domain.TierFindings{Tier: tier}
		if tf.Pre, err = periodStats(tier, sizes[tier], preDays, preSums[tier].contributions, preSums[tier].activeDays, preSums[tier].rates); err != nil {
			return nil, err
		}
		if tf.Post, err = periodStats(tier, sizes[tier], postDays, postSums[tier].contributions, postSums[tier].activeDays, postSums[tier].rates); err != nil {
			return nil, err
		}
		if tf.Delta, err = summarizeDeltas(deltas[tier]); err != nil {
			return nil, err
		}
		findings.Tiers = append(findings.Tiers, tf)
	}
	return findings, nil
}

// summarizeDeltas summarises per-user rate changes without zero padding
func summarizeDeltas(deltas []float64) (domain.DeltaSummary, error) {
	dist, err := Summarize(deltas)
	if err != nil {
		return domain.DeltaSummary{}, err
	}
	s := domain.DeltaSummary{Distribution: dist}
	if len(deltas) > 0 {
		positive := 0
		for _, d := range deltas {
			if d > 0 {
				positive++
			}
		}
		s.FractionPositive = float64(positive) / float64(len(deltas))
	}
	return s, nil
}
