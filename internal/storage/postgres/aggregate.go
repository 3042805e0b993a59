package postgres

import (
	"context"

	"github.com/kurihiro0119/devcohort/internal/domain"
	"github.com/kurihiro0119/devcohort/internal/storage"
)

func dateBounds(timeRange domain.TimeRange) (string, string) {
	return timeRange.Start.UTC().Format(storage.DateLayout), timeRange.End.UTC().Format(storage.DateLayout)
}

// CohortSizes counts sampled users per tier
func (s *postgresStorage) CohortSizes(ctx context.Context) (map[domain.Tier]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tier, COUNT(*) FROM sampled_users GROUP BY tier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sizes := make(map[domain.Tier]int)
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, err
		}
		sizes[domain.Tier(tier)] = n
	}
	return sizes, rows.Err()
}

// CountRepositories counts sampled repositories
func (s *postgresStorage) CountRepositories(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sampled_repositories`).Scan(&n)
	return n, err
}

// MonthlyContributionTotals sums contributions and active user-days per month and tier
func (s *postgresStorage) MonthlyContributionTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.MonthTotal, error) {
	start, end := dateBounds(timeRange)
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(d.date, 'YYYY-MM') AS month, u.tier, SUM(d.contribution_count), COUNT(*)
		FROM daily_contributions d
		JOIN sampled_users u ON u.id = d.user_id
		WHERE d.date >= $1::date AND d.date <= $2::date
		GROUP BY month, u.tier
		ORDER BY month, u.tier
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []domain.MonthTotal
	for rows.Next() {
		var t domain.MonthTotal
		var tier string
		if err := rows.Scan(&t.Month, &tier, &t.Contributions, &t.ActiveUserDays); err != nil {
			return nil, err
		}
		t.Tier = domain.Tier(tier)
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// UserMonthlyTotals sums each user's contributions per month
func (s *postgresStorage) UserMonthlyTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.UserMonthTotal, error) {
	start, end := dateBounds(timeRange)
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(d.date, 'YYYY-MM') AS month, d.user_id, u.tier, SUM(d.contribution_count), COUNT(*)
		FROM daily_contributions d
		JOIN sampled_users u ON u.id = d.user_id
		WHERE d.date >= $1::date AND d.date <= $2::date
		GROUP BY month, d.user_id, u.tier
		ORDER BY month, d.user_id
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []domain.UserMonthTotal
	for rows.Next() {
		var t domain.UserMonthTotal
		var tier string
		if err := rows.Scan(&t.Month, &t.UserID, &tier, &t.Contributions, &t.ActiveDays); err != nil {
			return nil, err
		}
		t.Tier = domain.Tier(tier)
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// UserPeriodTotals sums each user's contributions over the whole range
func (s *postgresStorage) UserPeriodTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.UserPeriodTotal, error) {
	start, end := dateBounds(timeRange)
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.user_id, u.tier, SUM(d.contribution_count), COUNT(*)
		FROM daily_contributions d
		JOIN sampled_users u ON u.id = d.user_id
		WHERE d.date >= $1::date AND d.date <= $2::date
		GROUP BY d.user_id, u.tier
		ORDER BY d.user_id
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []domain.UserPeriodTotal
	for rows.Next() {
		var t domain.UserPeriodTotal
		var tier string
		if err := rows.Scan(&t.UserID, &tier, &t.Contributions, &t.ActiveDays); err != nil {
			return nil, err
		}
		t.Tier = domain.Tier(tier)
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// MonthlyFlowTotals rolls pull request, issue, and repository-level commit rows up by month
func (s *postgresStorage) MonthlyFlowTotals(ctx context.Context, timeRange domain.TimeRange) ([]domain.FlowMonth, error) {
	start, end := dateBounds(timeRange)
	acc := storage.NewFlowAccumulator()

	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(date, 'YYYY-MM') AS month, SUM(opened), SUM(merged), SUM(closed), SUM(merge_latency_hours * merged)
		FROM pull_request_day_metrics
		WHERE date >= $1::date AND date <= $2::date
		GROUP BY month
	`, start, end)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var month string
		var opened, merged, closed int64
		var hours float64
		if err := rows.Scan(&month, &opened, &merged, &closed, &hours); err != nil {
			rows.Close()
			return nil, err
		}
		acc.AddPullRequests(month, opened, merged, closed, hours)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT to_char(date, 'YYYY-MM') AS month, SUM(opened), SUM(closed), SUM(close_latency_hours * closed)
		FROM issue_day_metrics
		WHERE date >= $1::date AND date <= $2::date
		GROUP BY month
	`, start, end)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var month string
		var opened, closed int64
		var hours float64
		if err := rows.Scan(&month, &opened, &closed, &hours); err != nil {
			rows.Close()
			return nil, err
		}
		acc.AddIssues(month, opened, closed, hours)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT to_char(week_start, 'YYYY-MM') AS month, SUM(commits)
		FROM commit_metrics
		WHERE user_id = 0 AND week_start >= $1::date AND week_start <= $2::date
		GROUP BY month
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var month string
		var commits int64
		if err := rows.Scan(&month, &commits); err != nil {
			return nil, err
		}
		acc.AddCommits(month, commits)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return acc.Months(), nil
}
