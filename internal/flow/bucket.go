// Package flow turns repository activity into weekly commit rows and daily
// pull request and issue rows.
package flow

import (
	"sort"
	"strings"
	"time"

	"github.com/kurihiro0119/devcohort/internal/domain"
)

// Day truncates t to its UTC calendar day
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

type prDay struct {
	row        domain.PullRequestDayMetric
	mergeHours float64
	closeHours float64
}

// BucketPullRequests groups pull requests into UTC days. A pull request counts
// as opened on its creation day and as merged (or closed unmerged) on the day
// of that terminal event, which also carries its latency.
func BucketPullRequests(prs []domain.PullRequest, repoID int64, language string) []domain.PullRequestDayMetric {
	days := make(map[time.Time]*prDay)
	get := func(t time.Time) *prDay {
		d := Day(t)
		b, ok := days[d]
		if !ok {
			b = &prDay{row: domain.PullRequestDayMetric{Date: d, RepoID: repoID, Language: language}}
			days[d] = b
		}
		return b
	}

	for _, pr := range prs {
		get(pr.CreatedAt).row.Opened++
		switch {
		case pr.MergedAt != nil:
			b := get(*pr.MergedAt)
			b.row.Merged++
			b.mergeHours += pr.MergedAt.Sub(pr.CreatedAt).Hours()
		case pr.ClosedAt != nil:
			b := get(*pr.ClosedAt)
			b.row.Closed++
			b.closeHours += pr.ClosedAt.Sub(pr.CreatedAt).Hours()
		}
	}

	out := make([]domain.PullRequestDayMetric, 0, len(days))
	for _, b := range days {
		if b.row.Merged > 0 {
			b.row.MergeLatencyHours = b.mergeHours / float64(b.row.Merged)
		}
		if b.row.Closed > 0 {
			b.row.CloseLatencyHours = b.closeHours / float64(b.row.Closed)
		}
		out = append(out, b.row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

type issueDay struct {
	row        domain.IssueDayMetric
	closeHours float64
}

// BucketIssues groups issues into UTC days: opened on the creation day,
// closed on the closing day with its mean close latency.
func BucketIssues(issues []domain.Issue, repoID int64, language string) []domain.IssueDayMetric {
	days := make(map[time.Time]*issueDay)
	get := func(t time.Time) *issueDay {
		d := Day(t)
		b, ok := days[d]
		if !ok {
			b = &issueDay{row: domain.IssueDayMetric{Date: d, RepoID: repoID, Language: language}}
			days[d] = b
		}
		return b
	}

	for _, is := range issues {
		get(is.CreatedAt).row.Opened++
		if is.ClosedAt != nil {
			b := get(*is.ClosedAt)
			b.row.Closed++
			b.closeHours += is.ClosedAt.Sub(is.CreatedAt).Hours()
		}
	}

	out := make([]domain.IssueDayMetric, 0, len(days))
	for _, b := range days {
		if b.row.Closed > 0 {
			b.row.CloseLatencyHours = b.closeHours / float64(b.row.Closed)
		}
		out = append(out, b.row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// CommitRows converts contributor weeks into a repository-level row per week
// plus a row per week for every author found in users (keyed by lowercase login).
// Weeks without activity are dropped.
func CommitRows(weeks []domain.ContributorWeek, repoID int64, language string, users map[string]int64) []domain.CommitMetric {
	type key struct {
		week time.Time
		user int64
	}
	sums := make(map[key]*domain.CommitMetric)
	add := func(k key, w domain.ContributorWeek) {
		row, ok := sums[k]
		if !ok {
			row = &domain.CommitMetric{WeekStart: k.week, RepoID: repoID, Language: language}
			if k.user != 0 {
				id := k.user
				row.UserID = &id
			}
			sums[k] = row
		}
		row.Commits += w.Commits
		row.Additions += w.Additions
		row.Deletions += w.Deletions
	}

	for _, w := range weeks {
		if w.Commits == 0 && w.Additions == 0 && w.Deletions == 0 {
			continue
		}
		week := Day(w.WeekStart)
		add(key{week: week}, w)
		if id, ok := users[strings.ToLower(w.Author)]; ok {
			add(key{week: week, user: id}, w)
		}
	}

	out := make([]domain.CommitMetric, 0, len(sums))
	for _, row := range sums {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WeekStart.Equal(out[j].WeekStart) {
			return out[i].WeekStart.Before(out[j].WeekStart)
		}
		return userKey(out[i].UserID) < userKey(out[j].UserID)
	})
	return out
}

func userKey(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
