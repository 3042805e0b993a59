package storage

import (
	"sort"

	"github.com/kurihiro0119/devcohort/internal/domain"
)

// FlowAccumulator merges the per-table monthly sums of the flow queries into
// FlowMonth rows. Latencies arrive as sums of latency*count and are divided
// by the matching count when the rows are built.
type FlowAccumulator struct {
	months     map[string]*domain.FlowMonth
	mergeHours map[string]float64
	closeHours map[string]float64
}

// NewFlowAccumulator creates an empty accumulator
func NewFlowAccumulator() *FlowAccumulator {
	return &FlowAccumulator{
		months:     make(map[string]*domain.FlowMonth),
		mergeHours: make(map[string]float64),
		closeHours: make(map[string]float64),
	}
}

func (a *FlowAccumulator) month(m string) *domain.FlowMonth {
	row, ok := a.months[m]
	if !ok {
		row = &domain.FlowMonth{Month: m}
		a.months[m] = row
	}
	return row
}

// AddPullRequests adds one month of pull request sums
func (a *FlowAccumulator) AddPullRequests(month string, opened, merged, closed int64, mergeHoursSum float64) {
	row := a.month(month)
	row.PRsOpened += opened
	row.PRsMerged += merged
	row.PRsClosed += closed
	a.mergeHours[month] += mergeHoursSum
}

// AddIssues adds one month of issue sums
func (a *FlowAccumulator) AddIssues(month string, opened, closed int64, closeHoursSum float64) {
	row := a.month(month)
	row.IssuesOpened += opened
	row.IssuesClosed += closed
	a.closeHours[month] += closeHoursSum
}

// AddCommits adds one month of repository-level commits
func (a *FlowAccumulator) AddCommits(month string, commits int64) {
	a.month(month).Commits += commits
}

// Months returns the merged rows ordered by month
func (a *FlowAccumulator) Months() []domain.FlowMonth {
	out := make([]domain.FlowMonth, 0, len(a.months))
	for m, row := range a.months {
		if row.PRsMerged > 0 {
			row.MergeLatencyHours = a.mergeHours[m] / float64(row.PRsMerged)
		}
		if row.IssuesClosed > 0 {
			row.CloseLatencyHours = a.closeHours[m] / float64(row.IssuesClosed)
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}
