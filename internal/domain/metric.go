package domain

import "time"

// TimeRange represents an inclusive date range for aggregation
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CommitMetric is a weekly commit bucket derived from contributor statistics.
// A nil UserID marks a repository-level row.
type CommitMetric struct {
	WeekStart time.Time
	RepoID    int64
	Language  string
	UserID    *int64
	Commits   int
	Additions int
	Deletions int
}

// PullRequestDayMetric holds one UTC day of pull request flow for a repository
type PullRequestDayMetric struct {
	Date              time.Time
	RepoID            int64
	Language          string
	Opened            int
	Merged            int
	Closed            int
	MergeLatencyHours float64 // mean over PRs merged that day
	CloseLatencyHours float64 // mean over PRs closed unmerged that day
}

// IssueDayMetric holds one UTC day of issue flow for a repository
type IssueDayMetric struct {
	Date              time.Time
	RepoID            int64
	Language          string
	Opened            int
	Closed            int
	CloseLatencyHours float64
}

// MonthTotal is the stored-row aggregate of one month for one tier
type MonthTotal struct {
	Month          string // YYYY-MM
	Tier           Tier
	Contributions  int64
	ActiveUserDays int64
}

// UserMonthTotal is one user's aggregate for one month
type UserMonthTotal struct {
	Month         string
	UserID        int64
	Tier          Tier
	Contributions int64
	ActiveDays    int64
}

// UserPeriodTotal is one user's aggregate over an arbitrary period
type UserPeriodTotal struct {
	UserID        int64
	Tier          Tier
	Contributions int64
	ActiveDays    int64
}

// FlowMonth is the monthly roll-up of repository flow metrics
type FlowMonth struct {
	Month             string
	PRsOpened         int64
	PRsMerged         int64
	PRsClosed         int64
	MergeLatencyHours float64 // weighted by merged count
	IssuesOpened      int64
	IssuesClosed      int64
	CloseLatencyHours float64 // weighted by closed issue count
	Commits           int64
}

// Distribution summarises a list of per-user values
type Distribution struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	P10  float64 `json:"p10"`
	P25  float64 `json:"p25"`
	P50  float64 `json:"p50"`
	P75  float64 `json:"p75"`
	P90  float64 `json:"p90"`
}

// PeriodStats are the panel statistics of one tier over one month or period
type PeriodStats struct {
	Tier                       Tier         `json:"tier"`
	Users                      int          `json:"users"`
	Days                       int          `json:"days"`
	Contributions              int64        `json:"contributions"`
	ActiveUserDays             int64        `json:"active_user_days"`
	ContributionsPerUserPerDay float64      `json:"contributions_per_user_per_day"`
	ActiveDayShare             float64      `json:"active_day_share"`
	ContributionsPerActiveDay  float64      `json:"contributions_per_active_day"`
	Distribution               Distribution `json:"distribution"`
}

// PanelMonth is one month of the panel view
type PanelMonth struct {
	Month string        `json:"month"`
	Days  int           `json:"days"`
	Tiers []PeriodStats `json:"tiers"`
	Flow  *FlowMonth    `json:"flow,omitempty"`
}

// DeltaSummary summarises per-user post-minus-pre daily rate changes
type DeltaSummary struct {
	Distribution
	FractionPositive float64 `json:"fraction_positive"`
}

// TierFindings compares one tier before and after
type TierFindings struct {
	Tier  Tier         `json:"tier"`
	Pre   PeriodStats  `json:"pre"`
	Post  PeriodStats  `json:"post"`
	Delta DeltaSummary `json:"delta"`
}

// Findings is the fixed pre/post comparison view
type Findings struct {
	Pre    TimeRange      `json:"pre"`
	Post   TimeRange      `json:"post"`
	Tiers  []TierFindings `json:"tiers"` // first entry is TierAll
	Deltas []float64      `json:"-"`
}
