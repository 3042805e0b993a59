package domain

import "time"

// Tier is the coarse label assigned to a follower-count band
type Tier string

const (
	TierTop    Tier = "top"
	TierMid    Tier = "mid"
	TierCasual Tier = "casual"
)

// TierAll labels rows that aggregate over every tier
const TierAll Tier = "all"

// Tiers lists the strata in display order
var Tiers = []Tier{TierTop, TierMid, TierCasual}

// SampledUser is a developer that passed the baseline-activity gate
type SampledUser struct {
	ID                    int64
	PlatformID            int64
	Username              string
	Tier                  Tier
	Followers             int
	PublicRepos           int
	TotalContributions    int64
	BaselineContributions int64
	AdoptionScore         *float64
	AdoptionFirstSeenAt   *time.Time
	LastSyncedAt          *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SampledRepository is a repository sampled under a language stratum
type SampledRepository struct {
	ID                  int64
	PlatformID          int64
	FullName            string
	Owner               string
	Name                string
	PrimaryLanguage     string
	Stars               int
	Forks               int
	OpenIssues          int
	AdoptionScore       *float64
	AdoptionFirstSeenAt *time.Time
	LastSyncedAt        *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DailyContribution is one non-zero day of a user's contribution calendar
type DailyContribution struct {
	Date   time.Time
	UserID int64
	Count  int
}

// SignalType classifies an adoption marker
type SignalType string

const (
	SignalTypeConfigFile    SignalType = "config_file"
	SignalTypeReadmeMention SignalType = "readme_mention"
)

// AISignal records evidence of AI-tool adoption on a repository or user.
// Occurrences accumulate across syncs.
type AISignal struct {
	ID          int64
	SignalType  SignalType
	Source      string
	UserID      *int64
	RepoID      *int64
	Occurrences int
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Examples    []string
}

// Lease is a named mutual-exclusion marker with an expiry
type Lease struct {
	Name      string
	Holder    string
	ExpiresAt time.Time
}
