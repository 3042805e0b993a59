package domain

import "time"

// AccountType is the upstream account classification
type AccountType string

const (
	AccountTypeUser         AccountType = "User"
	AccountTypeOrganization AccountType = "Organization"
	AccountTypeBot          AccountType = "Bot"
)

// UserProfile is the typed result of a user profile fetch
type UserProfile struct {
	PlatformID  int64       `json:"platform_id"`
	Login       string      `json:"login"`
	Type        AccountType `json:"type"`
	Followers   int         `json:"followers"`
	PublicRepos int         `json:"public_repos"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SearchUser is one hit of a user search
type SearchUser struct {
	PlatformID int64       `json:"platform_id"`
	Login      string      `json:"login"`
	Type       AccountType `json:"type"`
}

// SearchRepository is one hit of a repository search
type SearchRepository struct {
	PlatformID int64  `json:"platform_id"`
	FullName   string `json:"full_name"`
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	Language   string `json:"language"`
	Stars      int    `json:"stars"`
	Forks      int    `json:"forks"`
	OpenIssues int    `json:"open_issues"`
}

// PullRequest is the subset of a pull request needed for flow metrics
type PullRequest struct {
	Number    int        `json:"number"`
	Author    string     `json:"author"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
}

// Issue is the subset of an issue needed for flow metrics
type Issue struct {
	Number    int        `json:"number"`
	Author    string     `json:"author"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// ContributorWeek is one week of one contributor's commit statistics
type ContributorWeek struct {
	Author    string    `json:"author"`
	WeekStart time.Time `json:"week_start"`
	Commits   int       `json:"commits"`
	Additions int       `json:"additions"`
	Deletions int       `json:"deletions"`
}

// ContributionDay is one day of a contribution calendar
type ContributionDay struct {
	Date  time.Time `json:"date"`
	Count int       `json:"count"`
}

// ContributionCalendar is the result of a one-year contributions query
type ContributionCalendar struct {
	Login string            `json:"login"`
	Year  int               `json:"year"`
	Total int               `json:"total"`
	Days  []ContributionDay `json:"days"`
}

// RepoFile is an entry of a repository directory listing
type RepoFile struct {
	Path string `json:"path"`
	Type string `json:"type"`
}
