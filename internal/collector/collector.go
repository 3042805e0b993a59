package collector

import (
	"context"

	"github.com/kurihiro0119/devcohort/internal/domain"
)

// SortOrder is the direction of a search sort
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Collector defines the typed upstream operations used by the pipeline.
// Every call goes through the governed executor.
type Collector interface {
	// SearchUsers returns one page of a follower-sorted user search
	SearchUsers(ctx context.Context, query string, order SortOrder, page, perPage int) ([]domain.SearchUser, error)

	// SearchRepositories returns one page of a star-sorted (descending) repository search
	SearchRepositories(ctx context.Context, query string, page, perPage int) ([]domain.SearchRepository, error)

	// GetUserProfile retrieves a user's profile. A missing user is a not-found AppError.
	GetUserProfile(ctx context.Context, login string) (*domain.UserProfile, error)

	// GetContributionCalendar retrieves one calendar year of daily contributions
	GetContributionCalendar(ctx context.Context, login string, year int) (*domain.ContributionCalendar, error)

	// GetContributorStats retrieves weekly commit statistics per contributor.
	// It returns ok=false while the statistics are still being computed.
	GetContributorStats(ctx context.Context, owner, repo string) (weeks []domain.ContributorWeek, ok bool, err error)

	// ListPullRequests returns one page of pull requests, most recently updated first
	ListPullRequests(ctx context.Context, owner, repo string, page, perPage int) ([]domain.PullRequest, error)

	// ListIssues returns one page of issues (pull requests excluded), most recently updated first
	ListIssues(ctx context.Context, owner, repo string, page, perPage int) ([]domain.Issue, error)

	// GetReadme returns the decoded README text, or "" when the repository has none
	GetReadme(ctx context.Context, owner, repo string) (string, error)

	// ListDirectory lists a repository directory, or nil when it does not exist
	ListDirectory(ctx context.Context, owner, repo, path string) ([]domain.RepoFile, error)
}
