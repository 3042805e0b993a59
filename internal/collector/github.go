package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v55/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
)

var errStatsPending = errors.New("contributor statistics are still being computed")

// githubCollector implements Collector using the GitHub REST and GraphQL APIs
type githubCollector struct {
	client  *github.Client
	exec    *Executor
	graphql *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewGitHubCollector creates a token-authenticated collector
func NewGitHubCollector(token string, exec *Executor, graphqlThrottle time.Duration, logger *zap.Logger) Collector {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return NewGitHubCollectorWithClient(github.NewClient(tc), exec, graphqlThrottle, logger)
}

// NewGitHubCollectorWithClient creates a collector over an existing go-github client
func NewGitHubCollectorWithClient(client *github.Client, exec *Executor, graphqlThrottle time.Duration, logger *zap.Logger) Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if graphqlThrottle > 0 {
		limit = rate.Every(graphqlThrottle)
	}
	return &githubCollector{
		client:  client,
		exec:    exec,
		graphql: rate.NewLimiter(limit, 1),
		logger:  logger,
		now:     time.Now,
	}
}

func headerOf(resp *github.Response) http.Header {
	if resp == nil || resp.Response == nil {
		return nil
	}
	return resp.Header
}

func isStatus(err error, code int) bool {
	got, ok := StatusCode(err)
	return ok && got == code
}

// SearchUsers returns one page of a follower-sorted user search
func (c *githubCollector) SearchUsers(ctx context.Context, query string, order SortOrder, page, perPage int) ([]domain.SearchUser, error) {
	return Run(ctx, c.exec, Call[[]domain.SearchUser]{
		Op:       "search users",
		Channel:  ChannelSearch,
		CacheKey: fmt.Sprintf("search:users:%s:%s:%d:%d", query, order, page, perPage),
		TTL:      VolatilitySearch,
		Do: func(ctx context.Context) ([]domain.SearchUser, http.Header, error) {
			opts := &github.SearchOptions{
				Sort:        "followers",
				Order:       string(order),
				ListOptions: github.ListOptions{Page: page, PerPage: perPage},
			}
			result, resp, err := c.client.Search.Users(ctx, query, opts)
			if err != nil {
				return nil, headerOf(resp), fmt.Errorf("failed to search users: %w", err)
			}

			users := make([]domain.SearchUser, 0, len(result.Users))
			for _, u := range result.Users {
				users = append(users, domain.SearchUser{
					PlatformID: u.GetID(),
					Login:      u.GetLogin(),
					Type:       domain.AccountType(u.GetType()),
				})
			}
			return users, headerOf(resp), nil
		},
	})
}

// SearchRepositories returns one page of a star-sorted repository search
func (c *githubCollector) SearchRepositories(ctx context.Context, query string, page, perPage int) ([]domain.SearchRepository, error) {
	return Run(ctx, c.exec, Call[[]domain.SearchRepository]{
		Op:       "search repositories",
		Channel:  ChannelSearch,
		CacheKey: fmt.Sprintf("search:repos:%s:%d:%d", query, page, perPage),
		TTL:      VolatilitySearch,
		Do: func(ctx context.Context) ([]domain.SearchRepository, http.Header, error) {
			opts := &github.SearchOptions{
				Sort:        "stars",
				Order:       string(SortDesc),
				ListOptions: github.ListOptions{Page: page, PerPage: perPage},
			}
			result, resp, err := c.client.Search.Repositories(ctx, query, opts)
			if err != nil {
				return nil, headerOf(resp), fmt.Errorf("failed to search repositories: %w", err)
			}

			repos := make([]domain.SearchRepository, 0, len(result.Repositories))
			for _, r := range result.Repositories {
				repos = append(repos, domain.SearchRepository{
					PlatformID: r.GetID(),
					FullName:   r.GetFullName(),
					Owner:      r.GetOwner().GetLogin(),
					Name:       r.GetName(),
					Language:   r.GetLanguage(),
					Stars:      r.GetStargazersCount(),
					Forks:      r.GetForksCount(),
					OpenIssues: r.GetOpenIssuesCount(),
				})
			}
			return repos, headerOf(resp), nil
		},
	})
}

// GetUserProfile retrieves a user's profile
func (c *githubCollector) GetUserProfile(ctx context.Context, login string) (*domain.UserProfile, error) {
	profile, err := Run(ctx, c.exec, Call[*domain.UserProfile]{
		Op:       "get user",
		Channel:  ChannelGeneral,
		CacheKey: "profile:" + strings.ToLower(login),
		TTL:      VolatilityProfile,
		Do: func(ctx context.Context) (*domain.UserProfile, http.Header, error) {
			u, resp, err := c.client.Users.Get(ctx, login)
			if err != nil {
				return nil, headerOf(resp), fmt.Errorf("failed to get user %s: %w", login, err)
			}
			return &domain.UserProfile{
				PlatformID:  u.GetID(),
				Login:       u.GetLogin(),
				Type:        domain.AccountType(u.GetType()),
				Followers:   u.GetFollowers(),
				PublicRepos: u.GetPublicRepos(),
				CreatedAt:   u.GetCreatedAt().Time,
			}, headerOf(resp), nil
		},
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, apperrors.NewNotFoundError("user " + login)
		}
		return nil, err
	}
	return profile, nil
}

// GetContributorStats retrieves weekly commit statistics per contributor
func (c *githubCollector) GetContributorStats(ctx context.Context, owner, repo string) ([]domain.ContributorWeek, bool, error) {
	weeks, err := Run(ctx, c.exec, Call[[]domain.ContributorWeek]{
		Op:       "contributor stats",
		Channel:  ChannelGeneral,
		CacheKey: fmt.Sprintf("stats:%s/%s", owner, repo),
		TTL:      VolatilityRepoStats,
		Do: func(ctx context.Context) ([]domain.ContributorWeek, http.Header, error) {
			stats, resp, err := c.client.Repositories.ListContributorsStats(ctx, owner, repo)
			if err != nil {
				var accepted *github.AcceptedError
				if errors.As(err, &accepted) {
					return nil, headerOf(resp), errStatsPending
				}
				return nil, headerOf(resp), fmt.Errorf("failed to get contributor stats for %s/%s: %w", owner, repo, err)
			}
			if resp != nil && resp.StatusCode == http.StatusAccepted {
				return nil, headerOf(resp), errStatsPending
			}

			var weeks []domain.ContributorWeek
			for _, s := range stats {
				author := s.GetAuthor().GetLogin()
				for _, w := range s.Weeks {
					if w.GetCommits() == 0 && w.GetAdditions() == 0 && w.GetDeletions() == 0 {
						continue
					}
					weeks = append(weeks, domain.ContributorWeek{
						Author:    author,
						WeekStart: w.GetWeek().Time.UTC(),
						Commits:   w.GetCommits(),
						Additions: w.GetAdditions(),
						Deletions: w.GetDeletions(),
					})
				}
			}
			return weeks, headerOf(resp), nil
		},
	})
	if errors.Is(err, errStatsPending) {
		c.logger.Debug("Contributor stats not ready", zap.String("repo", owner+"/"+repo))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return weeks, true, nil
}

// ListPullRequests returns one page of pull requests in every state, most recently updated first
func (c *githubCollector) ListPullRequests(ctx context.Context, owner, repo string, page, perPage int) ([]domain.PullRequest, error) {
	return Run(ctx, c.exec, Call[[]domain.PullRequest]{
		Op:       "list pull requests",
		Channel:  ChannelGeneral,
		CacheKey: fmt.Sprintf("pulls:%s/%s:%d:%d", owner, repo, page, perPage),
		TTL:      VolatilityRepoStats,
		Do: func(ctx context.Context) ([]domain.PullRequest, http.Header, error) {
			opts := &github.PullRequestListOptions{
				State:       "all",
				Sort:        "updated",
				Direction:   "desc",
				ListOptions: github.ListOptions{Page: page, PerPage: perPage},
			}
			prs, resp, err := c.client.PullRequests.List(ctx, owner, repo, opts)
			if err != nil {
				return nil, headerOf(resp), fmt.Errorf("failed to list pull requests for %s/%s: %w", owner, repo, err)
			}

			out := make([]domain.PullRequest, 0, len(prs))
			for _, pr := range prs {
				out = append(out, domain.PullRequest{
					Number:    pr.GetNumber(),
					Author:    pr.GetUser().GetLogin(),
					CreatedAt: pr.GetCreatedAt().Time.UTC(),
					ClosedAt:  timestampPtr(pr.ClosedAt),
					MergedAt:  timestampPtr(pr.MergedAt),
				})
			}
			return out, headerOf(resp), nil
		},
	})
}

// ListIssues returns one page of issues in every state, most recently updated first.
// Pull requests returned by the issues endpoint are dropped.
func (c *githubCollector) ListIssues(ctx context.Context, owner, repo string, page, perPage int) ([]domain.Issue, error) {
	return Run(ctx, c.exec, Call[[]domain.Issue]{
		Op:       "list issues",
		Channel:  ChannelGeneral,
		CacheKey: fmt.Sprintf("issues:%s/%s:%d:%d", owner, repo, page, perPage),
		TTL:      VolatilityRepoStats,
		Do: func(ctx context.Context) ([]domain.Issue, http.Header, error) {
			opts := &github.IssueListByRepoOptions{
				State:       "all",
				Sort:        "updated",
				Direction:   "desc",
				ListOptions: github.ListOptions{Page: page, PerPage: perPage},
			}
			issues, resp, err := c.client.Issues.ListByRepo(ctx, owner, repo, opts)
			if err != nil {
				return nil, headerOf(resp), fmt.Errorf("failed to list issues for %s/%s: %w", owner, repo, err)
			}

			out := make([]domain.Issue, 0, len(issues))
			for _, is := range issues {
				if is.IsPullRequest() {
					continue
				}
				out = append(out, domain.Issue{
					Number:    is.GetNumber(),
					Author:    is.GetUser().GetLogin(),
					CreatedAt: is.GetCreatedAt().Time.UTC(),
					ClosedAt:  timestampPtr(is.ClosedAt),
				})
			}
			return out, headerOf(resp), nil
		},
	})
}

// GetReadme returns the decoded README text
func (c *githubCollector) GetReadme(ctx context.Context, owner, repo string) (string, error) {
	return Run(ctx, c.exec, Call[string]{
		Op:       "get readme",
		Channel:  ChannelGeneral,
		CacheKey: fmt.Sprintf("readme:%s/%s", owner, repo),
		TTL:      VolatilityRepoStats,
		Do: func(ctx context.Context) (string, http.Header, error) {
			content, resp, err := c.client.Repositories.GetReadme(ctx, owner, repo, nil)
			if err != nil {
				if isStatus(err, http.StatusNotFound) {
					return "", headerOf(resp), nil
				}
				return "", headerOf(resp), fmt.Errorf("failed to get readme for %s/%s: %w", owner, repo, err)
			}
			text, err := content.GetContent()
			if err != nil {
				return "", headerOf(resp), fmt.Errorf("failed to decode readme for %s/%s: %w", owner, repo, err)
			}
			return text, headerOf(resp), nil
		},
	})
}

// ListDirectory lists a repository directory. "" is the root.
func (c *githubCollector) ListDirectory(ctx context.Context, owner, repo, path string) ([]domain.RepoFile, error) {
	return Run(ctx, c.exec, Call[[]domain.RepoFile]{
		Op:       "list directory",
		Channel:  ChannelGeneral,
		CacheKey: fmt.Sprintf("contents:%s/%s:%s", owner, repo, path),
		TTL:      VolatilityRepoStats,
		Do: func(ctx context.Context) ([]domain.RepoFile, http.Header, error) {
			_, entries, resp, err := c.client.Repositories.GetContents(ctx, owner, repo, path, nil)
			if err != nil {
				if isStatus(err, http.StatusNotFound) {
					return nil, headerOf(resp), nil
				}
				return nil, headerOf(resp), fmt.Errorf("failed to list %s in %s/%s: %w", path, owner, repo, err)
			}

			files := make([]domain.RepoFile, 0, len(entries))
			for _, e := range entries {
				files = append(files, domain.RepoFile{
					Path: e.GetPath(),
					Type: e.GetType(),
				})
			}
			return files, headerOf(resp), nil
		},
	})
}

func timestampPtr(ts *github.Timestamp) *time.Time {
	if ts == nil {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}
