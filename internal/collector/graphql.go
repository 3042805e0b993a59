package collector

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
)

// The upstream limits one contributionsCollection window to a single year
const contributionCalendarQuery = `query($login: String!, $from: DateTime!, $to: DateTime!) {
  user(login: $login) {
    contributionsCollection(from: $from, to: $to) {
      contributionCalendar {
        totalContributions
        weeks {
          contributionDays {
            contributionCount
            date
          }
        }
      }
    }
  }
}`

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphqlError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type calendarResponse struct {
	Data struct {
		User *struct {
			ContributionsCollection struct {
				ContributionCalendar struct {
					TotalContributions int `json:"totalContributions"`
					Weeks              []struct {
						ContributionDays []struct {
							ContributionCount int    `json:"contributionCount"`
							Date              string `json:"date"`
						} `json:"contributionDays"`
					} `json:"weeks"`
				} `json:"contributionCalendar"`
			} `json:"contributionsCollection"`
		} `json:"user"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

// yearWindow returns the query window of a calendar year clipped at now.
// ok is false when the year has not started yet.
func yearWindow(year int, now time.Time) (from, to time.Time, ok bool) {
	from = time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to = time.Date(year, time.December, 31, 23, 59, 59, 0, time.UTC)
	now = now.UTC()
	if from.After(now) {
		return from, to, false
	}
	if to.After(now) {
		to = now
	}
	return from, to, true
}

// GetContributionCalendar retrieves one calendar year of daily contributions.
// Years that have not started return an empty calendar without a request.
func (c *githubCollector) GetContributionCalendar(ctx context.Context, login string, year int) (*domain.ContributionCalendar, error) {
	from, to, ok := yearWindow(year, c.now())
	if !ok {
		return &domain.ContributionCalendar{Login: login, Year: year}, nil
	}

	cal, err := Run(ctx, c.exec, Call[*domain.ContributionCalendar]{
		Op:       "contribution calendar",
		Channel:  ChannelGraphQL,
		CacheKey: fmt.Sprintf("calendar:%s:%d:%s", strings.ToLower(login), year, to.Format("2006-01-02")),
		TTL:      VolatilityContributions,
		Do: func(ctx context.Context) (*domain.ContributionCalendar, http.Header, error) {
			if err := c.graphql.Wait(ctx); err != nil {
				return nil, nil, err
			}
			return c.queryCalendar(ctx, login, year, from, to)
		},
	})
	if err != nil {
		return nil, err
	}
	return cal, nil
}

func (c *githubCollector) queryCalendar(ctx context.Context, login string, year int, from, to time.Time) (*domain.ContributionCalendar, http.Header, error) {
	body := graphqlRequest{
		Query: contributionCalendarQuery,
		Variables: map[string]interface{}{
			"login": login,
			"from":  from.Format(time.RFC3339),
			"to":    to.Format(time.RFC3339),
		},
	}
	req, err := c.client.NewRequest(http.MethodPost, "graphql", body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build contributions query: %w", err)
	}

	var out calendarResponse
	resp, err := c.client.Do(ctx, req, &out)
	if err != nil {
		return nil, headerOf(resp), fmt.Errorf("failed to query contributions for %s: %w", login, err)
	}
	header := headerOf(resp)

	if len(out.Errors) > 0 {
		e := out.Errors[0]
		switch e.Type {
		case "NOT_FOUND":
			return nil, header, apperrors.NewNotFoundError("user " + login)
		case "RATE_LIMITED":
			return nil, header, fmt.Errorf("contributions query for %s: %s: %w", login, e.Message, ErrTransient)
		}
		return nil, header, fmt.Errorf("contributions query for %s failed: %s", login, e.Message)
	}
	if out.Data.User == nil {
		return nil, header, apperrors.NewNotFoundError("user " + login)
	}

	calendar := out.Data.User.ContributionsCollection.ContributionCalendar
	result := &domain.ContributionCalendar{
		Login: login,
		Year:  year,
		Total: calendar.TotalContributions,
	}
	for _, w := range calendar.Weeks {
		for _, d := range w.ContributionDays {
			date, err := time.Parse("2006-01-02", d.Date)
			if err != nil {
				return nil, header, fmt.Errorf("invalid contribution date %q: %w", d.Date, err)
			}
			result.Days = append(result.Days, domain.ContributionDay{Date: date, Count: d.ContributionCount})
		}
	}
	return result, header, nil
}
