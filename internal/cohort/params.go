package cohort

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kurihiro0119/devcohort/internal/config"
	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
	"github.com/kurihiro0119/devcohort/internal/sampler"
)

// Languages are the tracked repository strata, in sampling order
var Languages = []string{
	"JavaScript", "Python", "TypeScript", "Java", "Go",
	"C++", "Rust", "C#", "PHP", "Ruby",
}

// maxSearchResults is the upstream cap on reachable search hits
const maxSearchResults = 1000

func intPtr(v int) *int { return &v }

// DefaultBands returns the five follower bands
func DefaultBands() []sampler.Band {
	return []sampler.Band{
		{Tier: domain.TierTop, Min: 5000},
		{Tier: domain.TierMid, Min: 1500, Max: intPtr(5000)},
		{Tier: domain.TierMid, Min: 500, Max: intPtr(1500)},
		{Tier: domain.TierCasual, Min: 150, Max: intPtr(500)},
		{Tier: domain.TierCasual, Min: 50, Max: intPtr(150)},
	}
}

// Duration is a time.Duration that reads and writes as a Go duration string
type Duration time.Duration

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"800ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Params are the effective parameters of one sync. The JSON form is stored
// with the job so a cohort can be rebuilt from the record and its seed.
type Params struct {
	Seed                     uint32         `json:"seed"`
	Bands                    []sampler.Band `json:"bands"`
	UsersPerBand             int            `json:"users_per_band"`
	SearchPageSize           int            `json:"search_page_size"`
	SearchPagesPerOrder      int            `json:"search_pages_per_order"`
	LanguageCount            int            `json:"language_count"`
	ReposPerLanguage         int            `json:"repos_per_language"`
	MinStars                 int            `json:"min_stars"`
	PRPages                  int            `json:"pr_pages"`
	IssuePages               int            `json:"issue_pages"`
	BaselineYears            []int          `json:"baseline_years"`
	MinBaselineContributions int64          `json:"min_baseline_contributions"`
	Years                    []int          `json:"years"`
	UpsertChunkSize          int            `json:"upsert_chunk_size"`
	GraphQLThrottle          Duration       `json:"graphql_throttle"`
	RequestTimeout           Duration       `json:"request_timeout"`
	RetryAttempts            int            `json:"retry_attempts"`
	RetryBaseDelay           Duration       `json:"retry_base_delay"`
	RetryMaxDelay            Duration       `json:"retry_max_delay"`
}

// DefaultParams builds the parameters from configuration
func DefaultParams(s config.Sampling, u config.Upstream) Params {
	return Params{
		Seed:                     s.Seed,
		Bands:                    DefaultBands(),
		UsersPerBand:             s.UsersPerBand,
		SearchPageSize:           s.SearchPageSize,
		SearchPagesPerOrder:      s.SearchPagesPerOrder,
		LanguageCount:            s.LanguageCount,
		ReposPerLanguage:         s.ReposPerLanguage,
		MinStars:                 s.MinStars,
		PRPages:                  s.PRPages,
		IssuePages:               s.IssuePages,
		BaselineYears:            append([]int(nil), s.BaselineYears...),
		MinBaselineContributions: s.MinBaselineContributions,
		Years:                    append([]int(nil), s.Years...),
		UpsertChunkSize:          s.UpsertChunkSize,
		GraphQLThrottle:          Duration(u.GraphQLThrottle),
		RequestTimeout:           Duration(u.RequestTimeout),
		RetryAttempts:            u.RetryAttempts,
		RetryBaseDelay:           Duration(u.RetryBaseDelay),
		RetryMaxDelay:            Duration(u.RetryMaxDelay),
	}
}

// Overrides replaces individual parameters for one sync. Nil fields keep
// the configured value.
type Overrides struct {
	Seed                     *uint32        `json:"seed,omitempty"`
	Bands                    []sampler.Band `json:"bands,omitempty"`
	UsersPerBand             *int           `json:"users_per_band,omitempty"`
	SearchPageSize           *int           `json:"search_page_size,omitempty"`
	SearchPagesPerOrder      *int           `json:"search_pages_per_order,omitempty"`
	LanguageCount            *int           `json:"language_count,omitempty"`
	ReposPerLanguage         *int           `json:"repos_per_language,omitempty"`
	MinStars                 *int           `json:"min_stars,omitempty"`
	PRPages                  *int           `json:"pr_pages,omitempty"`
	IssuePages               *int           `json:"issue_pages,omitempty"`
	BaselineYears            []int          `json:"baseline_years,omitempty"`
	MinBaselineContributions *int64         `json:"min_baseline_contributions,omitempty"`
	Years                    []int          `json:"years,omitempty"`
	UpsertChunkSize          *int           `json:"upsert_chunk_size,omitempty"`
	GraphQLThrottle          *Duration      `json:"graphql_throttle,omitempty"`
	RequestTimeout           *Duration      `json:"request_timeout,omitempty"`
	RetryAttempts            *int           `json:"retry_attempts,omitempty"`
	RetryBaseDelay           *Duration      `json:"retry_base_delay,omitempty"`
	RetryMaxDelay            *Duration      `json:"retry_max_delay,omitempty"`
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Apply returns p with the overrides applied and validated
func (o Overrides) Apply(p Params) (Params, error) {
	set(&p.Seed, o.Seed)
	if len(o.Bands) > 0 {
		p.Bands = append([]sampler.Band(nil), o.Bands...)
	}
	set(&p.UsersPerBand, o.UsersPerBand)
	set(&p.SearchPageSize, o.SearchPageSize)
	set(&p.SearchPagesPerOrder, o.SearchPagesPerOrder)
	set(&p.LanguageCount, o.LanguageCount)
	set(&p.ReposPerLanguage, o.ReposPerLanguage)
	set(&p.MinStars, o.MinStars)
	set(&p.PRPages, o.PRPages)
	set(&p.IssuePages, o.IssuePages)
	if len(o.BaselineYears) > 0 {
		p.BaselineYears = append([]int(nil), o.BaselineYears...)
	}
	set(&p.MinBaselineContributions, o.MinBaselineContributions)
	if len(o.Years) > 0 {
		p.Years = append([]int(nil), o.Years...)
	}
	set(&p.UpsertChunkSize, o.UpsertChunkSize)
	set(&p.GraphQLThrottle, o.GraphQLThrottle)
	set(&p.RequestTimeout, o.RequestTimeout)
	set(&p.RetryAttempts, o.RetryAttempts)
	set(&p.RetryBaseDelay, o.RetryBaseDelay)
	set(&p.RetryMaxDelay, o.RetryMaxDelay)
	return p, p.Validate()
}

// Validate reports the first invalid parameter as a bad request
func (p Params) Validate() error {
	bad := func(format string, args ...any) error {
		return apperrors.NewBadRequestError(fmt.Sprintf(format, args...))
	}
	if len(p.Bands) == 0 {
		return bad("at least one band is required")
	}
	for _, b := range p.Bands {
		switch b.Tier {
		case domain.TierTop, domain.TierMid, domain.TierCasual:
		default:
			return bad("band %s has an unknown tier", b)
		}
		if b.Min < 0 || (b.Max != nil && *b.Max <= b.Min) {
			return bad("band %s is empty", b)
		}
		if b.Target < 0 {
			return bad("band %s has a negative target", b)
		}
	}
	if p.UsersPerBand < 0 {
		return bad("users_per_band must not be negative")
	}
	if p.SearchPageSize < 1 || p.SearchPageSize > 100 {
		return bad("search_page_size must be between 1 and 100")
	}
	if p.SearchPagesPerOrder < 1 || p.SearchPagesPerOrder*p.SearchPageSize > maxSearchResults {
		return bad("search_pages_per_order must reach at most %d results", maxSearchResults)
	}
	if p.LanguageCount < 0 || p.LanguageCount > len(Languages) {
		return bad("language_count must be between 0 and %d", len(Languages))
	}
	if p.ReposPerLanguage < 0 || p.MinStars < 0 || p.PRPages < 0 || p.IssuePages < 0 {
		return bad("repository parameters must not be negative")
	}
	if len(p.BaselineYears) == 0 {
		return bad("baseline_years must not be empty")
	}
	if p.MinBaselineContributions < 0 {
		return bad("min_baseline_contributions must not be negative")
	}
	if p.UpsertChunkSize < 1 {
		return bad("upsert_chunk_size must be positive")
	}
	if p.GraphQLThrottle < 0 || p.RequestTimeout < 0 || p.RetryBaseDelay < 0 || p.RetryMaxDelay < 0 {
		return bad("durations must not be negative")
	}
	if p.RetryAttempts < 1 {
		return bad("retry_attempts must be at least 1")
	}
	return nil
}

// TargetFor returns the sample size of band
func (p Params) TargetFor(b sampler.Band) int {
	if b.Target > 0 {
		return b.Target
	}
	return p.UsersPerBand
}

// Snapshot serialises p for the job record
func (p Params) Snapshot() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode sampling parameters: %w", err)
	}
	return string(b), nil
}

// ParseSnapshot restores parameters from a job record
func ParseSnapshot(s string) (Params, error) {
	var p Params
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return p, fmt.Errorf("failed to decode sampling parameters: %w", err)
	}
	return p, nil
}
