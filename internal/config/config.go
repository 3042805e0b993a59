package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	// GitHub
	GitHubToken string

	// Storage
	StorageType string // "sqlite" or "postgres"
	SQLitePath  string
	PostgresURL string

	// Response cache
	CacheType     string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// API Server
	APIPort string
	APIHost string

	// CLI
	APIEndpoint string

	// Logging
	LogLevel  string
	LogFormat string

	Sampling Sampling
	Upstream Upstream

	PostPeriodStart time.Time
	SyncLeaseTTL    time.Duration
}

// Sampling holds the cohort parameters. Every field can be overridden per sync.
type Sampling struct {
	Seed                     uint32
	UsersPerBand             int
	SearchPageSize           int
	SearchPagesPerOrder      int
	LanguageCount            int
	ReposPerLanguage         int
	MinStars                 int
	PRPages                  int
	IssuePages               int
	BaselineYears            []int
	MinBaselineContributions int64
	Years                    []int
	UpsertChunkSize          int
}

// Upstream holds the request policy for the platform API
type Upstream struct {
	GraphQLThrottle time.Duration
	RequestTimeout  time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

// Load loads the configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	baseline, err := parseYears(v.GetString("BASELINE_YEARS"))
	if err != nil {
		return nil, &ConfigError{Field: "BASELINE_YEARS", Message: err.Error()}
	}
	years, err := parseYears(v.GetString("YEARS"))
	if err != nil {
		return nil, &ConfigError{Field: "YEARS", Message: err.Error()}
	}
	postStart, err := time.Parse("2006-01-02", v.GetString("POST_PERIOD_START"))
	if err != nil {
		return nil, &ConfigError{Field: "POST_PERIOD_START", Message: "must be YYYY-MM-DD"}
	}

	return &Config{
		GitHubToken:   v.GetString("GITHUB_TOKEN"),
		StorageType:   v.GetString("STORAGE_TYPE"),
		SQLitePath:    v.GetString("SQLITE_PATH"),
		PostgresURL:   v.GetString("POSTGRES_URL"),
		CacheType:     v.GetString("CACHE_TYPE"),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		APIPort:       v.GetString("API_PORT"),
		APIHost:       v.GetString("API_HOST"),
		APIEndpoint:   v.GetString("API_ENDPOINT"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		LogFormat:     v.GetString("LOG_FORMAT"),
		Sampling: Sampling{
			Seed:                     v.GetUint32("SAMPLING_SEED"),
			UsersPerBand:             v.GetInt("USERS_PER_BAND"),
			SearchPageSize:           v.GetInt("SEARCH_PAGE_SIZE"),
			SearchPagesPerOrder:      v.GetInt("SEARCH_PAGES_PER_ORDER"),
			LanguageCount:            v.GetInt("LANGUAGE_COUNT"),
			ReposPerLanguage:         v.GetInt("REPOS_PER_LANGUAGE"),
			MinStars:                 v.GetInt("MIN_STARS"),
			PRPages:                  v.GetInt("PR_PAGES"),
			IssuePages:               v.GetInt("ISSUE_PAGES"),
			BaselineYears:            baseline,
			MinBaselineContributions: v.GetInt64("MIN_BASELINE_CONTRIBUTIONS"),
			Years:                    years,
			UpsertChunkSize:          v.GetInt("UPSERT_CHUNK_SIZE"),
		},
		Upstream: Upstream{
			GraphQLThrottle: v.GetDuration("GRAPHQL_THROTTLE"),
			RequestTimeout:  v.GetDuration("REQUEST_TIMEOUT"),
			RetryAttempts:   v.GetInt("RETRY_ATTEMPTS"),
			RetryBaseDelay:  v.GetDuration("RETRY_BASE_DELAY"),
			RetryMaxDelay:   v.GetDuration("RETRY_MAX_DELAY"),
		},
		PostPeriodStart: postStart,
		SyncLeaseTTL:    v.GetDuration("SYNC_LEASE_TTL"),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STORAGE_TYPE", "sqlite")
	v.SetDefault("SQLITE_PATH", "./devcohort.db")
	v.SetDefault("CACHE_TYPE", "memory")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("API_PORT", "8080")
	v.SetDefault("API_HOST", "localhost")
	v.SetDefault("API_ENDPOINT", "http://localhost:8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")

	v.SetDefault("SAMPLING_SEED", 20240101)
	v.SetDefault("USERS_PER_BAND", 40)
	v.SetDefault("SEARCH_PAGE_SIZE", 100)
	v.SetDefault("SEARCH_PAGES_PER_ORDER", 2)
	v.SetDefault("LANGUAGE_COUNT", 5)
	v.SetDefault("REPOS_PER_LANGUAGE", 20)
	v.SetDefault("MIN_STARS", 1000)
	v.SetDefault("PR_PAGES", 3)
	v.SetDefault("ISSUE_PAGES", 3)
	v.SetDefault("BASELINE_YEARS", "2021,2022")
	v.SetDefault("MIN_BASELINE_CONTRIBUTIONS", 50)
	v.SetDefault("YEARS", "2020,2021,2022,2023,2024,2025")
	v.SetDefault("UPSERT_CHUNK_SIZE", 200)

	v.SetDefault("GRAPHQL_THROTTLE", "800ms")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "1s")
	v.SetDefault("RETRY_MAX_DELAY", "30s")

	v.SetDefault("POST_PERIOD_START", "2023-01-01")
	v.SetDefault("SYNC_LEASE_TTL", "10m")
}

// parseYears parses a comma separated list of calendar years
func parseYears(s string) ([]int, error) {
	var years []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		y, err := strconv.Atoi(part)
		if err != nil || y < 2008 || y > 9999 {
			return nil, fmt.Errorf("invalid year %q", part)
		}
		years = append(years, y)
	}
	return years, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.GitHubToken == "" {
		return &ConfigError{Field: "GITHUB_TOKEN", Message: "GitHub token is required"}
	}
	return c.ValidateStorage()
}

// ValidateStorage validates only the settings needed to open the store.
// Read-only commands do not need a GitHub token.
func (c *Config) ValidateStorage() error {
	if c.StorageType != "sqlite" && c.StorageType != "postgres" {
		return &ConfigError{Field: "STORAGE_TYPE", Message: "must be 'sqlite' or 'postgres'"}
	}
	if c.StorageType == "postgres" && c.PostgresURL == "" {
		return &ConfigError{Field: "POSTGRES_URL", Message: "PostgreSQL URL is required when STORAGE_TYPE is 'postgres'"}
	}
	if c.CacheType != "memory" && c.CacheType != "redis" {
		return &ConfigError{Field: "CACHE_TYPE", Message: "must be 'memory' or 'redis'"}
	}
	if len(c.Sampling.BaselineYears) != 2 {
		return &ConfigError{Field: "BASELINE_YEARS", Message: "exactly two baseline years are required"}
	}
	if c.Sampling.UpsertChunkSize <= 0 {
		return &ConfigError{Field: "UPSERT_CHUNK_SIZE", Message: "must be positive"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
