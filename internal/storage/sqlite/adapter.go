package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
	"github.com/kurihiro0119/devcohort/internal/storage"
	"github.com/kurihiro0119/devcohort/internal/storage/migrations"
)

// sqliteStorage implements the Storage interface for SQLite
type sqliteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (storage.Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	s := &sqliteStorage{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Migrate applies the embedded schema migrations
func (s *sqliteStorage) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrations.SQLite, "sqlite")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	// m.Close would close s.db through the driver
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, platform_id, username, tier, followers, public_repos,
	total_contributions, baseline_contributions, adoption_score, adoption_first_seen_at,
	last_synced_at, created_at, updated_at`

func scanUser(row rowScanner) (*domain.SampledUser, error) {
	var u domain.SampledUser
	var tier string
	var score sql.NullFloat64
	var firstSeen, synced sql.NullTime
	err := row.Scan(&u.ID, &u.PlatformID, &u.Username, &tier, &u.Followers, &u.PublicRepos,
		&u.TotalContributions, &u.BaselineContributions, &score, &firstSeen,
		&synced, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Tier = domain.Tier(tier)
	u.AdoptionScore = floatPtr(score)
	u.AdoptionFirstSeenAt = timePtr(firstSeen)
	u.LastSyncedAt = timePtr(synced)
	return &u, nil
}

// UpsertUser creates or updates a sampled user by platform id
func (s *sqliteStorage) UpsertUser(ctx context.Context, user *domain.SampledUser) error {
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sampled_users (platform_id, username, tier, followers, public_repos, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform_id) DO UPDATE SET
			username = excluded.username,
			tier = excluded.tier,
			followers = excluded.followers,
			public_repos = excluded.public_repos,
			updated_at = excluded.updated_at
		RETURNING id
	`, user.PlatformID, user.Username, string(user.Tier), user.Followers, user.PublicRepos, now, now).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.Username, err)
	}
	return nil
}

// GetUserByUsername retrieves a sampled user
func (s *sqliteStorage) GetUserByUsername(ctx context.Context, username string) (*domain.SampledUser, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM sampled_users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("user " + username)
	}
	return u, err
}

// ListUsers retrieves every sampled user
func (s *sqliteStorage) ListUsers(ctx context.Context) ([]*domain.SampledUser, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM sampled_users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.SampledUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserTotals stores the contribution totals of a completed onboarding
func (s *sqliteStorage) UpdateUserTotals(ctx context.Context, userID, total, baseline int64, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sampled_users
		SET total_contributions = ?, baseline_contributions = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ?
	`, total, baseline, syncedAt.UTC(), time.Now().UTC(), userID)
	return err
}

// DeleteUser removes a sampled user and its daily rows
func (s *sqliteStorage) DeleteUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sampled_users WHERE id = ?`, userID)
	return err
}

// UpsertDailyContributions writes one chunk of daily rows atomically
func (s *sqliteStorage) UpsertDailyContributions(ctx context.Context, rows []domain.DailyContribution) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_contributions (date, user_id, contribution_count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, user_id) DO UPDATE SET contribution_count = excluded.contribution_count
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if r.Count <= 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, r.Date.UTC().Format(storage.DateLayout), r.UserID, r.Count); err != nil {
			return fmt.Errorf("failed to upsert contribution day %s: %w", r.Date.Format(storage.DateLayout), err)
		}
	}

	return tx.Commit()
}

const repoColumns = `id, platform_id, full_name, owner, name, primary_language, stars, forks,
	open_issues, adoption_score, adoption_first_seen_at, last_synced_at, created_at, updated_at`

func scanRepository(row rowScanner) (*domain.SampledRepository, error) {
	var r domain.SampledRepository
	var score sql.NullFloat64
	var firstSeen, synced sql.NullTime
	err := row.Scan(&r.ID, &r.PlatformID, &r.FullName, &r.Owner, &r.Name, &r.PrimaryLanguage,
		&r.Stars, &r.Forks, &r.OpenIssues, &score, &firstSeen, &synced, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.AdoptionScore = floatPtr(score)
	r.AdoptionFirstSeenAt = timePtr(firstSeen)
	r.LastSyncedAt = timePtr(synced)
	return &r, nil
}

// UpsertRepository creates or updates a sampled repository by platform id.
// Identity columns are kept; counters are overwritten.
func (s *sqliteStorage) UpsertRepository(ctx context.Context, repo *domain.SampledRepository) error {
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sampled_repositories (platform_id, full_name, owner, name, primary_language, stars, forks, open_issues, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform_id) DO UPDATE SET
			stars = excluded.stars,
			forks = excluded.forks,
			open_issues = excluded.open_issues,
			updated_at = excluded.updated_at
		RETURNING id
	`, repo.PlatformID, repo.FullName, repo.Owner, repo.Name, repo.PrimaryLanguage,
		repo.Stars, repo.Forks, repo.OpenIssues, now, now).Scan(&repo.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert repository %s: %w", repo.FullName, err)
	}
	return nil
}

// ListRepositories retrieves every sampled repository
func (s *sqliteStorage) ListRepositories(ctx context.Context) ([]*domain.SampledRepository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repoColumns+` FROM sampled_repositories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*domain.SampledRepository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// UpdateRepositoryAdoption sets the adoption score. The first-seen time is only set once.
func (s *sqliteStorage) UpdateRepositoryAdoption(ctx context.Context, repoID int64, score float64, firstSeenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sampled_repositories
		SET adoption_score = ?, adoption_first_seen_at = COALESCE(adoption_first_seen_at, ?), updated_at = ?
		WHERE id = ?
	`, score, firstSeenAt.UTC(), time.Now().UTC(), repoID)
	return err
}

// MarkRepositorySynced records the completion time of a repository sync
func (s *sqliteStorage) MarkRepositorySynced(ctx context.Context, repoID int64, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sampled_repositories SET last_synced_at = ? WHERE id = ?`, syncedAt.UTC(), repoID)
	return err
}

// IncrementCommitMetrics adds weekly commit buckets to the stored counters
func (s *sqliteStorage) IncrementCommitMetrics(ctx context.Context, rows []domain.CommitMetric) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO commit_metrics (week_start, repo_id, language, user_id, commits, additions, deletions)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(week_start, repo_id, language, user_id) DO UPDATE SET
			commits = commit_metrics.commits + excluded.commits,
			additions = commit_metrics.additions + excluded.additions,
			deletions = commit_metrics.deletions + excluded.deletions
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx, r.WeekStart.UTC().Format(storage.DateLayout), r.RepoID, r.Language,
			idOrZero(r.UserID), r.Commits, r.Additions, r.Deletions)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ReplacePullRequestMetrics overwrites pull request day rows
func (s *sqliteStorage) ReplacePullRequestMetrics(ctx context.Context, rows []domain.PullRequestDayMetric) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pull_request_day_metrics (date, repo_id, language, opened, merged, closed, merge_latency_hours, close_latency_hours)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, repo_id, language) DO UPDATE SET
			opened = excluded.opened,
			merged = excluded.merged,
			closed = excluded.closed,
			merge_latency_hours = excluded.merge_latency_hours,
			close_latency_hours = excluded.close_latency_hours
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx, r.Date.UTC().Format(storage.DateLayout), r.RepoID, r.Language,
			r.Opened, r.Merged, r.Closed, r.MergeLatencyHours, r.CloseLatencyHours)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ReplaceIssueMetrics overwrites issue day rows
func (s *sqliteStorage) ReplaceIssueMetrics(ctx context.Context, rows []domain.IssueDayMetric) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO issue_day_metrics (date, repo_id, language, opened, closed, close_latency_hours)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, repo_id, language) DO UPDATE SET
			opened = excluded.opened,
			closed = excluded.closed,
			close_latency_hours = excluded.close_latency_hours
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx, r.Date.UTC().Format(storage.DateLayout), r.RepoID, r.Language,
			r.Opened, r.Closed, r.CloseLatencyHours)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpsertAISignal records a signal, accumulating occurrences on conflict
func (s *sqliteStorage) UpsertAISignal(ctx context.Context, signal *domain.AISignal) error {
	examples, err := json.Marshal(nonNilStrings(signal.Examples))
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO ai_signals (signal_type, source, user_id, repo_id, occurrences, first_seen_at, last_seen_at, examples)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signal_type, source, user_id, repo_id) DO UPDATE SET
			occurrences = ai_signals.occurrences + excluded.occurrences,
			last_seen_at = excluded.last_seen_at,
			examples = excluded.examples
		RETURNING id
	`, string(signal.SignalType), signal.Source, idOrZero(signal.UserID), idOrZero(signal.RepoID),
		signal.Occurrences, signal.FirstSeenAt.UTC(), signal.LastSeenAt.UTC(), string(examples)).Scan(&signal.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert signal %s/%s: %w", signal.SignalType, signal.Source, err)
	}
	return nil
}

// ListAISignals retrieves the signals recorded for a repository
func (s *sqliteStorage) ListAISignals(ctx context.Context, repoID int64) ([]*domain.AISignal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signal_type, source, user_id, repo_id, occurrences, first_seen_at, last_seen_at, examples
		FROM ai_signals
		WHERE repo_id = ?
		ORDER BY signal_type, source
	`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*domain.AISignal
	for rows.Next() {
		var sig domain.AISignal
		var signalType, examples string
		var userID, repo int64
		if err := rows.Scan(&sig.ID, &signalType, &sig.Source, &userID, &repo, &sig.Occurrences,
			&sig.FirstSeenAt, &sig.LastSeenAt, &examples); err != nil {
			return nil, err
		}
		sig.SignalType = domain.SignalType(signalType)
		sig.UserID = zeroToNil(userID)
		sig.RepoID = zeroToNil(repo)
		if err := json.Unmarshal([]byte(examples), &sig.Examples); err != nil {
			return nil, err
		}
		signals = append(signals, &sig)
	}
	return signals, rows.Err()
}

// CreateSyncJob inserts a running sync job
func (s *sqliteStorage) CreateSyncJob(ctx context.Context, job *domain.SyncJob) error {
	params := job.SamplingParams
	if params == "" {
		params = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, job_type, status, started_at, items_processed, sampling_seed, sampling_params, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, string(job.JobType), string(job.Status), job.StartedAt.UTC(), job.ItemsProcessed,
		int64(job.SamplingSeed), params, job.ErrorMessage)
	return err
}

// FinishSyncJob moves a running job to a terminal status
func (s *sqliteStorage) FinishSyncJob(ctx context.Context, id string, status domain.JobStatus, itemsProcessed int, errMsg string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = ?, items_processed = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = 'running'
	`, string(status), itemsProcessed, errMsg, completedAt.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewConflictError(fmt.Sprintf("sync job %s is not running", id), nil)
	}
	return nil
}

// GetLatestSyncJob retrieves the most recently started sync job
func (s *sqliteStorage) GetLatestSyncJob(ctx context.Context) (*domain.SyncJob, error) {
	var job domain.SyncJob
	var jobType, status string
	var seed int64
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_type, status, started_at, completed_at, items_processed, sampling_seed, sampling_params, error_message
		FROM sync_jobs
		ORDER BY started_at DESC
		LIMIT 1
	`).Scan(&job.ID, &jobType, &status, &job.StartedAt, &completed, &job.ItemsProcessed, &seed,
		&job.SamplingParams, &job.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("sync job")
	}
	if err != nil {
		return nil, err
	}
	job.JobType = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.SamplingSeed = uint32(seed)
	job.CompletedAt = timePtr(completed)
	return &job, nil
}

// AcquireLease takes the named lease when it is free, expired, or already held by holder
func (s *sqliteStorage) AcquireLease(ctx context.Context, name, holder string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_leases (name, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE sync_leases.expires_at < ? OR sync_leases.holder = excluded.holder
	`, name, holder, expiresAt.UTC(), now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RenewLease extends a lease still held by holder
func (s *sqliteStorage) RenewLease(ctx context.Context, name, holder string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_leases SET expires_at = ? WHERE name = ? AND holder = ?`,
		expiresAt.UTC(), name, holder)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease drops a lease held by holder
func (s *sqliteStorage) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_leases WHERE name = ? AND holder = ?`, name, holder)
	return err
}

// GetLease retrieves the named lease
func (s *sqliteStorage) GetLease(ctx context.Context, name string) (*domain.Lease, error) {
	var l domain.Lease
	err := s.db.QueryRowContext(ctx, `SELECT name, holder, expires_at FROM sync_leases WHERE name = ?`, name).
		Scan(&l.Name, &l.Holder, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("lease " + name)
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Close closes the database connection
func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func idOrZero(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func zeroToNil(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
