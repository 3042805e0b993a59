// Package syncjob runs cohort builds as audited, mutually exclusive jobs.
package syncjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kurihiro0119/devcohort/internal/cohort"
	"github.com/kurihiro0119/devcohort/internal/collector"
	"github.com/kurihiro0119/devcohort/internal/domain"
	apperrors "github.com/kurihiro0119/devcohort/internal/errors"
	"github.com/kurihiro0119/devcohort/internal/metrics"
)

// LeaseName is the lease every sync must hold
const LeaseName = "sync"

// DefaultLeaseTTL is used when the runner is given no TTL
const DefaultLeaseTTL = 10 * time.Minute

var errLeaseLost = errors.New("sync lease lost")

// Store is the subset of storage used to run jobs
type Store interface {
	CreateSyncJob(ctx context.Context, job *domain.SyncJob) error
	FinishSyncJob(ctx context.Context, id string, status domain.JobStatus, itemsProcessed int, errMsg string, completedAt time.Time) error
	GetLatestSyncJob(ctx context.Context) (*domain.SyncJob, error)
	AcquireLease(ctx context.Context, name, holder string, now, expiresAt time.Time) (bool, error)
	RenewLease(ctx context.Context, name, holder string, expiresAt time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
	GetLease(ctx context.Context, name string) (*domain.Lease, error)
	CohortSizes(ctx context.Context) (map[domain.Tier]int, error)
	CountRepositories(ctx context.Context) (int, error)
}

// Builder runs the cohort builds
type Builder interface {
	BuildUsers(ctx context.Context, p cohort.Params) (int, error)
	BuildRepos(ctx context.Context, p cohort.Params) (int, error)
}

// Status is the latest job, whether a sync currently holds the lease, the
// current cohort sizes and the upstream quota
type Status struct {
	Running      bool                                        `json:"running"`
	LatestJob    *domain.SyncJob                             `json:"latest_job,omitempty"`
	Users        map[domain.Tier]int                         `json:"users"`
	Repositories int                                         `json:"repositories"`
	Quota        map[collector.Channel]collector.QuotaBudget `json:"quota,omitempty"`
}

// Runner starts sync jobs under the sync lease
type Runner struct {
	store   Store
	builder Builder
	ttl     time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	quota   func() map[collector.Channel]collector.QuotaBudget
}

// NewRunner creates a runner
func NewRunner(store Store, builder Builder, ttl time.Duration, logger *zap.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Runner{
		store:   store,
		builder: builder,
		ttl:     ttl,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// WithQuota adds the upstream quota snapshot to Status
func (r *Runner) WithQuota(quota func() map[collector.Channel]collector.QuotaBudget) *Runner {
	r.quota = quota
	return r
}

// Run executes a job to completion and returns its final record
func (r *Runner) Run(ctx context.Context, jobType domain.JobType, p cohort.Params) (*domain.SyncJob, error) {
	job, holder, err := r.begin(ctx, jobType, p)
	if err != nil {
		return nil, err
	}
	err = r.execute(ctx, job, holder, p)
	return job, err
}

// Start acquires the lease and records the job, then runs it in the
// background. The returned record is the running job; done receives the
// job's error once it finishes.
func (r *Runner) Start(ctx context.Context, jobType domain.JobType, p cohort.Params) (*domain.SyncJob, <-chan error, error) {
	job, holder, err := r.begin(ctx, jobType, p)
	if err != nil {
		return nil, nil, err
	}
	started := *job
	done := make(chan error, 1)
	go func() {
		done <- r.execute(ctx, job, holder, p)
		close(done)
	}()
	return &started, done, nil
}

// begin takes the lease and writes the running job record
func (r *Runner) begin(ctx context.Context, jobType domain.JobType, p cohort.Params) (*domain.SyncJob, string, error) {
	if err := p.Validate(); err != nil {
		return nil, "", err
	}
	snapshot, err := p.Snapshot()
	if err != nil {
		return nil, "", err
	}

	holder := uuid.NewString()
	now := r.now().UTC()
	ok, err := r.store.AcquireLease(ctx, LeaseName, holder, now, now.Add(r.ttl))
	if err != nil {
		return nil, "", fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	if !ok {
		return nil, "", apperrors.NewConflictError("a sync job is already running", apperrors.ErrSyncInProgress)
	}

	job := &domain.SyncJob{
		ID:             uuid.NewString(),
		JobType:        jobType,
		Status:         domain.JobStatusRunning,
		StartedAt:      now,
		SamplingSeed:   p.Seed,
		SamplingParams: snapshot,
	}
	if err := r.store.CreateSyncJob(ctx, job); err != nil {
		r.release(ctx, holder)
		return nil, "", fmt.Errorf("failed to record sync job: %w", err)
	}
	r.logger.Info("Sync job started", zap.String("job_id", job.ID), zap.String("type", string(jobType)), zap.Uint32("seed", p.Seed))
	return job, holder, nil
}

// execute runs the builds while a heartbeat keeps the lease, then records
// the outcome. Rows committed before a failure are kept.
func (r *Runner) execute(ctx context.Context, job *domain.SyncJob, holder string, p cohort.Params) error {
	defer r.release(ctx, holder)

	workCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := r.heartbeat(workCtx, holder, cancel)

	items, err := r.build(workCtx, job.JobType, p)
	stop()
	if cause := context.Cause(workCtx); errors.Is(cause, errLeaseLost) {
		err = errors.Join(err, cause)
	}

	status := domain.JobStatusCompleted
	var msg string
	if err != nil {
		status = domain.JobStatusFailed
		msg = err.Error()
	}
	completedAt := r.now().UTC()
	if ferr := r.store.FinishSyncJob(context.WithoutCancel(ctx), job.ID, status, items, msg, completedAt); ferr != nil {
		r.logger.Error("Failed to record job outcome", zap.String("job_id", job.ID), zap.Error(ferr))
		err = errors.Join(err, ferr)
	}

	job.Status = status
	job.ItemsProcessed = items
	job.ErrorMessage = msg
	job.CompletedAt = &completedAt
	r.metrics.IncSyncJob(string(job.JobType), string(status))

	logger := r.logger.With(zap.String("job_id", job.ID), zap.Int("items", items))
	if err != nil {
		logger.Error("Sync job failed", zap.Error(err))
	} else {
		logger.Info("Sync job completed", zap.Duration("elapsed", completedAt.Sub(job.StartedAt)))
	}
	return err
}

func (r *Runner) build(ctx context.Context, jobType domain.JobType, p cohort.Params) (int, error) {
	var items int
	if jobType == domain.JobTypeUsers || jobType == domain.JobTypeAll {
		n, err := r.builder.BuildUsers(ctx, p)
		items += n
		if err != nil {
			return items, fmt.Errorf("user cohort: %w", err)
		}
	}
	if jobType == domain.JobTypeRepos || jobType == domain.JobTypeAll {
		n, err := r.builder.BuildRepos(ctx, p)
		items += n
		if err != nil {
			return items, fmt.Errorf("repository cohort: %w", err)
		}
	}
	return items, nil
}

// heartbeat renews the lease every third of its TTL. Losing the lease
// cancels the work context. The returned func stops the heartbeat.
func (r *Runner) heartbeat(ctx context.Context, holder string, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := r.store.RenewLease(ctx, LeaseName, holder, r.now().UTC().Add(r.ttl))
				if err != nil {
					r.logger.Warn("Lease renewal failed", zap.Error(err))
					continue
				}
				if !ok {
					r.logger.Error("Sync lease lost", zap.String("holder", holder))
					cancel(errLeaseLost)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (r *Runner) release(ctx context.Context, holder string) {
	if err := r.store.ReleaseLease(context.WithoutCancel(ctx), LeaseName, holder); err != nil {
		r.logger.Warn("Failed to release sync lease", zap.Error(err))
	}
}

// Status reports the latest job, the lease state and the cohort sizes
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	st := &Status{}
	job, err := r.store.GetLatestSyncJob(ctx)
	switch {
	case err == nil:
		st.LatestJob = job
	case !apperrors.IsNotFound(err):
		return nil, err
	}

	lease, err := r.store.GetLease(ctx, LeaseName)
	switch {
	case err == nil:
		st.Running = lease.ExpiresAt.After(r.now())
	case !apperrors.IsNotFound(err):
		return nil, err
	}

	if st.Users, err = r.store.CohortSizes(ctx); err != nil {
		return nil, fmt.Errorf("failed to count cohort: %w", err)
	}
	if st.Repositories, err = r.store.CountRepositories(ctx); err != nil {
		return nil, fmt.Errorf("failed to count repositories: %w", err)
	}
	if r.quota != nil {
		st.Quota = r.quota()
	}
	return st, nil
}
