package jobs

import (
	"context"
	"log/slog"
	"time"

	"murmur/internal/metrics"
	"murmur/internal/model"
)

// RetentionStats captures what one cleanup pass removed.
type RetentionStats struct {
	JobsDeleted int64 `json:"jobsDeleted"`
	Failures    int64 `json:"failures"`
}

// Purger removes a job's on-disk namespace.
type Purger interface {
	Purge(jobID string) error
}

// Forgetter drops a job's event topic.
type Forgetter interface {
	Forget(jobID string)
}

// Janitor evicts terminal jobs whose retention has elapsed so that the
// store and data directory do not grow without bound.
type Janitor struct {
	store     *Store
	files     Purger
	topics    Forgetter
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewJanitor(st *Store, files Purger, topics Forgetter, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{
		store:     st,
		files:     files,
		topics:    topics,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start sweeps on every tick until ctx is cancelled. A non-positive
// retention disables eviction.
func (j *Janitor) Start(ctx context.Context) {
	if j.retention <= 0 {
		j.logger.Info("janitor_disabled")
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stats := j.CleanupExpired(ctx)
		if stats.JobsDeleted > 0 || stats.Failures > 0 {
			j.logger.Info("retention_sweep", "jobs_deleted", stats.JobsDeleted, "failures", stats.Failures)
		}
	}
}

// CleanupExpired evicts every terminal job whose completedAt plus the
// retention period has passed. Files are removed before the record so a
// failed purge is retried on the next pass.
func (j *Janitor) CleanupExpired(ctx context.Context) RetentionStats {
	var stats RetentionStats
	if j.retention <= 0 {
		return stats
	}
	now := j.now()

	for _, job := range j.store.List(ListFilter{}) {
		if !job.Status.Terminal() {
			continue
		}
		exp := job.ExpiresAt(j.retention)
		if exp == nil || exp.After(now) {
			continue
		}
		if err := j.evict(ctx, job); err != nil {
			stats.Failures++
			j.logger.Warn("retention_evict_failed", "job_id", job.ID, "error", err)
			continue
		}
		stats.JobsDeleted++
	}
	metrics.RecordRetentionJobs(stats.JobsDeleted)
	return stats
}

func (j *Janitor) evict(ctx context.Context, job model.Job) error {
	if j.files != nil {
		if err := j.files.Purge(job.ID); err != nil {
			return err
		}
	}
	if err := j.store.Delete(ctx, job.ID); err != nil {
		return err
	}
	if j.topics != nil {
		j.topics.Forget(job.ID)
	}
	return nil
}
