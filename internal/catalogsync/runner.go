package catalogsync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/models"
)

// StepResult is what one sync step reports back: the cursor to resume from,
// the number of items handled in this step and whether the source is exhausted.
type StepResult struct {
	Cursor     *string
	Processed  int
	IsComplete bool
}

// Step fetches and stores one page for job starting at job.Progress.Cursor.
type Step interface {
	Run(ctx context.Context, job *models.SyncJob) (StepResult, error)
}

// Store persists sync jobs. The runner only needs the claim and checkpoint side.
type Store interface {
	ListQueued(ctx context.Context, limit int) ([]*models.SyncJob, error)
	MarkRunning(ctx context.Context, id uuid.UUID) (bool, error)
	SaveProgress(ctx context.Context, id uuid.UUID, status models.SyncStatus, p models.SyncProgress, errMsg *string) error
}

type RunnerConfig struct {
	// Budget is the wall-clock time one invocation may use.
	Budget time.Duration
	// SafetyMargin is reserved at the end of Budget; no new work starts inside it.
	SafetyMargin time.Duration
	// ClaimLimit caps the jobs claimed per invocation.
	ClaimLimit int
	// MaxPagesPerJob caps the steps run for one job per invocation. Zero means
	// run until the deadline.
	MaxPagesPerJob int
}

// RunSummary reports what one invocation did.
type RunSummary struct {
	Claimed      int  `json:"claimed"`
	Completed    int  `json:"completed"`
	Failed       int  `json:"failed"`
	Checkpointed int  `json:"checkpointed"`
	StoppedEarly bool `json:"stopped_early"`
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeCheckpointed
)

// Runner advances queued sync jobs within one time-boxed invocation.
type Runner struct {
	store Store
	step  Step
	cfg   RunnerConfig
	log   zerolog.Logger
	now   func() time.Time
}

func NewRunner(store Store, step Step, cfg RunnerConfig, log zerolog.Logger) *Runner {
	if cfg.Budget <= 0 {
		cfg.Budget = 60 * time.Second
	}
	if cfg.SafetyMargin < 0 || cfg.SafetyMargin >= cfg.Budget {
		cfg.SafetyMargin = cfg.Budget / 10
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 5
	}
	return &Runner{store: store, step: step, cfg: cfg, log: log.With().Str("component", "catalogsync").Logger(), now: time.Now}
}

// Budget is the invocation budget the runner was configured with.
func (r *Runner) Budget() time.Duration { return r.cfg.Budget }

// RunOnce claims up to ClaimLimit queued jobs, oldest first, and advances each
// until it completes, fails, hits MaxPagesPerJob or the deadline. Progress is
// persisted after every page.
func (r *Runner) RunOnce(ctx context.Context) (RunSummary, error) {
	var summary RunSummary
	start := r.now()
	deadline := start.Add(r.cfg.Budget - r.cfg.SafetyMargin)

	// Steps run under the invocation budget. Only this context ending makes a
	// step error a checkpoint; a collaborator's own timeout is a failure.
	stepCtx, cancel := context.WithDeadline(ctx, start.Add(r.cfg.Budget))
	defer cancel()

	queued, err := r.store.ListQueued(ctx, r.cfg.ClaimLimit)
	if err != nil {
		return summary, err
	}
	for _, job := range queued {
		if !r.now().Before(deadline) {
			summary.StoppedEarly = true
			break
		}
		ok, err := r.store.MarkRunning(ctx, job.ID)
		if err != nil {
			return summary, err
		}
		if !ok {
			continue
		}
		job.Status = models.SyncRunning
		summary.Claimed++

		out, err := r.runJob(stepCtx, job, deadline)
		if err != nil {
			return summary, err
		}
		switch out {
		case outcomeCompleted:
			summary.Completed++
		case outcomeFailed:
			summary.Failed++
		case outcomeCheckpointed:
			summary.Checkpointed++
		}
	}
	return summary, nil
}

func (r *Runner) runJob(ctx context.Context, job *models.SyncJob, deadline time.Time) (outcome, error) {
	logger := r.log.With().Str("sync_job_id", job.ID.String()).Logger()
	// Checkpoints must land even when the invocation context is done.
	persistCtx := context.WithoutCancel(ctx)

	for pages := 0; ; {
		res, err := r.step.Run(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Err(err).Msg("invocation ended mid-step, checkpointing")
				return outcomeCheckpointed, r.store.SaveProgress(persistCtx, job.ID, models.SyncQueued, job.Progress, nil)
			}
			msg := err.Error()
			logger.Warn().Err(err).Int("processed", job.Progress.Processed).Msg("sync step failed")
			return outcomeFailed, r.store.SaveProgress(persistCtx, job.ID, models.SyncFailed, job.Progress, &msg)
		}
		pages++
		job.Progress.Cursor = res.Cursor
		job.Progress.Processed += res.Processed

		if res.IsComplete || res.Cursor == nil {
			logger.Info().Int("processed", job.Progress.Processed).Msg("sync complete")
			job.Status = models.SyncSuccess
			return outcomeCompleted, r.store.SaveProgress(persistCtx, job.ID, models.SyncSuccess, job.Progress, nil)
		}
		if (r.cfg.MaxPagesPerJob > 0 && pages >= r.cfg.MaxPagesPerJob) || !r.now().Before(deadline) {
			logger.Debug().Int("pages", pages).Int("processed", job.Progress.Processed).Msg("checkpoint")
			job.Status = models.SyncQueued
			return outcomeCheckpointed, r.store.SaveProgress(persistCtx, job.ID, models.SyncQueued, job.Progress, nil)
		}
		if err := r.store.SaveProgress(persistCtx, job.ID, models.SyncRunning, job.Progress, nil); err != nil {
			return outcomeFailed, err
		}
	}
}
