package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"

	"github.com/prodgen/backend/internal/models"
)

const QueueGenerate = "generate"

type GenerateArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (GenerateArgs) Kind() string { return "generate_content" }

func (GenerateArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueGenerate, MaxAttempts: 3}
}

// JobService defines the contract the worker needs to drive a job's state.
type JobService interface {
	Load(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	// Start moves a queued job to running, reporting false if it already left queued.
	Start(ctx context.Context, id uuid.UUID) (bool, error)
	ReportProgress(ctx context.Context, id uuid.UUID, imageID string) error
	Complete(ctx context.Context, job *models.GenerationJob, artifacts []models.Artifact) (models.JobStatus, error)
	Fail(ctx context.Context, id uuid.UUID, reason string) error
	CancelJob(ctx context.Context, job *models.GenerationJob) error
}

// BatchStatusReader reports the stored status of a batch.
type BatchStatusReader interface {
	Status(ctx context.Context, batchID uuid.UUID) (models.BatchStatus, error)
}

// Generator produces the artifacts of a job. report is called once per
// artifact as it is produced; a non-nil return from report aborts generation.
type Generator interface {
	Generate(ctx context.Context, job *models.GenerationJob, report func(models.Artifact) error) ([]models.Artifact, error)
}

type Options struct {
	// PausedSnooze is how long a job of a paused batch waits before rechecking.
	PausedSnooze time.Duration
	// CancelPoll is how often a running job is checked for cancellation.
	CancelPoll time.Duration
	// Timeout bounds a single generation.
	Timeout time.Duration
}

type GenerateWorker struct {
	river.WorkerDefaults[GenerateArgs]
	jobs      JobService
	batches   BatchStatusReader
	generator Generator
	opts      Options
	log       zerolog.Logger
}

func NewGenerateWorker(js JobService, batches BatchStatusReader, gen Generator, opts Options, log zerolog.Logger) *GenerateWorker {
	if opts.PausedSnooze <= 0 {
		opts.PausedSnooze = 30 * time.Second
	}
	if opts.CancelPoll <= 0 {
		opts.CancelPoll = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &GenerateWorker{
		jobs:      js,
		batches:   batches,
		generator: gen,
		opts:      opts,
		log:       log.With().Str("component", "execution").Logger(),
	}
}

func (w *GenerateWorker) Timeout(*river.Job[GenerateArgs]) time.Duration {
	return w.opts.Timeout
}

func (w *GenerateWorker) Work(ctx context.Context, rj *river.Job[GenerateArgs]) error {
	job, err := w.jobs.Load(ctx, rj.Args.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", rj.Args.JobID, err)
	}
	logger := w.log.With().Str("job_id", job.ID.String()).Int("attempt", rj.Attempt).Logger()

	switch job.Status {
	case models.JobQueued:
	case models.JobRunning:
		// An earlier attempt died mid-generation; its output is unknown.
		if rj.Attempt > 1 {
			return w.fail(ctx, job.ID, "execution interrupted")
		}
		return nil
	default:
		logger.Debug().Str("status", string(job.Status)).Msg("job already terminal, skipping")
		return nil
	}

	if job.BatchID != nil {
		status, err := w.batches.Status(ctx, *job.BatchID)
		if err != nil {
			return fmt.Errorf("read batch status: %w", err)
		}
		switch status {
		case models.BatchPaused:
			logger.Debug().Msg("batch paused, snoozing")
			return river.JobSnooze(w.opts.PausedSnooze)
		case models.BatchCanceled:
			return w.jobs.CancelJob(ctx, job)
		}
	}

	started, err := w.jobs.Start(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("start job %s: %w", job.ID, err)
	}
	if !started {
		logger.Info().Msg("job left queued before start")
		return nil
	}
	job.Status = models.JobRunning

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.watchCancel(genCtx, cancel, job.ID)

	artifacts, err := w.generator.Generate(genCtx, job, func(a models.Artifact) error {
		return w.jobs.ReportProgress(ctx, job.ID, a.ImageID)
	})
	if err != nil {
		if genCtx.Err() != nil && ctx.Err() == nil {
			logger.Info().Msg("generation aborted, job canceled")
			return nil
		}
		if cur, lerr := w.jobs.Load(ctx, job.ID); lerr == nil && cur.Status == models.JobCanceled {
			logger.Info().Err(err).Msg("job canceled during generation")
			return nil
		}
		logger.Warn().Err(err).Msg("generation failed")
		return w.fail(ctx, job.ID, err.Error())
	}

	status, err := w.jobs.Complete(ctx, job, artifacts)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	logger.Info().Str("status", string(status)).Int("artifacts", len(artifacts)).Msg("generation finished")
	return nil
}

// watchCancel cancels the generation context once the job is seen canceled.
func (w *GenerateWorker) watchCancel(ctx context.Context, cancel context.CancelFunc, id uuid.UUID) {
	ticker := time.NewTicker(w.opts.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.jobs.Load(ctx, id)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					w.log.Debug().Err(err).Str("job_id", id.String()).Msg("cancel poll failed")
				}
				continue
			}
			if job.Status == models.JobCanceled {
				cancel()
				return
			}
		}
	}
}

func (w *GenerateWorker) fail(ctx context.Context, id uuid.UUID, reason string) error {
	if err := w.jobs.Fail(ctx, id, reason); err != nil {
		return fmt.Errorf("generation failed (%s) AND failed to mark job as failed: %w", reason, err)
	}
	return nil
}
