package catalogsync

import (
	"context"
	"time"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
)

const QueueSync = "catalog_sync"

// RunArgs triggers one time-boxed runner invocation.
type RunArgs struct{}

func (RunArgs) Kind() string { return "catalog_sync_invocation" }

func (RunArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueSync, MaxAttempts: 1}
}

type RunWorker struct {
	river.WorkerDefaults[RunArgs]
	runner *Runner
	log    zerolog.Logger
}

func NewRunWorker(runner *Runner, log zerolog.Logger) *RunWorker {
	return &RunWorker{runner: runner, log: log.With().Str("component", "catalogsync").Logger()}
}

// Timeout lets River enforce the same budget the runner schedules against.
func (w *RunWorker) Timeout(*river.Job[RunArgs]) time.Duration {
	return w.runner.Budget()
}

func (w *RunWorker) Work(ctx context.Context, _ *river.Job[RunArgs]) error {
	summary, err := w.runner.RunOnce(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("sync invocation failed")
		return err
	}
	if summary.Claimed > 0 {
		w.log.Info().
			Int("claimed", summary.Claimed).
			Int("completed", summary.Completed).
			Int("failed", summary.Failed).
			Int("checkpointed", summary.Checkpointed).
			Bool("stopped_early", summary.StoppedEarly).
			Msg("sync invocation finished")
	}
	return nil
}

// PeriodicJob schedules an invocation every interval, starting at boot.
func PeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return RunArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
