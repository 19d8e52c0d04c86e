package workers

import (
	"context"

	"github.com/riverqueue/river"

	"github.com/petrel-io/petrel/internal/jobs"
	"github.com/petrel-io/petrel/internal/logger"
	"github.com/petrel-io/petrel/internal/webhooks"
)

// FanoutWorker resolves a published event into per-endpoint deliveries.
type FanoutWorker struct {
	river.WorkerDefaults[jobs.EventFanoutArgs]
	publisher *webhooks.Publisher
}

// NewFanoutWorker creates a new fan-out worker
func NewFanoutWorker(publisher *webhooks.Publisher) *FanoutWorker {
	return &FanoutWorker{publisher: publisher}
}

// Work processes one event fan-out job
func (w *FanoutWorker) Work(ctx context.Context, job *river.Job[jobs.EventFanoutArgs]) error {
	log := logger.NewLogger("fanout-worker")
	ev := job.Args.Event

	log.Info("Processing event fan-out",
		"job_id", job.ID,
		"event_id", ev.ID,
		"event_type", ev.EventType,
	)

	if err := w.publisher.FanOut(ctx, &ev); err != nil {
		log.Error("Event fan-out failed",
			"job_id", job.ID,
			"event_id", ev.ID,
			"error", err,
		)
		return err
	}
	return nil
}
