package workers

import (
	"context"

	"github.com/riverqueue/river"

	"github.com/petrel-io/petrel/internal/jobs"
	"github.com/petrel-io/petrel/internal/logger"
	"github.com/petrel-io/petrel/internal/webhooks"
)

// DeliveryWorker runs one webhook delivery attempt. Retry scheduling
// happens inside the executor, which enqueues follow-up jobs itself, so
// a non-nil return here means an infrastructure failure only.
type DeliveryWorker struct {
	river.WorkerDefaults[jobs.DeliveryArgs]
	executor *webhooks.Executor
}

// NewDeliveryWorker creates a new delivery worker
func NewDeliveryWorker(executor *webhooks.Executor) *DeliveryWorker {
	return &DeliveryWorker{executor: executor}
}

// Work processes one delivery attempt job
func (w *DeliveryWorker) Work(ctx context.Context, job *river.Job[jobs.DeliveryArgs]) error {
	log := logger.NewLogger("delivery-worker")
	args := job.Args

	if err := w.executor.Attempt(ctx, args.DeliveryID); err != nil {
		log.Error("Delivery attempt hit infrastructure error",
			"job_id", job.ID,
			"delivery_id", args.DeliveryID,
			"endpoint_id", args.EndpointID,
			"error", err,
		)
		return err
	}
	return nil
}
