package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jholhewres/chatgate/pkg/chatgate/queue"
)

// JobKind is the queue job kind of queued sends.
const JobKind = "dispatch.send"

// Enqueuer accepts jobs; *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Enqueue queues req on the high lane. The job destination keys the
// per-destination rate limit.
func (d *Dispatcher) Enqueue(ctx context.Context, jobs Enqueuer, req Request) (*queue.Job, error) {
	if err := d.resolve(ctx, &req); err != nil {
		return nil, err
	}
	job, err := queue.NewJob(JobKind, queue.LaneHigh, req)
	if err != nil {
		return nil, err
	}
	job.Destination = req.Family + ":" + req.Account + "/" + req.To
	if err := jobs.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue dispatch: %w", err)
	}
	return job, nil
}

// HandleJob is the queue handler for JobKind. Invalid requests are
// dead-lettered at once; everything else is retried by the queue.
func (d *Dispatcher) HandleJob(ctx context.Context, job *queue.Job) error {
	var req Request
	if err := job.Decode(&req); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrPermanentJobFailure, err)
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "queue:" + job.ID
	}

	_, err := d.Dispatch(ctx, req)
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrUnknownFamily) {
		return fmt.Errorf("%w: %v", queue.ErrPermanentJobFailure, err)
	}
	return err
}
