package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/chatgate/pkg/chatgate/broadcast"
)

// RateLimit is a fixed quota per sliding window.
type RateLimit struct {
	Quota  int           `yaml:"quota" validate:"gte=0"`
	Window time.Duration `yaml:"window"`
}

// Config holds worker pool and retry settings.
type Config struct {
	// Workers is the size of the worker pool.
	Workers int `yaml:"workers" validate:"gte=1"`

	// IdleSleep is how long a worker sleeps when every lane is empty.
	IdleSleep time.Duration `yaml:"idle_sleep"`

	// PromoteSchedule is the cron spec of the delayed-job promoter.
	PromoteSchedule string `yaml:"promote_schedule"`

	// PromoteBatch caps the jobs moved per promoter run.
	PromoteBatch int `yaml:"promote_batch"`

	// RateLimitDelay is how far an over-quota job is pushed back.
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`

	// RetryBase is multiplied by 2^retries for the retry delay.
	RetryBase time.Duration `yaml:"retry_base"`

	// MaxRetries applies to jobs enqueued without their own limit.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// GracePeriod bounds how long Shutdown waits for in-flight jobs.
	GracePeriod time.Duration `yaml:"grace_period"`

	// RateLimits holds the per-destination quota of each lane.
	RateLimits map[Lane]RateLimit `yaml:"rate_limits"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		IdleSleep:       200 * time.Millisecond,
		PromoteSchedule: "@every 1s",
		PromoteBatch:    500,
		RateLimitDelay:  2 * time.Second,
		RetryBase:       time.Second,
		MaxRetries:      5,
		GracePeriod:     15 * time.Second,
		RateLimits: map[Lane]RateLimit{
			LaneHigh:   {Quota: 20, Window: time.Minute},
			LaneMedium: {Quota: 20, Window: time.Minute},
			LaneLow:    {Quota: 10, Window: time.Minute},
			LaneBulk:   {Quota: 60, Window: time.Minute},
		},
	}
}

// Queue owns the lanes of a Store and runs the worker pool.
type Queue struct {
	cfg       Config
	store     Store
	limiter   Limiter
	publisher broadcast.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a queue. publisher may be nil.
func New(cfg Config, store Store, limiter Limiter, publisher broadcast.Publisher, logger *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 200 * time.Millisecond
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if limiter == nil {
		limiter = NewSlidingWindow()
	}
	if publisher == nil {
		publisher = broadcast.Nop{}
	}
	return &Queue{
		cfg:       cfg,
		store:     store,
		limiter:   limiter,
		publisher: publisher,
		logger:    logger.With("component", "queue"),
		now:       time.Now,
		handlers:  make(map[string]Handler),
	}
}

// Handle registers the handler of a job kind.
func (q *Queue) Handle(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue adds a job. Jobs with a future ScheduledAt go to the delayed set.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.Kind == "" {
		return errors.New("queue: job kind is required")
	}
	if job.Lane == "" {
		job.Lane = LaneMedium
	}
	if !job.Lane.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLane, job.Lane)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.cfg.MaxRetries
	}

	if job.ScheduledAt != nil && job.ScheduledAt.After(now) {
		return q.store.Schedule(ctx, job)
	}
	return q.store.Push(ctx, job)
}

// EnqueueAfter schedules job to become eligible after delay.
func (q *Queue) EnqueueAfter(ctx context.Context, job *Job, delay time.Duration) error {
	at := q.now().Add(delay)
	job.ScheduledAt = &at
	return q.Enqueue(ctx, job)
}

// PromoteDue moves due delayed jobs into their lanes.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	n, err := q.store.Promote(ctx, q.now(), q.cfg.PromoteBatch)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Debug("queue: promoted delayed jobs", "count", n)
	}
	return n, nil
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	q.stop = make(chan struct{})
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info("queue: workers started", "workers", q.cfg.Workers)
}

// Shutdown flips the run flag and waits up to the grace period for
// in-flight jobs. Jobs are never interrupted mid-processing.
func (q *Queue) Shutdown(ctx context.Context) error {
	if !q.running.CompareAndSwap(true, false) {
		return nil
	}
	close(q.stop)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(q.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case <-done:
		q.logger.Info("queue: workers stopped")
		return nil
	case <-grace.C:
		return errors.New("queue: grace period expired with jobs in flight")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for q.running.Load() {
		job, err := q.next(ctx)
		if err != nil {
			q.logger.Error("queue: pop failed", "worker", id, "error", err)
		}
		if job == nil {
			select {
			case <-q.stop:
				return
			case <-time.After(q.cfg.IdleSleep):
			}
			continue
		}
		q.process(ctx, job)
	}
}

// next scans the lanes strictly in priority order.
func (q *Queue) next(ctx context.Context) (*Job, error) {
	for _, lane := range Lanes {
		job, err := q.store.Pop(ctx, lane)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// process runs one job through the rate limit, its handler and the retry
// policy.
func (q *Queue) process(ctx context.Context, job *Job) {
	log := q.logger.With("job", job.ID, "kind", job.Kind, "lane", job.Lane)

	if job.Destination != "" {
		if rl, ok := q.cfg.RateLimits[job.Lane]; ok && rl.Quota > 0 {
			allowed, err := q.limiter.Allow(ctx, string(job.Lane)+":"+job.Destination, rl.Quota, rl.Window)
			if err != nil {
				log.Warn("queue: rate limit check failed, processing anyway", "error", err)
			} else if !allowed {
				log.Debug("queue: destination over quota, requeueing", "destination", job.Destination)
				q.requeue(ctx, job, q.cfg.RateLimitDelay)
				return
			}
		}
	}

	q.mu.RLock()
	h, ok := q.handlers[job.Kind]
	q.mu.RUnlock()
	if !ok {
		q.deadLetter(ctx, job, fmt.Errorf("%w: no handler for kind %q", ErrPermanentJobFailure, job.Kind))
		return
	}

	start := time.Now()
	err := q.safeCall(ctx, h, job)
	switch {
	case err == nil:
		log.Debug("queue: job done", "duration", time.Since(start))
	case errors.Is(err, ErrRateLimited):
		q.requeue(ctx, job, q.cfg.RateLimitDelay)
	case errors.Is(err, ErrPermanentJobFailure):
		q.deadLetter(ctx, job, err)
	case job.Retries >= job.MaxRetries:
		q.deadLetter(ctx, job, err)
	default:
		delay := q.cfg.RetryBase * time.Duration(1<<job.Retries)
		job.Retries++
		job.LastError = err.Error()
		log.Warn("queue: job failed, retrying", "retry", job.Retries, "delay", delay, "error", err)
		q.requeue(ctx, job, delay)
	}
}

func (q *Queue) safeCall(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queue: handler panic", "job", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) requeue(ctx context.Context, job *Job, delay time.Duration) {
	at := q.now().Add(delay)
	job.ScheduledAt = &at
	if err := q.store.Schedule(ctx, job); err != nil {
		q.logger.Error("queue: requeue failed", "job", job.ID, "error", err)
	}
}

func (q *Queue) deadLetter(ctx context.Context, job *Job, cause error) {
	now := q.now()
	job.LastError = cause.Error()
	job.FailedAt = &now
	job.ScheduledAt = nil
	if err := q.store.DeadLetter(ctx, job); err != nil {
		q.logger.Error("queue: dead-letter write failed", "job", job.ID, "error", err)
		return
	}
	q.logger.Error("queue: job dead-lettered", "job", job.ID, "kind", job.Kind, "retries", job.Retries, "error", cause)
	q.publisher.Publish(broadcast.ScopeAll, "queue.dead_letter", map[string]any{
		"id":    job.ID,
		"kind":  job.Kind,
		"error": job.LastError,
	})
}

// DeadLetters lists dead-lettered jobs.
func (q *Queue) DeadLetters(ctx context.Context) ([]*Job, error) {
	return q.store.DeadLetters(ctx)
}

// Replay moves a dead-lettered job back into its lane with a fresh retry
// budget.
func (q *Queue) Replay(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.TakeDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Retries = 0
	job.LastError = ""
	job.FailedAt = nil
	job.ScheduledAt = nil
	if err := q.store.Push(ctx, job); err != nil {
		return nil, err
	}
	q.logger.Info("queue: dead-lettered job replayed", "job", job.ID, "kind", job.Kind)
	return job, nil
}

// Stats returns lane depths.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	return q.store.Stats(ctx)
}
