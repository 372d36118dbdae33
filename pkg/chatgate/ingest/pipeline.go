package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/broadcast"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/queue"
)

// JobKind is the queue job kind handled by Pipeline.HandleJob.
const JobKind = "ingest.message"

// EventMessageCreated is broadcast for every newly stored message.
const EventMessageCreated = "message.created"

// ErrClosed is returned by Submit once the consumer has stopped.
var ErrClosed = errors.New("ingest: pipeline closed")

// Enqueuer is the part of the job queue the pipeline uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Config tunes the pipeline.
type Config struct {
	// Buffer is the capacity of the consumer channel.
	Buffer int `yaml:"buffer" validate:"gte=1"`

	// RecentSize bounds the in-memory dedupe set.
	RecentSize int `yaml:"recent_size" validate:"gte=1"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{Buffer: 256, RecentSize: 4096}
}

// Pipeline is the single consumer of canonical messages.
type Pipeline struct {
	conversations ConversationStore
	messages      MessageStore
	publisher     broadcast.Publisher
	jobs          Enqueuer
	logger        *slog.Logger
	now           func() time.Time

	inbox  chan *Message
	recent *recentSet
	closed atomic.Bool
	done   chan struct{}
}

// New creates a pipeline. jobs may be nil, in which case history is
// ingested inline and failed messages are dropped after logging.
func New(cfg Config, conversations ConversationStore, messages MessageStore, publisher broadcast.Publisher, jobs Enqueuer, logger *slog.Logger) *Pipeline {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = DefaultConfig().RecentSize
	}
	if publisher == nil {
		publisher = broadcast.Nop{}
	}
	return &Pipeline{
		conversations: conversations,
		messages:      messages,
		publisher:     publisher,
		jobs:          jobs,
		logger:        logger.With("component", "ingest"),
		now:           time.Now,
		inbox:         make(chan *Message, cfg.Buffer),
		recent:        newRecentSet(cfg.RecentSize),
		done:          make(chan struct{}),
	}
}

// Submit is the producer entry point for a message event observed on an
// account. Self-sent messages are discarded. History messages go to the
// bulk lane of the job queue; everything else goes to the consumer.
func (p *Pipeline) Submit(ctx context.Context, kind channels.ProviderKind, account string, ev channels.MessageEvent) error {
	if ev.IsSelf() {
		return nil
	}
	msg := Normalize(kind, account, ev.Message, p.now())

	if ev.Message.History && p.jobs != nil {
		return p.enqueue(ctx, msg, queue.LaneBulk)
	}
	return p.push(ctx, msg)
}

func (p *Pipeline) push(ctx context.Context, msg *Message) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.inbox <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) enqueue(ctx context.Context, msg *Message, lane queue.Lane) error {
	job, err := queue.NewJob(JobKind, lane, msg)
	if err != nil {
		return err
	}
	job.Destination = msg.Channel
	return p.jobs.Enqueue(ctx, job)
}

// Run consumes submitted messages until ctx is cancelled. Messages that
// fail to persist are handed to the job queue for retry.
func (p *Pipeline) Run(ctx context.Context) {
	defer func() {
		p.closed.Store(true)
		close(p.done)
	}()

	p.logger.Info("ingest: consumer started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ingest: consumer stopped")
			return
		case msg := <-p.inbox:
			if _, err := p.Ingest(ctx, msg); err != nil {
				p.retryLater(ctx, msg, err)
			}
		}
	}
}

func (p *Pipeline) retryLater(ctx context.Context, msg *Message, cause error) {
	log := p.logger.With("channel", msg.Channel, "native_id", msg.NativeID)
	if p.jobs == nil || ctx.Err() != nil {
		log.Error("ingest: message dropped", "error", cause)
		return
	}
	if err := p.enqueue(ctx, msg, queue.LaneMedium); err != nil {
		log.Error("ingest: message dropped, requeue failed", "error", cause, "requeue_error", err)
		return
	}
	log.Warn("ingest: message deferred to queue", "error", cause)
}

// Ingest resolves the conversation of msg, stores it and broadcasts it.
// It reports false without error when the message was already ingested.
func (p *Pipeline) Ingest(ctx context.Context, msg *Message) (bool, error) {
	key := msg.DedupeKey()
	if p.recent.Contains(key) {
		return false, nil
	}

	convID, err := p.conversations.FindOrCreateByExternalContact(ctx, msg.Channel, msg.ContactID)
	if err != nil {
		return false, fmt.Errorf("resolve conversation: %w", err)
	}
	msg.ConversationID = convID

	inserted, err := p.messages.Append(ctx, convID, msg)
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}
	p.recent.Add(key)
	if !inserted {
		p.logger.Debug("ingest: duplicate message", "channel", msg.Channel, "native_id", msg.NativeID)
		return false, nil
	}

	p.publisher.Publish(broadcast.ConversationScope(convID), EventMessageCreated, msg)
	p.publisher.Publish(broadcast.ScopeAll, EventMessageCreated, msg)
	return true, nil
}

// HandleJob is the queue handler for JobKind.
func (p *Pipeline) HandleJob(ctx context.Context, job *queue.Job) error {
	var msg Message
	if err := job.Decode(&msg); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrPermanentJobFailure, err)
	}
	_, err := p.Ingest(ctx, &msg)
	return err
}
