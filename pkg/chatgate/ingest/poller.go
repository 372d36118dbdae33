package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

// PollSource is a provider that can only be read by scanning threads.
type PollSource interface {
	// Threads lists the thread ids to scan.
	Threads(ctx context.Context) ([]string, error)

	// Messages returns the most recent messages of a thread, in any order.
	Messages(ctx context.Context, threadID string) ([]channels.InboundMessage, error)
}

// Poller is the poll-style producer. Each scan walks every thread and emits
// the messages strictly after the thread cursor, oldest first. The cursor
// always advances to the newest item seen, self-sent or not.
//
// A poller can be paused while a realtime push channel covers the same
// account and resumed when that channel fails.
type Poller struct {
	channel  string
	interval time.Duration
	source   PollSource
	cursors  CursorStore
	emit     func(channels.MessageEvent)
	logger   *slog.Logger

	selfMu sync.RWMutex
	selfID string

	paused atomic.Bool
}

// NewPoller creates a poller for one channel (see channels.ChannelID).
func NewPoller(channel string, interval time.Duration, source PollSource, cursors CursorStore, emit func(channels.MessageEvent), logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		channel:  channel,
		interval: interval,
		source:   source,
		cursors:  cursors,
		emit:     emit,
		logger:   logger.With("component", "poller", "channel", channel),
	}
}

// SetSelfID sets the own-account id used to recognise self-sent items.
func (p *Poller) SetSelfID(id string) {
	p.selfMu.Lock()
	p.selfID = id
	p.selfMu.Unlock()
}

func (p *Poller) self() string {
	p.selfMu.RLock()
	defer p.selfMu.RUnlock()
	return p.selfID
}

// Pause stops scanning until Resume is called.
func (p *Poller) Pause() {
	if !p.paused.Swap(true) {
		p.logger.Info("poller: paused, realtime push active")
	}
}

// Resume restarts scanning.
func (p *Poller) Resume() {
	if p.paused.Swap(false) {
		p.logger.Info("poller: resumed")
	}
}

// Paused reports whether scanning is suspended.
func (p *Poller) Paused() bool { return p.paused.Load() }

// Run scans immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller: started", "interval", p.interval)
	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller: stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if p.Paused() {
		return
	}
	if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("poller: scan failed", "error", err)
	}
}

// Poll runs one scan over every thread and returns the number of emitted
// messages. A failing thread does not stop the scan.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	threads, err := p.source.Threads(ctx)
	if err != nil {
		return 0, fmt.Errorf("list threads: %w", err)
	}

	total := 0
	var errs []error
	for _, thread := range threads {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := p.PollThread(ctx, thread)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("thread %s: %w", thread, err))
		}
	}
	return total, errors.Join(errs...)
}

// PollThread scans one thread. On the first scan of a thread every item is
// new and is flagged as history.
func (p *Poller) PollThread(ctx context.Context, thread string) (int, error) {
	items, err := p.source.Messages(ctx, thread)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].SentAt.Before(items[j].SentAt) })

	cursor, err := p.cursors.Cursor(ctx, p.channel, thread)
	first := errors.Is(err, ErrNoCursor)
	if err != nil && !first {
		return 0, fmt.Errorf("read cursor: %w", err)
	}

	start := afterCursor(items, cursor)
	if start >= len(items) {
		return 0, nil
	}

	self := p.self()
	emitted := 0
	for _, it := range items[start:] {
		if it.ThreadID == "" {
			it.ThreadID = thread
		}
		it.History = it.History || first
		ev := channels.MessageEvent{Message: it, SelfID: self}
		if ev.IsSelf() {
			continue
		}
		p.emit(ev)
		emitted++
	}

	newest := items[len(items)-1]
	if err := p.cursors.SetCursor(ctx, p.channel, thread, Cursor{NativeID: newest.NativeID, SentAt: newest.SentAt}); err != nil {
		return emitted, fmt.Errorf("advance cursor: %w", err)
	}
	return emitted, nil
}

// afterCursor returns the index of the first item of the sorted window that
// comes strictly after cursor. When the cursor id is not in the window the
// cursor time decides; a cursor without either admits every item.
func afterCursor(items []channels.InboundMessage, cursor Cursor) int {
	if cursor.NativeID != "" {
		for i, it := range items {
			if it.NativeID == cursor.NativeID {
				return i + 1
			}
		}
	}
	if cursor.SentAt.IsZero() {
		return 0
	}
	for i, it := range items {
		if it.SentAt.After(cursor.SentAt) {
			return i
		}
	}
	return len(items)
}

// MemoryCursors is a CursorStore kept in memory.
type MemoryCursors struct {
	mu      sync.Mutex
	cursors map[string]Cursor
}

// NewMemoryCursors creates an empty cursor store.
func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: make(map[string]Cursor)}
}

func (m *MemoryCursors) Cursor(_ context.Context, channel, threadID string) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[channel+"\x00"+threadID]
	if !ok {
		return Cursor{}, ErrNoCursor
	}
	return c, nil
}

func (m *MemoryCursors) SetCursor(_ context.Context, channel, threadID string, cursor Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[channel+"\x00"+threadID] = cursor
	return nil
}
