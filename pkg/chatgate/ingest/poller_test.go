package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

type fakeSource struct {
	mu      sync.Mutex
	threads map[string][]channels.InboundMessage
}

func (f *fakeSource) Threads(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.threads {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeSource) Messages(_ context.Context, thread string) ([]channels.InboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channels.InboundMessage(nil), f.threads[thread]...), nil
}

func (f *fakeSource) add(thread string, items ...channels.InboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Newest first, the way the Graph API pages conversations.
	f.threads[thread] = append(items, f.threads[thread]...)
}

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func item(id, from string, minute int) channels.InboundMessage {
	return channels.InboundMessage{NativeID: id, FromID: from, Body: id, SentAt: base.Add(time.Duration(minute) * time.Minute)}
}

func newTestPoller(src PollSource) (*Poller, *[]channels.MessageEvent, *MemoryCursors) {
	var got []channels.MessageEvent
	cursors := NewMemoryCursors()
	p := NewPoller("instagram:1789", time.Minute, src, cursors, func(ev channels.MessageEvent) {
		got = append(got, ev)
	}, testLogger())
	p.SetSelfID("1789")
	return p, &got, cursors
}

func ids(evs []channels.MessageEvent) []string {
	var out []string
	for _, ev := range evs {
		out = append(out, ev.Message.NativeID)
	}
	return out
}

func TestPollerEmitsOnlyItemsAfterCursor(t *testing.T) {
	src := &fakeSource{threads: map[string][]channels.InboundMessage{}}
	src.add("t1", item("m2", "42", 2), item("m1", "42", 1))
	p, got, cursors := newTestPoller(src)
	ctx := context.Background()

	n, err := p.PollThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m1", "m2"}, ids(*got), "oldest first")
	for _, ev := range *got {
		assert.True(t, ev.Message.History, "first scan is history")
		assert.Equal(t, "t1", ev.Message.ThreadID)
	}

	*got = nil
	n, err = p.PollThread(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)

	src.add("t1", item("m4", "42", 4), item("m3", "42", 3))
	_, err = p.PollThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, ids(*got))
	assert.False(t, (*got)[0].Message.History)

	cur, err := cursors.Cursor(ctx, "instagram:1789", "t1")
	require.NoError(t, err)
	assert.Equal(t, "m4", cur.NativeID)
	assert.True(t, base.Add(4*time.Minute).Equal(cur.SentAt))
}

func TestPollerAdvancesCursorPastSelfSent(t *testing.T) {
	src := &fakeSource{threads: map[string][]channels.InboundMessage{}}
	src.add("t1", item("m1", "42", 1))
	p, got, cursors := newTestPoller(src)
	ctx := context.Background()
	_, err := p.PollThread(ctx, "t1")
	require.NoError(t, err)
	*got = nil

	src.add("t1", item("m3", "1789", 3), item("m2", "42", 2))
	n, err := p.PollThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m2"}, ids(*got))

	cur, err := cursors.Cursor(ctx, "instagram:1789", "t1")
	require.NoError(t, err)
	assert.Equal(t, "m3", cur.NativeID, "self-sent newest item still moves the cursor")

	*got = nil
	n, err = p.PollThread(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPollerCursorMissingFromWindow(t *testing.T) {
	src := &fakeSource{threads: map[string][]channels.InboundMessage{}}
	src.add("t1", item("m3", "42", 3), item("m1", "42", 1))
	p, got, cursors := newTestPoller(src)
	ctx := context.Background()

	// m2 was unsent, or came through a push the page does not contain.
	require.NoError(t, cursors.SetCursor(ctx, "instagram:1789", "t1", Cursor{NativeID: "m2", SentAt: base.Add(2 * time.Minute)}))

	n, err := p.PollThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m3"}, ids(*got))
	assert.False(t, (*got)[0].Message.History)

	cur, err := cursors.Cursor(ctx, "instagram:1789", "t1")
	require.NoError(t, err)
	assert.Equal(t, "m3", cur.NativeID)
}

func TestPollerCursorNewerThanWindow(t *testing.T) {
	src := &fakeSource{threads: map[string][]channels.InboundMessage{}}
	src.add("t1", item("m2", "42", 2), item("m1", "42", 1))
	p, got, cursors := newTestPoller(src)
	ctx := context.Background()
	require.NoError(t, cursors.SetCursor(ctx, "instagram:1789", "t1", Cursor{NativeID: "m9", SentAt: base.Add(9 * time.Minute)}))

	n, err := p.PollThread(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, *got)
}

func TestPollerPauseSkipsScans(t *testing.T) {
	src := &fakeSource{threads: map[string][]channels.InboundMessage{}}
	src.add("t1", item("m1", "42", 1))
	p, got, _ := newTestPoller(src)

	p.Pause()
	assert.True(t, p.Paused())
	p.tick(context.Background())
	assert.Empty(t, *got)

	p.Resume()
	p.tick(context.Background())
	assert.Len(t, *got, 1)
}

func TestPollScansEveryThread(t *testing.T) {
	src := &fakeSource{threads: map[string][]channels.InboundMessage{}}
	src.add("t1", item("a1", "42", 1))
	src.add("t2", item("b1", "43", 1), item("b0", "1789", 0))
	p, got, _ := newTestPoller(src)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"a1", "b1"}, ids(*got))
}
