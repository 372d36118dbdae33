package dispatch

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/chatgate/pkg/chatgate/broadcast"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/ingest"
	"github.com/jholhewres/chatgate/pkg/chatgate/queue"
)

type fakeAdapter struct {
	kind    channels.ProviderKind
	mu      sync.Mutex
	sends   int
	sendErr error
	last    channels.Media
}

func (a *fakeAdapter) Kind() channels.ProviderKind { return a.kind }

func (a *fakeAdapter) Connect(context.Context, string, channels.Emitter) (channels.Handle, error) {
	return nil, errors.New("not used")
}

func (a *fakeAdapter) SendText(_ context.Context, account, to, text string) (channels.Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends++
	if a.sendErr != nil {
		return channels.Ack{}, a.sendErr
	}
	return channels.Ack{Provider: a.kind, MessageID: string(a.kind) + "-1", SentAt: time.Now()}, nil
}

func (a *fakeAdapter) SendMedia(ctx context.Context, account, to string, m channels.Media) (channels.Ack, error) {
	a.mu.Lock()
	a.last = m
	a.mu.Unlock()
	return a.SendText(ctx, account, to, m.Caption)
}

func (a *fakeAdapter) Ready(string) bool                       { return true }
func (a *fakeAdapter) Shutdown(context.Context, string) error  { return nil }
func (a *fakeAdapter) ClearAuth(context.Context, string) error { return nil }
func (a *fakeAdapter) ListActive() iter.Seq[string]            { return func(func(string) bool) {} }

type fakeSessions struct {
	adapters map[channels.ProviderKind]*fakeAdapter
	live     map[channels.ProviderKind]bool
	degraded []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		adapters: map[channels.ProviderKind]*fakeAdapter{
			channels.KindWhatsmeow: {kind: channels.KindWhatsmeow},
			channels.KindCloudAPI:  {kind: channels.KindCloudAPI},
		},
		live: map[channels.ProviderKind]bool{},
	}
}

func (s *fakeSessions) Adapter(kind channels.ProviderKind) (channels.Adapter, bool) {
	a, ok := s.adapters[kind]
	if !ok {
		return nil, false
	}
	return a, true
}

func (s *fakeSessions) Live(kind channels.ProviderKind, _ string) bool { return s.live[kind] }

func (s *fakeSessions) MarkDegraded(kind channels.ProviderKind, account, _ string) {
	s.degraded = append(s.degraded, channels.ChannelID(kind, account))
}

type memStore struct {
	convs    map[string]string
	messages []*ingest.Message
	byID     map[string]*ingest.Conversation
}

func newMemStore() *memStore {
	return &memStore{convs: map[string]string{}, byID: map[string]*ingest.Conversation{}}
}

func (m *memStore) FindOrCreateByExternalContact(_ context.Context, channel, contact string) (string, error) {
	key := channel + "/" + contact
	if id, ok := m.convs[key]; ok {
		return id, nil
	}
	id := "conv-" + key
	m.convs[key] = id
	m.byID[id] = &ingest.Conversation{ID: id, Channel: channel, ExternalContactID: contact}
	return id, nil
}

func (m *memStore) Append(_ context.Context, convID string, msg *ingest.Message) (bool, error) {
	msg.ConversationID = convID
	m.messages = append(m.messages, msg)
	return true, nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (*ingest.Conversation, error) {
	c, ok := m.byID[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

type testEnv struct {
	d        *Dispatcher
	sessions *fakeSessions
	store    *memStore
	rec      *broadcast.Recorder
}

func newTestEnv() *testEnv {
	env := &testEnv{sessions: newFakeSessions(), store: newMemStore(), rec: &broadcast.Recorder{}}
	env.d = New(DefaultConfig(), env.sessions, env.store, env.store, env.rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return env
}

func (env *testEnv) adapter(kind channels.ProviderKind) *fakeAdapter { return env.sessions.adapters[kind] }

func textRequest() Request {
	return Request{Family: "whatsapp", Account: "+5511999990000", To: "5521888", Text: "hello", RequestedBy: "agent:7"}
}

func TestDispatchFallsBackWhenPrimaryNotReady(t *testing.T) {
	env := newTestEnv()
	env.sessions.live[channels.KindCloudAPI] = true

	rec, err := env.d.Dispatch(context.Background(), textRequest())
	require.NoError(t, err)

	assert.Zero(t, env.adapter(channels.KindWhatsmeow).sends, "not-ready adapters are never sent to")
	assert.Equal(t, 1, env.adapter(channels.KindCloudAPI).sends)

	assert.Equal(t, OutcomeSent, rec.Outcome)
	assert.Equal(t, channels.KindCloudAPI, rec.Provider)
	assert.Equal(t, "cloudapi-1", rec.MessageID)
	assert.Equal(t, "5511999990000", rec.Account)
	assert.Equal(t, "agent:7", rec.RequestedBy)
	assert.Equal(t, []Attempt{
		{Provider: channels.KindWhatsmeow, Result: ResultNotReady},
		{Provider: channels.KindCloudAPI, Result: ResultSent},
	}, rec.Attempts)
	assert.Equal(t, 1, rec.Sends())

	audits := env.rec.Named(EventAudit)
	require.Len(t, audits, 1)
	assert.Same(t, rec, audits[0].Payload)
}

func TestDispatchPrefersPrimary(t *testing.T) {
	env := newTestEnv()
	env.sessions.live[channels.KindWhatsmeow] = true
	env.sessions.live[channels.KindCloudAPI] = true

	rec, err := env.d.Dispatch(context.Background(), textRequest())
	require.NoError(t, err)
	assert.Equal(t, channels.KindWhatsmeow, rec.Provider)
	assert.Equal(t, 1, env.adapter(channels.KindWhatsmeow).sends)
	assert.Zero(t, env.adapter(channels.KindCloudAPI).sends, "at most one send per call")
}

func TestDispatchProviderUnavailableFallsBack(t *testing.T) {
	env := newTestEnv()
	env.sessions.live[channels.KindWhatsmeow] = true
	env.sessions.live[channels.KindCloudAPI] = true
	env.adapter(channels.KindWhatsmeow).sendErr = channels.ErrProviderUnavailable

	rec, err := env.d.Dispatch(context.Background(), textRequest())
	require.NoError(t, err)
	assert.Equal(t, channels.KindCloudAPI, rec.Provider)
	assert.Equal(t, ResultUnavailable, rec.Attempts[0].Result)
}

func TestDispatchSendFailureDoesNotFallBack(t *testing.T) {
	env := newTestEnv()
	env.sessions.live[channels.KindWhatsmeow] = true
	env.sessions.live[channels.KindCloudAPI] = true
	env.adapter(channels.KindWhatsmeow).sendErr = errors.New("server returned 500")

	rec, err := env.d.Dispatch(context.Background(), textRequest())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, rec.Outcome)
	assert.Zero(t, env.adapter(channels.KindCloudAPI).sends)
	assert.Empty(t, env.sessions.degraded)
}

func TestDispatchNoAdapterMarksDegraded(t *testing.T) {
	env := newTestEnv()

	rec, err := env.d.Dispatch(context.Background(), textRequest())
	require.ErrorIs(t, err, ErrNoAdapterAvailable)
	assert.Equal(t, OutcomeNoAdapter, rec.Outcome)
	assert.Zero(t, rec.Sends())
	assert.Equal(t, []string{"whatsmeow:5511999990000"}, env.sessions.degraded)
	assert.Empty(t, env.store.messages)
}

func TestDispatchRecordsOutboundMessage(t *testing.T) {
	env := newTestEnv()
	env.sessions.live[channels.KindWhatsmeow] = true

	_, err := env.d.Dispatch(context.Background(), textRequest())
	require.NoError(t, err)

	require.Len(t, env.store.messages, 1)
	msg := env.store.messages[0]
	assert.Equal(t, ingest.Outbound, msg.Direction)
	assert.Equal(t, "whatsmeow:5511999990000", msg.Channel)
	assert.Equal(t, "5521888", msg.ContactID)
	assert.Equal(t, "whatsmeow-1", msg.NativeID)
	assert.Equal(t, "hello", msg.Body)
	assert.Len(t, env.rec.Named(ingest.EventMessageCreated), 1)
}

func TestDispatchByConversation(t *testing.T) {
	env := newTestEnv()
	env.sessions.live[channels.KindCloudAPI] = true
	convID, _ := env.store.FindOrCreateByExternalContact(context.Background(), "whatsmeow:5511999990000", "5521888")

	rec, err := env.d.Dispatch(context.Background(), Request{ConversationID: convID, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "whatsapp", rec.Family)
	assert.Equal(t, "5521888", rec.Destination)
	assert.Equal(t, channels.KindCloudAPI, rec.Provider, "conversation family allows fallback to the other kind")
}

func TestDispatchMedia(t *testing.T) {
	env := newTestEnv()
	env.sessions.live[channels.KindWhatsmeow] = true
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

	req := textRequest()
	req.Text = ""
	req.Media = &Media{Data: png, Caption: "receipt"}
	_, err := env.d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	a := env.adapter(channels.KindWhatsmeow)
	assert.Equal(t, "image/png", a.last.MimeType)
	assert.Equal(t, channels.MessageImage, env.store.messages[0].Kind)
}

func TestDispatchRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv()
	env.sessions.live[channels.KindWhatsmeow] = true

	tests := []struct {
		name string
		req  Request
		err  error
	}{
		{"no content", Request{Family: "whatsapp", Account: "1", To: "2"}, ErrInvalidRequest},
		{"no destination", Request{Family: "whatsapp", Account: "1", Text: "x"}, ErrInvalidRequest},
		{"unknown family", Request{Family: "sms", Account: "1", To: "2", Text: "x"}, ErrUnknownFamily},
		{"empty media", Request{Family: "whatsapp", Account: "1", To: "2", Media: &Media{Data: []byte{}}}, ErrInvalidRequest},
		{"unknown conversation", Request{ConversationID: "nope", Text: "x"}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := env.d.Dispatch(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, OutcomeRejected, rec.Outcome)
		})
	}
	assert.Zero(t, env.adapter(channels.KindWhatsmeow).sends)
}

func TestCandidates(t *testing.T) {
	d := newTestEnv().d
	assert.Equal(t, []channels.ProviderKind{channels.KindWhatsmeow, channels.KindCloudAPI}, d.Candidates("whatsapp"))
	assert.Equal(t, []channels.ProviderKind{channels.KindCloudAPI}, d.Candidates("cloudapi"))
	assert.Nil(t, d.Candidates("sms"))
}

type recordingQueue struct{ jobs []*queue.Job }

func (q *recordingQueue) Enqueue(_ context.Context, job *queue.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func TestQueuedDispatch(t *testing.T) {
	env := newTestEnv()
	q := &recordingQueue{}

	job, err := env.d.Enqueue(context.Background(), q, textRequest())
	require.NoError(t, err)
	assert.Equal(t, JobKind, job.Kind)
	assert.Equal(t, queue.LaneHigh, job.Lane)
	assert.Equal(t, "whatsapp:5511999990000/5521888", job.Destination)

	// Nothing ready yet: the queue retries.
	err = env.d.HandleJob(context.Background(), job)
	require.ErrorIs(t, err, ErrNoAdapterAvailable)
	assert.NotErrorIs(t, err, queue.ErrPermanentJobFailure)

	env.sessions.live[channels.KindWhatsmeow] = true
	require.NoError(t, env.d.HandleJob(context.Background(), job))
	assert.Equal(t, 1, env.adapter(channels.KindWhatsmeow).sends)

	bad := &queue.Job{ID: "x", Kind: JobKind, Payload: []byte(`{"family":"sms","account":"1","to":"2","text":"x"}`)}
	assert.ErrorIs(t, env.d.HandleJob(context.Background(), bad), queue.ErrPermanentJobFailure)

	_, err = env.d.Enqueue(context.Background(), q, Request{Family: "whatsapp"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Len(t, q.jobs, 1)
}
