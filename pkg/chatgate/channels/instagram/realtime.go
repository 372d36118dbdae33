package instagram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/ingest"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 10 * time.Second
)

// pushFrame is one realtime frame. Only "message" frames carry data.
type pushFrame struct {
	Type     string       `json:"type"`
	ThreadID string       `json:"thread_id"`
	Message  graphMessage `json:"message"`
}

// realtime keeps the push channel of c up until c is stopped. While it is
// up the poller is paused; every drop resumes polling and schedules a
// redial with a doubling delay.
func (a *Adapter) realtime(c *conn) {
	delay := a.cfg.Realtime.RetryDelay
	for c.ctx.Err() == nil {
		connected, err := a.runPush(c)

		c.poller.Resume()
		if c.pushActive.Swap(false) && !c.closed.Load() {
			c.emit(channels.PushStateEvent{Active: false, Err: err})
		}
		if c.ctx.Err() != nil {
			return
		}
		if connected {
			delay = a.cfg.Realtime.RetryDelay
		}

		c.logger.Warn("instagram: realtime channel down, polling", "error", err, "retry_in", delay)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, a.cfg.Realtime.MaxRetryDelay)
	}
}

// runPush dials the realtime endpoint and reads frames until the socket
// fails. connected reports whether the dial succeeded.
func (a *Adapter) runPush(c *conn) (connected bool, err error) {
	endpoint, err := url.Parse(a.cfg.Realtime.URL)
	if err != nil {
		return false, fmt.Errorf("realtime url: %w", err)
	}
	q := endpoint.Query()
	q.Set("account", c.creds.UserID)
	endpoint.RawQuery = q.Encode()

	header := http.Header{"Authorization": {"Bearer " + c.creds.AccessToken}}
	ws, _, err := websocket.DefaultDialer.DialContext(c.ctx, endpoint.String(), header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	stopClose := context.AfterFunc(c.ctx, func() { ws.Close() })
	defer stopClose()

	done := make(chan struct{})
	defer close(done)
	go pinger(ws, done)

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.poller.Pause()
	c.pushActive.Store(true)
	c.logger.Info("instagram: realtime channel up")
	c.emit(channels.PushStateEvent{Active: true})

	for {
		var f pushFrame
		if err := ws.ReadJSON(&f); err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if f.Type != "message" || f.ThreadID == "" || f.Message.ID == "" {
			continue
		}
		a.deliverPush(c, f)
	}
}

// deliverPush emits one pushed message and moves the thread cursor past
// it, so that polling does not deliver it again after a fallback.
func (a *Adapter) deliverPush(c *conn, f pushFrame) {
	ev := channels.MessageEvent{
		Message: f.Message.inbound(f.ThreadID, c.creds.UserID),
		SelfID:  c.creds.UserID,
	}
	cursor := ingest.Cursor{NativeID: f.Message.ID, SentAt: ev.Message.SentAt}
	if err := a.cursors.SetCursor(c.ctx, c.channel, f.ThreadID, cursor); err != nil {
		c.logger.Warn("instagram: advancing cursor", "thread", f.ThreadID, "error", err)
	}
	if ev.IsSelf() || c.closed.Load() {
		return
	}
	c.emit(ev)
}

func pinger(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
