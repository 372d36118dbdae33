package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/dispatch"
	"github.com/jholhewres/chatgate/pkg/chatgate/queue"
	"github.com/jholhewres/chatgate/pkg/chatgate/session"
)

const (
	version      = "0.1.0"
	maxBodyBytes = 32 << 20
)

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail writes err with the status it maps to.
func (g *Gateway) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		g.logger.Warn("gateway: request error", "status", code, "error", err)
	}
	g.writeError(w, err.Error(), code)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verr validator.ValidationErrors
	var cerr *channels.CloseError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound
	case errors.As(err, &verr),
		errors.Is(err, session.ErrUnknownProvider),
		errors.Is(err, session.ErrInvalidAccount),
		errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, dispatch.ErrUnknownFamily),
		errors.Is(err, channels.ErrInvalidDestination),
		errors.Is(err, channels.ErrMediaNotSupported),
		errors.Is(err, channels.ErrUnknownAccount):
		return http.StatusBadRequest
	case errors.Is(err, channels.ErrTerminalAuth),
		errors.Is(err, session.ErrPairingRequired),
		errors.As(err, &cerr) && cerr.Reason.Class() == channels.ClassTerminal:
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrNoAdapterAvailable),
		errors.Is(err, channels.ErrProviderUnavailable),
		errors.Is(err, queue.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrStartTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &cerr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v and validates it.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.writeError(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		g.writeError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := g.validate.Struct(v); err != nil {
		g.fail(w, err)
		return false
	}
	return true
}

// sessionKey reads and checks the {kind}/{account} path parameters.
func (g *Gateway) sessionKey(w http.ResponseWriter, r *http.Request) (channels.ProviderKind, string, bool) {
	kind := channels.ProviderKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		g.writeError(w, fmt.Sprintf("unknown provider kind %q", kind), http.StatusBadRequest)
		return "", "", false
	}
	account := channels.NormalizeAccountKey(chi.URLParam(r, "account"))
	if account == "" {
		g.writeError(w, "account required", http.StatusBadRequest)
		return "", "", false
	}
	return kind, account, true
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}

	states := make(map[string]int)
	if g.deps.Sessions != nil {
		for _, info := range g.deps.Sessions.List() {
			states[string(info.State)]++
		}
	}

	status, code := "ok", http.StatusOK
	resp := map[string]any{
		"version":  version,
		"uptime":   uptime,
		"sessions": states,
	}
	if g.deps.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := g.deps.Database.Ping(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
			resp["database"] = err.Error()
		} else {
			resp["database"] = "ok"
		}
	}
	resp["status"] = status
	g.writeJSON(w, code, resp)
}

// handleListSessions implements GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"sessions": g.deps.Sessions.List()})
}

// handleGetSession implements GET /api/sessions/{kind}/{account}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	kind, account, ok := g.sessionKey(w, r)
	if !ok {
		return
	}
	info, err := g.deps.Sessions.Get(kind, account)
	if err != nil {
		g.fail(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, info)
}

// startResponse is the answer to start and restart.
type startResponse struct {
	Status  string           `json:"status"`
	Pairing *session.Pairing `json:"pairing,omitempty"`
	Session *session.Info    `json:"session,omitempty"`
}

func (g *Gateway) handleStartSession(w http.ResponseWriter, r *http.Request) {
	g.start(w, r, g.deps.Sessions.Start)
}

func (g *Gateway) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	g.start(w, r, g.deps.Sessions.Restart)
}

func (g *Gateway) start(w http.ResponseWriter, r *http.Request, fn func(context.Context, channels.ProviderKind, string) (session.Outcome, error)) {
	kind, account, ok := g.sessionKey(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.StartTimeout)
	defer cancel()

	outcome, err := fn(ctx, kind, account)
	if err != nil {
		g.fail(w, err)
		return
	}

	resp := startResponse{Status: "ready"}
	if outcome.Pairing != nil {
		resp.Status = "pairing"
		resp.Pairing = outcome.Pairing
	}
	if info, err := g.deps.Sessions.Get(kind, account); err == nil {
		resp.Session = &info
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleStopSession implements POST /api/sessions/{kind}/{account}/stop.
func (g *Gateway) handleStopSession(w http.ResponseWriter, r *http.Request) {
	kind, account, ok := g.sessionKey(w, r)
	if !ok {
		return
	}
	info, err := g.deps.Sessions.Stop(r.Context(), kind, account)
	if err != nil {
		g.fail(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, info)
}

// handleRemoveSession implements DELETE /api/sessions/{kind}/{account}.
func (g *Gateway) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	kind, account, ok := g.sessionKey(w, r)
	if !ok {
		return
	}
	if err := g.deps.Sessions.Remove(r.Context(), kind, account); err != nil {
		g.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// messageRequest is the body of POST /api/messages.
type messageRequest struct {
	dispatch.Request

	// Queue sends through the job queue instead of inline.
	Queue bool `json:"queue"`
}

// handleSendMessage implements POST /api/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "api"
	}

	if req.Queue {
		if g.deps.Jobs == nil {
			g.writeError(w, "queue disabled", http.StatusServiceUnavailable)
			return
		}
		job, err := g.deps.Dispatcher.Enqueue(r.Context(), g.deps.Jobs, req.Request)
		if err != nil {
			g.fail(w, err)
			return
		}
		g.writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "job_id": job.ID, "lane": job.Lane})
		return
	}

	rec, err := g.deps.Dispatcher.Dispatch(r.Context(), req.Request)
	if err != nil {
		code := statusFor(err)
		if rec == nil {
			g.fail(w, err)
			return
		}
		g.writeJSON(w, code, map[string]any{"error": map[string]any{"message": err.Error(), "code": code}, "audit": rec})
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

// handleQueueStats implements GET /api/queue.
func (g *Gateway) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if g.deps.Jobs == nil {
		g.writeError(w, "queue disabled", http.StatusServiceUnavailable)
		return
	}
	stats, err := g.deps.Jobs.Stats(r.Context())
	if err != nil {
		g.fail(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, stats)
}

// handleListDeadLetters implements GET /api/queue/deadletter.
func (g *Gateway) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if g.deps.Jobs == nil {
		g.writeError(w, "queue disabled", http.StatusServiceUnavailable)
		return
	}
	jobs, err := g.deps.Jobs.DeadLetters(r.Context())
	if err != nil {
		g.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleReplayDeadLetter implements POST /api/queue/deadletter/{id}/replay.
func (g *Gateway) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	if g.deps.Jobs == nil {
		g.writeError(w, "queue disabled", http.StatusServiceUnavailable)
		return
	}
	job, err := g.deps.Jobs.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.fail(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, job)
}
