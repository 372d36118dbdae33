package dispatch

import (
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

// Attempt results.
const (
	ResultSent        = "sent"
	ResultNotReady    = "not_ready"
	ResultUnavailable = "unavailable"
	ResultFailed      = "failed"
)

// Outcomes of a dispatch call.
const (
	OutcomeSent      = "sent"
	OutcomeFailed    = "failed"
	OutcomeNoAdapter = "no_adapter"
	OutcomeRejected  = "rejected"
)

// Attempt is one candidate adapter considered by a dispatch call.
type Attempt struct {
	Provider channels.ProviderKind `json:"provider"`
	Result   string                `json:"result"`
	Error    string                `json:"error,omitempty"`
}

// AuditRecord describes a dispatch call: who asked, which adapters were
// tried, and how it ended.
type AuditRecord struct {
	ID             string                `json:"id"`
	RequestedBy    string                `json:"requested_by,omitempty"`
	Family         string                `json:"family"`
	Account        string                `json:"account"`
	Destination    string                `json:"destination"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Content        string                `json:"content"`
	Attempts       []Attempt             `json:"attempts"`
	Provider       channels.ProviderKind `json:"provider,omitempty"`
	MessageID      string                `json:"message_id,omitempty"`
	Outcome        string                `json:"outcome"`
	Error          string                `json:"error,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     time.Time             `json:"finished_at"`
}

// Sends counts the attempts that reached an adapter's send call.
func (r *AuditRecord) Sends() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Result == ResultSent || a.Result == ResultFailed || a.Result == ResultUnavailable {
			n++
		}
	}
	return n
}

func (r *AuditRecord) attempt(kind channels.ProviderKind, result string, err error) {
	a := Attempt{Provider: kind, Result: result}
	if err != nil {
		a.Error = err.Error()
	}
	r.Attempts = append(r.Attempts, a)
}
