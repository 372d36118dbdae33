package session

import (
	"context"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

// Persisted statuses besides the lifecycle states.
const (
	// StatusDegraded marks a session whose adapters could not send.
	StatusDegraded = "degraded"

	// StatusRemoved marks a session deleted by the operator.
	StatusRemoved = "removed"
)

// StatusRecord is one persisted session status.
type StatusRecord struct {
	Kind      channels.ProviderKind `json:"kind"`
	Account   string                `json:"account"`
	Status    string                `json:"status"`
	Extra     map[string]any        `json:"extra,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// SessionStore persists the last known status of each session.
type SessionStore interface {
	UpsertStatus(ctx context.Context, kind channels.ProviderKind, account, status string, extra map[string]any) error
	ListByStatus(ctx context.Context, status string) ([]StatusRecord, error)
}

// MessageSink receives the inbound message events of every session.
type MessageSink interface {
	Submit(ctx context.Context, kind channels.ProviderKind, account string, ev channels.MessageEvent) error
}
