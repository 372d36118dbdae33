package channels

import "time"

// Event is a typed notification emitted by an adapter connection.
type Event interface {
	// EventName is the stable name used in logs and broadcasts.
	EventName() string
}

// QREvent carries a one-time pairing token issued by the provider.
type QREvent struct {
	Code      string
	ExpiresIn time.Duration
}

// ReadyEvent signals the connection is authenticated and usable.
type ReadyEvent struct {
	// SelfID is the provider id of the connected account.
	SelfID string

	// DisplayName is the profile name of the connected account, if known.
	DisplayName string
}

// MessageEvent carries one inbound message.
type MessageEvent struct {
	Message InboundMessage

	// SelfID is the own-account id at the time the message was observed.
	SelfID string
}

// ClosedEvent signals the connection ended.
type ClosedEvent struct {
	Reason CloseReason
	Err    error
}

// PushStateEvent reports whether a realtime push channel is active for an
// adapter that can also poll.
type PushStateEvent struct {
	Active bool
	Err    error
}

func (QREvent) EventName() string { return "qr" }
func (ReadyEvent) EventName() string { return "ready" }
func (MessageEvent) EventName() string { return "message" }
func (ClosedEvent) EventName() string { return "closed" }
func (PushStateEvent) EventName() string { return "push_state" }

// IsSelf reports whether the message was sent by the connected account.
func (e MessageEvent) IsSelf() bool {
	if e.Message.FromMe {
		return true
	}
	if e.SelfID == "" || e.Message.FromID == "" {
		return false
	}
	return NormalizeAccountKey(e.Message.FromID) == NormalizeAccountKey(e.SelfID)
}
