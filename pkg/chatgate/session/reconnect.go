package session

import (
	"errors"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

var errAttemptsExhausted = errors.New("max reconnect attempts reached")

// decision is the outcome of classifying one close.
type decision struct {
	state            State
	attempt          int
	delay            time.Duration
	clearNow         bool
	clearBeforeRetry bool
	exhausted        bool
}

// decideLocked applies the reconnect policy to s for a close with reason.
// It updates the attempt counter and the transient streak. Callers hold
// s.mu.
func (m *Manager) decideLocked(s *Session, reason channels.CloseReason) decision {
	var d decision
	class := reason.Class()

	switch class {
	case channels.ClassStopped:
		d.state = StateStopped
		return d

	case channels.ClassTerminal:
		d.state = StateTerminalFailed
		d.clearNow = true
		return d

	case channels.ClassTransient:
		if s.streakReason == reason {
			s.streak++
		} else {
			s.streakReason = reason
			s.streak = 1
		}
		threshold := m.cfg.Reconnect.TransientAuthClearAfter
		if threshold <= 0 {
			threshold = 2
		}
		if s.streak >= threshold {
			d.clearBeforeRetry = true
			s.streak = 0
			s.streakReason = ""
		}

	default:
		s.streak = 0
		s.streakReason = ""
		d.clearBeforeRetry = reason.WipesAuth()
	}

	p := m.cfg.Reconnect.profile(class)
	if s.attempts >= p.MaxAttempts {
		d.state = StateTerminalFailed
		d.exhausted = true
		d.clearBeforeRetry = false
		return d
	}

	s.attempts++
	d.attempt = s.attempts
	d.delay = p.Delay(s.attempts)
	d.state = StateReconnecting
	return d
}

// onClosed runs the reconnection state machine for a closed connection.
func (m *Manager) onClosed(s *Session, gen uint64, e channels.ClosedEvent) {
	reason := e.Reason
	if reason == "" {
		reason = channels.ReasonFromError(e.Err)
	}
	now := m.now()

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	if err := s.setStateLocked(StateClosing, now); err != nil {
		// Duplicate close for an attempt already handled.
		s.mu.Unlock()
		return
	}
	s.handle = nil
	s.lastReason = reason

	d := m.decideLocked(s, reason)
	_ = s.setStateLocked(d.state, now)
	// A reactivation reports its first close to the caller, who stops the
	// session, so no retry is scheduled.
	abort := d.state == StateReconnecting && s.reactivating
	if d.state == StateReconnecting && !abort {
		at := now.Add(d.delay)
		s.nextRetryAt = &at
		s.clearOnRetry = d.clearBeforeRetry
		retryGen := s.gen
		s.timer = m.afterFunc(d.delay, func() { m.retry(s, retryGen) })
	}
	info := s.infoLocked()
	comp := s.completion
	s.mu.Unlock()

	log := m.logger.With("session", s.Key(), "reason", reason, "class", reason.Class())
	extra := map[string]any{"reason": string(reason)}
	if e.Err != nil {
		extra["error"] = e.Err.Error()
	}

	switch {
	case abort:
		log.Warn("sessions: reactivation attempt closed", "error", e.Err)
		m.changed(s, Update{Event: EventStatus, Info: info, Reason: reason}, extra)
		cause := e.Err
		if cause == nil {
			cause = errors.New(string(reason))
		}
		comp.resolve(Outcome{Err: &channels.CloseError{Reason: reason, Err: cause}})

	case d.state == StateReconnecting:
		log.Info("sessions: connection closed, retry scheduled", "attempt", d.attempt, "delay", d.delay, "clear_auth", d.clearBeforeRetry)
		extra["attempt"] = d.attempt
		extra["delay_ms"] = d.delay.Milliseconds()
		m.changed(s, Update{Event: EventStatus, Info: info, Attempt: d.attempt, Delay: d.delay, Reason: reason}, extra)

	case d.state == StateStopped:
		log.Info("sessions: connection stopped")
		m.changed(s, Update{Event: EventClosed, Info: info, Reason: reason}, extra)

	default:
		cause := e.Err
		if d.exhausted {
			cause = errAttemptsExhausted
			log.Error("sessions: giving up, max reconnect attempts reached", "attempts", info.Attempts)
		}
		if d.clearNow {
			log.Error("sessions: terminal close, auth cleared", "error", e.Err)
			if err := s.adapter.ClearAuth(m.ctx, s.Account); err != nil {
				log.Warn("sessions: clearing auth failed", "error", err)
			}
		}
		u := Update{Event: EventClosed, Info: info, Reason: reason}
		if cause != nil {
			u.Error = cause.Error()
			extra["error"] = cause.Error()
		}
		m.changed(s, u, extra)
		comp.resolve(Outcome{Err: &channels.CloseError{Reason: reason, Err: cause}})
	}
}

// retry fires when a reconnect timer expires.
func (m *Manager) retry(s *Session, gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.nextRetryAt = nil
	clearAuth := s.clearOnRetry
	s.clearOnRetry = false
	s.mu.Unlock()

	if clearAuth {
		m.logger.Info("sessions: clearing auth before retry", "session", s.Key())
		if err := s.adapter.ClearAuth(m.ctx, s.Account); err != nil {
			m.logger.Warn("sessions: clearing auth failed", "session", s.Key(), "error", err)
		}
	}
	m.connect(s)
}
