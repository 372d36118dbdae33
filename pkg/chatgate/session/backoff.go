package session

import (
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

// Profile is the backoff policy of one close-reason class.
type Profile struct {
	// Base is the delay before the first retry.
	Base time.Duration `yaml:"base"`

	// MaxDelay caps any single delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// CapExponent caps the doubling: delays stop growing after
	// Base * 2^CapExponent.
	CapExponent int `yaml:"cap_exponent" validate:"gte=0"`

	// MaxAttempts is the number of retries before the session fails.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1"`
}

// Delay returns the wait before retry number attempt (1-based):
// min(Base * 2^min(attempt-1, CapExponent), MaxDelay).
func (p Profile) Delay(attempt int) time.Duration {
	exp := min(attempt-1, p.CapExponent)
	if exp < 0 {
		exp = 0
	}
	d := p.Base << uint(exp)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ReconnectConfig holds the backoff profiles per close-reason class.
type ReconnectConfig struct {
	// Generic applies to network and unclassified closes.
	Generic Profile `yaml:"generic"`

	// Transient applies to provider stream-level faults.
	Transient Profile `yaml:"transient"`

	// TransientAuthClearAfter is the number of consecutive transient closes
	// with the same reason after which auth is cleared before the retry.
	TransientAuthClearAfter int `yaml:"transient_auth_clear_after" validate:"gte=1"`
}

// DefaultReconnectConfig returns the default reconnect policy.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Generic: Profile{
			Base:        5 * time.Second,
			MaxDelay:    60 * time.Second,
			CapExponent: 3,
			MaxAttempts: 8,
		},
		Transient: Profile{
			Base:        3 * time.Second,
			MaxDelay:    60 * time.Second,
			CapExponent: 3,
			MaxAttempts: 5,
		},
		TransientAuthClearAfter: 2,
	}
}

func (c ReconnectConfig) profile(class channels.CloseClass) Profile {
	if class == channels.ClassTransient {
		return c.Transient
	}
	return c.Generic
}
