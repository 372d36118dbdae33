package session

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
)

// Pairing formats.
const (
	// FormatPNG means Image holds a data URI of a scannable PNG.
	FormatPNG = "png"

	// FormatRaw means the token could not be rendered; clients must render
	// Raw themselves.
	FormatRaw = "raw"
)

// Pairing is a pairing token in displayable form.
type Pairing struct {
	Format    string        `json:"format"`
	Image     string        `json:"image,omitempty"`
	Raw       string        `json:"raw"`
	ExpiresIn time.Duration `json:"expires_in,omitempty"`
	IssuedAt  time.Time     `json:"issued_at"`
}

// QRRenderer renders pairing tokens into QR code images.
type QRRenderer struct {
	Size  int
	Level qrcode.RecoveryLevel
}

// DefaultQRRenderer renders 256px PNGs at medium recovery level.
func DefaultQRRenderer() QRRenderer {
	return QRRenderer{Size: 256, Level: qrcode.Medium}
}

// Render encodes code as a PNG data URI. A token too large for the QR
// encoding falls back to FormatRaw.
func (r QRRenderer) Render(code string, expiresIn time.Duration, now time.Time) Pairing {
	p := Pairing{Format: FormatRaw, Raw: code, ExpiresIn: expiresIn, IssuedAt: now}

	size := r.Size
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(code, r.Level, size)
	if err != nil {
		return p
	}
	p.Format = FormatPNG
	p.Image = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	return p
}

// Outcome is the result delivered to the caller that started a session.
type Outcome struct {
	// Pairing is set when the provider asked for QR pairing.
	Pairing *Pairing

	// Ready is set when the session connected with stored auth.
	Ready bool

	// Err is set when the first attempt failed terminally.
	Err error
}

// completion delivers at most one Outcome to the original requester.
type completion struct {
	once sync.Once
	ch   chan Outcome
}

func newCompletion() *completion {
	return &completion{ch: make(chan Outcome, 1)}
}

// resolve reports whether this call delivered the outcome.
func (c *completion) resolve(o Outcome) bool {
	if c == nil {
		return false
	}
	fired := false
	c.once.Do(func() {
		c.ch <- o
		fired = true
	})
	return fired
}

func (c *completion) done() <-chan Outcome { return c.ch }
