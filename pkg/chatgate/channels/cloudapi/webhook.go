package cloudapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

const maxWebhookBody = 4 << 20

// ServeHTTP serves the webhook: GET answers the subscription handshake,
// POST receives signed notification batches.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleVerify(w, r)
	case http.MethodPost:
		a.handleNotify(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *Adapter) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || a.cfg.VerifyToken == "" ||
		!hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(a.cfg.VerifyToken)) {
		a.logger.Warn("cloudapi: webhook verification rejected", "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

func (a *Adapter) handleNotify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if a.cfg.AppSecret != "" && !validSignature(a.cfg.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		a.logger.Warn("cloudapi: webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	// Anything after a valid signature is acknowledged so the platform does
	// not redeliver; unknown numbers are only logged.
	delivered := a.deliver(n)
	if delivered > 0 {
		a.logger.Debug("cloudapi: webhook delivered", "messages", delivered)
	}
	w.WriteHeader(http.StatusOK)
}

// validSignature checks a "sha256=<hex>" HMAC of body.
func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the X-Hub-Signature-256 header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliver emits every message of n to the connection of its phone number.
func (a *Adapter) deliver(n notification) int {
	count := 0
	for _, entry := range n.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if change.Field != "messages" || len(v.Messages) == 0 {
				continue
			}
			c := a.byPhoneNumberID(v.Metadata.PhoneNumberID)
			if c == nil {
				a.logger.Warn("cloudapi: webhook for unknown or offline number", "phone_number_id", v.Metadata.PhoneNumberID)
				continue
			}
			names := make(map[string]string, len(v.Contacts))
			for _, ct := range v.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}
			for _, m := range v.Messages {
				c.emit(channels.MessageEvent{Message: toInbound(m, names[m.From]), SelfID: c.selfID})
				count++
			}
		}
	}
	return count
}

// notification is the webhook payload.
type notification struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []inboundMessage `json:"messages"`
}

type mediaObject struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type inboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *mediaObject `json:"image"`
	Video    *mediaObject `json:"video"`
	Document *mediaObject `json:"document"`
	Audio    *mediaObject `json:"audio"`
	Sticker  *mediaObject `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Button *struct {
		Text string `json:"text"`
	} `json:"button"`
}

// toInbound maps a webhook message onto the channel fields.
func toInbound(m inboundMessage, name string) channels.InboundMessage {
	msg := channels.InboundMessage{
		ThreadID: m.From,
		FromID:   m.From,
		FromName: name,
		NativeID: m.ID,
		SentAt:   parseTimestamp(m.Timestamp),
	}

	switch {
	case m.Text != nil:
		msg.Kind = channels.MessageText
		msg.Body = m.Text.Body
	case m.Button != nil:
		msg.Kind = channels.MessageText
		msg.Body = m.Button.Text
	case m.Image != nil:
		msg.Kind = channels.MessageImage
		msg.Body = m.Image.Caption
		msg.MediaRef = m.Image.ID
	case m.Video != nil:
		msg.Kind = channels.MessageVideo
		msg.Body = m.Video.Caption
		msg.MediaRef = m.Video.ID
	case m.Document != nil:
		msg.Kind = channels.MessageDocument
		msg.Body = m.Document.Caption
		if msg.Body == "" {
			msg.Body = fmt.Sprintf("[document: %s]", m.Document.Filename)
		}
		msg.MediaRef = m.Document.ID
	case m.Audio != nil:
		msg.Kind = channels.MessageUnsupported
		msg.Body = "[audio]"
		msg.MediaRef = m.Audio.ID
	case m.Sticker != nil:
		msg.Kind = channels.MessageUnsupported
		msg.Body = "[sticker]"
	case m.Location != nil:
		msg.Kind = channels.MessageUnsupported
		msg.Body = fmt.Sprintf("[location: %.6f, %.6f]", m.Location.Latitude, m.Location.Longitude)
	default:
		msg.Kind = channels.MessageUnsupported
		msg.Body = fmt.Sprintf("[unsupported message type: %s]", m.Type)
	}
	return msg
}

func parseTimestamp(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
