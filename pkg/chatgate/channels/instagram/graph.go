package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/graphapi"
	"github.com/jholhewres/chatgate/pkg/chatgate/media"
)

// createdTimeLayout is the Graph API timestamp format.
const createdTimeLayout = "2006-01-02T15:04:05-0700"

type account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

func profile(ctx context.Context, g *graphapi.Client, creds Credentials) (account, error) {
	var me account
	q := url.Values{"fields": {"id,username,name"}}
	err := g.Get(ctx, creds.UserID+"?"+q.Encode(), creds.AccessToken, &me)
	return me, err
}

// graphSource lists the page conversations for the poller.
type graphSource struct {
	graph    *graphapi.Client
	creds    Credentials
	threads  int
	messages int

	// onAuth is called when the token is rejected.
	onAuth func(error)
}

func (s *graphSource) Threads(ctx context.Context) ([]string, error) {
	q := url.Values{
		"platform": {"instagram"},
		"fields":   {"id,updated_time"},
		"limit":    {strconv.Itoa(s.threads)},
	}
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := s.graph.Get(ctx, s.creds.PageID+"/conversations?"+q.Encode(), s.creds.AccessToken, &resp); err != nil {
		s.check(err)
		return nil, err
	}
	ids := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (s *graphSource) Messages(ctx context.Context, thread string) ([]channels.InboundMessage, error) {
	q := url.Values{
		"fields": {fmt.Sprintf("messages.limit(%d){id,created_time,from,message,attachments}", s.messages)},
	}
	var resp struct {
		Messages struct {
			Data []graphMessage `json:"data"`
		} `json:"messages"`
	}
	if err := s.graph.Get(ctx, thread+"?"+q.Encode(), s.creds.AccessToken, &resp); err != nil {
		s.check(err)
		return nil, err
	}
	out := make([]channels.InboundMessage, 0, len(resp.Messages.Data))
	for _, m := range resp.Messages.Data {
		out = append(out, m.inbound(thread, s.creds.UserID))
	}
	return out, nil
}

func (s *graphSource) check(err error) {
	if graphapi.Unauthorized(err) && s.onAuth != nil {
		s.onAuth(err)
	}
}

// graphMessage is one message node, as listed by the conversation edge and
// as pushed by the realtime channel.
type graphMessage struct {
	ID          string `json:"id"`
	CreatedTime string `json:"created_time"`
	From        struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Message     string `json:"message"`
	Attachments struct {
		Data []attachment `json:"data"`
	} `json:"attachments"`
}

type attachment struct {
	MimeType  string `json:"mime_type"`
	Name      string `json:"name"`
	FileURL   string `json:"file_url"`
	ImageData *struct {
		URL string `json:"url"`
	} `json:"image_data"`
	VideoData *struct {
		URL string `json:"url"`
	} `json:"video_data"`
}

func (m graphMessage) inbound(thread, self string) channels.InboundMessage {
	msg := channels.InboundMessage{
		ThreadID: thread,
		FromID:   m.From.ID,
		FromName: m.From.Username,
		FromMe:   self != "" && m.From.ID == self,
		Body:     m.Message,
		Kind:     channels.MessageText,
		NativeID: m.ID,
		SentAt:   parseCreatedTime(m.CreatedTime),
	}

	if len(m.Attachments.Data) > 0 {
		att := m.Attachments.Data[0]
		switch {
		case att.ImageData != nil:
			msg.Kind = channels.MessageImage
			msg.MediaRef = att.ImageData.URL
		case att.VideoData != nil:
			msg.Kind = channels.MessageVideo
			msg.MediaRef = att.VideoData.URL
		case att.FileURL != "":
			msg.Kind = channels.MessageDocument
			msg.MediaRef = att.FileURL
			if msg.Body == "" {
				msg.Body = fmt.Sprintf("[document: %s]", att.Name)
			}
		default:
			msg.Kind = channels.MessageUnsupported
			if msg.Body == "" {
				msg.Body = "[attachment]"
			}
		}
		return msg
	}

	if msg.Body == "" {
		msg.Kind = channels.MessageUnsupported
		msg.Body = "[unsupported message type]"
	}
	return msg
}

func parseCreatedTime(s string) time.Time {
	t, err := time.Parse(createdTimeLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return time.Now().UTC()
		}
	}
	return t.UTC()
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

func sendText(ctx context.Context, g *graphapi.Client, creds Credentials, to, text string) (string, error) {
	payload := map[string]any{
		"recipient": map[string]string{"id": to},
		"message":   map[string]string{"text": text},
	}
	var resp sendResponse
	if err := g.PostJSON(ctx, creds.PageID+"/messages", creds.AccessToken, payload, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// attachmentType maps a MIME type onto a messaging attachment type.
func attachmentType(mimeType string) (string, bool) {
	switch media.Categorize(mimeType) {
	case media.CategoryImage:
		return "image", true
	case media.CategoryVideo:
		return "video", true
	case media.CategoryAudio:
		return "audio", true
	}
	return "", false
}

// sendAttachment uploads the payload inline as filedata.
func sendAttachment(ctx context.Context, g *graphapi.Client, creds Credentials, to, kind string, m channels.Media) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	recipient, _ := json.Marshal(map[string]string{"id": to})
	message, _ := json.Marshal(map[string]any{
		"attachment": map[string]any{"type": kind, "payload": map[string]bool{"is_reusable": false}},
	})
	_ = w.WriteField("recipient", string(recipient))
	_ = w.WriteField("message", string(message))

	filename := m.Filename
	if filename == "" {
		filename = kind
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="filedata"; filename=%q`, filename))
	h.Set("Content-Type", m.MimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("instagram: creating form file: %w", err)
	}
	if _, err := part.Write(m.Data); err != nil {
		return "", fmt.Errorf("instagram: writing file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("instagram: closing form: %w", err)
	}

	var resp sendResponse
	if err := g.Do(ctx, http.MethodPost, creds.PageID+"/messages", creds.AccessToken, &buf, w.FormDataContentType(), &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}
