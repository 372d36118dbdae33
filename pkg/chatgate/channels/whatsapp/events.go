package whatsapp

import (
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/media"
)

// keepAliveLimit is the number of consecutive failed keepalives after which
// the stream is considered broken.
const keepAliveLimit = 3

var (
	errQRTimeout     = errors.New("QR code expired without a scan")
	errStreamReplace = errors.New("stream replaced by another client")
)

// handleEvent processes whatsmeow events of one connection.
func (c *conn) handleEvent(raw any) {
	if c.closed.Load() {
		return
	}
	c.touch()

	switch evt := raw.(type) {
	case *events.Connected:
		c.onConnected()

	case *events.Message:
		c.deliver(evt, false)

	case *events.HistorySync:
		c.onHistorySync(evt)

	case *events.PairSuccess:
		c.logger.Info("whatsapp: paired", "jid", evt.ID.String(), "platform", evt.Platform)

	case *events.KeepAliveRestored:
		c.logger.Info("whatsapp: keepalive restored")

	case *events.PushName:
		c.logger.Debug("whatsapp: push name update", "jid", evt.JID, "name", evt.NewPushName)

	default:
		if closed, ok := closeFor(raw); ok {
			c.fail(closed.Reason, closed.Err)
		}
	}
}

// closeFor maps the whatsmeow events that end a connection onto a close
// reason.
func closeFor(raw any) (channels.ClosedEvent, bool) {
	switch evt := raw.(type) {
	case *events.Disconnected:
		return channels.ClosedEvent{Reason: channels.ReasonConnectionLost, Err: channels.ErrNetwork}, true

	case *events.LoggedOut:
		return channels.ClosedEvent{
			Reason: channels.ReasonLoggedOut,
			Err:    fmt.Errorf("%w: logged out (%s)", channels.ErrTerminalAuth, evt.Reason.String()),
		}, true

	case *events.StreamReplaced:
		return channels.ClosedEvent{Reason: channels.ReasonReplaced, Err: errStreamReplace}, true

	case *events.StreamError:
		return channels.ClosedEvent{
			Reason: channels.ReasonStreamError,
			Err:    fmt.Errorf("%w: stream error %s", channels.ErrTransientProtocol, evt.Code),
		}, true

	case *events.KeepAliveTimeout:
		if evt.ErrorCount < keepAliveLimit {
			return channels.ClosedEvent{}, false
		}
		return channels.ClosedEvent{
			Reason: channels.ReasonStreamError,
			Err:    fmt.Errorf("%w: %d keepalives failed", channels.ErrTransientProtocol, evt.ErrorCount),
		}, true

	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			return channels.ClosedEvent{
				Reason: channels.ReasonLoggedOut,
				Err:    fmt.Errorf("%w: connect failure %s", channels.ErrTerminalAuth, evt.Reason.String()),
			}, true
		}
		return channels.ClosedEvent{
			Reason: channels.ReasonUnknown,
			Err:    fmt.Errorf("connect failure %s: %s", evt.Reason.String(), evt.Message),
		}, true

	case *events.TemporaryBan:
		return channels.ClosedEvent{
			Reason: channels.ReasonRateLimited,
			Err:    fmt.Errorf("temporary ban: %s", evt.String()),
		}, true

	case *events.ClientOutdated:
		return channels.ClosedEvent{Reason: channels.ReasonUnknown, Err: errors.New("client outdated")}, true
	}
	return channels.ClosedEvent{}, false
}

func (c *conn) onConnected() {
	if c.client.Store.ID == nil {
		return
	}
	c.ready.Store(true)
	c.saveMeta()
	c.logger.Info("whatsapp: connected", "jid", c.client.Store.ID.String())
	c.emit(channels.ReadyEvent{
		SelfID:      c.client.Store.ID.String(),
		DisplayName: c.client.Store.PushName,
	})
}

// watchQR forwards pairing codes until the channel closes.
func (c *conn) watchQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.logger.Info("whatsapp: QR code ready", "expires_in", item.Timeout)
			c.emit(channels.QREvent{Code: item.Code, ExpiresIn: item.Timeout})

		case whatsmeow.QRChannelSuccess.Event:
			c.logger.Info("whatsapp: QR scanned, pairing")

		case whatsmeow.QRChannelTimeout.Event:
			c.fail(channels.ReasonTimeout, errQRTimeout)

		default:
			err := item.Error
			if err == nil {
				err = fmt.Errorf("pairing failed: %s", item.Event)
			}
			c.fail(channels.ReasonUnknown, err)
		}
	}
}

func (c *conn) onHistorySync(evt *events.HistorySync) {
	if !c.adapter.cfg.SyncHistory || evt.Data == nil {
		return
	}
	n := 0
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, hm := range conv.GetMessages() {
			msgEvt, err := c.client.ParseWebMessage(chatJID, hm.GetMessage())
			if err != nil {
				continue
			}
			if c.deliver(msgEvt, true) {
				n++
			}
		}
	}
	c.logger.Info("whatsapp: history sync delivered", "type", evt.Data.GetSyncType().String(), "messages", n)
}

// deliver maps evt and emits it. It reports whether a message was emitted.
func (c *conn) deliver(evt *events.Message, history bool) bool {
	msg, ok := toInbound(evt)
	if !ok {
		return false
	}
	msg.History = history
	msg.FromID = c.resolve(evt.Info.Sender).String()
	msg.ThreadID = c.resolve(evt.Info.Chat).String()

	self := ""
	if c.client.Store.ID != nil {
		self = c.client.Store.ID.String()
	}
	c.emit(channels.MessageEvent{Message: msg, SelfID: self})
	return true
}

// resolve maps LID (linked identity) JIDs onto phone JIDs when the store
// knows the mapping.
func (c *conn) resolve(jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer || c.client.Store == nil {
		return jid.ToNonAD()
	}
	alt, err := c.client.Store.GetAltJID(c.ctx, jid)
	if err != nil || alt.IsEmpty() {
		return jid.ToNonAD()
	}
	return alt.ToNonAD()
}

// toInbound maps a whatsmeow message onto the channel fields. Status
// broadcasts and protocol messages are skipped.
func toInbound(evt *events.Message) (channels.InboundMessage, bool) {
	if evt == nil || evt.Message == nil {
		return channels.InboundMessage{}, false
	}
	if evt.Info.Chat.Server == types.BroadcastServer {
		return channels.InboundMessage{}, false
	}
	if evt.Message.GetProtocolMessage() != nil || isEmptyContent(evt.Message) {
		return channels.InboundMessage{}, false
	}

	msg := channels.InboundMessage{
		ThreadID: evt.Info.Chat.ToNonAD().String(),
		FromID:   evt.Info.Sender.ToNonAD().String(),
		FromName: evt.Info.PushName,
		FromMe:   evt.Info.IsFromMe,
		IsGroup:  evt.Info.IsGroup,
		NativeID: string(evt.Info.ID),
		SentAt:   evt.Info.Timestamp,
	}
	extractContent(evt.Message, &msg)
	return msg, true
}

// isEmptyContent reports messages that only carry key distribution or
// context metadata.
func isEmptyContent(m *waE2E.Message) bool {
	clone := proto.Clone(m).(*waE2E.Message)
	clone.SenderKeyDistributionMessage = nil
	clone.MessageContextInfo = nil
	return proto.Size(clone) == 0
}

// extractContent fills the kind, body and media reference of msg.
func extractContent(m *waE2E.Message, msg *channels.InboundMessage) {
	switch {
	case m.Conversation != nil:
		msg.Kind = channels.MessageText
		msg.Body = m.GetConversation()

	case m.ExtendedTextMessage != nil:
		msg.Kind = channels.MessageText
		msg.Body = m.GetExtendedTextMessage().GetText()

	case m.ImageMessage != nil:
		img := m.GetImageMessage()
		msg.Kind = channels.MessageImage
		msg.Body = img.GetCaption()
		msg.MediaRef = img.GetDirectPath()

	case m.VideoMessage != nil:
		video := m.GetVideoMessage()
		msg.Kind = channels.MessageVideo
		msg.Body = video.GetCaption()
		msg.MediaRef = video.GetDirectPath()

	case m.DocumentMessage != nil:
		doc := m.GetDocumentMessage()
		msg.Kind = channels.MessageDocument
		msg.Body = doc.GetCaption()
		if msg.Body == "" {
			msg.Body = fmt.Sprintf("[document: %s]", doc.GetFileName())
		}
		msg.MediaRef = doc.GetDirectPath()

	case m.AudioMessage != nil:
		msg.Kind = channels.MessageUnsupported
		msg.Body = "[audio]"
		if m.GetAudioMessage().GetPTT() {
			msg.Body = "[voice note]"
		}
		msg.MediaRef = m.GetAudioMessage().GetDirectPath()

	case m.StickerMessage != nil:
		msg.Kind = channels.MessageUnsupported
		msg.Body = "[sticker]"

	case m.LocationMessage != nil:
		loc := m.GetLocationMessage()
		msg.Kind = channels.MessageUnsupported
		msg.Body = fmt.Sprintf("[location: %.6f, %.6f]", loc.GetDegreesLatitude(), loc.GetDegreesLongitude())

	case m.LiveLocationMessage != nil:
		loc := m.GetLiveLocationMessage()
		msg.Kind = channels.MessageUnsupported
		msg.Body = fmt.Sprintf("[live location: %.6f, %.6f]", loc.GetDegreesLatitude(), loc.GetDegreesLongitude())

	case m.ContactMessage != nil:
		msg.Kind = channels.MessageUnsupported
		msg.Body = fmt.Sprintf("[contact: %s]", m.GetContactMessage().GetDisplayName())

	case m.ReactionMessage != nil:
		msg.Kind = channels.MessageUnsupported
		msg.Body = fmt.Sprintf("[reaction: %s]", m.GetReactionMessage().GetText())

	default:
		msg.Kind = channels.MessageUnsupported
		msg.Body = "[unsupported message type]"
	}
}

func uploadType(c media.Category) (whatsmeow.MediaType, bool) {
	switch c {
	case media.CategoryImage:
		return whatsmeow.MediaImage, true
	case media.CategoryVideo:
		return whatsmeow.MediaVideo, true
	case media.CategoryAudio:
		return whatsmeow.MediaAudio, true
	case media.CategoryDocument:
		return whatsmeow.MediaDocument, true
	}
	return "", false
}

// buildMediaMessage wraps an uploaded payload in the message type of its
// category.
func buildMediaMessage(c media.Category, up whatsmeow.UploadResponse, m channels.Media) *waE2E.Message {
	size := proto.Uint64(uint64(len(m.Data)))
	switch c {
	case media.CategoryImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    size,
			Caption:       proto.String(m.Caption),
		}}
	case media.CategoryVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    size,
			Caption:       proto.String(m.Caption),
		}}
	case media.CategoryAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    size,
		}}
	default:
		name := m.Filename
		if name == "" {
			name = "file"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(m.MimeType),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    size,
			FileName:      proto.String(name),
			Title:         proto.String(name),
			Caption:       proto.String(m.Caption),
		}}
	}
}

// parseJID converts a destination into a JID. It accepts full JIDs
// ("5511999999999@s.whatsapp.net", "123456789-1234@g.us") and bare phone
// numbers with any punctuation.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
