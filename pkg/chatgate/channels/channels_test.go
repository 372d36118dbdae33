package channels

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAccountKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5511999998888", "5511999998888"},
		{"5511999998888:12@s.whatsapp.net", "5511999998888"},
		{"5511999998888.0:3@s.whatsapp.net", "5511999998888"},
		{"+5511999998888", "5511999998888"},
		{"  5511999998888@s.whatsapp.net ", "5511999998888"},
		{"17841400000000000", "17841400000000000"},
		{"Support.Bot", "support.bot"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAccountKey(tt.in))
		})
	}
}

func TestChannelID(t *testing.T) {
	assert.Equal(t, "whatsmeow:5511999", ChannelID(KindWhatsmeow, "5511999:4@s.whatsapp.net"))
}

func TestParseChannelID(t *testing.T) {
	kind, account, ok := ParseChannelID(ChannelID(KindCloudAPI, "+5511999"))
	require.True(t, ok)
	assert.Equal(t, KindCloudAPI, kind)
	assert.Equal(t, "5511999", account)

	_, _, ok = ParseChannelID("telegram:1")
	assert.False(t, ok)
	_, _, ok = ParseChannelID("whatsmeow")
	assert.False(t, ok)
}

func TestCloseReasonClass(t *testing.T) {
	tests := []struct {
		reason CloseReason
		class  CloseClass
	}{
		{ReasonLoggedOut, ClassTerminal},
		{ReasonUnauthorized, ClassTerminal},
		{ReasonStreamError, ClassTransient},
		{ReasonConnectionLost, ClassGeneric},
		{ReasonTimeout, ClassGeneric},
		{ReasonReplaced, ClassGeneric},
		{ReasonCorruptAuth, ClassGeneric},
		{ReasonUnknown, ClassGeneric},
		{ReasonStopped, ClassStopped},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.class, tt.reason.Class())
		})
	}
	assert.True(t, ReasonCorruptAuth.WipesAuth())
	assert.False(t, ReasonStreamError.WipesAuth())
}

func TestReasonFromError(t *testing.T) {
	assert.Equal(t, ReasonUnauthorized, ReasonFromError(fmt.Errorf("login: %w", ErrTerminalAuth)))
	assert.Equal(t, ReasonCorruptAuth, ReasonFromError(ErrCorruptAuthState))
	assert.Equal(t, ReasonStreamError, ReasonFromError(ErrTransientProtocol))
	assert.Equal(t, ReasonConnectionLost, ReasonFromError(fmt.Errorf("dial: %w", ErrNetwork)))
	assert.Equal(t, ReasonUnknown, ReasonFromError(errors.New("boom")))

	wrapped := fmt.Errorf("connect: %w", &CloseError{Reason: ReasonReplaced})
	assert.Equal(t, ReasonReplaced, ReasonFromError(wrapped))
}

func TestMessageEventIsSelf(t *testing.T) {
	ev := MessageEvent{SelfID: "5511999:3@s.whatsapp.net", Message: InboundMessage{FromID: "5511999@s.whatsapp.net"}}
	assert.True(t, ev.IsSelf())

	ev.Message.FromID = "5511888@s.whatsapp.net"
	assert.False(t, ev.IsSelf())

	ev.Message.FromMe = true
	assert.True(t, ev.IsSelf())
}
