package channels

import (
	"strings"
	"unicode"
)

// NormalizeAccountKey returns the stable form of a provider account id.
// It drops the server part and any transient device or agent suffix, so
// "5511999:12@s.whatsapp.net", "5511999.0:3@s.whatsapp.net" and "+5511999"
// all normalize to "5511999". Non-numeric ids are lower-cased.
func NormalizeAccountKey(raw string) string {
	key := strings.TrimSpace(raw)
	key = strings.TrimPrefix(key, "+")
	if i := strings.IndexByte(key, '@'); i >= 0 {
		key = key[:i]
	}
	if i := strings.IndexByte(key, ':'); i >= 0 {
		key = key[:i]
	}
	if i := strings.IndexByte(key, '.'); i >= 0 && allDigits(key[:i]) {
		key = key[:i]
	}
	if !allDigits(key) {
		key = strings.ToLower(key)
	}
	return key
}

// ChannelID returns the canonical channel identifier for an account.
func ChannelID(kind ProviderKind, accountKey string) string {
	return string(kind) + ":" + NormalizeAccountKey(accountKey)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// ParseChannelID splits a channel identifier built by ChannelID.
func ParseChannelID(id string) (ProviderKind, string, bool) {
	kind, account, ok := strings.Cut(id, ":")
	if !ok || !ProviderKind(kind).Valid() || account == "" {
		return "", "", false
	}
	return ProviderKind(kind), account, true
}
