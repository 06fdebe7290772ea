// Package util provides invite token and environment parsing helpers for TalkBridge.
package util

import (
	crand "crypto/rand"
	"strings"
)

// InviteTokenLength is the number of characters in an invite token.
const InviteTokenLength = 8

// inviteAlphabet omits characters that are easy to confuse when typed (0/O, 1/I/L, U).
const inviteAlphabet = "23456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateInviteToken returns an unguessable invite token drawn from crypto/rand.
func GenerateInviteToken() string {
	buf := make([]byte, InviteTokenLength)
	if _, err := crand.Read(buf); err != nil {
		// crand.Read does not fail on supported platforms.
		panic(err)
	}
	out := make([]byte, InviteTokenLength)
	for i, b := range buf {
		out[i] = inviteAlphabet[int(b)%len(inviteAlphabet)]
	}
	return string(out)
}

// NormalizeInviteToken upper-cases a typed token and strips separators.
func NormalizeInviteToken(raw string) string {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	return strings.NewReplacer("-", "", " ", "").Replace(raw)
}
