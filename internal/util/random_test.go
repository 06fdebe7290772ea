package util

import (
	"strings"
	"testing"
)

func TestGenerateInviteToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		tok := GenerateInviteToken()
		if len(tok) != InviteTokenLength {
			t.Fatalf("expected length %d, got %q", InviteTokenLength, tok)
		}
		for _, c := range tok {
			if !strings.ContainsRune(inviteAlphabet, c) {
				t.Fatalf("token %q contains %q outside the alphabet", tok, c)
			}
		}
		if seen[tok] {
			t.Errorf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestInviteAlphabetAvoidsLookalikes(t *testing.T) {
	for _, c := range "01ILOU" {
		if strings.ContainsRune(inviteAlphabet, c) {
			t.Errorf("alphabet must not contain %q", c)
		}
	}
}

func TestNormalizeInviteToken(t *testing.T) {
	tests := map[string]string{
		"abcd2345":    "ABCD2345",
		" abcd-2345 ": "ABCD2345",
		"ab cd 23 45": "ABCD2345",
		"":            "",
	}
	for in, want := range tests {
		if got := NormalizeInviteToken(in); got != want {
			t.Errorf("NormalizeInviteToken(%q) = %q, want %q", in, got, want)
		}
	}
}
