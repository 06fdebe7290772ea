package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("TALKBRIDGE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("TALKBRIDGE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Hour},
		{"90m", 90 * time.Minute},
		{"soon", time.Hour},
		{"-5m", time.Hour},
	}
	for _, tt := range tests {
		t.Setenv("TALKBRIDGE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("TALKBRIDGE_TEST_DURATION", time.Hour); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("TALKBRIDGE_TEST_STR", "  ")
	if got := GetEnvOrDefault("TALKBRIDGE_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("expected fallback for blank value, got %q", got)
	}
	t.Setenv("TALKBRIDGE_TEST_STR", "set")
	if got := GetEnvOrDefault("TALKBRIDGE_TEST_STR", "fallback"); got != "set" {
		t.Errorf("expected set, got %q", got)
	}
}
