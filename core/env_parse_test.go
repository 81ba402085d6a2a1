package core

import (
	"testing"
	"time"
)

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("TEST_ENV_STRING", "value")
	t.Setenv("TEST_ENV_EMPTY", "")

	if got := GetEnvOrDefault("TEST_ENV_STRING", "default"); got != "value" {
		t.Errorf("got %q, want value", got)
	}
	if got := GetEnvOrDefault("TEST_ENV_EMPTY", "default"); got != "default" {
		t.Errorf("expected empty value to fall back, got %q", got)
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"valid", "42", 42},
		{"padded", " 7 ", 7},
		{"negative", "-3", -3},
		{"invalid", "abc", 10},
		{"float", "1.5", 10},
		{"empty", "", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_INT", tt.value)
			if got := ParseIntEnv("TEST_INT", 10); got != tt.want {
				t.Errorf("ParseIntEnv() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseFloat64Env(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  float64
	}{
		{"valid", "0.75", 0.75},
		{"integer", "1", 1},
		{"invalid", "high", 0.8},
		{"empty", "", 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_FLOAT", tt.value)
			if got := ParseFloat64Env("TEST_FLOAT", 0.8); got != tt.want {
				t.Errorf("ParseFloat64Env() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"YES", false, true},
		{"1", false, true},
		{"on", false, true},
		{"false", true, false},
		{"Off", true, false},
		{"0", true, false},
		{"no", true, false},
		{"maybe", true, true},
		{"", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.value)
			if got := ParseBoolEnv("TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("ParseBoolEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		unit  time.Duration
		want  time.Duration
	}{
		{"bare seconds", "30", time.Second, 30 * time.Second},
		{"bare millis", "250", time.Millisecond, 250 * time.Millisecond},
		{"duration string", "1m30s", time.Second, 90 * time.Second},
		{"invalid", "soon", time.Second, 5 * time.Second},
		{"empty", "", time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := ParseDurationEnv("TEST_DURATION", tt.unit, 5*time.Second); got != tt.want {
				t.Errorf("ParseDurationEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}
