package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "***"},
		{"abcdef", "***"},
		{"key-123456aa", "key-…aa"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	l, err := New(Config{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatal(err)
	}
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug level not enabled")
	}
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := Cron(zap.New(core))

	c.Info("schedule", "entry", 1)
	c.Error(errors.New("boom"), "job failed", "entry", 2)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel {
		t.Errorf("info mapped to %s", entries[0].Level)
	}
	if entries[1].Level != zapcore.ErrorLevel || entries[1].ContextMap()["error"] != "boom" {
		t.Errorf("error entry = %+v", entries[1])
	}
	if entries[0].ContextMap()["component"] != "cron" {
		t.Errorf("component = %v", entries[0].ContextMap()["component"])
	}
}
