package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"invalid", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(&Config{Level: "info", Format: "json", Output: &buf})

	slog.Info("hello", "k", "v")
	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Errorf("Expected JSON message, got %s", out)
	}
	if !strings.Contains(out, `"service":"securetrack"`) {
		t.Errorf("Expected service attribute, got %s", out)
	}

	buf.Reset()
	slog.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected debug to be filtered at info level, got %s", buf.String())
	}
}

func TestWithContextFields(t *testing.T) {
	var buf bytes.Buffer
	Init(&Config{Level: "debug", Format: "text", Output: &buf})

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-123")
	ctx = WithUser(ctx, "user-1", "ADMIN")

	Info(ctx, "with fields")
	out := buf.String()
	for _, want := range []string{"request_id=req-123", "user_id=user-1", "role=ADMIN"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in log, got %s", want, out)
		}
	}
}

func TestWithContextEmpty(t *testing.T) {
	Init(&Config{Level: "info", Format: "text"})

	logger := WithContext(context.Background())
	if logger == nil {
		t.Error("Expected non-nil logger")
	}
}

func TestLogFunctions(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-123")

	Info(ctx, "info message", "key", "value")
	if !strings.Contains(buf.String(), "info message") {
		t.Error("Expected info message in log")
	}

	buf.Reset()
	Debug(ctx, "debug message")
	if !strings.Contains(buf.String(), "debug message") {
		t.Error("Expected debug message in log")
	}

	buf.Reset()
	Warn(ctx, "warn message")
	if !strings.Contains(buf.String(), "warn message") {
		t.Error("Expected warn message in log")
	}

	buf.Reset()
	Error(ctx, "error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Error("Expected error message in log")
	}
}
