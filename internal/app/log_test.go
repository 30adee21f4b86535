package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "op-123",
			level:   slog.LevelInfo,
			message: "session started",
			want:    "2024-06-15T14:30:45Z\tINFO\top-123\tsession started\n",
		},
		{
			name:    "warning",
			opID:    "op-456",
			level:   slog.LevelWarn,
			message: "gate warning",
			want:    "2024-06-15T14:30:45Z\tWARN\top-456\tgate warning\n",
		},
		{
			name:    "with record attrs",
			opID:    "op-789",
			level:   slog.LevelInfo,
			message: "stage transition",
			attrs:   []slog.Attr{slog.String("device", "kitchen-plug"), slog.Int("bytes", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\top-789\tstage transition\tdevice=kitchen-plug\tbytes=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &logHandler{w: &buf, opID: tt.opID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestLogHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &logHandler{w: &buf, opID: "op-1"}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "ota")}).(*logHandler)

	r := slog.NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), slog.LevelInfo, "connected", 0)
	r.AddAttrs(slog.String("addr", "192.0.2.10:3232"))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=ota") {
		t.Errorf("expected pre-set attr component=ota, got: %q", got)
	}
	if !strings.Contains(got, "addr=192.0.2.10:3232") {
		t.Errorf("expected record attr, got: %q", got)
	}
	if len(h.attrs) != 0 {
		t.Errorf("original handler attrs modified: got %d, want 0", len(h.attrs))
	}
}

func TestLogHandler_Enabled(t *testing.T) {
	tests := []struct {
		min  slog.Level
		l    slog.Level
		want bool
	}{
		{slog.LevelInfo, slog.LevelDebug, false},
		{slog.LevelInfo, slog.LevelInfo, true},
		{slog.LevelInfo, slog.LevelError, true},
		{slog.LevelDebug, slog.LevelDebug, true},
		{slog.LevelWarn, slog.LevelInfo, false},
	}
	for _, tt := range tests {
		h := &logHandler{level: tt.min}
		if got := h.Enabled(context.Background(), tt.l); got != tt.want {
			t.Errorf("Enabled(%v) with minimum %v = %v, want %v", tt.l, tt.min, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	var console bytes.Buffer

	logger, f, err := newLogger(dir, "test-op", &console, slog.LevelInfo)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Info("hello", "k", "v")
	logger.Debug("hidden")

	data, err := os.ReadFile(filepath.Join(dir, "flashguard.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "test-op\thello\tk=v") {
		t.Errorf("log file = %q", data)
	}
	if string(data) != console.String() {
		t.Errorf("console output %q differs from log file %q", console.String(), data)
	}
	if strings.Contains(string(data), "hidden") {
		t.Error("debug record written at info level")
	}
}
