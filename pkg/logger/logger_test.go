package logger

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MIAOMC-Server/SSaver/pkg/stats"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		wantLevel zapcore.Level
		wantDebug bool
	}{
		{
			name:      "Development Config",
			config:    Config{Level: "debug", Environment: "development", ServiceName: "statsaver"},
			wantLevel: zapcore.DebugLevel,
			wantDebug: true,
		},
		{
			name:      "Production Config",
			config:    Config{Level: "info", Environment: "production", ServiceName: "statsaver"},
			wantLevel: zapcore.InfoLevel,
		},
		{
			name:      "Invalid Level Defaults to Info",
			config:    Config{Level: "invalid", Environment: "development", ServiceName: "statsaver"},
			wantLevel: zapcore.InfoLevel,
		},
		{
			name:      "Debug Mode Overrides Level",
			config:    Config{Level: "warn", Environment: "production", ServiceName: "statsaver", Debug: true},
			wantLevel: zapcore.DebugLevel,
			wantDebug: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if !l.zap.Core().Enabled(tt.wantLevel) {
				t.Errorf("Expected level %v to be enabled", tt.wantLevel)
			}
			if l.DebugEnabled() != tt.wantDebug {
				t.Errorf("DebugEnabled() = %v, want %v", l.DebugEnabled(), tt.wantDebug)
			}
		})
	}
}

func TestLoggerOutput(t *testing.T) {
	core, observed := observer.New(zap.InfoLevel)
	l := FromZap(zap.New(core))

	l.Info("info message", zap.String("key", "value"))
	if observed.Len() != 1 {
		t.Fatalf("Expected 1 log entry, got %d", observed.Len())
	}
	entry := observed.All()[0]
	if entry.Message != "info message" {
		t.Errorf("Expected message 'info message', got '%s'", entry.Message)
	}
	if entry.ContextMap()["key"] != "value" {
		t.Errorf("Expected key=value, got %v", entry.ContextMap()["key"])
	}

	observed.TakeAll()
	l.Error("error message", errors.New("test error"))
	entry = observed.All()[0]
	if entry.ContextMap()["error"] != "test error" {
		t.Errorf("Expected error field, got %v", entry.ContextMap()["error"])
	}

	observed.TakeAll()
	l.Debug("debug message")
	if observed.Len() != 0 {
		t.Errorf("Expected 0 log entries, got %d", observed.Len())
	}
}

func TestForPlayer(t *testing.T) {
	core, observed := observer.New(zap.InfoLevel)
	l := FromZap(zap.New(core))

	id := uuid.MustParse("9b2f3c1e-4a5d-4e6f-8a7b-1c2d3e4f5a6b")
	l.ForPlayer(stats.NewPlayerKey(id, "survival")).Info("saved")

	entry := observed.All()[0]
	if entry.ContextMap()["player"] != id.String() {
		t.Errorf("Expected player=%s, got %v", id, entry.ContextMap()["player"])
	}
	if entry.ContextMap()["server"] != "survival" {
		t.Errorf("Expected server=survival, got %v", entry.ContextMap()["server"])
	}
}
