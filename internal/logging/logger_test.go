package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/webtomd/internal/config"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(config.LoggingConfig{Development: true})
	if err != nil {
		t.Fatalf("New(development) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

func TestNewProductionLoggerLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(config.LoggingConfig{Level: "warn"})
	if err != nil {
		t.Fatalf("New(production) error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatal("expected warn to be enabled")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New(config.LoggingConfig{Level: "chatty"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
