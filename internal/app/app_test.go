package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/alert-courier/internal/config"
)

func TestNew_DefaultConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Ops.Enabled = false

	application, err := New(&cfg)
	require.NoError(t, err)
	require.NotNil(t, application)
	assert.NotNil(t, application.Manager())
}

func TestNew_InvalidSenderConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Senders.Chat.Enabled = true
	cfg.Senders.Chat.BotToken = ""

	application, err := New(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat sender")
	assert.Nil(t, application)
}

func TestNew_InvalidRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimits.Channels = map[string]config.RateLimitConfig{
		"email": {Rate: -1, Burst: 1},
	}

	application, err := New(&cfg)
	require.Error(t, err)
	assert.Nil(t, application)
}

func TestApp_RunAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Ops.Enabled = false

	application, err := New(&cfg)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		runErr <- application.Run()
	}()

	// Let the workers spin up before stopping them.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, application.Shutdown(ctx))

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestBuildServices_RegistersAllChannels(t *testing.T) {
	services, err := buildServices(config.Default().Senders)
	require.NoError(t, err)

	assert.Contains(t, services, "email")
	assert.Contains(t, services, "chat")
	assert.Contains(t, services, "webhook")
}

func TestInitLogger_Levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := initLogger(config.LogConfig{Level: tt.level, Format: "text"})
			assert.True(t, logger.Enabled(context.Background(), tt.enabled))
		})
	}
}
