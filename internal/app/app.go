// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/bissquit/alert-courier/internal/config"
	"github.com/bissquit/alert-courier/internal/delivery"
	"github.com/bissquit/alert-courier/internal/delivery/chat"
	"github.com/bissquit/alert-courier/internal/delivery/email"
	"github.com/bissquit/alert-courier/internal/delivery/webhook"
	"github.com/bissquit/alert-courier/internal/ops"
	"github.com/bissquit/alert-courier/internal/version"
)

// App represents the application instance.
type App struct {
	config    *config.Config
	logger    *slog.Logger
	manager   *delivery.Manager
	opsServer *ops.Server

	managerCtx    context.Context
	managerCancel context.CancelFunc
	doneOnce      sync.Once
	done          chan struct{}
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting alert-courier",
		"version", version.Version,
		"commit", version.GitCommit,
	)

	services, err := buildServices(cfg.Senders)
	if err != nil {
		return nil, err
	}

	manager, err := delivery.NewManager(services, delivery.ManagerConfig{
		Queue: delivery.QueueConfig{
			MaxSize:      cfg.Queue.MaxSize,
			BatchSize:    cfg.Queue.BatchSize,
			BatchTimeout: cfg.Queue.BatchTimeout,
		},
		Tracker: delivery.TrackerConfig{
			RetentionHours:  cfg.Tracker.RetentionHours,
			CleanupInterval: cfg.Tracker.CleanupInterval,
		},
		GlobalRate: toRateLimit(cfg.RateLimits.Global),
		RateLimits: toRateLimits(cfg.RateLimits.Channels),
	})
	if err != nil {
		return nil, fmt.Errorf("create delivery manager: %w", err)
	}

	managerCtx, managerCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		manager:       manager,
		managerCtx:    managerCtx,
		managerCancel: managerCancel,
		done:          make(chan struct{}),
	}

	if cfg.Ops.Enabled {
		app.opsServer = ops.NewServer(ops.Config{Addr: cfg.Ops.Addr}, manager, logger)
	}

	return app, nil
}

// Run starts the delivery workers and blocks until shutdown.
func (a *App) Run() error {
	a.manager.Start(a.managerCtx)

	if a.opsServer != nil {
		return a.opsServer.Run()
	}

	<-a.done
	return nil
}

// Shutdown gracefully stops the workers and the ops listener.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.managerCancel()
	a.manager.Stop()

	var err error
	if a.opsServer != nil {
		if shutdownErr := a.opsServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("shutdown ops server: %w", shutdownErr)
		}
	}

	a.doneOnce.Do(func() { close(a.done) })

	return err
}

// Manager returns the delivery manager. Used by tests and embedders that
// submit messages directly.
func (a *App) Manager() *delivery.Manager {
	return a.manager
}

// buildServices constructs the per-channel senders from configuration. All
// configured channels are registered even when disabled; a disabled sender
// accepts and skips sends so submissions do not error.
func buildServices(cfg config.SendersConfig) (map[string]delivery.NotificationService, error) {
	emailSender, err := email.NewSender(email.Config{
		Enabled:      cfg.Email.Enabled,
		SMTPHost:     cfg.Email.SMTPHost,
		SMTPPort:     cfg.Email.SMTPPort,
		SMTPUser:     cfg.Email.SMTPUser,
		SMTPPassword: cfg.Email.SMTPPassword,
		FromAddress:  cfg.Email.FromAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}
	if !cfg.Email.Enabled {
		slog.Warn("email sender is disabled: email notifications will not be sent")
	}

	chatSender, err := chat.NewSender(chat.Config{
		Enabled:   cfg.Chat.Enabled,
		BotToken:  cfg.Chat.BotToken,
		RateLimit: cfg.Chat.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat sender: %w", err)
	}
	if !cfg.Chat.Enabled {
		slog.Warn("chat sender is disabled: chat notifications will not be sent")
	}

	// Webhook is always available (the URL is supplied per-recipient)
	webhookSender := webhook.NewSender(webhook.Config{
		Timeout:     cfg.Webhook.Timeout,
		RatePerSec:  cfg.Webhook.RatePerSec,
		DefaultName: cfg.Webhook.DefaultName,
	})

	return map[string]delivery.NotificationService{
		email.ChannelType:   emailSender,
		chat.ChannelType:    chatSender,
		webhook.ChannelType: webhookSender,
	}, nil
}

func toRateLimit(cfg config.RateLimitConfig) delivery.RateLimitConfig {
	return delivery.RateLimitConfig{
		Rate:       cfg.Rate,
		Burst:      cfg.Burst,
		AllowBurst: cfg.AllowBurst,
	}
}

func toRateLimits(cfgs map[string]config.RateLimitConfig) map[string]delivery.RateLimitConfig {
	out := make(map[string]delivery.RateLimitConfig, len(cfgs))
	for channel, cfg := range cfgs {
		out[channel] = toRateLimit(cfg)
	}
	return out
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
