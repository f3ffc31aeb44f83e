package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ozmeal/catering-agent/internal/batch"
	"github.com/ozmeal/catering-agent/internal/bus"
	"github.com/ozmeal/catering-agent/internal/classifier"
	"github.com/ozmeal/catering-agent/internal/host"
	"github.com/ozmeal/catering-agent/internal/page"
	"github.com/ozmeal/catering-agent/internal/profile"
	"github.com/ozmeal/catering-agent/internal/retry"
	"github.com/ozmeal/catering-agent/internal/run"
	"github.com/ozmeal/catering-agent/internal/scheduler"
	"github.com/ozmeal/catering-agent/internal/storage"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistent state
	kv, err := storage.NewSQLiteKV(logger, viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open state database", zap.Error(err))
	}
	defer kv.Close()

	state := storage.NewState(logger, kv)
	if err := state.EnsureDefaults(ctx); err != nil {
		logger.Fatal("Failed to seed default state", zap.Error(err))
	}

	// Browser automation surface
	browser, err := page.NewRodBrowser(logger)
	if err != nil {
		logger.Fatal("Failed to launch browser", zap.Error(err))
	}
	defer browser.Close()

	// Notifications
	var notifier host.Notifier = host.NewLogNotifier(logger)
	if webhookURL := viper.GetString("notify.webhook_url"); webhookURL != "" {
		notifier = host.NewWebhookNotifier(logger, webhookURL)
	}

	// Run pipeline
	controller := retry.NewController(logger, classifier.New(logger), state)

	var sched *scheduler.DailyScheduler
	alarms := host.NewCronAlarms(logger, func(name string) {
		sched.HandleAlarm(ctx, name)
	})
	sched = scheduler.NewDailyScheduler(logger, alarms, state, notifier)

	coordinator := run.NewCoordinator(logger, run.Config{
		TargetURL: viper.GetString("reservation.target_url"),
	}, state, browser, browser, notifier, controller, sched)
	sched.OnFire = coordinator.RunScheduled

	// Pull the remote profile before arming, when a profile API is
	// configured; the stored schedule keeps its target time either way.
	if baseURL := viper.GetString("profile.base_url"); baseURL != "" {
		profiles := profile.NewClient(logger, baseURL)
		if _, err := profiles.Sync(ctx, state); err != nil {
			logger.Warn("Profile sync failed, using stored schedule", zap.Error(err))
		}
	}

	alarms.Start()
	defer alarms.Stop()

	if err := sched.RearmFromStore(ctx); err != nil {
		logger.Error("Failed to arm persisted schedule", zap.Error(err))
	}

	// Message protocol, when NATS is configured
	if natsURL := viper.GetString("nats.url"); natsURL != "" {
		nc, err := connectNATS(logger, natsURL)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Close()

		batchExec := batch.NewExecutor(logger, viper.GetString("reservation.target_url"), state)
		service := bus.NewService(logger, nc, state, coordinator, sched, batchExec)
		if err := service.Start(ctx); err != nil {
			logger.Fatal("Failed to start message protocol", zap.Error(err))
		}
		defer service.Stop()
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("Catering agent running",
		zap.String("target_url", viper.GetString("reservation.target_url")))

	<-ctx.Done()
	logger.Info("Agent shutting down gracefully")
}

// connectNATS connects with backoff; a short NATS outage at boot should
// not kill the agent.
func connectNATS(logger *zap.Logger, url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}
