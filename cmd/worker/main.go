package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mymmrac/telego"
	"github.com/redis/go-redis/v9"
	slackapi "github.com/slack-go/slack"

	"pontoon.app/bridge/common/id"
	"pontoon.app/bridge/common/logger"
	"pontoon.app/bridge/common/otel"
	"pontoon.app/bridge/core/config"
	"pontoon.app/bridge/core/db"
	"pontoon.app/bridge/internal/dedup"
	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/mapping"
	"pontoon.app/bridge/internal/metrics"
	"pontoon.app/bridge/internal/platform"
	slackbridge "pontoon.app/bridge/internal/platform/slack"
	tgbridge "pontoon.app/bridge/internal/platform/telegram"
	"pontoon.app/bridge/internal/queue"
	"pontoon.app/bridge/internal/router"
	"pontoon.app/bridge/internal/threads"
	"pontoon.app/bridge/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.ErrorContext(ctx, "failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "bridge worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Broker.Group,
		"consumer_name", cfg.Broker.Consumer,
		"delivery_mode", cfg.Routing.DeliveryMode)

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Broker.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected",
		"telegram_stream", cfg.Broker.TelegramStream,
		"slack_stream", cfg.Broker.SlackStream)

	streams := []string{cfg.Broker.TelegramStream, cfg.Broker.SlackStream}
	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Streams:      streams,
		Group:        cfg.Broker.Group,
		Consumer:     cfg.Broker.Consumer,
		DLQStream:    cfg.Broker.DLQStream,
		BatchSize:    int64(cfg.Routing.WorkerPool),
		Block:        5 * time.Second,
		MaxAttempts:  cfg.Routing.MaxAttempts,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	m, err := metrics.New()
	if err != nil {
		slog.ErrorContext(ctx, "failed to create metrics", "error", err)
		os.Exit(1)
	}

	adapters, err := buildAdapters(ctx, cfg, m)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build platform adapters", "error", err)
		os.Exit(1)
	}

	registry := threads.NewRegistry(
		threads.NewPgStore(database),
		adapters,
		cfg.Routing.BroadcastCooldown,
		cfg.Routing.DefaultInactivity,
		slog.Default(),
	)
	rt := router.New(router.SlackFormatter{}, router.TelegramFormatter{})

	w := worker.New(
		consumer,
		dedup.NewRedisStore(redisClient, cfg.Routing.DedupTTL),
		mapping.NewPgLookup(database.Pool()),
		registry,
		rt,
		adapters,
		m,
		cfg.Routing,
	)

	sweeper := worker.NewSweeper(registry, rt, adapters, m, cfg.Routing.SweepInterval)

	reclaimer := worker.NewRedisReclaimer(redisClient, worker.RedisReclaimerConfig{
		Streams:   streams,
		Group:     cfg.Broker.Group,
		Consumer:  cfg.Broker.Consumer + "-reclaimer",
		MinIdle:   5 * time.Minute,
		Interval:  time.Minute,
		BatchSize: 10,
	}, consumer, w.Process)

	errCh := make(chan error, 3)
	go func() {
		errCh <- w.Start(ctx)
	}()
	go func() {
		errCh <- sweeper.Start(ctx)
	}()
	go func() {
		reclaimer.Run(ctx)
		errCh <- nil
	}()

	slog.InfoContext(ctx, "bridge worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down bridge worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Routing.ShutdownGrace)
	defer cancel()

	reclaimer.Stop()
	if err := sweeper.Stop(shutdownCtx); err != nil {
		slog.WarnContext(ctx, "sweeper shutdown", "error", err)
	}
	if err := w.Stop(shutdownCtx); err != nil {
		slog.WarnContext(ctx, "worker shutdown", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(ctx, "telemetry shutdown", "error", err)
		}
	}

	slog.InfoContext(ctx, "bridge worker shutdown complete")
}

// buildAdapters wires each platform transport into its guarded adapter.
func buildAdapters(ctx context.Context, cfg config.Config, m *metrics.Metrics) (map[event.Platform]platform.Adapter, error) {
	openHook := platform.WithOpenHook(func(p event.Platform) {
		m.CircuitOpened(context.Background(), p)
	})

	slackTransport := slackbridge.New(slackapi.New(cfg.Slack.BotToken), slog.Default())
	if err := slackTransport.CheckAuth(ctx); err != nil {
		return nil, err
	}

	bot, err := telego.NewBot(cfg.Telegram.BotToken, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	tgTransport := tgbridge.New(bot, slog.Default())
	if err := tgTransport.CheckAuth(ctx); err != nil {
		return nil, err
	}

	return map[event.Platform]platform.Adapter{
		event.PlatformSlack:    platform.NewGuard(slackTransport, cfg.Guard, slog.Default(), openHook),
		event.PlatformTelegram: platform.NewGuard(tgTransport, cfg.Guard, slog.Default(), openHook),
	}, nil
}

const banner = `
██████╗  ██████╗ ███╗   ██╗████████╗ ██████╗  ██████╗ ███╗   ██╗
██╔══██╗██╔═══██╗████╗  ██║╚══██╔══╝██╔═══██╗██╔═══██╗████╗  ██║
██████╔╝██║   ██║██╔██╗ ██║   ██║   ██║   ██║██║   ██║██╔██╗ ██║
██╔═══╝ ██║   ██║██║╚██╗██║   ██║   ██║   ██║██║   ██║██║╚██╗██║
██║     ╚██████╔╝██║ ╚████║   ██║   ╚██████╔╝╚██████╔╝██║ ╚████║
╚═╝      ╚═════╝ ╚═╝  ╚═══╝   ╚═╝    ╚═════╝  ╚═════╝ ╚═╝  ╚═══╝
`
