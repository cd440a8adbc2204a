// Package main runs a Telegram bot that crawls flat-listing searches
// and notifies subscribers about listings they have not seen yet.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flatfinder/bot"
	"flatfinder/config"
	"flatfinder/ingest"
	"flatfinder/metrics"
	"flatfinder/notify"
	"flatfinder/poll"
	"flatfinder/scraper"
	"flatfinder/server"
	"flatfinder/storage"
	"flatfinder/telegram"

	gcs "cloud.google.com/go/storage"
	"github.com/doyensec/safeurl"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/option"
)

// backend is satisfied by both the object store and Postgres.
type backend interface {
	poll.Store
	bot.Store
	ingest.Store
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, reading from environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	var tg *telegram.Client
	var replyProvider notify.Provider
	if cfg.MockTelegram {
		logger.Info("Mock Telegram mode enabled, messages are logged only")
		replyProvider = notify.NewMockProvider(logger)
	} else {
		tg = telegram.New(cfg.TelegramToken,
			&http.Client{Timeout: cfg.PollTimeout + 15*time.Second},
			logger,
			telegram.WithSendRate(cfg.SendRate))
		replyProvider = tg
	}
	listingProvider := replyProvider
	if cfg.DryRun {
		logger.Info("Dry run enabled, listings are logged and not recorded")
		listingProvider = notify.NewMockProvider(logger)
	}
	replies := notify.New(replyProvider, logger, cfg.OperatorChatID)
	listings := notify.New(listingProvider, logger, cfg.OperatorChatID)

	scr := scraper.New(newSafeClient(cfg.FetchTimeout), logger, cfg.MaxPages)
	monitor := poll.New(scr, store, listings, logger,
		poll.WithMetrics(collector),
		poll.WithDryRun(cfg.DryRun))
	scheduler := poll.NewScheduler(monitor, cfg.CrawlInterval, logger)

	router := bot.NewRouter(logger)
	bot.NewHandlers(bot.Config{
		Store:        store,
		Replier:      replies,
		Trigger:      scheduler,
		ValidateURL:  scraper.ValidateSearchURL,
		Logger:       logger,
		Password:     cfg.Password,
		PasswordHash: cfg.PasswordHash,
		Interval:     cfg.CrawlInterval,
	}).Register(router)
	ingester := ingest.New(store, router, logger, ingest.WithMetrics(collector))

	var receiver ingest.Receiver
	var webhook *ingest.Webhook
	switch {
	case cfg.MockTelegram:
		webhook = ingest.NewWebhook(cfg.WebhookSecret, logger)
		receiver = webhook
	case cfg.UpdateMode == config.ModeWebhook:
		webhook = ingest.NewWebhook(cfg.WebhookSecret, logger)
		if err := webhook.Register(ctx, tg, cfg.WebhookURL); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
		receiver = webhook
	default:
		receiver = ingest.NewLongPoller(tg, store, cfg.PollTimeout, logger)
	}

	if tg != nil {
		if err := tg.SetMyCommands(ctx, bot.Commands()); err != nil {
			logger.Warn("Failed to publish command menu", "error", err)
		}
	}

	srvCfg := &server.Config{
		Poller:    monitor,
		Gatherer:  reg,
		Logger:    logger,
		PollToken: cfg.PollToken,
	}
	if webhook != nil {
		srvCfg.Webhook = webhook
	}
	srv := server.New(srvCfg)

	var wg sync.WaitGroup
	var serveErr error
	wg.Go(func() {
		scheduler.Start(ctx)
	})
	wg.Go(func() {
		if err := receiver.Receive(ctx, ingester.Handle); err != nil {
			logger.Error("Update receiver failed", "error", err)
		}
	})
	wg.Go(func() {
		if err := srv.ListenAndServe(ctx, cfg.Port); err != nil {
			serveErr = err
			stop()
		}
	})

	logger.Info("Service started",
		"update_mode", cfg.UpdateMode,
		"crawl_interval", cfg.CrawlInterval.String(),
		"dry_run", cfg.DryRun)

	wg.Wait()
	scheduler.Wait()
	logger.Info("Service stopped")
	return serveErr
}

// openStore picks Postgres, then a GCS bucket, then local disk.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := storage.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info("Using Postgres storage")
		return pg, func() {
			if err := pg.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}, nil
	}

	if cfg.StorageBucket != "" {
		var opts []option.ClientOption
		switch {
		case cfg.GCSEndpoint != "":
			opts = append(opts, option.WithEndpoint(cfg.GCSEndpoint), option.WithoutAuthentication())
		case cfg.GCSCredentials != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GCSCredentials)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		return storage.New(client, cfg.StorageBucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil
	}

	if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create local storage directory: %w", err)
	}
	logger.Info("No STORAGE_BUCKET or DATABASE_URL set, using local storage", "storage_path", cfg.LocalStorage)
	return storage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
}

// newSafeClient returns an HTTP client that refuses private and loopback targets.
func newSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(cfg).Client
}
