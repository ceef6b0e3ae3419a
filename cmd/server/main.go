package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatgate/internal/chat"
	"chatgate/internal/compliance"
	"chatgate/internal/config"
	"chatgate/internal/httpapi"
	"chatgate/internal/metrics"
	"chatgate/internal/providers/registry"
	"chatgate/internal/queue"
	"chatgate/internal/quota"
	"chatgate/internal/secrets"
	"chatgate/internal/storage"
	"chatgate/internal/telegram"
	"chatgate/internal/tokencount"
	"chatgate/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Str("compliance_dispatch", cfg.Compliance.Dispatch).
		Bool("telegram", cfg.Telegram.BotToken != "").
		Msg("starting chatgate")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	sealer, err := secrets.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential sealer")
	}
	if cfg.Crypto.Reseal {
		n, err := resealCredentials(ctx, store, sealer, log.Logger)
		if err != nil {
			log.Error().Err(err).Int("resealed", n).Msg("credential reseal incomplete")
		} else {
			log.Info().Int("resealed", n).Msg("credentials resealed")
		}
	}
	if cfg.SeedProvidersFile != "" {
		if err := seedFromFile(ctx, store, sealer, cfg.SeedProvidersFile, cfg.Quota.DefaultLimit, log.Logger); err != nil {
			log.Fatal().Err(err).Msg("failed to seed providers")
		}
	}

	m := metrics.Global()
	complianceQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	classifier, err := compliance.NewClient(compliance.ClientConfig{
		BaseURL: cfg.Compliance.BaseURL,
		Timeout: cfg.Compliance.Timeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize compliance client")
	}
	hook := compliance.NewHook(compliance.HookConfig{
		Checker: classifier,
		Store:   store,
		Logger:  log.Logger.With().Str("component", "compliance").Logger(),
		Metrics: m,
	})

	sweeper := worker.NewSweeper(worker.SweeperConfig{
		Store:       store,
		Hook:        hook,
		Interval:    cfg.Compliance.SweepInterval,
		MinAge:      cfg.Compliance.SweepMinAge,
		BatchSize:   cfg.Compliance.SweepBatch,
		EvalTimeout: cfg.Compliance.Timeout,
		Logger:      log.Logger.With().Str("component", "sweeper").Logger(),
		Metrics:     m,
	})

	runAPI := cfg.AppMode == config.ModeAll || cfg.AppMode == config.ModeAPI
	runWorker := cfg.AppMode == config.ModeWorker ||
		(cfg.AppMode == config.ModeAll && cfg.Compliance.Dispatch == config.DispatchStream)

	errCh := make(chan error, 4)
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTPServer.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		pingCtx, pingCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer pingCancel()
		if err := store.Ping(pingCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTPServer.MetricsPath, promhttp.Handler())

	var dispatcher compliance.Dispatcher
	var updater *ext.Updater
	if runAPI {
		if cfg.Compliance.Dispatch == config.DispatchStream {
			dispatcher = compliance.NewStreamDispatcher(compliance.StreamDispatcherConfig{
				Queue:   complianceQueue,
				Logger:  log.Logger,
				Metrics: m,
			})
		} else {
			dispatcher = compliance.NewGoDispatcher(compliance.GoDispatcherConfig{
				Hook:        hook,
				Timeout:     cfg.Compliance.Timeout,
				MaxInFlight: cfg.Compliance.MaxInFlight,
				Logger:      log.Logger,
				Metrics:     m,
			})
		}

		tokens, err := tokencount.New(cfg.TokenCountEncoding)
		if err != nil {
			log.Warn().Err(err).Str("encoding", cfg.TokenCountEncoding).Msg("token counting disabled")
		}

		orchestrator := chat.New(chat.Config{
			Store: store,
			Quota: quota.New(quota.Config{Store: store, Location: cfg.Quota.Location}),
			Providers: registry.NewClient(registry.ClientConfig{
				Table:       registry.NewTable(),
				MaxRetries:  cfg.Provider.MaxRetries,
				BackoffBase: cfg.Provider.BackoffBase,
			}),
			Sealer:        sealer,
			Dispatcher:    dispatcher,
			Tokens:        tokens,
			HistoryWindow: cfg.Provider.HistoryWindow,
			Logger:        log.Logger.With().Str("component", "chat").Logger(),
			Metrics:       m,
		})
		log.Info().Str("token_encoding", tokens.Encoding()).Int("history_window", cfg.Provider.HistoryWindow).Msg("chat orchestrator ready")

		rateLimiter := queue.NewRateLimiter(rdb, cfg.Rate.PerMinute)
		api := httpapi.New(httpapi.Config{
			Chat:        orchestrator,
			Recheck:     sweeper,
			JWTSecret:   cfg.Auth.JWTSecret,
			RateLimiter: rateLimiter,
			Logger:      log.Logger.With().Str("component", "http").Logger(),
			Metrics:     m,
		})
		api.Register(mux)

		if cfg.Telegram.BotToken != "" {
			updater = startTelegram(cfg, rdb, store, orchestrator, rateLimiter, m, mux)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPServer.ListenAddr,
		Handler:           httpapi.Handler(mux, log.Logger.With().Str("component", "http").Logger()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTPServer.ReadTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPServer.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if runWorker {
		w := worker.New(worker.Config{
			Queue:       complianceQueue,
			Hook:        hook,
			EvalTimeout: cfg.Compliance.Timeout,
			Logger:      log.Logger.With().Str("component", "worker").Logger(),
			Metrics:     m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
	}

	// one periodic sweeper per deployment: the worker, or the single ALL process
	if cfg.AppMode != config.ModeAPI {
		go sweeper.Run(ctx)
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	if dispatcher != nil {
		if err := dispatcher.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("compliance checks still running at shutdown")
		}
	}

	log.Info().Msg("stopped")
}

func startTelegram(cfg *config.Config, rdb *redis.Client, store *storage.Store, orchestrator *chat.Orchestrator, rl *queue.RateLimiter, m *metrics.Metrics, mux *http.ServeMux) *ext.Updater {
	token := cfg.Telegram.BotToken
	bot, err := gotgbot.NewBot(token, nil)
	if err != nil {
		log.Fatal().Str("error", sanitizeTelegramErr(err, token)).Msg("failed to create telegram bot")
	}
	log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, token))
	}
	tgLogger := log.Logger.With().Str("component", "telegram").Logger()
	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		MaxRoutines:      100,
		UnhandledErrFunc: logTelegramErr,
		Processor: telegram.Processor{
			Dedupe:  queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
			Metrics: m,
			Logger:  tgLogger,
		},
	})
	service := telegram.NewService(telegram.Config{
		Chat:              orchestrator,
		Directory:         store,
		Redis:             rdb,
		RateLimiter:       rl,
		Logger:            tgLogger,
		Metrics:           m,
		DefaultProviderID: cfg.Telegram.DefaultProviderID,
		StateTTL:          cfg.Redis.StateTTL,
		AutoRegister:      cfg.Telegram.AutoRegister,
		DefaultQuota:      cfg.Quota.DefaultLimit,
		ReplyTimeout:      cfg.Telegram.ReplyTimeout,
	})
	service.Register(dispatcher)
	updater := ext.NewUpdater(dispatcher, &ext.UpdaterOpts{UnhandledErrFunc: logTelegramErr})

	if cfg.Telegram.DevPolling {
		if err := updater.StartPolling(bot, &ext.PollingOpts{
			EnableWebhookDeletion: true,
			DropPendingUpdates:    true,
			GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
				Timeout: 50,
				RequestOpts: &gotgbot.RequestOpts{
					Timeout: 60 * time.Second,
				},
			},
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to start polling")
		}
		log.Info().Msg("telegram polling started")
		return updater
	}

	if cfg.Telegram.WebhookURL == "" {
		log.Fatal().Msg("WEBHOOK_URL is required unless DEV_POLLING is set")
	}
	path := cfg.Telegram.WebhookPath
	if path == "" {
		path = "telegram"
	}
	if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Telegram.WebhookSecret}); err != nil {
		log.Fatal().Err(err).Msg("failed to configure webhook handler")
	}
	webhookURL := strings.TrimSuffix(cfg.Telegram.WebhookURL, "/") + "/" + path
	if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{SecretToken: cfg.Telegram.WebhookSecret}); err != nil {
		log.Fatal().Str("error", sanitizeTelegramErr(err, token)).Msg("failed to set telegram webhook")
	}
	mux.HandleFunc("/"+path, updater.GetHandlerFunc("/"))
	log.Info().Str("webhook_url", webhookURL).Msg("telegram webhook registered")
	return updater
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
