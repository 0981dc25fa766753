package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/liamcoop/ruleautomation/internal/command"
	"github.com/liamcoop/ruleautomation/internal/config"
	"github.com/liamcoop/ruleautomation/internal/logger"
	"github.com/liamcoop/ruleautomation/internal/notify"
	"github.com/liamcoop/ruleautomation/internal/rulefile"
	"github.com/liamcoop/ruleautomation/internal/tracker"
	"github.com/liamcoop/ruleautomation/internal/webhook"
	"github.com/liamcoop/ruleautomation/rules"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := logger.Setup(ctx, logger.Options{
		Level:           cfg.LogLevel,
		ErrorSampleRate: cfg.ErrorSampleRate,
		OTELEnabled:     cfg.OTELEnabled,
		ServiceName:     cfg.ServiceName,
	})
	if err != nil {
		log.Warn("OTEL logging unavailable", slog.Any("error", err))
	}

	if err := run(ctx, cfg, log); err != nil {
		logger.Fatal("server failed", slog.Any("error", err))
	}
}

// run wires the engine and its collaborators and serves until ctx is done
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := logger.RegisterMetrics(registry); err != nil {
		return err
	}

	var db *sql.DB
	store := rules.RuleStore(rules.NewInMemoryRuleStore())
	if cfg.DatabaseURL != "" {
		var err error
		db, err = openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		store = rules.NewPostgresRuleStore(db)
		log.Info("using PostgreSQL rule store")
	}

	collab, err := buildCollaborators(cfg, log)
	if err != nil {
		return err
	}

	engine, err := rules.NewEngine(
		rules.WithStore(store),
		rules.WithLogger(log),
		rules.WithCollaborators(collab),
		rules.WithMetrics(rules.NewMetrics(registry)),
		rules.WithRetention(cfg.ExecutionRetention),
		rules.WithMaxExecutions(cfg.ExecutionMaxEntries),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	engine.StartJanitor(ctx, cfg.JanitorInterval)

	if cfg.RulesFile != "" {
		syncer := rulefile.NewSyncer(engine, log)
		res, err := syncer.LoadAndApply(cfg.RulesFile)
		switch {
		case errors.Is(err, rulefile.ErrNotOwned):
			log.Warn("rules file names rules it does not own", slog.Any("error", err))
		case err != nil:
			return fmt.Errorf("failed to load rules file: %w", err)
		}
		log.Info("rules file loaded",
			slog.String("path", cfg.RulesFile),
			slog.Int("added", res.Added),
			slog.Int("updated", res.Updated),
		)
		go func() {
			if err := syncer.Watch(ctx, cfg.RulesFile); err != nil {
				log.Error("rules file watch stopped", slog.Any("error", err))
			}
		}()
	}

	server := NewServer(engine, db, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), log)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(server, "rule-automation"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", slog.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", slog.Any("error", err))
	}
	engine.Cleanup()
	if err := logger.Shutdown(shutdownCtx); err != nil {
		log.Error("logger shutdown error", slog.Any("error", err))
	}

	log.Info("server stopped")
	return nil
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// buildCollaborators creates the action collaborators enabled by cfg
func buildCollaborators(cfg *config.Config, log *slog.Logger) (rules.Collaborators, error) {
	httpClient := webhook.New(webhook.Config{
		Timeout:   cfg.WebhookTimeout,
		RateLimit: cfg.WebhookRateLimit,
		Burst:     cfg.WebhookBurst,
	})

	notifiers := notify.MultiNotifier{notify.NewLogNotifier(log)}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.NotifyWebhookURL, httpClient))
	}

	collab := rules.Collaborators{
		Notifier: notifiers,
		Runner:   command.NewRunner(cfg.CommandTimeout, cfg.CommandAllowlist, log),
		HTTP:     httpClient,
	}

	if cfg.TrackerBaseURL != "" {
		client, err := tracker.New(cfg.TrackerBaseURL, cfg.TrackerToken, cfg.WebhookTimeout)
		if err != nil {
			return rules.Collaborators{}, err
		}
		collab.Tracker = client
	} else {
		log.Warn("TRACKER_BASE_URL not set, issue actions will fail")
	}

	return collab, nil
}
