// Command chatopsd runs the authorization and orchestration kernel: the
// intent registry, policy-gated dispatcher, task card review surface,
// schedule sweeper, and the HTTP gateway in one process.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/acadeon/chatops/internal/audit"
	"github.com/acadeon/chatops/internal/bus"
	"github.com/acadeon/chatops/internal/catalog"
	"github.com/acadeon/chatops/internal/channels"
	"github.com/acadeon/chatops/internal/config"
	"github.com/acadeon/chatops/internal/cron"
	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/gateway"
	"github.com/acadeon/chatops/internal/handlers"
	"github.com/acadeon/chatops/internal/intent"
	otelPkg "github.com/acadeon/chatops/internal/otel"
	"github.com/acadeon/chatops/internal/persistence"
	"github.com/acadeon/chatops/internal/policy"
	"github.com/acadeon/chatops/internal/taskcard"
	"github.com/acadeon/chatops/internal/telemetry"
	"gopkg.in/yaml.v3"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit init precedes the logger so logger failures still leave a trace.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"fingerprint", cfg.Fingerprint(), "home", cfg.HomeDir)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	// Ensure the default tenant exists so first-run dispatches have a home.
	if _, err := store.GetTenant(ctx, cfg.DefaultTenant); errors.Is(err, persistence.ErrTenantNotFound) {
		defaults, err := loadTenantDefaults(cfg.TenantDefaults)
		if err != nil {
			fatalStartup(logger, "E_TENANT_DEFAULTS", err)
		}
		if _, err := store.CreateTenant(ctx, cfg.DefaultTenant, cfg.DefaultTenant, defaults); err != nil {
			fatalStartup(logger, "E_TENANT_BOOTSTRAP", err)
		}
		logger.Info("default tenant created", "tenant_id", cfg.DefaultTenant, "seeded", defaults != nil)
	} else if err != nil {
		fatalStartup(logger, "E_TENANT_CHECK", err)
	}

	cat := catalog.New()
	if cfg.CatalogArtifact != "" {
		if err := cat.LoadArtifact(cfg.CatalogArtifact); err != nil {
			fatalStartup(logger, "E_CATALOG_ARTIFACT", err)
		}
		logger.Info("catalog artifact loaded", "path", cfg.CatalogArtifact, "actions", cat.Size())
	}

	intents, err := intent.Load(cat)
	if err != nil {
		fatalStartup(logger, "E_INTENT_LOAD", err)
	}
	logger.Info("startup phase", "phase", "intents_loaded", "levels", intents.CountByLevel())

	policies := policy.NewResolver(store, logger)

	var notifier channels.Notifier
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		notifier = channels.NewTelegramNotifier(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.Recipients, logger)
		logger.Info("notification channel", "channel", "telegram")
	} else {
		notifier = channels.NewLogNotifier(logger)
		logger.Info("notification channel", "channel", "log")
	}

	registry := dispatch.NewRegistry()
	if err := handlers.RegisterAll(registry, handlers.Deps{
		Store:    store,
		Notifier: notifier,
		Policies: policies,
		Catalog:  cat,
		Logger:   logger,
	}); err != nil {
		fatalStartup(logger, "E_HANDLER_REGISTER", err)
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Store:    store,
		Intents:  intents,
		Handlers: registry,
		Catalog:  cat,
		Policies: policies,
		Emitter:  taskcard.NewEmitter(store, logger),
		Logger:   logger,
		Bus:      eventBus,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_DISPATCHER_INIT", err)
	}
	cards := taskcard.NewService(store, dispatcher, logger)

	// Mirror every policy verdict into the append-only decision log.
	go audit.Watch(ctx, eventBus)

	sweeper := cron.NewScheduler(cron.Config{
		Store:    store,
		Runner:   dispatcher,
		Logger:   logger,
		Metrics:  metrics,
		Interval: cfg.SweepInterval(),
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Hot-reload the catalog artifact; config.yaml changes are logged and
	// need a restart to take effect.
	watcher := config.NewWatcher(cfg.HomeDir, logger, cfg.CatalogArtifact)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				if cfg.CatalogArtifact != "" && ev.Path == cfg.CatalogArtifact {
					if err := cat.LoadArtifact(cfg.CatalogArtifact); err != nil {
						logger.Error("catalog artifact reload failed", "error", err)
						continue
					}
					logger.Info("catalog artifact reloaded", "actions", cat.Size())
				}
			}
		}()
	}

	server := gateway.New(gateway.Config{
		Store:             store,
		Runner:            dispatcher,
		Cards:             cards,
		Intents:           intents,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		DefaultTenant:     cfg.DefaultTenant,
		APIKeys:           cfg.APIKeys,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalStartup(logger, "E_GATEWAY_SERVE", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "chatopsd: %s: %v\n", code, err)
	os.Exit(1)
}

// loadTenantDefaults reads the settings blob new tenants are seeded
// with. A missing path means no seeding: the tenant starts fail-closed.
func loadTenantDefaults(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant defaults: %w", err)
	}
	var defaults map[string]any
	if err := yaml.Unmarshal(raw, &defaults); err != nil {
		return nil, fmt.Errorf("parse tenant defaults: %w", err)
	}
	return defaults, nil
}

// loadDotEnv sets env vars from a .env file without overriding values
// already present in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}
