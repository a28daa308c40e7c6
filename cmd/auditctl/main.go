// Command auditctl is the orchestrator's process entry point: it wires
// the message bus, worker pool, plugin registry, and optional NATS bridge
// together, enqueues one audit from its environment, serves the status
// API, and waits for a shutdown signal. Wiring order: env config ->
// storage -> core services -> HTTP server -> signal wait -> bounded
// graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/riftsec/auditcore/internal/auditdb"
	"github.com/riftsec/auditcore/internal/bus"
	"github.com/riftsec/auditcore/internal/config"
	"github.com/riftsec/auditcore/internal/data"
	"github.com/riftsec/auditcore/internal/logger"
	"github.com/riftsec/auditcore/internal/netlimit"
	"github.com/riftsec/auditcore/internal/orchestrator"
	"github.com/riftsec/auditcore/internal/plugins"
	"github.com/riftsec/auditcore/internal/scope"
	"github.com/riftsec/auditcore/internal/statusapi"
	"github.com/riftsec/auditcore/internal/worker"
)

func main() {
	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log := logger.Orchestrator()

	var cfg *config.AuditConfig
	if profile := os.Getenv("AUDIT_CONFIG_FILE"); profile != "" {
		loaded, err := config.FromFile(profile)
		if err != nil {
			log.Fatal().Err(err).Msg("auditctl: failed to load audit profile")
		}
		cfg = loaded
	} else {
		cfg = config.FromEnv()
	}
	if cfg.AuditName == "" {
		cfg.AuditName = data.NewAuditName("audit", time.Now())
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("auditctl: invalid audit configuration")
	}

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("auditctl: failed to open audit store")
	}

	registry := plugins.NewRegistry()
	if err := registry.Load(cfg.PluginsFolder, cfg.EnabledPlugins, cfg.DisabledPlugins); err != nil {
		log.Fatal().Err(err).Msg("auditctl: failed to load plugin registry")
	}

	b := bus.NewBus()

	natsBridge, err := bus.NewNATSBridge(
		bus.Config{URL: os.Getenv("NATS_URL"), User: os.Getenv("NATS_USER"), Password: os.Getenv("NATS_PASSWORD")},
		b,
		bus.Subjects{AuditName: cfg.AuditName},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("auditctl: failed to initialize NATS bridge")
	}
	if err := natsBridge.Start(); err != nil {
		log.Warn().Err(err).Msg("auditctl: NATS bridge failed to start, continuing with in-process delivery only")
	}
	defer natsBridge.Close()

	slots := netlimit.NewSlotManager(getEnvInt("AUDIT_SLOTS_PER_HOST", 4))
	pool := worker.NewPool(cfg.MaxProcess, cfg.RefreshAfterTasks)
	reportDir := getEnv("AUDIT_REPORT_DIR", "./reports")

	orch := orchestrator.New(b, pool, registry, slots, reportDir)

	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)

	sc, seeds, err := buildScope(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("auditctl: failed to build scope")
	}

	hub, err := orch.EnqueueAudit(ctx, cfg, store, sc, seeds)
	if err != nil {
		log.Fatal().Err(err).Msg("auditctl: failed to enqueue audit")
	}
	_ = hub

	allowedOrigins := splitCSV(getEnv("STATUSAPI_ALLOWED_ORIGINS", "*"))
	api := statusapi.New(orch, allowedOrigins)

	addr := getEnv("STATUSAPI_ADDR", ":8090")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           api.Engine(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("auditctl: status API listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("auditctl: status API server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("auditctl: shutdown signal received")

	shutdownTimeout := 30 * time.Second
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			shutdownTimeout = d
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("auditctl: status API forced shutdown")
	}

	orch.Shutdown(shutdownTimeout)
	cancel()

	log.Info().Msg("auditctl: shutdown complete")
}

func buildStore(cfg *config.AuditConfig) (auditdb.Store, error) {
	if cfg.AuditDB == "memory" || cfg.AuditDB == "" {
		return auditdb.NewMemoryStore(), nil
	}
	return auditdb.NewPostgresStore(auditdb.Config{
		Host:     getEnv("AUDIT_DB_HOST", "localhost"),
		Port:     getEnv("AUDIT_DB_PORT", "5432"),
		User:     getEnv("AUDIT_DB_USER", "auditcore"),
		Password: os.Getenv("AUDIT_DB_PASSWORD"),
		DBName:   getEnv("AUDIT_DB_NAME", "auditcore"),
		SSLMode:  getEnv("AUDIT_DB_SSLMODE", "disable"),
	}, data.NewRegistry())
}

func buildScope(ctx context.Context, cfg *config.AuditConfig) (*scope.Scope, []*data.Item, error) {
	sc, err := scope.Load(cfg.Targets, cfg.IncludeSubdomains)
	if err != nil {
		return nil, nil, err
	}

	mode := parseDNSExpansion(cfg.DNSExpansion)
	if mode != scope.DNSExpansionOff {
		if err := scope.Expand(ctx, sc, scope.DefaultResolver(), mode, nil); err != nil {
			return nil, nil, err
		}
	}
	return sc, sc.Seeds(), nil
}

func parseDNSExpansion(v string) scope.DNSExpansionMode {
	switch v {
	case "new":
		return scope.DNSExpansionNewOnly
	case "all":
		return scope.DNSExpansionAll
	default:
		return scope.DNSExpansionOff
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
