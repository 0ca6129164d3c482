package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/crossquery/internal/auth"
	"github.com/haasonsaas/crossquery/internal/cache"
	"github.com/haasonsaas/crossquery/internal/config"
	"github.com/haasonsaas/crossquery/internal/connector"
	"github.com/haasonsaas/crossquery/internal/creds"
	"github.com/haasonsaas/crossquery/internal/detect"
	"github.com/haasonsaas/crossquery/internal/fanout"
	"github.com/haasonsaas/crossquery/internal/gateway"
	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/internal/orchestrator"
	"github.com/haasonsaas/crossquery/internal/plan"
	"github.com/haasonsaas/crossquery/internal/ratelimit"
	"github.com/haasonsaas/crossquery/internal/reasoner"
	"github.com/haasonsaas/crossquery/internal/server"
	"github.com/haasonsaas/crossquery/internal/synthesize"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command logic: configuration loading,
// component wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	// Adjust log level if debug mode is enabled.
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("starting crossquery",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(cfg.Providers) == "" {
		return fmt.Errorf("no providers file configured (set providers: in the config)")
	}

	logCfg := observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		RedactPatterns: cfg.Logging.RedactPatterns,
	}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	metrics := observability.NewMetrics()

	// Cancel everything on shutdown signals. Connector processes and the
	// registry watcher bind to this context.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
	}
	if cfg.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Tracing.Endpoint
		traceCfg.SamplingRate = cfg.Tracing.SampleRatio
		traceCfg.EnableInsecure = cfg.Tracing.Insecure
	}
	tracer, stopTracer := observability.NewTracer(traceCfg)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracer(flushCtx); err != nil {
			logger.Warn(flushCtx, "tracer shutdown", "error", err.Error())
		}
	}()

	var backing cache.Cache
	switch cfg.Cache.Backend {
	case "redis":
		r, err := cache.NewRedis(ctx, cache.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis cache: %w", err)
		}
		backing = r
	default:
		backing = cache.NewMemory(cache.MemoryOptions{MaxEntries: cfg.Cache.MaxEntries})
	}
	ns := cache.NewNamespaces(backing, cache.NamespaceTTLs{
		Tools:   time.Duration(cfg.Cache.ToolsTTLSeconds) * time.Second,
		Results: time.Duration(cfg.Cache.ResultsTTLSeconds) * time.Second,
		Schema:  time.Duration(cfg.Cache.SchemaTTLSeconds) * time.Second,
		Session: time.Duration(cfg.Cache.SessionTTLSeconds) * time.Second,
	})

	registry, err := connector.NewRegistry(cfg.Providers, logger)
	if err != nil {
		return fmt.Errorf("load providers: %w", err)
	}
	defer registry.Close()
	if err := registry.Watch(ctx); err != nil {
		logger.Warn(ctx, "provider hot reload disabled", "error", err.Error())
	}

	credsStore, err := creds.FromConfig(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}

	gw, err := gateway.New(gateway.Options{
		Registry:        registry,
		Creds:           credsStore,
		Cache:           ns,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
		Breaker:         cfg.Breaker,
		Gateway:         cfg.Gateway,
		ToolCallTimeout: cfg.Orchestrator.ToolCallTimeout(),
		BaseContext:     ctx,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("gateway maintenance: %w", err)
	}
	defer gw.Shutdown()
	if ids := providerIDs(cfg.Gateway.Prewarm); len(ids) > 0 {
		go gw.Prewarm(ctx, ids)
	}

	// A missing reasoner key is a degraded start, not a fatal one: detection
	// falls back to keywords and synthesis to deterministic assembly.
	rsn, err := reasoner.FromConfig(cfg.Reasoner, logger, metrics)
	if err != nil {
		if !errors.Is(err, models.ErrNoReasoner) {
			return fmt.Errorf("reasoner: %w", err)
		}
		logger.Warn(ctx, "no reasoner configured, running degraded", "error", err.Error())
		rsn = nil
	}

	latency := observability.NewLatencyTracker()

	detectOpts := detect.Options{Logger: logger}
	if rsn != nil {
		detectOpts.Ranker = rsn
	}
	detector := detect.New(registry, detectOpts)

	planner := plan.New(plan.Options{Latency: latency, Logger: logger})

	var selector fanout.ToolSelector
	if rsn != nil {
		selector = rsn
	}
	executor := fanout.New(gw, selector, fanout.Options{
		MaxConcurrentLegs: cfg.Orchestrator.MaxConcurrentLegs,
		MaxIterations:     cfg.Reasoner.MaxIterations,
		Latency:           latency,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            tracer,
	})

	synthOpts := synthesize.Options{Logger: logger}
	if rsn != nil {
		synthOpts.Streamer = rsn
	}
	synthesizer := synthesize.New(synthOpts)

	orch := orchestrator.New(registry, detector, planner, executor, synthesizer, orchestrator.Options{
		Creds:    credsStore,
		Sessions: ns.Session,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
		Deadline: cfg.Server.RequestDeadline(),
	})

	authSvc := auth.FromConfig(cfg.Auth)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:   cfg.RateLimit.Enabled,
		PerMinute: cfg.RateLimit.PerMinute,
		PerHour:   cfg.RateLimit.PerHour,
	})

	srv := server.New(server.Config{
		Orchestrator: orch,
		Detector:     detector,
		Catalog:      registry,
		Breakers:     gw,
		Auth:         authSvc,
		Limiter:      limiter,
		Server:       cfg.Server,
		RateLimit:    cfg.RateLimit,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	backend := "none"
	if rsn != nil {
		backend = rsn.Backend()
	}
	logger.Info(ctx, "crossquery started",
		"addr", srv.Addr(),
		"providers", len(registry.Enabled()),
		"reasoner", backend,
		"auth_enabled", authSvc.Enabled(),
		"rate_limit_enabled", cfg.RateLimit.Enabled,
	)

	// Wait for a shutdown signal.
	<-ctx.Done()
	logger.Info(ctx, "shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	logger.Info(shutdownCtx, "crossquery stopped")
	return nil
}

// providerIDs converts the config's prewarm list to typed provider ids,
// dropping blanks.
func providerIDs(names []string) []models.ProviderID {
	ids := make([]models.ProviderID, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		ids = append(ids, models.ProviderID(name))
	}
	return ids
}

// =============================================================================
// Config Command Handlers
// =============================================================================

// runConfigValidate handles the config validate command.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if configPath == "" {
		return fmt.Errorf("no config file found (looked for %s; pass --config)", defaultConfigName)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config OK: %s\n", configPath)
	fmt.Fprintf(out, "  server:     %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "  cache:      %s\n", cfg.Cache.Backend)
	fmt.Fprintf(out, "  reasoner:   %s\n", cfg.Reasoner.Provider)
	fmt.Fprintf(out, "  auth:       %v\n", cfg.Auth.Enabled)
	fmt.Fprintf(out, "  rate limit: %d/min %d/hour\n", cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour)

	if strings.TrimSpace(cfg.Providers) == "" {
		fmt.Fprintln(out, "No providers file configured; serve will refuse to start.")
		return nil
	}
	defs, err := connector.LoadDefinitions(cfg.Providers)
	if err != nil {
		return fmt.Errorf("providers file: %w", err)
	}
	enabled := 0
	for _, def := range defs {
		if def.IsEnabled() {
			enabled++
		}
	}
	fmt.Fprintf(out, "Providers OK: %s (%d defined, %d enabled)\n", cfg.Providers, len(defs), enabled)
	return nil
}

// =============================================================================
// Providers Command Handlers
// =============================================================================

// runProvidersList handles the providers list command.
func runProvidersList(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Providers) == "" {
		return fmt.Errorf("no providers file configured (set providers: in the config)")
	}
	defs, err := connector.LoadDefinitions(cfg.Providers)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d providers in %s:\n", len(defs), cfg.Providers)
	for _, def := range defs {
		state := "enabled"
		if !def.IsEnabled() {
			state = "disabled"
		}
		fmt.Fprintf(out, "  %-14s %-9s priority=%-3d transport=%-6s %s\n",
			def.ID, state, def.Priority, def.Transport, def.DisplayName)
	}
	return nil
}

// =============================================================================
// Detect Command Handler
// =============================================================================

// runDetect handles the detect command. It runs the same scoring pass the
// server uses when no reasoner is configured.
func runDetect(cmd *cobra.Command, configPath, query string, max int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Providers) == "" {
		return fmt.Errorf("no providers file configured (set providers: in the config)")
	}

	quiet := observability.NewLogger(observability.LogConfig{Level: "error"})
	registry, err := connector.NewRegistry(cfg.Providers, quiet)
	if err != nil {
		return err
	}
	detector := detect.New(registry, detect.Options{Logger: quiet})

	resp, err := detector.DetectMultiSource(cmd.Context(), query)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "multi_source: %v\n", resp.IsMultiSource)
	if resp.Reasoning != "" {
		fmt.Fprintf(out, "reasoning:    %s\n", resp.Reasoning)
	}
	suggested := resp.Suggested
	if max > 0 && len(suggested) > max {
		suggested = suggested[:max]
	}
	if len(suggested) == 0 {
		fmt.Fprintln(out, "no providers scored above the confidence threshold")
		return nil
	}
	for _, s := range suggested {
		fmt.Fprintf(out, "  %-14s %.2f\n", s.Provider, s.Confidence)
	}
	return nil
}

// =============================================================================
// Token Command Handler
// =============================================================================

// runToken handles the token command.
func runToken(cmd *cobra.Command, configPath, principalID, email, name string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	svc := auth.FromConfig(cfg.Auth)
	token, err := svc.GenerateToken(&models.Principal{
		ID:    principalID,
		Email: email,
		Name:  name,
	})
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// =============================================================================
// Version Command Handler
// =============================================================================

// runVersion handles the version command.
func runVersion(cmd *cobra.Command) error {
	fmt.Fprintf(cmd.OutOrStdout(), "crossquery %s (commit: %s, built: %s)\n", version, commit, date)
	return nil
}
