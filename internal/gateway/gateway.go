// Package gateway gives the orchestrator uniform access to heterogeneous
// provider connectors: one session per principal and provider, tool and
// result caching, argument validation, and a circuit breaker around every
// outbound call.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/crossquery/internal/breaker"
	"github.com/haasonsaas/crossquery/internal/cache"
	"github.com/haasonsaas/crossquery/internal/config"
	"github.com/haasonsaas/crossquery/internal/connector"
	"github.com/haasonsaas/crossquery/internal/creds"
	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// cronParser accepts standard cron expressions, the optional seconds field,
// and descriptors like @every 60s.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Options configures a Gateway.
type Options struct {
	Registry *connector.Registry
	Creds    creds.Store
	Cache    *cache.Namespaces
	Logger   *observability.Logger
	Metrics  *observability.Metrics

	// Tracer emits tool_call spans. Nil means a no-op tracer.
	Tracer *observability.Tracer

	Breaker config.BreakerConfig
	Gateway config.GatewayConfig

	// ToolCallTimeout bounds each tools/list and tools/call round trip.
	ToolCallTimeout time.Duration

	// BaseContext outlives individual requests; connector processes and SSE
	// streams are bound to it, not to the request that first needed them.
	BaseContext context.Context
}

// Gateway is the single path to provider connectors.
type Gateway struct {
	registry *connector.Registry
	creds    creds.Store
	ns       *cache.Namespaces
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	breakers *breaker.Registry
	sessions *sessionManager

	toolTimeout time.Duration
	payloadCap  int
	maintSpec   string
	baseCtx     context.Context

	stopChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New wires a Gateway from its parts. Registry and Creds are required.
func New(opts Options) (*Gateway, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("gateway: connector registry is required")
	}
	if opts.Creds == nil {
		return nil, fmt.Errorf("gateway: credential store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	ns := opts.Cache
	if ns == nil {
		ns = cache.NewNamespaces(cache.NewMemory(cache.MemoryOptions{}), cache.DefaultTTLs())
	}
	timeout := opts.ToolCallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	idle := opts.Gateway.SessionIdle()
	if idle <= 0 {
		idle = 15 * time.Minute
	}
	payloadCap := opts.Gateway.PayloadCapBytes
	if payloadCap <= 0 {
		payloadCap = 64 * 1024
	}

	g := &Gateway{
		registry:    opts.Registry,
		creds:       opts.Creds,
		ns:          ns,
		logger:      logger.WithFields("component", "gateway"),
		metrics:     metrics,
		tracer:      tracer,
		toolTimeout: timeout,
		payloadCap:  payloadCap,
		maintSpec:   opts.Gateway.MaintenanceSchedule,
		baseCtx:     baseCtx,
		stopChan:    make(chan struct{}),
	}
	g.sessions = newSessionManager(idle, g.logger)

	excluded := make([]models.Code, 0, len(opts.Breaker.ExcludedErrors))
	for _, code := range opts.Breaker.ExcludedErrors {
		excluded = append(excluded, models.Code(code))
	}
	g.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: opts.Breaker.FailureThreshold,
		SuccessThreshold: opts.Breaker.SuccessThreshold,
		OpenTimeout:      opts.Breaker.OpenTimeout(),
		ExcludedCodes:    excluded,
		OnStateChange:    g.onBreakerChange,
	})

	return g, nil
}

// Start launches the maintenance loop: idle session sweeps on the configured
// schedule. Safe to skip in tests.
func (g *Gateway) Start(ctx context.Context) error {
	spec := g.maintSpec
	if spec == "" {
		spec = "@every 60s"
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse maintenance schedule %q: %w", spec, err)
	}

	g.wg.Add(1)
	go g.maintenanceLoop(ctx, sched)
	return nil
}

// ListTools returns the provider's tool descriptors for the principal,
// serving from the tools namespace when fresh.
func (g *Gateway) ListTools(ctx context.Context, principal string, provider models.ProviderID) ([]models.ToolDescriptor, error) {
	def, err := g.resolveDef(provider)
	if err != nil {
		return nil, err
	}

	ckey := string(provider) + ":" + principal
	var tools []models.ToolDescriptor
	if g.ns.Tools.GetJSON(ctx, ckey, &tools) {
		g.metrics.RecordCache(g.ns.Tools.Name(), string(provider), true)
		return tools, nil
	}
	g.metrics.RecordCache(g.ns.Tools.Name(), string(provider), false)

	bound, err := g.bindCredentials(ctx, principal, def)
	if err != nil {
		return nil, err
	}

	br := g.breakers.Get(string(provider))
	tools, err = breaker.ExecuteWithResult(br, ctx, func(ctx context.Context) ([]models.ToolDescriptor, error) {
		sess, err := g.sessions.acquire(g.baseCtx, principal, provider, bound)
		if err != nil {
			return nil, err
		}
		cctx, cancel := context.WithTimeout(ctx, g.toolTimeout)
		defer cancel()
		listed, err := sess.client.ListTools(cctx)
		if err != nil {
			return nil, g.mapTimeout(err, ctx, provider, "tools/list")
		}
		return listed, nil
	})
	if err != nil {
		g.metrics.RecordError(string(models.CodeOf(err)), string(provider))
		return nil, err
	}

	if err := g.ns.Tools.SetJSON(ctx, ckey, tools); err != nil {
		g.logger.Warn(ctx, "failed to cache tool list", "provider", provider, "error", err)
	}
	for _, t := range tools {
		if len(t.InputSchema) > 0 {
			g.ns.Schema.Set(ctx, string(provider)+":"+t.Name, t.InputSchema)
		}
	}
	return tools, nil
}

// CallTool validates and executes one tool call. Identical requests within
// the results TTL are served from cache with Cached set.
func (g *Gateway) CallTool(ctx context.Context, principal string, provider models.ProviderID, tool string, args json.RawMessage) (result *models.ToolResult, err error) {
	ctx, span := g.tracer.Start(ctx, "tool_call",
		attribute.String("provider_id", string(provider)),
		attribute.String("tool_name", tool),
	)
	defer func() {
		if result != nil {
			span.SetAttributes(attribute.Bool("cached", result.Cached))
		}
		g.tracer.RecordError(span, err)
		span.End()
	}()

	def, err := g.resolveDef(provider)
	if err != nil {
		return nil, err
	}

	tools, err := g.ListTools(ctx, principal, provider)
	if err != nil {
		return nil, err
	}
	var descriptor *models.ToolDescriptor
	for i := range tools {
		if tools[i].Name == tool {
			descriptor = &tools[i]
			break
		}
	}
	if descriptor == nil {
		return nil, models.NewError(models.CodeValidation, "provider does not expose this tool").
			WithDetail("provider", string(provider)).
			WithDetail("tool_name", tool)
	}

	// Schema and shape problems fail here, before the breaker sees the call.
	if err := validateArgs(provider, tool, descriptor.InputSchema, args); err != nil {
		return nil, err
	}
	canonical, err := CanonicalArgs(args)
	if err != nil {
		return nil, err
	}
	fp := Fingerprint(provider, tool, canonical)

	if cached, ok := g.lookupResult(ctx, fp); ok {
		g.metrics.RecordCache(g.ns.Results.Name(), string(provider), true)
		g.metrics.RecordToolCall(string(provider), tool, "cached", 0)
		cached.Cached = true
		cached.Fingerprint = fp
		return cached, nil
	}
	g.metrics.RecordCache(g.ns.Results.Name(), string(provider), false)

	bound, err := g.bindCredentials(ctx, principal, def)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	br := g.breakers.Get(string(provider))
	callResult, err := breaker.ExecuteWithResult(br, ctx, func(ctx context.Context) (*connector.CallResult, error) {
		sess, err := g.sessions.acquire(g.baseCtx, principal, provider, bound)
		if err != nil {
			return nil, err
		}
		cctx, cancel := context.WithTimeout(ctx, g.toolTimeout)
		defer cancel()
		res, err := sess.client.CallTool(cctx, tool, args)
		if err != nil {
			return nil, g.mapTimeout(err, ctx, provider, tool)
		}
		return res, nil
	})
	elapsed := time.Since(start)

	if err != nil {
		g.metrics.RecordToolCall(string(provider), tool, "error", elapsed.Seconds())
		g.metrics.RecordError(string(models.CodeOf(err)), string(provider))
		return nil, err
	}

	result = &models.ToolResult{
		Content:     callResult.Text(),
		IsError:     callResult.IsError,
		DurationMS:  elapsed.Milliseconds(),
		Fingerprint: fp,
	}
	if callResult.IsError {
		result.ErrorCode = models.CodeToolExecution
		g.metrics.RecordToolCall(string(provider), tool, "error", elapsed.Seconds())
		return result, nil
	}

	g.metrics.RecordToolCall(string(provider), tool, "success", elapsed.Seconds())
	g.storeResult(ctx, fp, result)
	return result, nil
}

// Prewarm opens sessions for the given providers using the anonymous
// principal. Failures are logged and forgotten; a cold session is retried
// lazily on first real use. Callers normally run this in a goroutine.
func (g *Gateway) Prewarm(ctx context.Context, providers []models.ProviderID) {
	for _, provider := range providers {
		def, err := g.resolveDef(provider)
		if err != nil {
			g.logger.Warn(ctx, "prewarm skipped", "provider", provider, "error", err)
			continue
		}
		bound, err := g.bindCredentials(ctx, models.AnonymousPrincipal, def)
		if err != nil {
			g.logger.Warn(ctx, "prewarm skipped", "provider", provider, "error", err)
			continue
		}
		if _, err := g.sessions.acquire(g.baseCtx, models.AnonymousPrincipal, provider, bound); err != nil {
			g.logger.Warn(ctx, "prewarm failed", "provider", provider, "error", err)
			continue
		}
		g.logger.Info(ctx, "prewarmed provider session", "provider", provider)
	}
}

// Shutdown closes every session and stops maintenance. Idempotent.
func (g *Gateway) Shutdown() {
	g.shutdownOnce.Do(func() {
		close(g.stopChan)
		g.wg.Wait()
		g.sessions.closeAll()
		g.logger.Info(context.Background(), "gateway shut down")
	})
}

// BreakerStats reports every provider breaker.
func (g *Gateway) BreakerStats() []breaker.Stats {
	return g.breakers.Stats()
}

// ResetBreaker forces one provider's breaker closed. Operator surface.
func (g *Gateway) ResetBreaker(provider string) error {
	return g.breakers.Reset(provider)
}

// CacheStats reports the shared cache backend counters.
func (g *Gateway) CacheStats() cache.Stats {
	return g.ns.Stats()
}

// SessionCount reports live provider sessions.
func (g *Gateway) SessionCount() int {
	return g.sessions.count()
}

func (g *Gateway) resolveDef(provider models.ProviderID) (*connector.Definition, error) {
	if !models.IsKnownProvider(provider) {
		return nil, models.NewError(models.CodeInvalidProvider, "unknown provider").
			WithDetail("provider", string(provider))
	}
	def, ok := g.registry.Get(provider)
	if !ok || !def.IsEnabled() {
		return nil, models.NewError(models.CodeInvalidProvider, "provider not configured").
			WithDetail("provider", string(provider))
	}
	return def, nil
}

// bindCredentials resolves the principal's credentials and applies them to
// the definition. Both steps happen before the breaker so a caller-side
// problem never counts against the provider.
func (g *Gateway) bindCredentials(ctx context.Context, principal string, def *connector.Definition) (*connector.Definition, error) {
	credMap, err := g.creds.Get(ctx, principal, def.ID)
	if err != nil {
		return nil, err
	}
	return def.WithCredentials(credMap)
}

// mapTimeout turns a per-call deadline into TOOL_EXECUTION_ERROR while the
// surrounding request is still alive; genuine caller cancellation passes
// through untouched.
func (g *Gateway) mapTimeout(err error, parent context.Context, provider models.ProviderID, op string) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return models.WrapError(models.CodeToolExecution, "tool call timed out", err).
			WithDetail("provider", string(provider)).
			WithDetail("operation", op).
			WithDetail("timeout_seconds", int(g.toolTimeout.Seconds()))
	}
	return err
}

type cachedResult struct {
	Content    string `json:"content"`
	DurationMS int64  `json:"duration_ms"`
}

func (g *Gateway) lookupResult(ctx context.Context, fp string) (*models.ToolResult, bool) {
	var entry cachedResult
	if !g.ns.Results.GetJSON(ctx, fp, &entry) {
		return nil, false
	}
	return &models.ToolResult{
		Content:    entry.Content,
		DurationMS: entry.DurationMS,
	}, true
}

// storeResult caches a successful result unless it exceeds the payload cap.
func (g *Gateway) storeResult(ctx context.Context, fp string, result *models.ToolResult) {
	if len(result.Content) > g.payloadCap {
		g.logger.Debug(ctx, "result exceeds payload cap, not cached",
			"size", len(result.Content), "cap", g.payloadCap)
		return
	}
	entry := cachedResult{Content: result.Content, DurationMS: result.DurationMS}
	if err := g.ns.Results.SetJSON(ctx, fp, entry); err != nil {
		g.logger.Warn(ctx, "failed to cache tool result", "error", err)
	}
}

func (g *Gateway) onBreakerChange(name, from, to string) {
	g.logger.Warn(context.Background(), "circuit breaker state changed",
		"provider", name, "from", from, "to", to)
	g.metrics.SetBreakerState(name, breakerStateValue(to))

	// An open circuit means the provider is misbehaving; drop its sessions
	// so recovery starts from a fresh handle.
	if to == breaker.StateOpen {
		if n := g.sessions.evictProvider(models.ProviderID(name)); n > 0 {
			g.logger.Info(context.Background(), "evicted sessions for open circuit",
				"provider", name, "count", n)
		}
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func (g *Gateway) maintenanceLoop(ctx context.Context, sched cron.Schedule) {
	defer g.wg.Done()

	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-g.stopChan:
			timer.Stop()
			return
		case <-timer.C:
		}
		g.maintain(ctx)
	}
}

func (g *Gateway) maintain(ctx context.Context) {
	closed := g.sessions.sweepIdle()
	stats := g.ns.Stats()
	g.logger.Debug(ctx, "gateway maintenance",
		"sessions_closed", closed,
		"sessions_live", g.sessions.count(),
		"cache_size", stats.Size,
		"cache_hit_rate", stats.HitRate)
}
