// Package fanout executes plan legs against provider connectors. Each leg
// runs the reasoner's tool-use loop for one provider: list the provider's
// tools, let the model pick calls, execute them through the gateway, feed
// results back, and stop on terminal text. Legs never raise; every outcome
// is packaged as a SourceQueryResult, and the result list preserves plan
// order regardless of completion order.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/crossquery/internal/gateway"
	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/internal/reasoner"
	"github.com/haasonsaas/crossquery/pkg/models"
)

const (
	// defaultMaxConcurrentLegs bounds how many legs run at once per request.
	defaultMaxConcurrentLegs = 3

	// defaultMaxIterations bounds the tool-use loop per leg.
	defaultMaxIterations = 10

	// historyWindow caps the conversation window handed back to the reasoner,
	// in messages. Trimming drops whole assistant+results pairs so tool calls
	// never separate from their results.
	historyWindow = 20
)

// ToolGateway is the slice of the gateway a leg needs.
type ToolGateway interface {
	ListTools(ctx context.Context, principal string, provider models.ProviderID) ([]models.ToolDescriptor, error)
	CallTool(ctx context.Context, principal string, provider models.ProviderID, tool string, args json.RawMessage) (*models.ToolResult, error)
}

// ToolSelector is the reasoner surface the tool-use loop drives.
// *reasoner.Reasoner satisfies it.
type ToolSelector interface {
	SelectTools(ctx context.Context, query string, tools []models.ToolDescriptor, history []reasoner.Message) (*reasoner.Decision, error)
}

// LegEvents carries optional callbacks fired as legs start and finish, in
// completion time order. Either field may be nil.
type LegEvents struct {
	Started   func(provider models.ProviderID)
	Completed func(result models.SourceQueryResult)
}

func (ev LegEvents) started(p models.ProviderID) {
	if ev.Started != nil {
		ev.Started(p)
	}
}

func (ev LegEvents) completed(r models.SourceQueryResult) {
	if ev.Completed != nil {
		ev.Completed(r)
	}
}

// Executor fans a plan out across providers with bounded concurrency.
type Executor struct {
	gateway  ToolGateway
	selector ToolSelector
	latency  *observability.LatencyTracker
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	maxConcurrent int
	maxIterations int
}

// Options configures an Executor. Latency should be the tracker the planner
// reads estimates from; successful leg durations feed it.
type Options struct {
	MaxConcurrentLegs int
	MaxIterations     int
	Latency           *observability.LatencyTracker
	Logger            *observability.Logger
	Metrics           *observability.Metrics
	Tracer            *observability.Tracer
}

// New builds an Executor over the gateway and selector.
func New(gw ToolGateway, selector ToolSelector, opts Options) *Executor {
	maxConcurrent := opts.MaxConcurrentLegs
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentLegs
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	latency := opts.Latency
	if latency == nil {
		latency = observability.NewLatencyTracker()
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
	return &Executor{
		gateway:       gw,
		selector:      selector,
		latency:       latency,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
		maxConcurrent: maxConcurrent,
		maxIterations: maxIterations,
	}
}

// Execute runs one leg per provider in plan.Chosen and returns their results
// in plan order. Cancellation or an expired deadline fails the legs still in
// flight; the executor itself never returns an error.
func (e *Executor) Execute(ctx context.Context, principal string, plan *models.Plan, events LegEvents) []models.SourceQueryResult {
	results := make([]models.SourceQueryResult, len(plan.Chosen))
	sem := make(chan struct{}, e.maxConcurrent)
	var wg sync.WaitGroup

	for i, provider := range plan.Chosen {
		wg.Add(1)
		go func(idx int, id models.ProviderID) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				l := &leg{provider: id, start: time.Now()}
				results[idx] = e.fail(ctx, l, ctx.Err())
				events.started(id)
				events.completed(results[idx])
				return
			}

			events.started(id)
			results[idx] = e.runLeg(ctx, principal, plan, id)
			events.completed(results[idx])
		}(i, provider)
	}

	wg.Wait()
	return results
}

// leg accumulates one provider leg's state so failures keep the calls made
// so far.
type leg struct {
	provider    models.ProviderID
	start       time.Time
	toolsCalled []string
	records     []models.ToolCallRecord
	payload     string
}

// runLeg drives the tool-use loop for one provider. Panics inside the leg
// are caught and packaged; nothing escapes to the executor.
func (e *Executor) runLeg(ctx context.Context, principal string, plan *models.Plan, provider models.ProviderID) (result models.SourceQueryResult) {
	l := &leg{provider: provider, start: time.Now()}

	ctx, span := e.tracer.Start(ctx, "source_leg",
		attribute.String("provider_id", string(provider)))
	defer func() {
		if !result.Succeeded && result.ErrorCode != "" {
			e.tracer.RecordError(span, models.NewError(result.ErrorCode, result.ErrorMsg))
		}
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "source leg panicked",
				"provider", provider, "panic", r, "stack", string(debug.Stack()))
			result = e.fail(ctx, l, models.Errorf(models.CodeInternal, "source leg panicked"))
		}
	}()

	if e.selector == nil {
		return e.fail(ctx, l, models.WrapError(models.CodeToolExecution,
			"no reasoner configured for tool selection", models.ErrNoReasoner))
	}

	tools, err := e.gateway.ListTools(ctx, principal, provider)
	if err != nil {
		return e.fail(ctx, l, err)
	}
	if len(tools) == 0 {
		return e.fail(ctx, l, models.NewError(models.CodeToolExecution, "provider exposes no tools"))
	}

	query := legQuery(plan, provider)
	var history []reasoner.Message
	guard := faultGuard{}

	for iter := 0; iter < e.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, l, err)
		}

		decision, err := e.selector.SelectTools(ctx, query, tools, history)
		if err != nil {
			return e.fail(ctx, l, err)
		}

		if len(decision.ToolCalls) == 0 {
			return e.succeed(ctx, l, decision.Text)
		}

		history = append(history, reasoner.Message{
			Role:      reasoner.RoleAssistant,
			Content:   decision.Text,
			ToolCalls: decision.ToolCalls,
		})

		outcomes := e.executeCalls(ctx, principal, l, decision.ToolCalls)

		feedback := make([]reasoner.CallResult, len(outcomes))
		for i, o := range outcomes {
			feedback[i] = o.feedback
			if o.legFault != nil {
				return e.fail(ctx, l, o.legFault)
			}
			if guard.observe(o.fingerprint, o.failed) {
				return e.fail(ctx, l, models.NewError(models.CodeToolExecution,
					"tool-use loop stalled on a repeatedly failing call").
					WithDetail("tool_name", o.tool))
			}
		}

		history = append(history, reasoner.Message{Role: reasoner.RoleTool, Results: feedback})
		for len(history) > historyWindow {
			history = history[2:]
		}
	}

	return e.fail(ctx, l, models.WrapError(models.CodeToolExecution,
		fmt.Sprintf("tool-use loop exceeded %d iterations", e.maxIterations),
		models.ErrMaxIterations))
}

// callOutcome is one executed tool call plus the classification the loop
// needs: model feedback, guard fingerprint, and errors that end the leg.
type callOutcome struct {
	tool        string
	feedback    reasoner.CallResult
	fingerprint string
	failed      bool
	legFault    error
	cached      bool
	errorCode   models.Code
	startedAt   time.Time
	endedAt     time.Time
}

// executeCalls runs one decision's tool calls, in parallel when there are
// several. Outcomes are returned in decision order.
func (e *Executor) executeCalls(ctx context.Context, principal string, l *leg, calls []reasoner.ToolCall) []callOutcome {
	outcomes := make([]callOutcome, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc reasoner.ToolCall) {
			defer wg.Done()
			outcomes[idx] = e.executeCall(ctx, principal, l.provider, tc)
		}(i, call)
	}
	wg.Wait()

	for _, o := range outcomes {
		l.toolsCalled = append(l.toolsCalled, o.tool)
		l.records = append(l.records, e.recordFor(l.provider, o))
		if !o.failed && o.feedback.Content != "" {
			l.payload = o.feedback.Content
		}
	}
	return outcomes
}

func (e *Executor) executeCall(ctx context.Context, principal string, provider models.ProviderID, call reasoner.ToolCall) callOutcome {
	o := callOutcome{tool: call.Name}
	o.feedback.ToolCallID = call.ID

	started := time.Now()
	res, err := e.gateway.CallTool(ctx, principal, provider, call.Name, call.Input)
	o.startedAt, o.endedAt = started, time.Now()

	switch {
	case err != nil:
		te := models.AsError(err)
		o.failed = true
		o.errorCode = te.Code
		o.feedback.IsError = true
		o.feedback.Content = fmt.Sprintf("%s: %s", te.Code, te.Message)
		o.fingerprint = localFingerprint(provider, call)
		if te.Code == models.CodeCircuitOpen {
			o.legFault = err
		}
	case res.IsError:
		o.failed = true
		o.errorCode = res.ErrorCode
		o.feedback.IsError = true
		o.feedback.Content = res.Content
		o.fingerprint = res.Fingerprint
	default:
		o.cached = res.Cached
		o.feedback.Content = res.Content
		o.fingerprint = res.Fingerprint
	}
	return o
}

func (e *Executor) recordFor(provider models.ProviderID, o callOutcome) models.ToolCallRecord {
	return models.ToolCallRecord{
		Provider:    provider,
		Tool:        o.tool,
		Fingerprint: o.fingerprint,
		StartedAt:   o.startedAt,
		EndedAt:     o.endedAt,
		Cached:      o.cached,
		Succeeded:   !o.failed,
		ErrorCode:   o.errorCode,
	}
}

// localFingerprint recomputes the request fingerprint for calls the gateway
// rejected before producing a result, so the fault guard still sees them.
func localFingerprint(provider models.ProviderID, call reasoner.ToolCall) string {
	canonical, err := gateway.CanonicalArgs(call.Input)
	if err != nil {
		return ""
	}
	return gateway.Fingerprint(provider, call.Name, canonical)
}

// faultGuard trips after two consecutive failures with the same fingerprint.
// Any success, or a failure with a different fingerprint, resets the run.
type faultGuard struct {
	lastFailed string
	run        int
}

func (g *faultGuard) observe(fingerprint string, failed bool) bool {
	if !failed {
		g.lastFailed = ""
		g.run = 0
		return false
	}
	if fingerprint == "" {
		return false
	}
	if fingerprint == g.lastFailed {
		g.run++
	} else {
		g.lastFailed = fingerprint
		g.run = 1
	}
	return g.run >= 2
}

func (e *Executor) succeed(ctx context.Context, l *leg, text string) models.SourceQueryResult {
	elapsed := time.Since(l.start)
	e.latency.Record(string(l.provider), elapsed)
	e.logger.Debug(ctx, "source leg completed",
		"provider", l.provider, "duration_ms", elapsed.Milliseconds(), "tools_called", len(l.toolsCalled))
	return models.SourceQueryResult{
		Provider:    l.provider,
		Succeeded:   true,
		Summary:     strings.TrimSpace(text),
		Payload:     l.payload,
		ToolsCalled: l.toolsCalled,
		ToolCalls:   l.records,
		DurationMS:  elapsed.Milliseconds(),
		CompletedAt: time.Now(),
	}
}

func (e *Executor) fail(ctx context.Context, l *leg, err error) models.SourceQueryResult {
	te := models.AsError(err)
	elapsed := time.Since(l.start)
	e.metrics.RecordError(string(te.Code), string(l.provider))
	e.logger.Warn(ctx, "source leg failed",
		"provider", l.provider, "code", te.Code, "error", te.Message, "duration_ms", elapsed.Milliseconds())
	return models.SourceQueryResult{
		Provider:    l.provider,
		Succeeded:   false,
		ToolsCalled: l.toolsCalled,
		ToolCalls:   l.records,
		DurationMS:  elapsed.Milliseconds(),
		CompletedAt: time.Now(),
		ErrorCode:   te.Code,
		ErrorMsg:    te.Message,
	}
}

// legQuery seasons the original query with the planner's suggested approach
// for this provider, when the ranking produced one.
func legQuery(plan *models.Plan, provider models.ProviderID) string {
	for _, r := range plan.Ranked {
		if r.Provider == provider && r.SuggestedApproach != "" {
			return plan.Query + "\n\nSuggested approach: " + r.SuggestedApproach
		}
	}
	return plan.Query
}
