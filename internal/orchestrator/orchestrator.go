// Package orchestrator binds detection, planning, fan-out, and synthesis
// into the two public entry points: Process answers synchronously, Stream
// emits incremental progress events over a bounded channel.
//
// Stream event order for a successful request is started, planning (only
// when the detector runs), plan_complete, interleaved source_start and
// source_complete pairs, synthesizing, zero or more synthesis_chunk, done.
// Any failure after started replaces the tail with a single error event.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/crossquery/internal/cache"
	"github.com/haasonsaas/crossquery/internal/creds"
	"github.com/haasonsaas/crossquery/internal/fanout"
	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/internal/synthesize"
	"github.com/haasonsaas/crossquery/pkg/models"
)

const (
	defaultDeadline     = 120 * time.Second
	defaultStreamBuffer = 64

	// Session records keep only a bounded slice of the conversation so a
	// pathological query or answer cannot bloat the cache.
	sessionQueryCap  = 512
	sessionAnswerCap = 4096
)

// Catalog is the registry view the orchestrator needs: the ids of every
// enabled provider.
type Catalog interface {
	EnabledIDs() []models.ProviderID
}

// Detector scores provider relevance for a query over the available set.
type Detector interface {
	Detect(ctx context.Context, query string, available []models.ProviderID) ([]models.ProviderRelevance, error)
}

// Planner turns a request plus rankings into an execution plan.
type Planner interface {
	Build(req *models.MultiSourceRequest, ranked []models.ProviderRelevance, configured []models.ProviderID) (*models.Plan, error)
}

// Executor fans a plan out to provider legs and reports per-leg results in
// plan order.
type Executor interface {
	Execute(ctx context.Context, principal string, plan *models.Plan, events fanout.LegEvents) []models.SourceQueryResult
}

// Synthesizer folds leg results into one answer, optionally streaming
// fragments through emit.
type Synthesizer interface {
	Run(ctx context.Context, query string, results []models.SourceQueryResult, emit func(string)) (*synthesize.Result, error)
}

// SessionRecord is the conversational state kept per session id. It is a
// summary, not a transcript: enough for a follow-up request to see what the
// session last asked and how it went.
type SessionRecord struct {
	SessionID  string                `json:"session_id"`
	Queries    int                   `json:"queries"`
	LastQuery  string                `json:"last_query"`
	LastStatus models.ResponseStatus `json:"last_status"`
	LastAnswer string                `json:"last_answer,omitempty"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Orchestrator executes multi-source queries end to end.
type Orchestrator struct {
	catalog     Catalog
	detector    Detector
	planner     Planner
	executor    Executor
	synthesizer Synthesizer
	creds       creds.Store
	sessions    *cache.Namespace
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	deadline    time.Duration
	streamBuf   int
}

// Options tunes an Orchestrator beyond its required collaborators.
type Options struct {
	// Creds filters enabled providers down to those the principal holds
	// credentials for. Nil skips the filter.
	Creds creds.Store

	// Sessions persists SessionRecords across requests. Nil disables
	// session tracking.
	Sessions *cache.Namespace

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// Tracer emits orchestrate spans. Nil means a no-op tracer.
	Tracer *observability.Tracer

	// Deadline bounds the whole pipeline. Zero means 120s.
	Deadline time.Duration

	// StreamBuffer sizes the event channel returned by Stream. Zero means 64.
	StreamBuffer int
}

// New wires an orchestrator. The catalog, detector, planner, executor, and
// synthesizer are required; everything else defaults.
func New(catalog Catalog, detector Detector, planner Planner, executor Executor, synthesizer Synthesizer, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "info"})
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	streamBuf := opts.StreamBuffer
	if streamBuf <= 0 {
		streamBuf = defaultStreamBuffer
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return &Orchestrator{
		catalog:     catalog,
		detector:    detector,
		planner:     planner,
		executor:    executor,
		synthesizer: synthesizer,
		creds:       opts.Creds,
		sessions:    opts.Sessions,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		deadline:    deadline,
		streamBuf:   streamBuf,
	}
}

// Process runs the full pipeline and returns the assembled response. The
// request is validated first; validation failures return before any
// provider work starts.
func (o *Orchestrator) Process(ctx context.Context, req *models.MultiSourceRequest, principal string) (*models.MultiSourceResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return o.run(ctx, req, principal, nil)
}

// Stream runs the same pipeline and returns a channel of progress events.
// The channel is closed after the terminal event (done or error). Validation
// failures are returned synchronously so transports can reject the request
// before committing to a stream.
func (o *Orchestrator) Stream(ctx context.Context, req *models.MultiSourceRequest, principal string) (<-chan models.StreamEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ch := make(chan models.StreamEvent, o.streamBuf)
	em := &emitter{ctx: ctx, ch: ch, metrics: o.metrics}
	go func() {
		defer close(ch)
		if _, err := o.run(ctx, req, principal, em); err != nil {
			te := models.AsError(err)
			em.send(models.ErrorEvent(te.Code, te.Message))
		}
	}()
	return ch, nil
}

// Session returns the stored record for a session id, if any.
func (o *Orchestrator) Session(ctx context.Context, id string) (*SessionRecord, bool) {
	if o.sessions == nil {
		return nil, false
	}
	var rec SessionRecord
	if !o.sessions.GetJSON(ctx, id, &rec) {
		return nil, false
	}
	return &rec, true
}

// run is the shared pipeline. em is nil for Process. On success it emits
// done itself; on failure it returns the error and emits nothing terminal,
// leaving the error event to Stream.
func (o *Orchestrator) run(ctx context.Context, req *models.MultiSourceRequest, principal string, em *emitter) (resp *models.MultiSourceResponse, err error) {
	start := time.Now()
	o.metrics.ActiveRequests.Inc()
	defer o.metrics.ActiveRequests.Dec()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = observability.AddSessionID(ctx, sessionID)
	ctx = observability.AddPrincipal(ctx, principal)

	ctx, span := o.tracer.Start(ctx, "orchestrate",
		attribute.String("session_id", sessionID),
		attribute.String("principal", models.RedactPrincipal(principal)),
	)
	defer func() {
		if err != nil {
			o.tracer.RecordError(span, err)
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	em.send(models.NewEvent(models.EventStarted))

	plan, err := o.buildPlan(ctx, req, principal, em)
	if err != nil {
		return nil, o.fail(ctx, err)
	}
	em.send(models.PlanCompleteEvent(plan))
	o.metrics.QueryCounter.WithLabelValues(routingPath(req, plan)).Inc()

	results := o.executor.Execute(ctx, principal, plan, fanout.LegEvents{
		Started: func(p models.ProviderID) {
			em.send(models.SourceStartEvent(p))
		},
		Completed: func(r models.SourceQueryResult) {
			em.send(models.SourceCompleteEvent(r.Provider, r.Succeeded, r.DurationMS))
		},
	})
	// A deadline or disconnect during fan-out leaves no budget for
	// synthesis. The legs have already been marked failed; terminate the
	// request with the context's error rather than a fabricated answer.
	if err := ctx.Err(); err != nil {
		return nil, o.fail(ctx, err)
	}

	em.send(models.NewEvent(models.EventSynthesizing))
	synth, err := o.synthesizer.Run(ctx, req.Query, results, func(fragment string) {
		em.send(models.SynthesisChunkEvent(fragment))
	})
	if err != nil {
		return nil, o.fail(ctx, err)
	}

	resp = assemble(req, plan, results, synth, sessionID, start)
	o.saveSession(ctx, sessionID, req, resp)
	o.logger.Info(ctx, "query orchestrated",
		"status", string(resp.Status),
		"sources", len(plan.Chosen),
		"duration_ms", resp.TotalDurationMS,
	)
	em.send(models.DoneEvent(resp.TotalDurationMS))
	return resp, nil
}

// buildPlan resolves the providers available to the principal, runs the
// detector when the request does not pin sources, and builds the plan.
func (o *Orchestrator) buildPlan(ctx context.Context, req *models.MultiSourceRequest, principal string, em *emitter) (*models.Plan, error) {
	available := o.available(ctx, principal)
	var ranked []models.ProviderRelevance
	if len(req.Sources) == 0 {
		em.send(models.NewEvent(models.EventPlanning))
		var err error
		ranked, err = o.detector.Detect(ctx, req.Query, available)
		if err != nil {
			return nil, err
		}
	}
	return o.planner.Build(req, ranked, available)
}

func (o *Orchestrator) available(ctx context.Context, principal string) []models.ProviderID {
	enabled := o.catalog.EnabledIDs()
	if o.creds == nil {
		return enabled
	}
	return creds.Available(ctx, o.creds, principal, enabled)
}

func (o *Orchestrator) fail(ctx context.Context, err error) error {
	te := models.AsError(err)
	o.metrics.RecordError(string(te.Code), "")
	o.logger.Warn(ctx, "query failed", "code", string(te.Code), "error", te.Message)
	return te
}

func (o *Orchestrator) saveSession(ctx context.Context, sessionID string, req *models.MultiSourceRequest, resp *models.MultiSourceResponse) {
	if o.sessions == nil {
		return
	}
	var rec SessionRecord
	o.sessions.GetJSON(ctx, sessionID, &rec)
	rec.SessionID = sessionID
	rec.Queries++
	rec.LastQuery = truncate(req.Query, sessionQueryCap)
	rec.LastStatus = resp.Status
	rec.LastAnswer = truncate(resp.Response, sessionAnswerCap)
	rec.UpdatedAt = time.Now()
	if err := o.sessions.SetJSON(ctx, sessionID, &rec); err != nil {
		o.logger.Warn(ctx, "session record write failed", "error", err.Error())
	}
}

// assemble derives the response status from leg outcomes and the
// synthesizer verdict. Legs can all "succeed" while returning nothing
// usable; the synthesizer reports that as NoContent and the status is
// failed regardless of leg flags.
func assemble(req *models.MultiSourceRequest, plan *models.Plan, results []models.SourceQueryResult, synth *synthesize.Result, sessionID string, start time.Time) *models.MultiSourceResponse {
	succeeded := make([]models.ProviderID, 0, len(results))
	failed := make([]models.ProviderID, 0)
	for _, r := range results {
		if r.Succeeded {
			succeeded = append(succeeded, r.Provider)
		} else {
			failed = append(failed, r.Provider)
		}
	}
	status := models.StatusFor(len(succeeded), len(failed))
	if synth.NoContent {
		status = models.StatusFailed
	}
	resp := &models.MultiSourceResponse{
		Response:          synth.Text,
		SessionID:         sessionID,
		Status:            status,
		SourceResults:     results,
		SuccessfulSources: succeeded,
		FailedSources:     failed,
		TotalDurationMS:   time.Since(start).Milliseconds(),
		CompletedAt:       time.Now(),
	}
	if req.WantsPlan() {
		resp.Plan = plan
	}
	return resp
}

func routingPath(req *models.MultiSourceRequest, plan *models.Plan) string {
	switch {
	case len(req.Sources) > 0:
		return "pinned"
	case len(plan.Chosen) > 1:
		return "multi_source"
	default:
		return "single_source"
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// emitter serialises events into the stream channel and stamps each with a
// monotonic sequence number. A nil emitter discards everything, which is how
// Process runs the pipeline without a stream.
type emitter struct {
	ctx     context.Context
	ch      chan models.StreamEvent
	metrics *observability.Metrics

	mu  sync.Mutex
	seq uint64
}

// send delivers one event. Buffered room is used immediately; once the
// buffer is full the send blocks until the consumer drains or the request
// context dies, so a gone client cannot wedge leg goroutines.
func (e *emitter) send(ev models.StreamEvent) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	ev.Seq = e.seq
	select {
	case e.ch <- ev:
	default:
		select {
		case e.ch <- ev:
		case <-e.ctx.Done():
			return
		}
	}
	e.metrics.EventQueueDepth.Set(float64(len(e.ch)))
}
