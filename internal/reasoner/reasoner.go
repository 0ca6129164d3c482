// Package reasoner drives the language model behind provider ranking, the
// per-leg tool-use loop, and answer synthesis.
//
// The package exposes one narrow streaming abstraction, Client, with OpenAI
// and Anthropic implementations, and a Reasoner that shapes the three call
// purposes on top of it. Everything upstream consumes typed errors; provider
// SDK errors never escape this package.
package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/crossquery/internal/config"
	"github.com/haasonsaas/crossquery/internal/observability"
	"github.com/haasonsaas/crossquery/pkg/models"
)

// Message roles understood by every Client implementation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a model request to execute one named tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// CallResult carries one executed tool's output back into the conversation.
type CallResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is a single conversation turn. Tool results ride RoleTool
// messages; assistant turns may carry the tool calls they issued.
type Message struct {
	Role      string       `json:"role"`
	Content   string       `json:"content,omitempty"`
	ToolCalls []ToolCall   `json:"tool_calls,omitempty"`
	Results   []CallResult `json:"tool_results,omitempty"`
}

// ToolSpec describes one callable tool to the model. InputSchema is a raw
// JSON Schema object; an empty schema means the tool takes no arguments.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one completion request against a Client.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Chunk is one element of a streamed completion. Text chunks arrive as the
// model produces them; tool calls arrive whole once their arguments are
// fully streamed. The final chunk has Done set and carries token usage when
// the backend reports it. Err terminates the stream.
type Chunk struct {
	Text         string
	ToolCall     *ToolCall
	Done         bool
	Err          error
	InputTokens  int
	OutputTokens int
}

// Client is a streaming LLM backend. Implementations must be safe for
// concurrent use; each Complete call owns an independent stream whose
// channel is closed when the stream ends.
type Client interface {
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
}

// Decision is one turn of the tool-use loop: tool calls to execute, or
// terminal text, occasionally both when the model narrates before calling.
type Decision struct {
	Text      string
	ToolCalls []ToolCall
}

// Reasoner shapes the three orchestration purposes (rank, select_tools,
// synthesize) over a Client and records per-call metrics.
type Reasoner struct {
	client    Client
	model     string
	maxTokens int
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// Options configures a Reasoner. Model may stay empty to use the client's
// default; zero MaxTokens falls back to the backend default.
type Options struct {
	Model     string
	MaxTokens int
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// New builds a Reasoner over the given client.
func New(client Client, opts Options) *Reasoner {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	return &Reasoner{
		client:    client,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		logger:    logger,
		metrics:   metrics,
	}
}

// FromConfig builds a Reasoner from the reasoner config block. When no API
// key is configured the returned error wraps models.ErrNoReasoner so callers
// can degrade to keyword-only detection instead of failing startup.
func FromConfig(cfg config.ReasonerConfig, logger *observability.Logger, metrics *observability.Metrics) (*Reasoner, error) {
	var (
		client Client
		err    error
	)
	switch cfg.Provider {
	case "anthropic":
		client, err = NewAnthropicClient(AnthropicOptions{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	case "", "openai":
		client, err = NewOpenAIClient(OpenAIOptions{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	default:
		return nil, models.Errorf(models.CodeValidation, "unsupported reasoner provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return New(client, Options{
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Logger:    logger,
		Metrics:   metrics,
	}), nil
}

// Rank scores each candidate provider's relevance to the query. Entries the
// model invents for providers outside the candidate set are dropped;
// confidences are clamped into [0,1]. Order is the model's own.
func (r *Reasoner) Rank(ctx context.Context, query string, candidates []models.Provider) ([]models.ProviderRelevance, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	req := &Request{
		Model:     r.model,
		System:    rankSystem,
		Messages:  []Message{{Role: RoleUser, Content: buildRankPrompt(query, candidates)}},
		MaxTokens: r.maxTokens,
	}
	out, err := r.collect(ctx, "rank", req)
	if err != nil {
		return nil, err
	}
	ranked, err := parseRelevance(out.text, candidates)
	if err != nil {
		r.logger.Warn(ctx, "ranking response unparseable", "model", r.client.Name(), "error", err)
		return nil, err
	}
	return ranked, nil
}

// SelectTools runs one turn of the tool-use loop. The query is the leg's
// sub-query; history carries prior assistant turns and tool results in
// order. The returned decision holds either the next tool calls or the
// leg's terminal text.
func (r *Reasoner) SelectTools(ctx context.Context, query string, tools []models.ToolDescriptor, history []Message) (*Decision, error) {
	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, Message{Role: RoleUser, Content: query})
	msgs = append(msgs, history...)

	req := &Request{
		Model:     r.model,
		System:    selectSystem,
		Messages:  msgs,
		Tools:     toolSpecs(tools),
		MaxTokens: r.maxTokens,
	}
	out, err := r.collect(ctx, "select_tools", req)
	if err != nil {
		return nil, err
	}
	return &Decision{Text: out.text, ToolCalls: out.calls}, nil
}

// Synthesize streams the combined answer for a fully composed instruction.
// The returned channel closes when the stream ends; a failed stream delivers
// exactly one chunk with Err set. Token usage is recorded when the final
// chunk arrives.
func (r *Reasoner) Synthesize(ctx context.Context, instruction string) (<-chan Chunk, error) {
	req := &Request{
		Model:     r.model,
		System:    synthesisSystem,
		Messages:  []Message{{Role: RoleUser, Content: instruction}},
		MaxTokens: r.maxTokens,
	}

	start := time.Now()
	inner, err := r.client.Complete(ctx, req)
	if err != nil {
		return nil, r.wrap("synthesize", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for chunk := range inner {
			c := *chunk
			if c.Err != nil {
				c.Err = r.wrap("synthesize", c.Err)
				c.Done = true
			}
			if c.Done && c.Err == nil {
				r.metrics.RecordLLMCall("synthesize", time.Since(start).Seconds(), c.InputTokens, c.OutputTokens)
			}
			select {
			case out <- c:
			case <-ctx.Done():
				// Consumer is gone; drain so the producer can exit.
				for range inner {
				}
				return
			}
			if c.Done {
				return
			}
		}
	}()
	return out, nil
}

// Model returns the configured model id, empty when the client default is
// in effect.
func (r *Reasoner) Model() string { return r.model }

// Backend returns the client name, e.g. "openai".
func (r *Reasoner) Backend() string { return r.client.Name() }

// completion is one fully drained streamed response.
type completion struct {
	text      string
	calls     []ToolCall
	inTokens  int
	outTokens int
}

// collect drains a complete stream, accumulating text and tool calls, and
// records the call against the metrics surface.
func (r *Reasoner) collect(ctx context.Context, purpose string, req *Request) (*completion, error) {
	start := time.Now()
	chunks, err := r.client.Complete(ctx, req)
	if err != nil {
		return nil, r.wrap(purpose, err)
	}

	var out completion
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, r.wrap(purpose, chunk.Err)
		}
		if chunk.ToolCall != nil {
			out.calls = append(out.calls, *chunk.ToolCall)
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.Done {
			out.inTokens = chunk.InputTokens
			out.outTokens = chunk.OutputTokens
		}
	}
	out.text = strings.TrimSpace(text.String())

	r.metrics.RecordLLMCall(purpose, time.Since(start).Seconds(), out.inTokens, out.outTokens)
	r.logger.Debug(ctx, "reasoner call complete",
		"purpose", purpose,
		"backend", r.client.Name(),
		"tokens_in", out.inTokens,
		"tokens_out", out.outTokens,
		"tool_calls", len(out.calls))
	return &out, nil
}

// wrap maps a backend error onto the taxonomy. Rate limiting surfaces as
// UPSTREAM_RATE_LIMIT, everything else as TOOL_EXECUTION_ERROR; context
// cancellation passes through untouched so callers see their own deadline.
func (r *Reasoner) wrap(purpose string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var te *models.Error
	if errors.As(err, &te) {
		return err
	}
	code := models.CodeToolExecution
	if models.ClassifyUpstream(err) == models.CodeUpstreamLimited {
		code = models.CodeUpstreamLimited
	}
	return models.WrapError(code, "reasoner "+purpose+" failed", err).
		WithDetail("backend", r.client.Name())
}

// toolSpecs converts gateway tool descriptors into the client wire shape.
func toolSpecs(tools []models.ToolDescriptor) []ToolSpec {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ToolSpec, len(tools))
	for i, t := range tools {
		out[i] = ToolSpec{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return out
}

// retryable reports whether a backend error is worth another attempt.
// Rate limits and transient transport failures qualify.
func retryable(err error) bool {
	switch models.ClassifyUpstream(err) {
	case models.CodeUpstreamLimited, models.CodeConnectorDown:
		return true
	}
	return false
}

// send delivers one chunk unless the context ends first. Every producer
// send goes through here so an abandoned consumer never strands the stream
// goroutine.
func send(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
