package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/crossquery/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient streams chat completions from the OpenAI API.
//
// Tool calls stream incrementally: the first fragment carries the id and
// function name, later fragments append argument JSON, and a tool_calls
// finish reason marks the set complete. processStream accumulates fragments
// per index and emits whole calls only.
type OpenAIClient struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// OpenAIOptions configures the OpenAI-backed client.
type OpenAIOptions struct {
	APIKey string
	// BaseURL overrides the API endpoint, for proxies and compatible servers.
	BaseURL string
}

// NewOpenAIClient builds the client. A missing API key wraps
// models.ErrNoReasoner so callers can run degraded instead of failing.
func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, models.WrapError(models.CodeValidation, "openai api key is required", models.ErrNoReasoner)
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(cfg),
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

func (c *OpenAIClient) Name() string { return "openai" }

// Complete opens a streaming completion. Stream creation retries with
// linear backoff on transient failures; in-flight stream errors surface as
// a terminal Err chunk instead.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	model := req.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req),
		Stream:   true,
		// Usage arrives in a trailing frame with no choices.
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = c.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	chunks := make(chan *Chunk)
	go c.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk) {
	defer close(chunks)
	defer stream.Close()

	// Fragments accumulate per tool-call index; order preserves the
	// sequence the model issued them in.
	pending := make(map[int]*ToolCall)
	var order []int
	var inTokens, outTokens int

	flush := func() bool {
		for _, idx := range order {
			tc := pending[idx]
			if tc == nil || tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage("{}")
			}
			if !send(ctx, chunks, &Chunk{ToolCall: tc}) {
				return false
			}
		}
		pending = make(map[int]*ToolCall)
		order = order[:0]
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if flush() {
					send(ctx, chunks, &Chunk{Done: true, InputTokens: inTokens, OutputTokens: outTokens})
				}
				return
			}
			send(ctx, chunks, &Chunk{Err: err, Done: true})
			return
		}

		if response.Usage != nil {
			inTokens = response.Usage.PromptTokens
			outTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !send(ctx, chunks, &Chunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur := pending[idx]
			if cur == nil {
				cur = &ToolCall{}
				pending[idx] = cur
				order = append(order, idx)
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				cur.Input = append(cur.Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// convertOpenAIMessages maps the request onto the chat wire shape. The
// system prompt becomes the leading message; each tool result becomes its
// own role=tool message keyed by tool_call_id.
func convertOpenAIMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, m)

		case RoleTool:
			for _, res := range msg.Results {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Content,
					ToolCallID: res.ToolCallID,
				})
			}

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

// convertOpenAITools maps tool specs to function definitions. A schema that
// does not parse degrades to an empty object schema so one bad tool cannot
// sink the whole request.
func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}
