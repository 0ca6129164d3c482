package reasoner

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/crossquery/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// maxEmptyStreamEvents bounds consecutive no-op SSE events before the
// stream is treated as malformed and cut off.
const maxEmptyStreamEvents = 300

// AnthropicClient streams completions from the Anthropic messages API.
//
// Tool calls arrive as content blocks: a block start carries the id and
// name, input_json_delta events stream the argument JSON, and the block
// stop finalizes the call. Token usage arrives on message_start (input)
// and message_delta (output).
type AnthropicClient struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

// AnthropicOptions configures the Anthropic-backed client.
type AnthropicOptions struct {
	APIKey  string
	BaseURL string
}

// NewAnthropicClient builds the client. A missing API key wraps
// models.ErrNoReasoner so callers can run degraded instead of failing.
func NewAnthropicClient(opts AnthropicOptions) (*AnthropicClient, error) {
	if opts.APIKey == "" {
		return nil, models.WrapError(models.CodeValidation, "anthropic api key is required", models.ErrNoReasoner)
	}
	ro := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	return &AnthropicClient{
		client:     anthropic.NewClient(ro...),
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

func (c *AnthropicClient) Name() string { return "anthropic" }

// Complete opens a streaming completion. The SDK surfaces connection
// failures through the stream rather than at creation, so retries with
// exponential backoff wrap any stream that dies before delivering output;
// once chunks have flowed, errors terminate the stream instead.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		for attempt := 0; ; attempt++ {
			stream := c.client.Messages.NewStreaming(ctx, params)
			retryErr := c.processStream(ctx, stream, chunks)
			if retryErr == nil {
				return
			}
			if attempt >= c.maxRetries || !retryable(retryErr) || ctx.Err() != nil {
				send(ctx, chunks, &Chunk{Err: retryErr, Done: true})
				return
			}
			backoff := c.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				send(ctx, chunks, &Chunk{Err: ctx.Err(), Done: true})
				return
			case <-time.After(backoff):
			}
		}
	}()
	return chunks, nil
}

// processStream pumps one SSE stream. It returns an error only when the
// stream failed before anything was delivered, leaving the retry decision
// to the caller; otherwise the outcome has already been sent on chunks.
func (c *AnthropicClient) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *Chunk) error {
	var currentCall *ToolCall
	var currentInput strings.Builder
	var inTokens, outTokens int
	delivered := false
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inTokens = int(messageStart.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentCall = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(ctx, chunks, &Chunk{Text: delta.Text}) {
						return nil
					}
					delivered = true
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentCall != nil {
				input := currentInput.String()
				if input == "" {
					input = "{}"
				}
				currentCall.Input = json.RawMessage(input)
				if !send(ctx, chunks, &Chunk{ToolCall: currentCall}) {
					return nil
				}
				currentCall = nil
				delivered = true
				processed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outTokens = int(messageDelta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			send(ctx, chunks, &Chunk{Done: true, InputTokens: inTokens, OutputTokens: outTokens})
			return nil
		}

		// Streams that flood empty events get cut off rather than spinning.
		if processed {
			emptyEvents = 0
		} else if emptyEvents++; emptyEvents >= maxEmptyStreamEvents {
			send(ctx, chunks, &Chunk{
				Err:  models.Errorf(models.CodeToolExecution, "stream malformed: %d consecutive empty events", emptyEvents),
				Done: true,
			})
			return nil
		}
	}

	err := stream.Err()
	if err == nil {
		// Ended without message_stop; treat as complete.
		send(ctx, chunks, &Chunk{Done: true, InputTokens: inTokens, OutputTokens: outTokens})
		return nil
	}
	if !delivered {
		return err
	}
	send(ctx, chunks, &Chunk{Err: err, Done: true})
	return nil
}

func buildAnthropicParams(req *Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertAnthropicMessages maps conversation turns onto content blocks.
// Tool results ride user messages in this API; system prompts are handled
// at the params level and never appear here.
func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.Results {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, models.WrapError(models.CodeValidation, "tool call input is not a JSON object", err).
					WithDetail("tool_name", tc.Name)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, models.WrapError(models.CodeValidation, "tool input schema does not parse", err).
					WithDetail("tool_name", tool.Name)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, models.Errorf(models.CodeValidation, "tool %s produced no definition", tool.Name)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}
	return out, nil
}
