package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicProvider implements Model against Anthropic's Messages streaming
// API, grounded on the teacher's internal/agent/providers/anthropic.go:
// the same retry-with-backoff-then-stream-events shape, trimmed to the
// text/tool_use/tool_input event types pith's single-agent loop needs
// (no beta computer-use stream — pith's tools are ordinary function calls).
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig configures NewAnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider validates config and returns a ready-to-use provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *AnthropicProvider) maxTokens(req Request) int64 {
	if req.MaxTokens > 0 {
		return int64(req.MaxTokens)
	}
	return 4096
}

// Generate streams a completion, retrying stream establishment with
// exponential backoff (base retryDelay, doubling) on transient failures.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk)

	go func() {
		defer close(out)

		params, err := p.buildParams(req)
		if err != nil {
			out <- Chunk{Err: &ModelError{Provider: "anthropic", Err: err}}
			return
		}

		var stream *anthropicStream
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream = p.newStream(ctx, params)
			if stream.connectErr == nil {
				break
			}
			merr := classifyAnthropicErr(stream.connectErr)
			if !merr.IsTransient || attempt == p.maxRetries {
				out <- Chunk{Err: merr}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}

		processAnthropicStream(stream, out)
	}()

	return out, nil
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("convert messages: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req)),
		Messages:  messages,
		MaxTokens: p.maxTokens(req),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

type anthropicStream struct {
	stream     *ssestream.Stream[anthropic.MessageStreamEventUnion]
	connectErr error
}

func (p *AnthropicProvider) newStream(ctx context.Context, params anthropic.MessageNewParams) *anthropicStream {
	s := p.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: s, connectErr: s.Err()}
}

func processAnthropicStream(s *anthropicStream, out chan<- Chunk) {
	stream := s.stream
	var toolCall *ToolCall
	var toolInput strings.Builder
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				toolCall = &ToolCall{ID: tu.ID, Name: tu.Name}
				toolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- Chunk{Text: delta.Text}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if toolCall != nil {
				toolCall.Input = json.RawMessage(toolInput.String())
				out <- Chunk{ToolCall: toolCall}
				toolCall = nil
			}
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
		case "message_stop":
			out <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		case "error":
			out <- Chunk{Err: &ModelError{Provider: "anthropic", Err: errors.New("stream error"), IsTransient: true}}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- Chunk{Err: classifyAnthropicErr(err)}
	}
}

func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user", "system":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, fmt.Errorf("unknown message role %q", m.Role)
		}
	}
	return out, nil
}

func convertAnthropicTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid schema: %w", t.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, toolParam)
	}
	return out, nil
}

// classifyAnthropicErr mirrors the teacher's string-matching retry
// classification (status codes aren't reliably typed across SDK error
// variants): rate limits, 5xx, and timeouts are transient.
func classifyAnthropicErr(err error) *ModelError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	transient := strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused")
	return &ModelError{Provider: "anthropic", Err: err, IsTransient: transient}
}
