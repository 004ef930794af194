package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GoogleProvider implements Model against Gemini's GenerateContentStream
// API, grounded on the teacher's internal/agent/providers/google.go: the
// same genai.Client-plus-retry shape, trimmed to the text/function_call
// event types pith's single-agent loop needs and re-pointed at the llm
// package's provider-agnostic Message/ToolSchema types instead of the
// teacher's agent.CompletionMessage.
type GoogleProvider struct {
	client       *genai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// GoogleConfig configures NewGoogleProvider.
type GoogleConfig struct {
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewGoogleProvider validates config and returns a ready-to-use provider.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

// Generate streams a completion, retrying stream establishment with linear
// backoff (retryDelay times the attempt number, matching the teacher's
// RetryWithBackoff) on transient failures.
func (p *GoogleProvider) Generate(ctx context.Context, req Request) (<-chan Chunk, error) {
	contents, err := convertGoogleMessages(req.Messages)
	if err != nil {
		return nil, &ModelError{Provider: "google", Err: err}
	}
	config := buildGoogleConfig(req)
	model := p.model(req)

	out := make(chan Chunk)
	go func() {
		defer close(out)

		var lastErr error
		for attempt := 0; attempt < p.maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					out <- Chunk{Err: ctx.Err()}
					return
				case <-time.After(p.retryDelay * time.Duration(attempt)):
				}
			}

			streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			sent, streamErr := processGoogleStream(ctx, streamIter, out)
			if streamErr == nil {
				return
			}
			if sent {
				// Already delivered partial output on this attempt; the
				// fallback chain commits to the first model that streams
				// anything, so surface the failure instead of retrying.
				out <- Chunk{Err: classifyGoogleErr(streamErr)}
				return
			}
			lastErr = streamErr
			merr := classifyGoogleErr(streamErr)
			if !merr.IsTransient {
				out <- Chunk{Err: merr}
				return
			}
		}
		if lastErr != nil {
			out <- Chunk{Err: classifyGoogleErr(lastErr)}
		}
	}()

	return out, nil
}

// processGoogleStream drains one streaming attempt, forwarding text and
// function-call chunks. It reports whether it sent any chunk on this
// attempt, so Generate knows whether a failure is safe to retry.
func processGoogleStream(ctx context.Context, streamIter func(func(*genai.GenerateContentResponse, error) bool), out chan<- Chunk) (sent bool, err error) {
	for resp, iterErr := range streamIter {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		default:
		}
		if iterErr != nil {
			return sent, iterErr
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					out <- Chunk{Text: part.Text}
					sent = true
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					out <- Chunk{ToolCall: &ToolCall{
						ID:    googleToolCallID(part.FunctionCall.Name),
						Name:  part.FunctionCall.Name,
						Input: argsJSON,
					}}
					sent = true
				}
			}
		}
	}
	out <- Chunk{Done: true}
	return true, nil
}

func convertGoogleMessages(messages []Message) ([]*genai.Content, error) {
	var result []*genai.Content
	for _, m := range messages {
		content := &genai.Content{}
		switch m.Role {
		case "user", "system":
			content.Role = genai.RoleUser
		case "assistant":
			content.Role = genai.RoleModel
		case "tool":
			content.Role = genai.RoleUser
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: m.ToolName, Response: response},
			})
			result = append(result, content)
			continue
		default:
			return nil, fmt.Errorf("unknown message role %q", m.Role)
		}
		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func buildGoogleConfig(req Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGoogleTools(req.Tools)
	}
	return config
}

func convertGoogleTools(tools []ToolSchema) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schemaMap map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schemaMap); err != nil {
				continue
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGoogleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGoogleSchema converts a parsed JSON Schema map to Gemini's Schema type,
// grounded on the teacher's toolconv.ToGeminiSchema.
func toGoogleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGoogleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGoogleSchema(items)
	}
	return schema
}

func googleToolCallID(name string) string {
	return "call_" + name
}

// classifyGoogleErr mirrors the teacher's isRetryableError string matching.
func classifyGoogleErr(err error) *ModelError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	transient := strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "quota") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused")
	return &ModelError{Provider: "google", Err: err, IsTransient: transient}
}
