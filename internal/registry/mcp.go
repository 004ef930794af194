package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// MCPServerConfig names one remote JSON-RPC tool server.
type MCPServerConfig struct {
	Name    string
	URL     string
	Headers map[string]string
}

// jsonRPCRequest/jsonRPCResponse mirror the envelope the teacher's
// internal/mcp/transport_http.go sends, trimmed to the plain
// request/response shape a single HTTP call needs (no SSE notifications —
// pith's remote tools are synchronous call/response only).
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPClient discovers and invokes tools on one remote JSON-RPC-over-HTTP
// server (spec.md §4.2's "remote" tool origin).
type MCPClient struct {
	cfg    MCPServerConfig
	http   *http.Client
	log    *slog.Logger
}

func NewMCPClient(cfg MCPServerConfig, log *slog.Logger) *MCPClient {
	if log == nil {
		log = slog.Default()
	}
	return &MCPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log.With("component", "registry.mcp", "server", cfg.Name),
	}
}

func (c *MCPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := jsonRPCRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// ListTools discovers the server's tools via the standard "tools/list" call.
func (c *MCPClient) ListTools(ctx context.Context) ([]mcpToolInfo, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []mcpToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	return out.Tools, nil
}

// CallTool invokes one remote tool via "tools/call".
func (c *MCPClient) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	var argVal any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argVal); err != nil {
			return "", err
		}
	}
	result, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": argVal})
	if err != nil {
		return "", err
	}
	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return string(result), nil
	}
	var text string
	for _, part := range out.Content {
		text += part.Text
	}
	if out.IsError {
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

// DiscoverAndRegister lists the server's tools and registers each under
// `MCP__<server>__<tool>`. An unreachable server is skipped non-fatally —
// spec.md treats MCP servers as best-effort, not startup-blocking.
func DiscoverAndRegister(ctx context.Context, reg *Registry, cfg MCPServerConfig, log *slog.Logger) error {
	client := NewMCPClient(cfg, log)
	tools, err := client.ListTools(ctx)
	if err != nil {
		if log == nil {
			log = slog.Default()
		}
		log.Warn("mcp server unreachable, skipping", "server", cfg.Name, "error", err)
		return nil
	}
	for _, t := range tools {
		tool := t
		reg.RegisterRemote(cfg.Name, tool.Name, &ToolDescriptor{
			Description: tool.Description,
			Parameters:  tool.InputSchema,
			Deadline:    30 * time.Second,
			Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
				return client.CallTool(ctx, tool.Name, args)
			},
		})
	}
	return nil
}
