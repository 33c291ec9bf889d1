// Package sidecar talks JSON-RPC to the Terraform MCP server and resolves
// provider and module documentation through it.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/pkg/logger"
)

var (
	ErrUnavailable       = errors.New("sidecar unavailable")
	ErrMalformedResponse = errors.New("malformed sidecar response")
	ErrNotFound          = errors.New("documentation not found")
)

// RPCError is an error object returned by the sidecar.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("sidecar %s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

// ToolResult is the decoded result of tools/call.
type ToolResult struct {
	Text       string
	IsError    bool
	FixedCode  string
	Structured map[string]any
	Raw        json.RawMessage
}

// Observer is told the outcome of every request.
type Observer func(method, result string)

type Client struct {
	bridge     Bridge
	handshake  bool
	timeout    time.Duration
	retryDelay time.Duration
	observe    Observer
	nextID     atomic.Int64
}

type Option func(*Client)

// WithHandshake prefixes every batch with initialize and notifications/initialized.
func WithHandshake(on bool) Option { return func(c *Client) { c.handshake = on } }

func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithRetryDelay sets the pause between health check tries.
func WithRetryDelay(d time.Duration) Option { return func(c *Client) { c.retryDelay = d } }

func WithObserver(o Observer) Option { return func(c *Client) { c.observe = o } }

func NewClient(b Bridge, opts ...Option) *Client {
	c := &Client{
		bridge:     b,
		timeout:    60 * time.Second,
		retryDelay: 2 * time.Second,
		observe:    func(string, string) {},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call sends one request and returns the raw result of the matching response.
func (c *Client) Call(ctx context.Context, method mcp.MCPMethod, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	reqID := mcp.NewRequestId(id)

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if c.handshake {
		if err := c.encodeHandshake(enc); err != nil {
			return nil, err
		}
	}
	req := mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      reqID,
		Params:  params,
		Request: mcp.Request{Method: string(method)},
	}
	if err := enc.Encode(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.bridge.Exchange(ctx, buf.Bytes())
	if err != nil {
		c.observe(string(method), "unavailable")
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}

	dec := NewDecoder(bytes.NewReader(out))
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.observe(string(method), "malformed")
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if f.ID.String() != reqID.String() {
			continue
		}
		if f.Error != nil {
			c.observe(string(method), "error")
			return nil, &RPCError{Method: string(method), Code: f.Error.Code, Message: f.Error.Message}
		}
		c.observe(string(method), "ok")
		return f.Result, nil
	}
	c.observe(string(method), "malformed")
	if len(dec.Noise) > 0 {
		logger.L().Debug("sidecar output without response", zap.String("method", string(method)), zap.Strings("noise", firstN(dec.Noise, 5)))
	}
	return nil, fmt.Errorf("%w: no response for %s id %d", ErrMalformedResponse, method, id)
}

func (c *Client) encodeHandshake(enc *Encoder) error {
	hello := mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId("init"),
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "deployengine", Version: "1.0.0"},
		},
		Request: mcp.Request{Method: string(mcp.MethodInitialize)},
	}
	if err := enc.Encode(hello); err != nil {
		return err
	}
	return enc.Encode(mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: "notifications/initialized"},
	})
}

type toolPayload struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError           bool           `json:"isError"`
	FixedCode         string         `json:"fixed_code"`
	StructuredContent map[string]any `json:"structuredContent"`
}

// CallTool invokes a sidecar tool.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	raw, err := c.Call(ctx, mcp.MethodToolsCall, mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var p toolPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: tool %s: %v", ErrMalformedResponse, name, err)
	}
	texts := make([]string, 0, len(p.Content))
	for _, item := range p.Content {
		if item.Type == "" || item.Type == "text" {
			texts = append(texts, item.Text)
		}
	}
	res := &ToolResult{
		Text:       strings.Join(texts, "\n"),
		IsError:    p.IsError,
		FixedCode:  p.FixedCode,
		Structured: p.StructuredContent,
		Raw:        raw,
	}
	if res.FixedCode == "" && p.StructuredContent != nil {
		if s, ok := p.StructuredContent["fixed_code"].(string); ok {
			res.FixedCode = s
		}
	}
	return res, nil
}

// ListTools returns the tools the sidecar advertises.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	raw, err := c.Call(ctx, mcp.MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var res mcp.ListToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: tools/list: %v", ErrMalformedResponse, err)
	}
	return res.Tools, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, mcp.MethodPing, nil)
	return err
}

// HealthCheck pings up to three times before giving up.
func (c *Client) HealthCheck(ctx context.Context) error {
	const tries = 3
	var err error
	for i := 0; i < tries; i++ {
		if err = c.Ping(ctx); err == nil {
			return nil
		}
		logger.L().Warn("sidecar health check failed", zap.Int("try", i+1), zap.Error(err))
		if i == tries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(c.retryDelay):
		}
	}
	if !errors.Is(err, ErrUnavailable) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// FixConfiguration asks the sidecar's fix_terraform tool for a corrected
// configuration. An empty string means the sidecar had no fix.
func (c *Client) FixConfiguration(ctx context.Context, code, errText string) (string, error) {
	res, err := c.CallTool(ctx, "fix_terraform", map[string]any{"code": code, "error": errText})
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", fmt.Errorf("sidecar fix_terraform: %s", firstLine(res.Text))
	}
	if strings.TrimSpace(res.FixedCode) != "" {
		return res.FixedCode, nil
	}
	return strings.TrimSpace(res.Text), nil
}

func firstN(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
