package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolSpec describes a tool available from an MCP server.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Client wraps an MCP server connection.
type Client struct {
	config  ServerConfig
	version string
	client  *mcp.Client
	session *mcp.ClientSession
	mu      sync.RWMutex
}

// NewClient creates a new MCP client for the given server configuration.
func NewClient(config ServerConfig, version string) *Client {
	if version == "" {
		version = "dev"
	}
	return &Client{config: config, version: version}
}

// Start connects to the configured server. Calling Start on a connected
// client replaces the existing session.
func (c *Client) Start(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return err
	}
	return c.StartWithTransport(ctx, c.createTransport(ctx))
}

// StartWithTransport connects over an explicit transport.
func (c *Client) StartWithTransport(ctx context.Context, transport mcp.Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}

	c.client = mcp.NewClient(&mcp.Implementation{
		Name:    "docpilot",
		Version: c.version,
	}, nil)

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("%w: connect to %s: %v", ErrProviderUnavailable, c.describe(), err)
	}
	c.session = session
	return nil
}

// Stop closes the server connection.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// IsRunning returns whether the client is connected.
func (c *Client) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

func (c *Client) current() *mcp.ClientSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// ListTools fetches the tool catalog in server order. It is never cached:
// tools may appear or disappear as a side effect of earlier calls.
func (c *Client) ListTools(ctx context.Context) ([]ToolSpec, error) {
	session := c.current()
	if session == nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, ErrNotConnected)
	}

	var tools []ToolSpec
	var cursor string
	for {
		params := &mcp.ListToolsParams{}
		if cursor != "" {
			params.Cursor = cursor
		}
		result, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("%w: list tools: %v", ErrProviderUnavailable, err)
		}
		for _, t := range result.Tools {
			tools = append(tools, ToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Schema:      inputSchema(t.InputSchema),
			})
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	return tools, nil
}

func inputSchema(schema any) map[string]any {
	switch s := schema.(type) {
	case nil:
		return map[string]any{"type": "object"}
	case map[string]any:
		return s
	default:
		// Typed schemas round-trip through JSON.
		data, err := json.Marshal(s)
		if err != nil {
			return map[string]any{"type": "object"}
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil || out == nil {
			return map[string]any{"type": "object"}
		}
		return out
	}
}

// CallTool invokes a tool. Transport failures return *UnreachableError;
// provider-reported errors and unparseable payloads return *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*Result, error) {
	session := c.current()
	if session == nil {
		return nil, &UnreachableError{Tool: name, Err: ErrNotConnected}
	}

	arguments := map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, &ToolError{Tool: name, Message: fmt.Sprintf("invalid arguments: %v", err), Err: err}
		}
	}

	if c.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("call timed out after %s: %w", c.config.CallTimeout, err)
		}
		return nil, &UnreachableError{Tool: name, Err: err}
	}
	return decodeResult(name, result)
}

func (c *Client) createTransport(ctx context.Context) mcp.Transport {
	switch c.config.TransportType() {
	case TransportStdio:
		return c.createStdioTransport(ctx)
	case TransportHTTP:
		return &mcp.StreamableClientTransport{Endpoint: c.config.URL, HTTPClient: c.httpClient()}
	default:
		return &mcp.SSEClientTransport{Endpoint: c.config.URL, HTTPClient: c.httpClient()}
	}
}

func (c *Client) createStdioTransport(ctx context.Context) mcp.Transport {
	cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
	if len(c.config.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.config.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return &mcp.CommandTransport{Command: cmd}
}

func (c *Client) httpClient() *http.Client {
	if len(c.config.Headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{Transport: &headerTransport{headers: c.config.Headers, base: http.DefaultTransport}}
}

func (c *Client) describe() string {
	if c.config.TransportType() == TransportStdio {
		return c.config.Command
	}
	return c.config.URL
}

// headerTransport adds static headers to every request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
