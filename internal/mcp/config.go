package mcp

import (
	"fmt"
	"net/url"
	"time"
)

const (
	TransportSSE   = "sse"
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// ServerConfig describes how to reach the tool provider.
// Supports SSE and streamable HTTP (URL) as well as stdio (Command/Args).
type ServerConfig struct {
	// Transport discriminator: "sse" (default when a URL is set), "http" or "stdio".
	Transport string `mapstructure:"transport" yaml:"transport"`

	// HTTP transport fields
	URL     string            `mapstructure:"url" yaml:"url"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`

	// Stdio transport fields
	Command string            `mapstructure:"command" yaml:"command,omitempty"`
	Args    []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env,omitempty"`

	// CallTimeout bounds each tool call. Zero means no deadline.
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
}

// TransportType returns the effective transport type for this server.
func (c *ServerConfig) TransportType() string {
	switch c.Transport {
	case TransportSSE, TransportHTTP, TransportStdio:
		return c.Transport
	}
	if c.URL == "" && c.Command != "" {
		return TransportStdio
	}
	return TransportSSE
}

// Validate checks that the server configuration is valid.
func (c *ServerConfig) Validate() error {
	switch c.Transport {
	case "", TransportSSE, TransportHTTP, TransportStdio:
	default:
		return fmt.Errorf("unknown mcp transport %q (valid: sse, http, stdio)", c.Transport)
	}
	if c.TransportType() == TransportStdio {
		if c.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
		if c.URL != "" {
			return fmt.Errorf("cannot specify both url and command")
		}
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("%s transport requires url", c.TransportType())
	}
	if c.Command != "" {
		return fmt.Errorf("cannot specify both url and command")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid mcp url %q", c.URL)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative")
	}
	return nil
}
