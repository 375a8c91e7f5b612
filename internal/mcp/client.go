// Package mcp connects to Model Context Protocol servers that expose patient
// records as tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrToolFailed means the server ran the tool and reported a failure. The
// connection itself is fine.
var ErrToolFailed = errors.New("mcp tool reported an error")

// ServerConfig holds the configuration for connecting to an MCP server.
type ServerConfig struct {
	Name      string   `yaml:"name" json:"name"`
	Transport string   `yaml:"transport" json:"transport"` // "stdio", "sse", "streamable-http"
	Command   string   `yaml:"command" json:"command,omitempty"`
	Args      []string `yaml:"args" json:"args,omitempty"`
	URL       string   `yaml:"url" json:"url,omitempty"`
}

// Validate checks that the transport has what it needs.
func (c ServerConfig) Validate() error {
	switch c.Transport {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("mcp server %q: stdio transport needs a command", c.Name)
		}
	case "sse", "streamable-http":
		if c.URL == "" {
			return fmt.Errorf("mcp server %q: %s transport needs a url", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("mcp server %q: unsupported transport %q", c.Name, c.Transport)
	}
	return nil
}

// Client wraps the MCP SDK client for a single server connection.
type Client struct {
	config  ServerConfig
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

// NewClient creates a new MCP client for the given server config.
func NewClient(config ServerConfig) *Client {
	return &Client{config: config}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.config.Name }

// Connect establishes a connection to the MCP server.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return err
	}
	c.client = mcpsdk.NewClient(&mcpsdk.Implementation{Name: "checkin", Version: "1.0.0"}, nil)

	var transport mcpsdk.Transport
	switch c.config.Transport {
	case "stdio":
		// The server process outlives the connecting request.
		cmd := exec.CommandContext(context.WithoutCancel(ctx), c.config.Command, c.config.Args...)
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case "sse":
		transport = &mcpsdk.SSEClientTransport{Endpoint: c.config.URL}
	case "streamable-http":
		transport = &mcpsdk.StreamableClientTransport{Endpoint: c.config.URL}
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp connect to %s: %w", c.config.Name, err)
	}
	c.session = session
	return nil
}

// ListTools returns the names of the tools available on this server.
func (c *Client) ListTools(ctx context.Context) ([]string, error) {
	if c.session == nil {
		return nil, fmt.Errorf("mcp client not connected")
	}
	var names []string
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("mcp list tools: %w", err)
		}
		names = append(names, tool.Name)
	}
	return names, nil
}

// CallTool invokes a tool and returns its text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if c.session == nil {
		return "", fmt.Errorf("mcp client not connected")
	}

	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call tool %s: %w", name, err)
	}

	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("%w: %s: %s", ErrToolFailed, name, text.String())
	}
	return text.String(), nil
}

// Close gracefully closes the MCP connection.
func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}
