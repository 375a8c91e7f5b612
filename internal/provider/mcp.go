package provider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/szaher/checkin/internal/mcp"
	"github.com/szaher/checkin/internal/stage"
)

// MCPConfig configures the MCP records provider.
type MCPConfig struct {
	Server mcp.ServerConfig `yaml:"server"`
	// ToolPrefix is prepended to the stage name to form the tool name,
	// e.g. "get_" calls get_allergies for the allergies stage.
	ToolPrefix string `yaml:"tool_prefix"`
}

type toolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// MCP preloads records by calling a tool on an MCP server. Connections are
// shared through a pool and dialed on first use.
type MCP struct {
	config  MCPConfig
	connect func(ctx context.Context) (toolCaller, error)
	forget  func()
}

// NewMCP creates a provider that connects through pool.
func NewMCP(pool *mcp.Pool, config MCPConfig) (*MCP, error) {
	if err := config.Server.Validate(); err != nil {
		return nil, fmt.Errorf("mcp provider: %w", err)
	}
	return &MCP{
		config: config,
		connect: func(ctx context.Context) (toolCaller, error) {
			return pool.Connect(ctx, config.Server)
		},
		forget: func() { pool.Forget(config.Server.Name) },
	}, nil
}

// Tool returns the tool name used for st.
func (p *MCP) Tool(st stage.Name) string {
	return p.config.ToolPrefix + string(st)
}

// Preload implements intake.DataProvider. Text that is not JSON is returned
// as a string.
func (p *MCP) Preload(ctx context.Context, subject string, st stage.Name, attrs map[string]any) (any, error) {
	client, err := p.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp provider: %w", err)
	}

	args := maps.Clone(attrs)
	if args == nil {
		args = make(map[string]any)
	}
	args["subject_account"] = subject
	args["stage"] = string(st)

	text, err := client.CallTool(ctx, p.Tool(st), args)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, mcp.ErrToolFailed) && p.forget != nil {
			p.forget()
		}
		return nil, fmt.Errorf("mcp provider: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return map[string]any{}, nil
	}
	out, err := decode([]byte(text))
	if err != nil {
		return text, nil
	}
	return out, nil
}
