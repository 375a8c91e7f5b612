package mcp

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Pool manages MCP client connections keyed by server name. Concurrent
// first uses of a server share a single connection attempt.
type Pool struct {
	clients sync.Map // map[string]*Client
	group   singleflight.Group
	mu      sync.Mutex // for Close()
	dial    func(ctx context.Context, config ServerConfig) (*Client, error)
}

// NewPool creates an empty connection pool.
func NewPool() *Pool {
	return &Pool{dial: dial}
}

func dial(ctx context.Context, config ServerConfig) (*Client, error) {
	client := NewClient(config)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Connect returns the client for config.Name, connecting on first use.
func (p *Pool) Connect(ctx context.Context, config ServerConfig) (*Client, error) {
	if c, ok := p.clients.Load(config.Name); ok {
		return c.(*Client), nil
	}

	result, err, _ := p.group.Do(config.Name, func() (interface{}, error) {
		if c, ok := p.clients.Load(config.Name); ok {
			return c.(*Client), nil
		}
		client, err := p.dial(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("pool connect %s: %w", config.Name, err)
		}
		p.clients.Store(config.Name, client)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Client), nil
}

// Get returns an existing client by server name, or an error if not connected.
func (p *Pool) Get(name string) (*Client, error) {
	c, ok := p.clients.Load(name)
	if !ok {
		return nil, fmt.Errorf("mcp server %q not connected", name)
	}
	return c.(*Client), nil
}

// Forget drops a client so the next Connect dials again. Used after a call
// fails on a broken connection.
func (p *Pool) Forget(name string) {
	if c, ok := p.clients.LoadAndDelete(name); ok {
		_ = c.(*Client).Close()
	}
}

// Close closes all connections in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	p.clients.Range(func(key, value interface{}) bool {
		name := key.(string)
		c := value.(*Client)
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
		p.clients.Delete(key)
		return true
	})
	return firstErr
}
