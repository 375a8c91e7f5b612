package mcp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  ServerConfig
		wantErr string
	}{
		{"stdio ok", ServerConfig{Name: "records", Transport: "stdio", Command: "/usr/bin/records"}, ""},
		{"stdio no command", ServerConfig{Name: "records", Transport: "stdio"}, "needs a command"},
		{"sse ok", ServerConfig{Name: "records", Transport: "sse", URL: "http://records:8080/sse"}, ""},
		{"http no url", ServerConfig{Name: "records", Transport: "streamable-http"}, "needs a url"},
		{"unknown", ServerConfig{Name: "records", Transport: "websocket"}, "unsupported transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestClientNotConnected(t *testing.T) {
	c := NewClient(ServerConfig{Name: "records", Transport: "stdio", Command: "x"})
	if c.Name() != "records" {
		t.Errorf("Name = %q", c.Name())
	}
	if _, err := c.ListTools(context.Background()); err == nil {
		t.Error("expected error listing tools before connect")
	}
	if _, err := c.CallTool(context.Background(), "get_allergies", nil); err == nil {
		t.Error("expected error calling tool before connect")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close without connect: %v", err)
	}
}

func TestPoolConnectUnsupportedTransport(t *testing.T) {
	pool := NewPool()
	_, err := pool.Connect(context.Background(), ServerConfig{Name: "bad", Transport: "carrier-pigeon"})
	if err == nil || !strings.Contains(err.Error(), "unsupported transport") {
		t.Fatalf("expected unsupported transport error, got %v", err)
	}
	if _, err := pool.Get("bad"); err == nil {
		t.Error("failed connection must not be cached")
	}
}

func TestPoolConnectInvalidCommand(t *testing.T) {
	pool := NewPool()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := pool.Connect(ctx, ServerConfig{Name: "missing", Transport: "stdio", Command: "/nonexistent/records-server"})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestPoolConnectDeduplicates(t *testing.T) {
	var dials int32
	release := make(chan struct{})
	pool := NewPool()
	pool.dial = func(_ context.Context, config ServerConfig) (*Client, error) {
		atomic.AddInt32(&dials, 1)
		<-release
		return NewClient(config), nil
	}

	var wg sync.WaitGroup
	clients := make([]*Client, 8)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := pool.Connect(context.Background(), ServerConfig{Name: "records"})
			if err != nil {
				t.Errorf("Connect: %v", err)
				return
			}
			clients[i] = c
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
	for i, c := range clients {
		if c != clients[0] {
			t.Errorf("client %d differs", i)
		}
	}
	got, err := pool.Get("records")
	if err != nil || got != clients[0] {
		t.Errorf("Get = %v, %v", got, err)
	}
}

func TestPoolForgetAndClose(t *testing.T) {
	var dials int32
	pool := NewPool()
	pool.dial = func(_ context.Context, config ServerConfig) (*Client, error) {
		if atomic.AddInt32(&dials, 1) > 2 {
			return nil, errors.New("refused")
		}
		return NewClient(config), nil
	}

	first, err := pool.Connect(context.Background(), ServerConfig{Name: "records"})
	if err != nil {
		t.Fatal(err)
	}
	pool.Forget("records")
	second, err := pool.Connect(context.Background(), ServerConfig{Name: "records"})
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("Forget should force a new connection")
	}

	if err := pool.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := pool.Get("records"); err == nil {
		t.Error("expected error after Close")
	}
	if _, err := pool.Connect(context.Background(), ServerConfig{Name: "records"}); err == nil {
		t.Error("expected dial error to surface")
	}
}
