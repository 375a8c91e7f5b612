package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/szaher/checkin/internal/stage"
)

const defaultMaxResponseSize int64 = 10 * 1024 * 1024 // 10MB

// HTTPConfig configures the REST records provider.
type HTTPConfig struct {
	// BaseURL is the records service root; requests go to
	// GET {BaseURL}/{stage}?subject={subject}.
	BaseURL string            `yaml:"base_url"`
	Headers map[string]string `yaml:"headers"`
	// Forward lists context attributes sent as extra query parameters.
	Forward []string      `yaml:"forward"`
	Timeout time.Duration `yaml:"timeout"`
	// BlockPrivate refuses to connect to private or loopback addresses.
	BlockPrivate bool `yaml:"block_private"`
}

// HTTP preloads records from a REST service.
type HTTP struct {
	config      HTTPConfig
	client      *http.Client
	maxRespSize int64
}

// NewHTTP creates a REST records provider.
func NewHTTP(config HTTPConfig) (*HTTP, error) {
	u, err := url.Parse(config.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("http provider: invalid base_url %q", config.BaseURL)
	}
	client := &http.Client{Timeout: config.Timeout}
	if config.BlockPrivate {
		client.Transport = NewSafeTransport()
	}
	return &HTTP{config: config, client: client, maxRespSize: defaultMaxResponseSize}, nil
}

// Preload implements intake.DataProvider.
func (h *HTTP) Preload(ctx context.Context, subject string, st stage.Name, attrs map[string]any) (any, error) {
	q := url.Values{}
	q.Set("subject", subject)
	for _, k := range h.config.Forward {
		if v, ok := attrs[k]; ok && v != nil {
			q.Set(k, fmt.Sprint(v))
		}
	}
	endpoint := strings.TrimRight(h.config.BaseURL, "/") + "/" + url.PathEscape(string(st)) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("http provider: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http provider: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, truncated, err := ReadBody(resp.Body, h.maxRespSize)
	if err != nil {
		return nil, fmt.Errorf("http provider: read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return map[string]any{}, nil
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("http provider: status %d for stage %s", resp.StatusCode, st)
	case truncated:
		return nil, fmt.Errorf("http provider: response for stage %s exceeds %d bytes", st, h.maxRespSize)
	}
	return decode(body)
}

// ReadBody reads the response body with a size limit.
// Returns (data, truncated, error).
func ReadBody(body io.Reader, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		limit = defaultMaxResponseSize
	}
	lr := io.LimitReader(body, limit+1) // read one extra byte to detect truncation
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
