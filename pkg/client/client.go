// Package client provides a typed HTTP client for the tunnel-starter daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zgsm-ai/tunnel-starter/internal/tunnel"
)

// Config holds client configuration.
type Config struct {
	BaseURL  string // daemon root, e.g. "http://localhost:8080"
	BasePath string // API prefix, e.g. "/tunnel-starter/api/v1"
	Timeout  time.Duration
	Logger   *slog.Logger
}

// DefaultConfig returns the configuration matching the daemon's defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:  "http://localhost:8080",
		BasePath: "/tunnel-starter/api/v1",
		Timeout:  10 * time.Second,
	}
}

// Client talks to a running tunnel-starter daemon.
type Client struct {
	baseURL  string
	basePath string
	client   *http.Client
	logger   *slog.Logger
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.BasePath == "" {
		config.BasePath = "/tunnel-starter/api/v1"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		basePath: "/" + strings.Trim(config.BasePath, "/"),
		logger:   config.Logger,
		client:   &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and healthy.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

type createReq struct {
	App     string `json:"app"`
	Version string `json:"version"`
	Port    int    `json:"port"`
}

// CreateTunnel opens a tunnel for (app, version) on port.
func (c *Client) CreateTunnel(ctx context.Context, app, version string, port int) (tunnel.View, error) {
	body, err := json.Marshal(createReq{App: app, Version: version, Port: port})
	if err != nil {
		return tunnel.View{}, fmt.Errorf("marshal request: %w", err)
	}
	var view tunnel.View
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("/tunnels"), body, &view); err != nil {
		return tunnel.View{}, err
	}
	return view, nil
}

// DeleteTunnel closes the tunnel for (app, version).
func (c *Client) DeleteTunnel(ctx context.Context, app, version string) error {
	return c.doJSON(ctx, http.MethodDelete, c.apiURL("/tunnels/"+url.PathEscape(app)+"/"+url.PathEscape(version)), nil, nil)
}

// ListTunnels returns all tracked tunnels.
func (c *Client) ListTunnels(ctx context.Context) ([]tunnel.View, error) {
	var out []tunnel.View
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL("/tunnels"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTunnel fetches one record. With an empty version the daemon resolves
// the most recent live tunnel for app.
func (c *Client) GetTunnel(ctx context.Context, app, version string) (tunnel.View, error) {
	p := "/tunnels/" + url.PathEscape(app)
	if version != "" {
		p += "/" + url.PathEscape(version)
	}
	var view tunnel.View
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL(p), nil, &view); err != nil {
		return tunnel.View{}, err
	}
	return view, nil
}

func (c *Client) apiURL(p string) string {
	return c.baseURL + c.basePath + p
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "url", url, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		if derr := json.NewDecoder(resp.Body).Decode(&er); derr != nil || er.Error == "" {
			return fmt.Errorf("%w: HTTP %d", sentinelFor(resp.StatusCode), resp.StatusCode)
		}
		return fmt.Errorf("%w: %s", sentinelFor(resp.StatusCode), er.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// sentinelFor maps HTTP status codes back onto the lifecycle error taxonomy
// so callers can use errors.Is on client results.
func sentinelFor(code int) error {
	switch code {
	case http.StatusBadRequest:
		return tunnel.ErrValidation
	case http.StatusConflict:
		return tunnel.ErrConflict
	case http.StatusNotFound:
		return tunnel.ErrNotFound
	default:
		return tunnel.ErrInternal
	}
}
