package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/developingchet/mihomo-quota-warden/internal/metrics"
	"github.com/rs/zerolog"
)

// ClientConfig holds parameters for constructing a daemon HTTP client.
type ClientConfig struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
	Debug   bool
}

// wire shapes of the daemon REST API.
type connMeta struct {
	SourceIP string `json:"sourceIP"`
}

type wireConnection struct {
	ID       string   `json:"id"`
	Metadata connMeta `json:"metadata"`
	Download int64    `json:"download"`
	Upload   int64    `json:"upload"`
}

type wireSnapshot struct {
	DownloadTotal int64            `json:"downloadTotal"`
	UploadTotal   int64            `json:"uploadTotal"`
	Connections   []wireConnection `json:"connections"`
}

type connTotals struct {
	download int64
	upload   int64
}

// httpClient implements Client using direct HTTP calls to the proxy daemon.
// The daemon reports cumulative byte counters per connection; the client
// keeps the previous snapshot's counters so each Connections call yields
// per-tick deltas.
type httpClient struct {
	cfg  ClientConfig
	http *http.Client
	log  zerolog.Logger

	mu   sync.Mutex
	prev map[string]connTotals
}

// NewClient constructs a daemon Client. No request is made until the first call.
func NewClient(cfg ClientConfig, log zerolog.Logger) Client {
	// Build transport based on DefaultTransport to inherit all production-safe
	// defaults (DialContext with keepalive, TLSHandshakeTimeout, IdleConnTimeout,
	// etc.).
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &httpClient{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		log:  log,
		prev: make(map[string]connTotals),
	}
}

// apiDo executes an HTTP request, handling auth, metrics, and typed error translation.
func (c *httpClient) apiDo(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	start := time.Now()
	if c.cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	}

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("daemon api request")
	}

	resp, err := c.http.Do(req.WithContext(ctx))
	elapsed := time.Since(start)

	if err != nil {
		if c.cfg.Debug {
			c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
				Err(err).Dur("elapsed", elapsed).Msg("daemon api request failed")
		}
		metrics.APICalls.WithLabelValues("daemon", endpoint, "error").Inc()
		return nil, err
	}

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.APICalls.WithLabelValues("daemon", endpoint, statusLabel).Inc()
	metrics.APIDuration.WithLabelValues("daemon", endpoint).Observe(elapsed.Seconds())

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).
			Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("daemon api response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_ = resp.Body.Close()
		return nil, &ErrUnauthorized{Msg: "HTTP 401"}
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, &ErrNotFound{ID: req.URL.Path}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_ = resp.Body.Close()
		return nil, &ErrStatus{Code: resp.StatusCode}
	}
	return resp, nil
}

// Connections fetches the live connection table and converts the daemon's
// cumulative per-connection counters into per-tick speed deltas. A counter
// going backwards (connection id reuse) is treated as a fresh connection.
func (c *httpClient) Connections(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/connections", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.apiDo(ctx, req, "connections")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire wireSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode connections: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Snapshot{
		Connections:   make([]Connection, 0, len(wire.Connections)),
		DownloadTotal: wire.DownloadTotal,
		UploadTotal:   wire.UploadTotal,
	}
	next := make(map[string]connTotals, len(wire.Connections))
	for _, wc := range wire.Connections {
		cur := connTotals{download: wc.Download, upload: wc.Upload}
		next[wc.ID] = cur

		last, seen := c.prev[wc.ID]
		if !seen || last.download > cur.download || last.upload > cur.upload {
			last = connTotals{}
		}
		snap.Connections = append(snap.Connections, Connection{
			ID:            wc.ID,
			SourceIP:      wc.Metadata.SourceIP,
			DownloadSpeed: cur.download - last.download,
			UploadSpeed:   cur.upload - last.upload,
		})
	}
	c.prev = next
	return snap, nil
}

// CloseConnection terminates the connection identified by id.
func (c *httpClient) CloseConnection(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.BaseURL+"/connections/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.apiDo(ctx, req, "close_connection")
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// GetConfig reads the daemon's full config blob.
func (c *httpClient) GetConfig(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/configs", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.apiDo(ctx, req, "get_config")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cfg map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// PatchConfig applies a partial config update. The daemon merges the patch
// into its running config.
func (c *httpClient) PatchConfig(ctx context.Context, patch map[string]interface{}) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal config patch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.cfg.BaseURL+"/configs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.apiDo(ctx, req, "patch_config")
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Ping verifies the daemon is reachable and the secret is accepted.
func (c *httpClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/version", nil)
	if err != nil {
		return err
	}
	resp, err := c.apiDo(ctx, req, "ping")
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
