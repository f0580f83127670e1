package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/mihomo-quota-warden/internal/metrics"
	"github.com/rs/zerolog"
)

const apiPath = "/cgi-bin/api.sh"

// GatewayConfig holds parameters for constructing an agent client.
type GatewayConfig struct {
	BaseURL          string
	Token            string
	Timeout          time.Duration
	ProviderCacheTTL time.Duration
	Debug            bool
}

type httpGateway struct {
	cfg  GatewayConfig
	http *http.Client
	log  zerolog.Logger

	mu          sync.Mutex
	providers   []Provider
	providerErr error
	providerAt  time.Time

	now func() time.Time
}

// NewGateway constructs an agent Gateway. No request is made until the
// first call; agents are frequently offline and construction must not fail.
func NewGateway(cfg GatewayConfig, log zerolog.Logger) Gateway {
	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &httpGateway{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		log: log,
		now: time.Now,
	}
}

// call issues one cmd request and decodes the JSON payload into out.
// Out must embed an "ok" field; a payload with ok:false becomes *ErrAgent.
func (g *httpGateway) call(ctx context.Context, cmd string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("cmd", cmd)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+apiPath+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	if token := strings.TrimSpace(g.cfg.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	if g.cfg.Debug {
		g.log.Debug().Str("cmd", cmd).Str("url", req.URL.String()).Msg("agent api request")
	}

	resp, err := g.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		metrics.APICalls.WithLabelValues("agent", cmd, "error").Inc()
		return err
	}
	defer resp.Body.Close()

	statusLabel := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.APICalls.WithLabelValues("agent", cmd, statusLabel).Inc()
	metrics.APIDuration.WithLabelValues("agent", cmd).Observe(elapsed.Seconds())

	if g.cfg.Debug {
		g.log.Debug().Str("cmd", cmd).Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).Msg("agent api response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ErrAgent{Cmd: cmd, Msg: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", cmd, err)
	}
	return nil
}

type okEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (e okEnvelope) check(cmd string) error {
	if e.OK {
		return nil
	}
	msg := e.Error
	if msg == "" {
		msg = "unknown failure"
	}
	return &ErrAgent{Cmd: cmd, Msg: msg}
}

func (g *httpGateway) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := g.call(ctx, "status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (g *httpGateway) Shape(ctx context.Context, ip string, upMbps, downMbps float64) error {
	params := url.Values{}
	params.Set("ip", ip)
	params.Set("up", strconv.FormatFloat(upMbps, 'f', -1, 64))
	params.Set("down", strconv.FormatFloat(downMbps, 'f', -1, 64))
	var env okEnvelope
	if err := g.call(ctx, "shape", params, &env); err != nil {
		return err
	}
	return env.check("shape")
}

func (g *httpGateway) Unshape(ctx context.Context, ip string) error {
	params := url.Values{}
	params.Set("ip", ip)
	var env okEnvelope
	if err := g.call(ctx, "unshape", params, &env); err != nil {
		return err
	}
	return env.check("unshape")
}

func (g *httpGateway) Neighbors(ctx context.Context) ([]Neighbor, error) {
	var resp struct {
		okEnvelope
		Items []Neighbor `json:"items"`
	}
	if err := g.call(ctx, "neighbors", nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.check("neighbors"); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (g *httpGateway) IPToMAC(ctx context.Context, ip string) (string, error) {
	params := url.Values{}
	params.Set("ip", ip)
	var resp struct {
		okEnvelope
		MAC string `json:"mac"`
	}
	if err := g.call(ctx, "ip2mac", params, &resp); err != nil {
		return "", err
	}
	if err := resp.check("ip2mac"); err != nil {
		return "", err
	}
	return resp.MAC, nil
}

func (g *httpGateway) BlockMAC(ctx context.Context, mac string, ports []int) error {
	params := url.Values{}
	params.Set("mac", mac)
	if len(ports) > 0 {
		strs := make([]string, len(ports))
		for i, p := range ports {
			strs[i] = strconv.Itoa(p)
		}
		params.Set("ports", strings.Join(strs, ","))
	}
	var env okEnvelope
	if err := g.call(ctx, "blockmac", params, &env); err != nil {
		return err
	}
	return env.check("blockmac")
}

func (g *httpGateway) UnblockMAC(ctx context.Context, mac string) error {
	params := url.Values{}
	params.Set("mac", mac)
	var env okEnvelope
	if err := g.call(ctx, "unblockmac", params, &env); err != nil {
		return err
	}
	return env.check("unblockmac")
}

func (g *httpGateway) MihomoConfig(ctx context.Context) (string, error) {
	var resp struct {
		okEnvelope
		ContentB64 string `json:"contentB64"`
	}
	if err := g.call(ctx, "mihomo_config", nil, &resp); err != nil {
		return "", err
	}
	if err := resp.check("mihomo_config"); err != nil {
		return "", err
	}
	return resp.ContentB64, nil
}

// Providers caches both successes and failures for the configured TTL so an
// offline agent is not hammered once per reconcile pass.
func (g *httpGateway) Providers(ctx context.Context, force bool) ([]Provider, error) {
	g.mu.Lock()
	if !force && !g.providerAt.IsZero() && g.now().Sub(g.providerAt) < g.cfg.ProviderCacheTTL {
		providers, err := g.providers, g.providerErr
		g.mu.Unlock()
		return providers, err
	}
	g.mu.Unlock()

	var resp struct {
		okEnvelope
		Providers []Provider `json:"providers"`
	}
	err := g.call(ctx, "mihomo_providers", nil, &resp)
	if err == nil {
		err = resp.check("mihomo_providers")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.providerAt = g.now()
	if err != nil {
		g.providers, g.providerErr = nil, err
		return nil, err
	}
	g.providers, g.providerErr = resp.Providers, nil
	return resp.Providers, nil
}
