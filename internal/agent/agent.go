// Package agent talks to the router-side helper CGI. The agent owns the
// primitives the proxy daemon cannot provide: tc-based per-IP shaping,
// MAC-level firewall blocks, and the neighbor (ARP) table.
package agent

import (
	"context"
	"fmt"
)

// Status reports the agent's reachability and capability flags.
type Status struct {
	OK        bool   `json:"ok"`
	Version   string `json:"version,omitempty"`
	WAN       string `json:"wan,omitempty"`
	LAN       string `json:"lan,omitempty"`
	TC        bool   `json:"tc,omitempty"`
	IPTables  bool   `json:"iptables,omitempty"`
	HashLimit bool   `json:"hashlimit,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Neighbor is one entry from the router's neighbor table.
type Neighbor struct {
	IP    string `json:"ip"`
	MAC   string `json:"mac"`
	State string `json:"state,omitempty"`
}

// Provider describes one proxy provider visible to the router-side daemon.
type Provider struct {
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        string `json:"port,omitempty"`
	SSLNotAfter string `json:"sslNotAfter,omitempty"`
}

// Gateway is the router agent seam. Calls fail with an error when the agent
// is unreachable or reports a failure; callers treat errors as "agent
// offline" and must not mutate shaping state based on them.
type Gateway interface {
	// Status probes the agent. An unreachable agent yields an error.
	Status(ctx context.Context) (*Status, error)

	// Shape applies a per-IP rate limit in Mbps.
	Shape(ctx context.Context, ip string, upMbps, downMbps float64) error

	// Unshape removes the per-IP rate limit.
	Unshape(ctx context.Context, ip string) error

	// Neighbors returns the router's neighbor table.
	Neighbors(ctx context.Context) ([]Neighbor, error)

	// IPToMAC resolves a single IP via the neighbor table.
	IPToMAC(ctx context.Context, ip string) (string, error)

	// BlockMAC installs a firewall drop for a MAC, optionally port-scoped.
	BlockMAC(ctx context.Context, mac string, ports []int) error

	// UnblockMAC removes the firewall drop for a MAC.
	UnblockMAC(ctx context.Context, mac string) error

	// MihomoConfig fetches the daemon's on-disk config, base64-encoded.
	MihomoConfig(ctx context.Context) (string, error)

	// Providers lists proxy providers. Responses are cached; force bypasses
	// the cache.
	Providers(ctx context.Context, force bool) ([]Provider, error)
}

// ErrAgent is a failure reported by the agent itself (ok:false payload).
type ErrAgent struct {
	Cmd string
	Msg string
}

func (e *ErrAgent) Error() string {
	return fmt.Sprintf("agent %s: %s", e.Cmd, e.Msg)
}
