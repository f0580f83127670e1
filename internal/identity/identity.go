// Package identity maps client IPs to the stable labels that traffic and
// limits are tracked under. A MAC from the router's neighbor table is
// preferred so a policy survives DHCP lease churn; unmapped IPs fall back to
// the IP itself.
package identity

import (
	"net"
	"strings"
	"sync"
)

// Resolver resolves source IPs to user labels. Manual overrides win over
// learned MAC mappings.
type Resolver struct {
	mu        sync.RWMutex
	byIP      map[string]string // ip -> MAC, learned from the neighbor table
	overrides map[string]string // ip -> label, from config
}

// NewResolver constructs a Resolver with optional manual overrides.
func NewResolver(overrides map[string]string) *Resolver {
	if overrides == nil {
		overrides = make(map[string]string)
	}
	return &Resolver{
		byIP:      make(map[string]string),
		overrides: overrides,
	}
}

// Label returns the stable identity for a source IP. Empty input yields
// empty output so callers can treat unattributable samples as no-ops.
func (r *Resolver) Label(ip string) string {
	if ip == "" {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if label, ok := r.overrides[ip]; ok {
		return label
	}
	if mac, ok := r.byIP[ip]; ok {
		return mac
	}
	return ip
}

// Update replaces the learned IP→MAC table. MACs are lowercased so the same
// device maps to one label regardless of agent formatting.
func (r *Resolver) Update(ipToMAC map[string]string) {
	next := make(map[string]string, len(ipToMAC))
	for ip, mac := range ipToMAC {
		mac = strings.ToLower(strings.TrimSpace(mac))
		if ip == "" || mac == "" {
			continue
		}
		next[ip] = mac
	}
	r.mu.Lock()
	r.byIP = next
	r.mu.Unlock()
}

// IPs returns every known IP currently mapped to the given label.
func (r *Resolver) IPs(label string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for ip, l := range r.overrides {
		if l == label {
			out = append(out, ip)
		}
	}
	for ip, mac := range r.byIP {
		if mac == label {
			if _, overridden := r.overrides[ip]; !overridden {
				out = append(out, ip)
			}
		}
	}
	return out
}

// CIDRFor canonicalises an IP (or CIDR) into blocklist form: a single IPv4
// becomes /32, IPv6 becomes /128, an existing CIDR passes through in
// canonical form. Unparseable input returns "".
func CIDRFor(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.Contains(value, "/") {
		_, network, err := net.ParseCIDR(value)
		if err != nil {
			return ""
		}
		return network.String()
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return ""
	}
	// IPv4-mapped IPv6 (e.g. ::ffff:1.2.3.4) normalises to IPv4
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String() + "/32"
	}
	return ip.String() + "/128"
}
