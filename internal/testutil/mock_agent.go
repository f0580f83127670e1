package testutil

import (
	"context"
	"sync"

	"github.com/developingchet/mihomo-quota-warden/internal/agent"
)

// MockAgent implements agent.Gateway for testing.
// All methods are safe for concurrent use.
type MockAgent struct {
	mu        sync.Mutex
	status    agent.Status
	neighbors []agent.Neighbor
	ipToMAC   map[string]string
	providers []agent.Provider
	configB64 string

	// Shaped records the last rate pushed per IP; Unshaped collects removed IPs.
	Shaped   map[string][2]float64
	Unshaped []string
	// BlockedMACs records the last port list pushed per MAC.
	BlockedMACs   map[string][]int
	UnblockedMACs []string

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int
}

// NewMockAgent returns a MockAgent reporting a healthy status.
func NewMockAgent() *MockAgent {
	return &MockAgent{
		status:      agent.Status{OK: true, TC: true, IPTables: true},
		ipToMAC:     make(map[string]string),
		Shaped:      make(map[string][2]float64),
		BlockedMACs: make(map[string][]int),
		errors:      make(map[string]error),
		calls:       make(map[string]int),
	}
}

// SetStatus presets the status returned by Status.
func (m *MockAgent) SetStatus(st agent.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = st
}

// SetNeighbors presets the neighbor table.
func (m *MockAgent) SetNeighbors(items []agent.Neighbor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.neighbors = items
	for _, n := range items {
		m.ipToMAC[n.IP] = n.MAC
	}
}

// SetProviders presets the provider list.
func (m *MockAgent) SetProviders(items []agent.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = items
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockAgent) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns the number of calls made to the named method.
func (m *MockAgent) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockAgent) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockAgent) Status(ctx context.Context) (*agent.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Status"]++
	if err := m.popError("Status"); err != nil {
		return nil, err
	}
	st := m.status
	return &st, nil
}

func (m *MockAgent) Shape(ctx context.Context, ip string, upMbps, downMbps float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Shape"]++
	if err := m.popError("Shape"); err != nil {
		return err
	}
	m.Shaped[ip] = [2]float64{upMbps, downMbps}
	return nil
}

func (m *MockAgent) Unshape(ctx context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Unshape"]++
	if err := m.popError("Unshape"); err != nil {
		return err
	}
	m.Unshaped = append(m.Unshaped, ip)
	delete(m.Shaped, ip)
	return nil
}

func (m *MockAgent) Neighbors(ctx context.Context) ([]agent.Neighbor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Neighbors"]++
	if err := m.popError("Neighbors"); err != nil {
		return nil, err
	}
	return append([]agent.Neighbor(nil), m.neighbors...), nil
}

func (m *MockAgent) IPToMAC(ctx context.Context, ip string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["IPToMAC"]++
	if err := m.popError("IPToMAC"); err != nil {
		return "", err
	}
	return m.ipToMAC[ip], nil
}

func (m *MockAgent) BlockMAC(ctx context.Context, mac string, ports []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["BlockMAC"]++
	if err := m.popError("BlockMAC"); err != nil {
		return err
	}
	m.BlockedMACs[mac] = append([]int(nil), ports...)
	return nil
}

func (m *MockAgent) UnblockMAC(ctx context.Context, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["UnblockMAC"]++
	if err := m.popError("UnblockMAC"); err != nil {
		return err
	}
	m.UnblockedMACs = append(m.UnblockedMACs, mac)
	delete(m.BlockedMACs, mac)
	return nil
}

func (m *MockAgent) MihomoConfig(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["MihomoConfig"]++
	if err := m.popError("MihomoConfig"); err != nil {
		return "", err
	}
	return m.configB64, nil
}

func (m *MockAgent) Providers(ctx context.Context, force bool) ([]agent.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Providers"]++
	if err := m.popError("Providers"); err != nil {
		return nil, err
	}
	return append([]agent.Provider(nil), m.providers...), nil
}
