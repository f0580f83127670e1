package testutil

import (
	"context"
	"sync"

	"github.com/developingchet/mihomo-quota-warden/internal/daemon"
)

// MockDaemon implements daemon.Client for testing.
// All methods are safe for concurrent use.
type MockDaemon struct {
	mu       sync.Mutex
	snapshot *daemon.Snapshot
	config   map[string]interface{}

	// Closed collects connection ids passed to CloseConnection.
	Closed []string
	// Patches collects every PatchConfig payload in call order.
	Patches []map[string]interface{}

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int
}

// NewMockDaemon returns a zero-state MockDaemon ready for use.
func NewMockDaemon() *MockDaemon {
	return &MockDaemon{
		snapshot: &daemon.Snapshot{},
		config:   make(map[string]interface{}),
		errors:   make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetSnapshot presets the snapshot returned by Connections.
func (m *MockDaemon) SetSnapshot(snap *daemon.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snap
}

// SetConfig presets the config blob returned by GetConfig.
func (m *MockDaemon) SetConfig(cfg map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockDaemon) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns the number of calls made to the named method.
func (m *MockDaemon) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockDaemon) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockDaemon) Connections(ctx context.Context) (*daemon.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Connections"]++
	if err := m.popError("Connections"); err != nil {
		return nil, err
	}
	return m.snapshot, nil
}

func (m *MockDaemon) CloseConnection(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CloseConnection"]++
	if err := m.popError("CloseConnection"); err != nil {
		return err
	}
	m.Closed = append(m.Closed, id)
	return nil
}

func (m *MockDaemon) GetConfig(ctx context.Context) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetConfig"]++
	if err := m.popError("GetConfig"); err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(m.config))
	for k, v := range m.config {
		out[k] = v
	}
	return out, nil
}

func (m *MockDaemon) PatchConfig(ctx context.Context, patch map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["PatchConfig"]++
	if err := m.popError("PatchConfig"); err != nil {
		return err
	}
	cp := make(map[string]interface{}, len(patch))
	for k, v := range patch {
		cp[k] = v
		m.config[k] = v
	}
	m.Patches = append(m.Patches, cp)
	return nil
}

func (m *MockDaemon) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Ping"]++
	return m.popError("Ping")
}
