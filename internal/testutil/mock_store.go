// Package testutil provides hand-rolled in-memory doubles for the warden's
// external seams: the persistence store, the daemon client, and the router
// agent gateway.
package testutil

import (
	"sync"

	"github.com/developingchet/mihomo-quota-warden/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu      sync.Mutex
	ledger  map[string]map[string]storage.UsageBucket
	limits  map[string]storage.UserLimit
	cidrs   []string
	shapers map[string]storage.ShaperRate
	status  map[string]storage.ShaperStatus
	macs    map[string]storage.MACBlock

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		ledger:  make(map[string]map[string]storage.UsageBucket),
		limits:  make(map[string]storage.UserLimit),
		shapers: make(map[string]storage.ShaperRate),
		status:  make(map[string]storage.ShaperStatus),
		macs:    make(map[string]storage.MACBlock),
		errors:  make(map[string]error),
		Size:    1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Ledger -----------------------------------------------------------------

func (m *MockStore) LoadLedger() (map[string]map[string]storage.UsageBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("LoadLedger"); err != nil {
		return nil, err
	}
	out := make(map[string]map[string]storage.UsageBucket, len(m.ledger))
	for slot, users := range m.ledger {
		cp := make(map[string]storage.UsageBucket, len(users))
		for u, b := range users {
			cp[u] = b
		}
		out[slot] = cp
	}
	return out, nil
}

func (m *MockStore) SaveLedgerSlots(slots map[string]map[string]storage.UsageBucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SaveLedgerSlots"); err != nil {
		return err
	}
	for slot, users := range slots {
		cp := make(map[string]storage.UsageBucket, len(users))
		for u, b := range users {
			cp[u] = b
		}
		m.ledger[slot] = cp
	}
	return nil
}

func (m *MockStore) DeleteLedgerSlots(keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteLedgerSlots"); err != nil {
		return err
	}
	for _, k := range keys {
		delete(m.ledger, k)
	}
	return nil
}

func (m *MockStore) ClearLedger() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ClearLedger"); err != nil {
		return err
	}
	m.ledger = make(map[string]map[string]storage.UsageBucket)
	return nil
}

// --- Limits -----------------------------------------------------------------

func (m *MockStore) GetLimit(user string) (*storage.UserLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetLimit"); err != nil {
		return nil, err
	}
	if l, ok := m.limits[user]; ok {
		cp := l
		return &cp, nil
	}
	return nil, nil
}

func (m *MockStore) SetLimit(user string, l storage.UserLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetLimit"); err != nil {
		return err
	}
	m.limits[user] = l
	return nil
}

func (m *MockStore) DeleteLimit(user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("DeleteLimit"); err != nil {
		return err
	}
	delete(m.limits, user)
	return nil
}

func (m *MockStore) ListLimits() (map[string]storage.UserLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListLimits"); err != nil {
		return nil, err
	}
	out := make(map[string]storage.UserLimit, len(m.limits))
	for u, l := range m.limits {
		out[u] = l
	}
	return out, nil
}

// --- Enforcement state ------------------------------------------------------

func (m *MockStore) GetManagedCidrs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetManagedCidrs"); err != nil {
		return nil, err
	}
	return append([]string(nil), m.cidrs...), nil
}

func (m *MockStore) SetManagedCidrs(cidrs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetManagedCidrs"); err != nil {
		return err
	}
	m.cidrs = append([]string(nil), cidrs...)
	return nil
}

func (m *MockStore) GetManagedShapers() (map[string]storage.ShaperRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetManagedShapers"); err != nil {
		return nil, err
	}
	out := make(map[string]storage.ShaperRate, len(m.shapers))
	for ip, r := range m.shapers {
		out[ip] = r
	}
	return out, nil
}

func (m *MockStore) SetManagedShapers(shapers map[string]storage.ShaperRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetManagedShapers"); err != nil {
		return err
	}
	m.shapers = make(map[string]storage.ShaperRate, len(shapers))
	for ip, r := range shapers {
		m.shapers[ip] = r
	}
	return nil
}

func (m *MockStore) GetShaperStatus() (map[string]storage.ShaperStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetShaperStatus"); err != nil {
		return nil, err
	}
	out := make(map[string]storage.ShaperStatus, len(m.status))
	for ip, s := range m.status {
		out[ip] = s
	}
	return out, nil
}

func (m *MockStore) SetShaperStatus(status map[string]storage.ShaperStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetShaperStatus"); err != nil {
		return err
	}
	m.status = make(map[string]storage.ShaperStatus, len(status))
	for ip, s := range status {
		m.status[ip] = s
	}
	return nil
}

func (m *MockStore) GetManagedMACs() (map[string]storage.MACBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetManagedMACs"); err != nil {
		return nil, err
	}
	out := make(map[string]storage.MACBlock, len(m.macs))
	for mac, b := range m.macs {
		out[mac] = b
	}
	return out, nil
}

func (m *MockStore) SetManagedMACs(macs map[string]storage.MACBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SetManagedMACs"); err != nil {
		return err
	}
	m.macs = make(map[string]storage.MACBlock, len(macs))
	for mac, b := range macs {
		m.macs[mac] = b
	}
	return nil
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error {
	return nil
}
