package storage

import (
	"time"
)

// UsageBucket is the accumulated traffic for one user within one hour slot.
type UsageBucket struct {
	Download uint64
	Upload   uint64
}

// UserLimit is the sparse, user-authored limit record. Zero values mean
// "unset"; defaulting happens in the limits package.
type UserLimit struct {
	MAC               string    `msgpack:"mac,omitempty"`
	Enabled           bool      `msgpack:"enabled,omitempty"`
	Disabled          bool      `msgpack:"disabled,omitempty"`
	TrafficLimitBytes uint64    `msgpack:"traffic_limit_bytes,omitempty"`
	TrafficPeriod     string    `msgpack:"traffic_period,omitempty"`
	BandwidthLimitBps uint64    `msgpack:"bandwidth_limit_bps,omitempty"`
	ResetAt           time.Time `msgpack:"reset_at,omitempty"`
}

// ShaperRate is a per-IP bandwidth cap pushed to the router agent.
type ShaperRate struct {
	UpMbps   float64
	DownMbps float64
}

// ShaperStatus is the last observed apply result for one IP.
type ShaperStatus struct {
	OK    bool
	Error string
	At    time.Time
}

// MACBlock tracks a MAC-level block managed through the router agent.
type MACBlock struct {
	Ports string // comma-separated port list, empty = all
	At    time.Time
}

// Store is the persistence interface for the warden.
type Store interface {
	// Usage ledger: hour-slot key -> user -> bucket.
	LoadLedger() (map[string]map[string]UsageBucket, error)
	SaveLedgerSlots(slots map[string]map[string]UsageBucket) error
	DeleteLedgerSlots(keys []string) error
	ClearLedger() error

	// User limits
	GetLimit(user string) (*UserLimit, error)
	SetLimit(user string, l UserLimit) error
	DeleteLimit(user string) error
	ListLimits() (map[string]UserLimit, error)

	// Enforcement state
	GetManagedCidrs() ([]string, error)
	SetManagedCidrs(cidrs []string) error
	GetManagedShapers() (map[string]ShaperRate, error)
	SetManagedShapers(m map[string]ShaperRate) error
	GetShaperStatus() (map[string]ShaperStatus, error)
	SetShaperStatus(m map[string]ShaperStatus) error
	GetManagedMACs() (map[string]MACBlock, error)
	SetManagedMACs(m map[string]MACBlock) error

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
