package limits

import (
	"fmt"
	"sync"

	"github.com/developingchet/mihomo-quota-warden/internal/metrics"
	"github.com/developingchet/mihomo-quota-warden/internal/storage"
	"github.com/rs/zerolog"
)

// Registry owns the user limit records: an in-memory view over the store,
// mutated only through Set and Clear. Mutations trigger the onChange hook so
// the enforcer can coalesce a pass.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]storage.UserLimit
	store    storage.Store
	onChange func()
	log      zerolog.Logger
}

// NewRegistry constructs a Registry. Call Load before first use.
func NewRegistry(store storage.Store, log zerolog.Logger) *Registry {
	return &Registry{
		records: make(map[string]storage.UserLimit),
		store:   store,
		log:     log,
	}
}

// SetOnChange installs the mutation hook. Must be called before the registry
// is shared.
func (r *Registry) SetOnChange(fn func()) {
	r.onChange = fn
}

// Load restores limit records from the store. Corrupt entries were already
// skipped by the store layer.
func (r *Registry) Load() {
	records, err := r.store.ListLimits()
	if err != nil {
		r.log.Warn().Err(err).Msg("limits load failed, starting empty")
		records = make(map[string]storage.UserLimit)
	}

	r.mu.Lock()
	r.records = records
	r.mu.Unlock()

	metrics.ConfiguredLimits.Set(float64(len(records)))
	r.log.Info().Int("users", len(records)).Msg("user limits restored")
}

// Get returns the resolved limit for a user. Absent users resolve to the
// all-defaults (no limits) policy.
func (r *Registry) Get(user string) Resolved {
	r.mu.RLock()
	raw, ok := r.records[user]
	r.mu.RUnlock()
	if !ok {
		return Resolve(nil)
	}
	return Resolve(&raw)
}

// Set stores a limit record for a user, normalising it first. Zero-valued
// optional fields are stripped from the persisted form by the store codec.
func (r *Registry) Set(user string, l storage.UserLimit) error {
	if user == "" {
		return fmt.Errorf("user identity must not be empty")
	}
	normalize(&l)

	if err := r.store.SetLimit(user, l); err != nil {
		return fmt.Errorf("persist limit for %s: %w", user, err)
	}

	r.mu.Lock()
	r.records[user] = l
	n := len(r.records)
	r.mu.Unlock()

	metrics.ConfiguredLimits.Set(float64(n))
	if r.onChange != nil {
		r.onChange()
	}
	return nil
}

// Clear removes a user's limit record entirely.
func (r *Registry) Clear(user string) error {
	if err := r.store.DeleteLimit(user); err != nil {
		return fmt.Errorf("delete limit for %s: %w", user, err)
	}

	r.mu.Lock()
	delete(r.records, user)
	n := len(r.records)
	r.mu.Unlock()

	metrics.ConfiguredLimits.Set(float64(n))
	if r.onChange != nil {
		r.onChange()
	}
	return nil
}

// All returns a copy of every stored record.
func (r *Registry) All() map[string]storage.UserLimit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]storage.UserLimit, len(r.records))
	for user, l := range r.records {
		out[user] = l
	}
	return out
}

// Count returns the number of users with a stored record.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// normalize clears fields that carry no information so the stored record
// stays minimal: an unknown period falls back to the default by omission.
func normalize(l *storage.UserLimit) {
	switch Period(l.TrafficPeriod) {
	case PeriodDay, Period30Day, PeriodMonth:
	default:
		l.TrafficPeriod = ""
	}
}
