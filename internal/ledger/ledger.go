// Package ledger maintains the durable, hour-bucketed per-user traffic
// accumulator. Deltas are applied in memory and persisted to the store on a
// trailing debounce so high-frequency samples never block on disk.
package ledger

import (
	"sync"
	"time"

	"github.com/developingchet/mihomo-quota-warden/internal/metrics"
	"github.com/developingchet/mihomo-quota-warden/internal/storage"
	"github.com/rs/zerolog"
)

// slotKeyFormat is the calendar-hour bucket key, computed in UTC so a restart
// in a different timezone cannot split or merge buckets.
const slotKeyFormat = "2006-01-02T15"

// Ledger accumulates per-user download/upload byte deltas into hour slots.
type Ledger struct {
	mu      sync.Mutex
	slots   map[string]map[string]storage.UsageBucket
	dirty   map[string]struct{} // slot keys with unpersisted mutations
	removed map[string]struct{} // slot keys pruned but not yet deleted from the store

	store           storage.Store
	retention       time.Duration
	persistDebounce time.Duration
	persistTimer    *time.Timer
	log             zerolog.Logger
	now             func() time.Time
}

// New constructs an empty Ledger. Call Load to restore persisted state.
func New(store storage.Store, retentionDays int, persistDebounce time.Duration, log zerolog.Logger) *Ledger {
	return &Ledger{
		slots:           make(map[string]map[string]storage.UsageBucket),
		dirty:           make(map[string]struct{}),
		removed:         make(map[string]struct{}),
		store:           store,
		retention:       time.Duration(retentionDays) * 24 * time.Hour,
		persistDebounce: persistDebounce,
		log:             log,
		now:             time.Now,
	}
}

// Load restores the ledger from the last persisted snapshot. Corrupt or
// missing data resets to empty; Load never fails the caller.
func (l *Ledger) Load() {
	loaded, err := l.store.LoadLedger()
	if err != nil {
		l.log.Warn().Err(err).Msg("ledger load failed, starting empty")
		loaded = make(map[string]map[string]storage.UsageBucket)
	}

	l.mu.Lock()
	l.slots = loaded
	l.mu.Unlock()

	l.log.Info().Int("slots", len(loaded)).Msg("usage ledger restored")
}

// Record appends non-negative deltas to the bucket for ts's hour slot.
// Negative deltas are clamped to zero; an empty user or an all-zero delta is
// a no-op. Slots older than the retention horizon are dropped after every
// mutation.
func (l *Ledger) Record(user string, downloadDelta, uploadDelta int64, ts time.Time) {
	if user == "" {
		return
	}
	if downloadDelta < 0 {
		downloadDelta = 0
	}
	if uploadDelta < 0 {
		uploadDelta = 0
	}
	if downloadDelta == 0 && uploadDelta == 0 {
		return
	}

	key := ts.UTC().Format(slotKeyFormat)

	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(map[string]storage.UsageBucket)
		l.slots[key] = slot
	}
	b := slot[user]
	b.Download += uint64(downloadDelta)
	b.Upload += uint64(uploadDelta)
	slot[user] = b

	l.dirty[key] = struct{}{}
	l.pruneLocked()
	l.schedulePersistLocked()
	l.mu.Unlock()

	metrics.LedgerRecords.Inc()
}

// RangeSum returns per-user usage summed over the hour slots from startTs to
// endTs. Both endpoints' slots are included in full — the window is
// bucket-granular, so the effective range can exceed the requested one by up
// to two hours at the edges.
func (l *Ledger) RangeSum(startTs, endTs time.Time) map[string]storage.UsageBucket {
	out := make(map[string]storage.UsageBucket)
	if endTs.Before(startTs) {
		return out
	}

	startSlot := startTs.UTC().Truncate(time.Hour)
	endSlot := endTs.UTC().Truncate(time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()

	for t := startSlot; !t.After(endSlot); t = t.Add(time.Hour) {
		slot, ok := l.slots[t.Format(slotKeyFormat)]
		if !ok {
			continue
		}
		for user, b := range slot {
			cur := out[user]
			cur.Download += b.Download
			cur.Upload += b.Upload
			out[user] = cur
		}
	}
	return out
}

// Clear wipes the ledger in memory and in the store.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.slots = make(map[string]map[string]storage.UsageBucket)
	l.dirty = make(map[string]struct{})
	l.removed = make(map[string]struct{})
	l.mu.Unlock()

	if err := l.store.ClearLedger(); err != nil {
		l.log.Warn().Err(err).Msg("ledger clear failed")
	}
}

// SlotCount returns the number of retained hour slots.
func (l *Ledger) SlotCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// Flush persists all pending mutations immediately. Intended for shutdown;
// the periodic path goes through the debounce timer.
func (l *Ledger) Flush() {
	l.mu.Lock()
	if l.persistTimer != nil {
		l.persistTimer.Stop()
		l.persistTimer = nil
	}
	toSave, toDelete := l.collectPendingLocked()
	l.mu.Unlock()

	l.persist(toSave, toDelete)
}

// pruneLocked drops slots older than the retention horizon. Keys that fail to
// parse are treated as corrupt and dropped too.
func (l *Ledger) pruneLocked() {
	cutoff := l.now().UTC().Add(-l.retention)
	for key := range l.slots {
		t, err := time.Parse(slotKeyFormat, key)
		if err != nil || t.Before(cutoff) {
			delete(l.slots, key)
			delete(l.dirty, key)
			l.removed[key] = struct{}{}
		}
	}
}

// schedulePersistLocked arms (or re-arms) the trailing persist timer.
func (l *Ledger) schedulePersistLocked() {
	if l.persistTimer != nil {
		l.persistTimer.Reset(l.persistDebounce)
		return
	}
	l.persistTimer = time.AfterFunc(l.persistDebounce, func() {
		l.mu.Lock()
		l.persistTimer = nil
		toSave, toDelete := l.collectPendingLocked()
		l.mu.Unlock()

		l.persist(toSave, toDelete)
	})
}

// collectPendingLocked snapshots dirty slots and removed keys, clearing both.
func (l *Ledger) collectPendingLocked() (map[string]map[string]storage.UsageBucket, []string) {
	var toSave map[string]map[string]storage.UsageBucket
	if len(l.dirty) > 0 {
		toSave = make(map[string]map[string]storage.UsageBucket, len(l.dirty))
		for key := range l.dirty {
			slot, ok := l.slots[key]
			if !ok {
				continue
			}
			copied := make(map[string]storage.UsageBucket, len(slot))
			for user, b := range slot {
				copied[user] = b
			}
			toSave[key] = copied
		}
		l.dirty = make(map[string]struct{})
	}

	var toDelete []string
	if len(l.removed) > 0 {
		toDelete = make([]string, 0, len(l.removed))
		for key := range l.removed {
			toDelete = append(toDelete, key)
		}
		l.removed = make(map[string]struct{})
	}
	return toSave, toDelete
}

// persist writes pending mutations to the store. Failures are logged, never
// propagated: recording must not depend on disk health.
func (l *Ledger) persist(toSave map[string]map[string]storage.UsageBucket, toDelete []string) {
	if len(toSave) > 0 {
		if err := l.store.SaveLedgerSlots(toSave); err != nil {
			l.log.Warn().Err(err).Int("slots", len(toSave)).Msg("ledger persist failed")
		}
	}
	if len(toDelete) > 0 {
		if err := l.store.DeleteLedgerSlots(toDelete); err != nil {
			l.log.Warn().Err(err).Int("slots", len(toDelete)).Msg("ledger slot delete failed")
		}
	}
	metrics.LedgerSlots.Set(float64(l.SlotCount()))
}
