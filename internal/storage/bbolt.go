package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketLedger = "ledger"
	bucketLimits = "limits"
	bucketState  = "state"
)

const (
	stateKeyManagedCidrs   = "managed_cidrs"
	stateKeyManagedShapers = "managed_shapers"
	stateKeyShaperStatus   = "shaper_status"
	stateKeyManagedMACs    = "managed_macs"
)

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/warden.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "warden.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketLimits, bucketState} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Usage ledger ----------------------------------------------------------

// LoadLedger reads every persisted hour slot. Corrupt slot values are skipped
// rather than propagated, so a damaged snapshot degrades to partial (or empty)
// data instead of a startup failure.
func (s *bboltStore) LoadLedger() (map[string]map[string]UsageBucket, error) {
	result := make(map[string]map[string]UsageBucket)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).ForEach(func(k, v []byte) error {
			var slot map[string]UsageBucket
			if err := msgpack.Unmarshal(v, &slot); err != nil {
				return nil // skip corrupt slots
			}
			result[string(k)] = slot
			return nil
		})
	})
	return result, err
}

func (s *bboltStore) SaveLedgerSlots(slots map[string]map[string]UsageBucket) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		for key, slot := range slots {
			data, err := msgpack.Marshal(slot)
			if err != nil {
				return fmt.Errorf("marshal ledger slot %s: %w", key, err)
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *bboltStore) DeleteLedgerSlots(keys []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		for _, key := range keys {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *bboltStore) ClearLedger() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketLedger)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketLedger))
		return err
	})
}

// ---- User limits -----------------------------------------------------------

func (s *bboltStore) GetLimit(user string) (*UserLimit, error) {
	var l UserLimit
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketLimits)).Get([]byte(user))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &l)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &l, nil
}

func (s *bboltStore) SetLimit(user string, l UserLimit) error {
	data, err := msgpack.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal UserLimit: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLimits)).Put([]byte(user), data)
	})
}

func (s *bboltStore) DeleteLimit(user string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLimits)).Delete([]byte(user))
	})
}

func (s *bboltStore) ListLimits() (map[string]UserLimit, error) {
	result := make(map[string]UserLimit)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLimits)).ForEach(func(k, v []byte) error {
			var l UserLimit
			if err := msgpack.Unmarshal(v, &l); err != nil {
				return nil // skip corrupt entries
			}
			result[string(k)] = l
			return nil
		})
	})
	return result, err
}

// ---- Enforcement state -----------------------------------------------------

// stateGet unmarshals a fixed state key into out. A missing or corrupt value
// leaves out untouched, so callers start from their empty default.
func (s *bboltStore) stateGet(key string, out interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketState)).Get([]byte(key))
		if v == nil {
			return nil
		}
		if err := msgpack.Unmarshal(v, out); err != nil {
			return nil // corrupt state degrades to empty
		}
		return nil
	})
}

func (s *bboltStore) statePut(key string, val interface{}) error {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketState)).Put([]byte(key), data)
	})
}

func (s *bboltStore) GetManagedCidrs() ([]string, error) {
	var cidrs []string
	err := s.stateGet(stateKeyManagedCidrs, &cidrs)
	return cidrs, err
}

func (s *bboltStore) SetManagedCidrs(cidrs []string) error {
	return s.statePut(stateKeyManagedCidrs, cidrs)
}

func (s *bboltStore) GetManagedShapers() (map[string]ShaperRate, error) {
	m := make(map[string]ShaperRate)
	err := s.stateGet(stateKeyManagedShapers, &m)
	return m, err
}

func (s *bboltStore) SetManagedShapers(m map[string]ShaperRate) error {
	return s.statePut(stateKeyManagedShapers, m)
}

func (s *bboltStore) GetShaperStatus() (map[string]ShaperStatus, error) {
	m := make(map[string]ShaperStatus)
	err := s.stateGet(stateKeyShaperStatus, &m)
	return m, err
}

func (s *bboltStore) SetShaperStatus(m map[string]ShaperStatus) error {
	return s.statePut(stateKeyShaperStatus, m)
}

func (s *bboltStore) GetManagedMACs() (map[string]MACBlock, error) {
	m := make(map[string]MACBlock)
	err := s.stateGet(stateKeyManagedMACs, &m)
	return m, err
}

func (s *bboltStore) SetManagedMACs(m map[string]MACBlock) error {
	return s.statePut(stateKeyManagedMACs, m)
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
