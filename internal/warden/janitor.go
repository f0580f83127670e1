package warden

import (
	"context"
	"time"

	"github.com/developingchet/mihomo-quota-warden/internal/ledger"
	"github.com/developingchet/mihomo-quota-warden/internal/limits"
	"github.com/developingchet/mihomo-quota-warden/internal/metrics"
	"github.com/developingchet/mihomo-quota-warden/internal/pool"
	"github.com/developingchet/mihomo-quota-warden/internal/storage"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: flushing the ledger, updating gauges.
type Janitor struct {
	store      storage.Store
	led        *ledger.Ledger
	reg        *limits.Registry
	workerPool *pool.Pool
	interval   time.Duration
	log        zerolog.Logger
}

// NewJanitor creates a Janitor.
func NewJanitor(store storage.Store, led *ledger.Ledger, reg *limits.Registry,
	workerPool *pool.Pool, interval time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:      store,
		led:        led,
		reg:        reg,
		workerPool: workerPool,
		interval:   interval,
		log:        log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	// Force any debounce-pending ledger state to disk
	j.led.Flush()

	metrics.LedgerSlots.Set(float64(j.led.SlotCount()))
	metrics.ConfiguredLimits.Set(float64(j.reg.Count()))

	// Update DB size gauge
	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	// Update queue depth gauge
	if j.workerPool != nil {
		metrics.WorkerQueueDepth.Set(float64(j.workerPool.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
