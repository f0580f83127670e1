// Package enforcer converges the three enforcement channels (connection
// termination, the daemon's disallowed-IP blocklist, and agent-side
// bandwidth shaping) onto the state demanded by the configured limits.
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/mihomo-quota-warden/internal/agent"
	"github.com/developingchet/mihomo-quota-warden/internal/config"
	"github.com/developingchet/mihomo-quota-warden/internal/daemon"
	"github.com/developingchet/mihomo-quota-warden/internal/identity"
	"github.com/developingchet/mihomo-quota-warden/internal/ledger"
	"github.com/developingchet/mihomo-quota-warden/internal/limits"
	"github.com/developingchet/mihomo-quota-warden/internal/pool"
	"github.com/developingchet/mihomo-quota-warden/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// bandwidthBlockStreak is how many consecutive over-threshold passes a
	// bandwidth breach must persist before it blocks. Absorbs short bursts.
	bandwidthBlockStreak = 3

	// disconnectCacheTTL bounds the per-connection cooldown cache.
	disconnectCacheTTL = 20 * time.Second
)

// Enforcer runs debounced reconcile passes. Passes are serialized: a kick
// during a running pass coalesces into one follow-up pass.
type Enforcer struct {
	cfg      *config.Config
	daemon   daemon.Client
	gw       agent.Gateway // nil when the agent is disabled
	store    storage.Store
	registry *limits.Registry
	ledger   *ledger.Ledger
	ids      *identity.Resolver
	pool     *pool.Pool // nil when the agent is disabled
	log      zerolog.Logger

	// passMu serializes passes; the fields below it are pass-local state
	// and are only touched while it is held.
	passMu            sync.Mutex
	bwStreak          map[string]int
	lastDisconnectAt  map[string]time.Time
	lastBlocklistPush time.Time

	mu           sync.Mutex // guards snapshot and timers
	snapshot     *daemon.Snapshot
	enforceTimer *time.Timer
	shaperTimer  *time.Timer
	baseCtx      context.Context

	now func() time.Time
}

// New constructs an Enforcer. gw and workerPool are nil when the router
// agent is not configured.
func New(cfg *config.Config, dc daemon.Client, gw agent.Gateway, store storage.Store,
	registry *limits.Registry, led *ledger.Ledger, ids *identity.Resolver,
	workerPool *pool.Pool, log zerolog.Logger) *Enforcer {

	return &Enforcer{
		cfg:              cfg,
		daemon:           dc,
		gw:               gw,
		store:            store,
		registry:         registry,
		ledger:           led,
		ids:              ids,
		pool:             workerPool,
		log:              log,
		bwStreak:         make(map[string]int),
		lastDisconnectAt: make(map[string]time.Time),
		baseCtx:          context.Background(),
		now:              time.Now,
	}
}

// Start binds the context used by debounced timer callbacks.
func (e *Enforcer) Start(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
}

// Stop cancels any pending debounced passes.
func (e *Enforcer) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enforceTimer != nil {
		e.enforceTimer.Stop()
	}
	if e.shaperTimer != nil {
		e.shaperTimer.Stop()
	}
}

// SetConnections replaces the live connection snapshot used by subsequent
// passes. The caller kicks the enforce loop separately.
func (e *Enforcer) SetConnections(snap *daemon.Snapshot) {
	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()
}

// Kick schedules an enforce pass after the debounce quiet period. Repeated
// kicks within the period coalesce into a single pass.
func (e *Enforcer) Kick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enforceTimer == nil {
		e.enforceTimer = time.AfterFunc(e.cfg.EnforceDebounce, func() {
			e.RunPass(e.baseCtx)
		})
		return
	}
	e.enforceTimer.Reset(e.cfg.EnforceDebounce)
}

// KickShaper schedules a shaper pass after its own debounce quiet period.
func (e *Enforcer) KickShaper() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shaperTimer == nil {
		e.shaperTimer = time.AfterFunc(e.cfg.ShaperDebounce, func() {
			e.RunShaperPass(e.baseCtx)
		})
		return
	}
	e.shaperTimer.Reset(e.cfg.ShaperDebounce)
}

func (e *Enforcer) currentSnapshot() *daemon.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// BlockMAC records a managed MAC-level block and enqueues the agent call.
// id is a MAC address, or an IP resolved to its MAC through the agent's
// neighbor table.
func (e *Enforcer) BlockMAC(ctx context.Context, id string, ports []int) error {
	mac, err := e.resolveMAC(ctx, id)
	if err != nil {
		return err
	}
	managed, err := e.store.GetManagedMACs()
	if err != nil {
		return err
	}
	if managed == nil {
		managed = make(map[string]storage.MACBlock)
	}
	managed[mac] = storage.MACBlock{Ports: joinPorts(ports), At: e.now()}
	if err := e.store.SetManagedMACs(managed); err != nil {
		return err
	}
	if !e.pool.Enqueue(pool.MACJob{Action: pool.ActionBlock, MAC: mac, Ports: ports}) {
		return errors.New("job queue full")
	}
	return nil
}

// UnblockMAC removes a managed MAC block. MACs not managed by the warden
// are left alone.
func (e *Enforcer) UnblockMAC(ctx context.Context, id string) error {
	mac, err := e.resolveMAC(ctx, id)
	if err != nil {
		return err
	}
	managed, err := e.store.GetManagedMACs()
	if err != nil {
		return err
	}
	if _, ok := managed[mac]; !ok {
		e.log.Debug().Str("mac", mac).Msg("unblock skipped: mac not managed")
		return nil
	}
	delete(managed, mac)
	if err := e.store.SetManagedMACs(managed); err != nil {
		return err
	}
	if !e.pool.Enqueue(pool.MACJob{Action: pool.ActionUnblock, MAC: mac}) {
		return errors.New("job queue full")
	}
	return nil
}

// resolveMAC normalizes a MAC-block target. IPs go through the agent's
// neighbor table; anything else is treated as a MAC address.
func (e *Enforcer) resolveMAC(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("empty mac")
	}
	if e.pool == nil || e.gw == nil {
		return "", errors.New("router agent not configured")
	}
	if net.ParseIP(id) == nil {
		return strings.ToLower(id), nil
	}
	mac, err := e.gw.IPToMAC(ctx, id)
	if err != nil {
		return "", fmt.Errorf("resolve mac for %s: %w", id, err)
	}
	if mac == "" {
		return "", fmt.Errorf("no neighbor entry for %s", id)
	}
	return strings.ToLower(mac), nil
}

// ManagedMACs returns the MAC blocks currently managed by the warden.
func (e *Enforcer) ManagedMACs() (map[string]storage.MACBlock, error) {
	return e.store.GetManagedMACs()
}

// ShaperStatus returns the last per-IP shaper apply results.
func (e *Enforcer) ShaperStatus() (map[string]storage.ShaperStatus, error) {
	return e.store.GetShaperStatus()
}

func joinPorts(ports []int) string {
	if len(ports) == 0 {
		return ""
	}
	strs := make([]string, len(ports))
	for i, p := range ports {
		strs[i] = strconv.Itoa(p)
	}
	return strings.Join(strs, ",")
}

// MACHandler returns the pool job handler executing MAC block/unblock
// calls against the given gateway.
func MACHandler(gw agent.Gateway, log zerolog.Logger) pool.JobHandler {
	return func(ctx context.Context, job pool.MACJob) error {
		var err error
		switch job.Action {
		case pool.ActionBlock:
			err = gw.BlockMAC(ctx, job.MAC, job.Ports)
		case pool.ActionUnblock:
			err = gw.UnblockMAC(ctx, job.MAC)
		}
		if err != nil {
			return err
		}
		log.Info().Str("action", job.Action).Str("mac", job.MAC).Msg("mac job applied")
		return nil
	}
}
