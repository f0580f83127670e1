package enforcer

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/developingchet/mihomo-quota-warden/internal/daemon"
	"github.com/developingchet/mihomo-quota-warden/internal/identity"
	"github.com/developingchet/mihomo-quota-warden/internal/limits"
	"github.com/developingchet/mihomo-quota-warden/internal/metrics"
	"github.com/developingchet/mihomo-quota-warden/internal/storage"
	"golang.org/x/sync/errgroup"
)

// memoAgg caches window aggregations for one pass so the same window is
// never summed twice.
type memoAgg struct {
	led   limits.Aggregator
	cache map[[2]int64]map[string]storage.UsageBucket
}

func newMemoAgg(led limits.Aggregator) *memoAgg {
	return &memoAgg{led: led, cache: make(map[[2]int64]map[string]storage.UsageBucket)}
}

func (m *memoAgg) RangeSum(start, end time.Time) map[string]storage.UsageBucket {
	key := [2]int64{start.Unix(), end.Unix()}
	if v, ok := m.cache[key]; ok {
		return v
	}
	v := m.led.RangeSum(start, end)
	m.cache[key] = v
	return v
}

// connIndex is the per-pass view of the live connection snapshot.
type connIndex struct {
	speedByUser map[string]uint64
	connsByUser map[string][]string
	ipsByUser   map[string]map[string]struct{}
}

func (e *Enforcer) indexConnections(snap *daemon.Snapshot) connIndex {
	idx := connIndex{
		speedByUser: make(map[string]uint64),
		connsByUser: make(map[string][]string),
		ipsByUser:   make(map[string]map[string]struct{}),
	}
	if snap == nil {
		return idx
	}
	for _, c := range snap.Connections {
		if c.ID == "" {
			continue
		}
		user := e.ids.Label(c.SourceIP)
		if user == "" {
			continue
		}
		var bps uint64
		if c.DownloadSpeed > 0 {
			bps += uint64(c.DownloadSpeed)
		}
		if c.UploadSpeed > 0 {
			bps += uint64(c.UploadSpeed)
		}
		idx.speedByUser[user] += bps
		idx.connsByUser[user] = append(idx.connsByUser[user], c.ID)
		if c.SourceIP != "" {
			if idx.ipsByUser[user] == nil {
				idx.ipsByUser[user] = make(map[string]struct{})
			}
			idx.ipsByUser[user][c.SourceIP] = struct{}{}
		}
	}
	return idx
}

// RunPass executes one enforce pass: classify every limited user, converge
// the daemon blocklist, and terminate blocked users' connections. Passes
// are serialized; external call failures degrade per call and never abort
// the pass.
func (e *Enforcer) RunPass(ctx context.Context) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	start := time.Now()
	metrics.EnforcePasses.WithLabelValues("enforce").Inc()
	defer func() {
		metrics.EnforceDuration.WithLabelValues("enforce").Observe(time.Since(start).Seconds())
	}()

	now := e.now()
	idx := e.indexConnections(e.currentSnapshot())
	agg := newMemoAgg(e.ledger)
	delegated := e.cfg.AgentEnabled && e.cfg.AgentEnforceBandwidth

	all := e.registry.All()
	blocked := make(map[string]bool, len(all))
	macOf := make(map[string]string, len(all))
	for user, raw := range all {
		l := limits.Resolve(&raw)
		if l.MAC != "" {
			macOf[user] = strings.ToLower(l.MAC)
		}
		c := limits.Classify(user, l, agg, idx.speedByUser[user], delegated, now)

		// Bandwidth hysteresis: the streak tracks the raw signal on every
		// pass, including while shaping is delegated, so toggling the
		// shaper off acts on an up-to-date streak.
		bwBlocked := false
		if l.Enabled && l.BandwidthLimitBps > 0 {
			if c.BandwidthExceeded {
				e.bwStreak[user]++
			} else {
				e.bwStreak[user] = 0
			}
			bwBlocked = !delegated && e.bwStreak[user] >= bandwidthBlockStreak
		}
		blocked[user] = l.Disabled || (l.Enabled && (c.TrafficExceeded || bwBlocked))
	}
	for user := range e.bwStreak {
		if _, ok := all[user]; !ok {
			delete(e.bwStreak, user)
		}
	}

	blockedCount := 0
	for _, b := range blocked {
		if b {
			blockedCount++
		}
	}
	metrics.BlockedUsers.Set(float64(blockedCount))

	e.convergeBlocklist(ctx, blocked, macOf, idx, now)
	e.disconnectBlocked(ctx, blocked, idx, now)

	e.log.Debug().Int("users", len(all)).Int("blocked", blockedCount).
		Dur("elapsed", time.Since(start)).Msg("enforce pass complete")
}

// desiredCidrs computes the CIDR set covering every IP bound to every
// blocked user: the live snapshot, the learned identity map, the limit's
// MAC binding, and the label itself when it is an IP or CIDR. The label
// case keeps IP-identified users covered after their connections are gone.
func (e *Enforcer) desiredCidrs(blocked map[string]bool, macOf map[string]string, idx connIndex) []string {
	set := make(map[string]struct{})
	for user, isBlocked := range blocked {
		if !isBlocked {
			continue
		}
		if cidr := identity.CIDRFor(user); cidr != "" {
			set[cidr] = struct{}{}
		}
		for ip := range idx.ipsByUser[user] {
			if cidr := identity.CIDRFor(ip); cidr != "" {
				set[cidr] = struct{}{}
			}
		}
		for _, ip := range e.ids.IPs(user) {
			if cidr := identity.CIDRFor(ip); cidr != "" {
				set[cidr] = struct{}{}
			}
		}
		if mac := macOf[user]; mac != "" {
			for _, ip := range e.ids.IPs(mac) {
				if cidr := identity.CIDRFor(ip); cidr != "" {
					set[cidr] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(set))
	for cidr := range set {
		out = append(out, cidr)
	}
	sort.Strings(out)
	return out
}

// convergeBlocklist diffs the desired CIDR set against the managed set and
// pushes the merged blocklist to the daemon, touching only entries this
// warden previously added. Pushes are rate-limited by blocklist_min_push_gap.
func (e *Enforcer) convergeBlocklist(ctx context.Context, blocked map[string]bool, macOf map[string]string, idx connIndex, now time.Time) {
	managed, err := e.store.GetManagedCidrs()
	if err != nil {
		e.log.Warn().Err(err).Msg("load managed cidrs failed")
		return
	}

	var desired []string
	if e.cfg.HardBlock {
		desired = e.desiredCidrs(blocked, macOf, idx)
	} else if len(managed) == 0 {
		return // hard block off and nothing to clean up
	}

	if equalStringSets(desired, managed) {
		return
	}
	if now.Sub(e.lastBlocklistPush) < e.cfg.BlocklistMinPushGap {
		e.log.Debug().Msg("blocklist push rate-limited, retrying next pass")
		return
	}
	e.lastBlocklistPush = now

	if e.cfg.DryRun {
		e.log.Info().Strs("desired", desired).Strs("managed", managed).
			Msg("[DRY-RUN] would push blocklist")
		return
	}

	blob, err := e.daemon.GetConfig(ctx)
	if err != nil {
		metrics.BlocklistSyncs.WithLabelValues("error").Inc()
		e.log.Warn().Err(err).Msg("blocklist sync: config read failed")
		return
	}
	current := stringList(blob[daemon.DisallowedIPsKey])

	// Preserve entries added by other means: drop only our managed subset,
	// then append the full desired set.
	drop := make(map[string]struct{}, len(managed)+len(desired))
	for _, c := range managed {
		drop[c] = struct{}{}
	}
	for _, c := range desired {
		drop[c] = struct{}{}
	}
	next := make([]string, 0, len(current)+len(desired))
	for _, c := range current {
		if _, ours := drop[c]; !ours {
			next = append(next, c)
		}
	}
	next = append(next, desired...)

	if err := e.daemon.PatchConfig(ctx, map[string]interface{}{daemon.DisallowedIPsKey: next}); err != nil {
		metrics.BlocklistSyncs.WithLabelValues("error").Inc()
		e.log.Warn().Err(err).Msg("blocklist sync: config patch failed")
		return
	}
	if err := e.store.SetManagedCidrs(desired); err != nil {
		e.log.Warn().Err(err).Msg("persist managed cidrs failed")
	}
	metrics.BlocklistSyncs.WithLabelValues("success").Inc()
	metrics.ManagedCidrs.Set(float64(len(desired)))
	e.log.Info().Int("managed", len(desired)).Int("total", len(next)).Msg("blocklist synced")
}

// disconnectBlocked terminates every blocked user's live connections,
// gated by a per-connection cooldown. Terminates run concurrently and
// individual failures are swallowed; the next pass retries naturally.
func (e *Enforcer) disconnectBlocked(ctx context.Context, blocked map[string]bool, idx connIndex, now time.Time) {
	if !e.cfg.AutoDisconnect && !e.cfg.HardBlock {
		return
	}

	for id, ts := range e.lastDisconnectAt {
		if now.Sub(ts) >= disconnectCacheTTL {
			delete(e.lastDisconnectAt, id)
		}
	}

	var ids []string
	for user, isBlocked := range blocked {
		if !isBlocked {
			continue
		}
		for _, id := range idx.connsByUser[user] {
			if ts, ok := e.lastDisconnectAt[id]; ok && now.Sub(ts) < e.cfg.DisconnectCooldown {
				continue
			}
			e.lastDisconnectAt[id] = now
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	if e.cfg.DryRun {
		e.log.Info().Strs("connections", ids).Msg("[DRY-RUN] would disconnect")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := e.daemon.CloseConnection(gctx, id); err != nil {
				metrics.Disconnects.WithLabelValues("error").Inc()
				e.log.Debug().Err(err).Str("conn_id", id).Msg("disconnect failed")
				return nil // best-effort
			}
			metrics.Disconnects.WithLabelValues("success").Inc()
			return nil
		})
	}
	_ = g.Wait()
	e.log.Info().Int("connections", len(ids)).Msg("disconnected blocked users")
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
