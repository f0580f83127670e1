package enforcer

import (
	"context"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/mihomo-quota-warden/internal/limits"
	"github.com/developingchet/mihomo-quota-warden/internal/metrics"
	"github.com/developingchet/mihomo-quota-warden/internal/storage"
	"golang.org/x/sync/errgroup"
)

// mbpsFor converts a combined bytes-per-second limit into the Mbps value
// pushed to the agent, rounded to two decimals. Zero or non-finite results
// report zero and are skipped by the caller.
func mbpsFor(bps uint64) float64 {
	mbps := float64(bps) * 8 / 1e6
	if math.IsNaN(mbps) || math.IsInf(mbps, 0) || mbps <= 0 {
		return 0
	}
	return math.Round(mbps*100) / 100
}

// RunShaperPass converges agent-side per-IP shaping with the configured
// bandwidth limits. When shaping is disabled every managed rate is removed;
// when the agent is offline no state is mutated so a later pass can retry.
func (e *Enforcer) RunShaperPass(ctx context.Context) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	start := time.Now()
	metrics.EnforcePasses.WithLabelValues("shaper").Inc()
	defer func() {
		metrics.EnforceDuration.WithLabelValues("shaper").Observe(time.Since(start).Seconds())
	}()

	managed, err := e.store.GetManagedShapers()
	if err != nil {
		e.log.Warn().Err(err).Msg("load managed shapers failed")
		return
	}

	if e.gw == nil || !e.cfg.AgentEnabled || !e.cfg.AgentEnforceBandwidth {
		e.teardownShapers(ctx, managed)
		return
	}

	st, err := e.gw.Status(ctx)
	if err != nil || !st.OK {
		e.log.Warn().AnErr("probe", err).Msg("agent offline, shaper pass skipped")
		return
	}

	desired := e.desiredRates()
	if e.cfg.DryRun {
		e.log.Info().Int("desired", len(desired)).Int("managed", len(managed)).
			Msg("[DRY-RUN] would converge shapers")
		return
	}

	status, err := e.store.GetShaperStatus()
	if err != nil || status == nil {
		status = make(map[string]storage.ShaperStatus)
	}

	var statusMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for ip, rate := range desired {
		if prev, ok := managed[ip]; ok && prev == rate {
			continue // unchanged
		}
		ip, rate := ip, rate
		g.Go(func() error {
			err := e.gw.Shape(gctx, ip, rate.UpMbps, rate.DownMbps)
			statusMu.Lock()
			status[ip] = storage.ShaperStatus{OK: err == nil, Error: errString(err), At: e.now()}
			statusMu.Unlock()
			if err != nil {
				metrics.ShaperApplies.WithLabelValues("shape", "error").Inc()
				e.log.Warn().Err(err).Str("ip", ip).Float64("up_mbps", rate.UpMbps).
					Float64("down_mbps", rate.DownMbps).Msg("shape failed")
				return nil
			}
			metrics.ShaperApplies.WithLabelValues("shape", "success").Inc()
			e.log.Info().Str("ip", ip).Float64("up_mbps", rate.UpMbps).
				Float64("down_mbps", rate.DownMbps).Msg("shaper applied")
			return nil
		})
	}

	for ip := range managed {
		if _, want := desired[ip]; want {
			continue
		}
		ip := ip
		g.Go(func() error {
			err := e.gw.Unshape(gctx, ip)
			statusMu.Lock()
			delete(status, ip)
			statusMu.Unlock()
			if err != nil {
				metrics.ShaperApplies.WithLabelValues("unshape", "error").Inc()
				e.log.Warn().Err(err).Str("ip", ip).Msg("unshape failed")
				return nil
			}
			metrics.ShaperApplies.WithLabelValues("unshape", "success").Inc()
			e.log.Info().Str("ip", ip).Msg("shaper removed")
			return nil
		})
	}
	_ = g.Wait()

	// The managed map records intent, not confirmed backend state: a failed
	// apply stays in the desired set and is retried by the next pass's diff.
	if err := e.store.SetManagedShapers(desired); err != nil {
		e.log.Warn().Err(err).Msg("persist managed shapers failed")
	}
	if err := e.store.SetShaperStatus(status); err != nil {
		e.log.Warn().Err(err).Msg("persist shaper status failed")
	}
	metrics.ManagedShapers.Set(float64(len(desired)))
}

// desiredRates maps every shapeable user's bandwidth limit onto the IPs
// attributed to that user: the live snapshot, the learned identity map,
// the limit's MAC binding, and the label itself when it is an IP. The
// label case keeps IP-identified users shaped between connections.
func (e *Enforcer) desiredRates() map[string]storage.ShaperRate {
	idx := e.indexConnections(e.currentSnapshot())
	desired := make(map[string]storage.ShaperRate)

	for user, raw := range e.registry.All() {
		l := limits.Resolve(&raw)
		if !l.Enabled || l.Disabled || l.BandwidthLimitBps == 0 {
			continue
		}
		mbps := mbpsFor(l.BandwidthLimitBps)
		if mbps == 0 {
			continue
		}
		rate := storage.ShaperRate{UpMbps: mbps, DownMbps: mbps}
		if net.ParseIP(user) != nil {
			desired[user] = rate
		}
		for ip := range idx.ipsByUser[user] {
			desired[ip] = rate
		}
		for _, ip := range e.ids.IPs(user) {
			desired[ip] = rate
		}
		if l.MAC != "" {
			for _, ip := range e.ids.IPs(strings.ToLower(l.MAC)) {
				desired[ip] = rate
			}
		}
	}
	return desired
}

// teardownShapers removes every managed rate when shaping is switched off.
// Removals are best-effort; the managed map is cleared regardless so a
// disabled backend never pins stale intent.
func (e *Enforcer) teardownShapers(ctx context.Context, managed map[string]storage.ShaperRate) {
	if len(managed) == 0 {
		return
	}
	if e.cfg.DryRun {
		e.log.Info().Int("managed", len(managed)).Msg("[DRY-RUN] would remove all shapers")
		return
	}
	if e.gw != nil {
		g, gctx := errgroup.WithContext(ctx)
		for ip := range managed {
			ip := ip
			g.Go(func() error {
				if err := e.gw.Unshape(gctx, ip); err != nil {
					metrics.ShaperApplies.WithLabelValues("unshape", "error").Inc()
					e.log.Warn().Err(err).Str("ip", ip).Msg("shaper teardown failed")
					return nil
				}
				metrics.ShaperApplies.WithLabelValues("unshape", "success").Inc()
				return nil
			})
		}
		_ = g.Wait()
	}
	if err := e.store.SetManagedShapers(nil); err != nil {
		e.log.Warn().Err(err).Msg("clear managed shapers failed")
	}
	if err := e.store.SetShaperStatus(nil); err != nil {
		e.log.Warn().Err(err).Msg("clear shaper status failed")
	}
	metrics.ManagedShapers.Set(0)
	e.log.Info().Int("removed", len(managed)).Msg("shaping disabled, managed rates removed")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
