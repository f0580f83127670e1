package enforcer

import (
	"context"
	"testing"
	"time"

	"github.com/developingchet/mihomo-quota-warden/internal/agent"
	"github.com/developingchet/mihomo-quota-warden/internal/config"
	"github.com/developingchet/mihomo-quota-warden/internal/daemon"
	"github.com/developingchet/mihomo-quota-warden/internal/identity"
	"github.com/developingchet/mihomo-quota-warden/internal/ledger"
	"github.com/developingchet/mihomo-quota-warden/internal/limits"
	"github.com/developingchet/mihomo-quota-warden/internal/pool"
	"github.com/developingchet/mihomo-quota-warden/internal/storage"
	"github.com/developingchet/mihomo-quota-warden/internal/testutil"
	"github.com/rs/zerolog"
)

type fixture struct {
	cfg *config.Config
	dc  *testutil.MockDaemon
	gw  *testutil.MockAgent
	st  *testutil.MockStore
	reg *limits.Registry
	led *ledger.Ledger
	enf *Enforcer
	now time.Time
}

func newFixture(t *testing.T, overrides map[string]string, mut func(*config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{
		AutoDisconnect:     true,
		HardBlock:          true,
		EnforceDebounce:    time.Millisecond,
		ShaperDebounce:     time.Millisecond,
		DisconnectCooldown: 2500 * time.Millisecond,
		RetentionDays:      35,
		PersistDebounce:    time.Hour,
	}
	if mut != nil {
		mut(cfg)
	}
	st := testutil.NewMockStore()
	led := ledger.New(st, cfg.RetentionDays, cfg.PersistDebounce, zerolog.Nop())
	reg := limits.NewRegistry(st, zerolog.Nop())
	dc := testutil.NewMockDaemon()
	gw := testutil.NewMockAgent()
	f := &fixture{
		cfg: cfg,
		dc:  dc,
		gw:  gw,
		st:  st,
		reg: reg,
		led: led,
		now: time.Now(),
	}
	f.enf = New(cfg, dc, gw, st, reg, led, identity.NewResolver(overrides), nil, zerolog.Nop())
	f.enf.now = func() time.Time { return f.now }
	return f
}

func snapshotFor(conns ...daemon.Connection) *daemon.Snapshot {
	return &daemon.Snapshot{Connections: conns}
}

// TestPassTrafficExceeded walks the full traffic-cap scenario: a user 200MB
// over a 1GB daily cap gets its IP hard-blocked and every live connection
// terminated.
func TestPassTrafficExceeded(t *testing.T) {
	f := newFixture(t, map[string]string{"192.168.1.10": "alice"}, nil)
	ctx := context.Background()

	if err := f.reg.Set("alice", storage.UserLimit{
		Enabled:           true,
		TrafficLimitBytes: 1_000_000_000,
		TrafficPeriod:     "1d",
	}); err != nil {
		t.Fatal(err)
	}
	f.led.Record("alice", 1_200_000_000, 0, f.now.Add(-2*time.Hour))

	f.enf.SetConnections(snapshotFor(
		daemon.Connection{ID: "c1", SourceIP: "192.168.1.10", DownloadSpeed: 100},
		daemon.Connection{ID: "c2", SourceIP: "192.168.1.10", DownloadSpeed: 50},
	))
	f.enf.RunPass(ctx)

	if len(f.dc.Patches) != 1 {
		t.Fatalf("expected 1 config patch, got %d", len(f.dc.Patches))
	}
	pushed := stringList(f.dc.Patches[0][daemon.DisallowedIPsKey])
	if len(pushed) != 1 || pushed[0] != "192.168.1.10/32" {
		t.Errorf("blocklist = %v", pushed)
	}
	managed, _ := f.st.GetManagedCidrs()
	if len(managed) != 1 || managed[0] != "192.168.1.10/32" {
		t.Errorf("managed cidrs = %v", managed)
	}
	if len(f.dc.Closed) != 2 {
		t.Errorf("expected both connections closed, got %v", f.dc.Closed)
	}
}

// TestPassIdempotent verifies a repeated pass with unchanged inputs issues
// zero additional external mutations.
func TestPassIdempotent(t *testing.T) {
	f := newFixture(t, map[string]string{"192.168.1.10": "alice"}, nil)
	ctx := context.Background()

	_ = f.reg.Set("alice", storage.UserLimit{Enabled: true, TrafficLimitBytes: 1000, TrafficPeriod: "1d"})
	f.led.Record("alice", 5000, 0, f.now)
	f.enf.SetConnections(snapshotFor(daemon.Connection{ID: "c1", SourceIP: "192.168.1.10"}))

	f.enf.RunPass(ctx)
	patches, closes := len(f.dc.Patches), len(f.dc.Closed)

	f.enf.RunPass(ctx)
	if len(f.dc.Patches) != patches {
		t.Errorf("second pass patched config again: %d -> %d", patches, len(f.dc.Patches))
	}
	if len(f.dc.Closed) != closes {
		t.Errorf("second pass disconnected again within cooldown: %d -> %d", closes, len(f.dc.Closed))
	}
}

// TestDisconnectCooldown verifies the per-connection cooldown expires and the
// still-blocked connection is terminated again.
func TestDisconnectCooldown(t *testing.T) {
	f := newFixture(t, map[string]string{"192.168.1.10": "alice"}, nil)
	ctx := context.Background()

	_ = f.reg.Set("alice", storage.UserLimit{Disabled: true})
	f.enf.SetConnections(snapshotFor(daemon.Connection{ID: "c1", SourceIP: "192.168.1.10"}))

	f.enf.RunPass(ctx)
	if len(f.dc.Closed) != 1 {
		t.Fatalf("expected 1 disconnect, got %d", len(f.dc.Closed))
	}

	f.now = f.now.Add(1 * time.Second)
	f.enf.RunPass(ctx)
	if len(f.dc.Closed) != 1 {
		t.Fatalf("disconnect repeated within cooldown: %d", len(f.dc.Closed))
	}

	f.now = f.now.Add(2 * time.Second)
	f.enf.RunPass(ctx)
	if len(f.dc.Closed) != 2 {
		t.Fatalf("expected disconnect after cooldown expiry, got %d", len(f.dc.Closed))
	}
}

// TestBandwidthHysteresis verifies a bandwidth breach must persist for three
// consecutive passes before blocking, and an under-threshold pass resets the
// streak.
func TestBandwidthHysteresis(t *testing.T) {
	f := newFixture(t, map[string]string{"192.168.1.20": "bob"}, nil)
	ctx := context.Background()

	_ = f.reg.Set("bob", storage.UserLimit{Enabled: true, BandwidthLimitBps: 1000})
	over := snapshotFor(daemon.Connection{ID: "c1", SourceIP: "192.168.1.20", DownloadSpeed: 2000})
	under := snapshotFor(daemon.Connection{ID: "c1", SourceIP: "192.168.1.20", DownloadSpeed: 10})

	f.enf.SetConnections(over)
	f.enf.RunPass(ctx)
	f.enf.RunPass(ctx)
	if len(f.dc.Closed) != 0 {
		t.Fatalf("blocked before 3 consecutive passes: %v", f.dc.Closed)
	}

	f.enf.RunPass(ctx)
	if len(f.dc.Closed) != 1 {
		t.Fatalf("expected block on third consecutive pass, got %v", f.dc.Closed)
	}

	// Under-threshold resets the streak; two more over-passes stay unblocked.
	f.enf.SetConnections(under)
	f.enf.RunPass(ctx)
	if f.enf.bwStreak["bob"] != 0 {
		t.Fatalf("streak not reset: %d", f.enf.bwStreak["bob"])
	}
	f.now = f.now.Add(3 * time.Second) // past the disconnect cooldown
	f.enf.SetConnections(over)
	f.enf.RunPass(ctx)
	f.enf.RunPass(ctx)
	if len(f.dc.Closed) != 1 {
		t.Fatalf("blocked again before streak rebuilt: %v", f.dc.Closed)
	}
}

// TestBandwidthDelegatedToShaper verifies a bandwidth breach never disconnects
// while the agent owns bandwidth enforcement, even past the streak threshold.
func TestBandwidthDelegatedToShaper(t *testing.T) {
	f := newFixture(t, map[string]string{"192.168.1.20": "bob"}, func(c *config.Config) {
		c.AgentEnabled = true
		c.AgentEnforceBandwidth = true
	})
	ctx := context.Background()

	_ = f.reg.Set("bob", storage.UserLimit{Enabled: true, BandwidthLimitBps: 1000})
	f.enf.SetConnections(snapshotFor(daemon.Connection{ID: "c1", SourceIP: "192.168.1.20", DownloadSpeed: 2000}))

	for i := 0; i < 5; i++ {
		f.enf.RunPass(ctx)
	}
	if len(f.dc.Closed) != 0 {
		t.Fatalf("disconnected despite delegation: %v", f.dc.Closed)
	}
	// The streak still tracks the raw signal for when delegation is revoked.
	if f.enf.bwStreak["bob"] < 3 {
		t.Fatalf("streak not tracked while delegated: %d", f.enf.bwStreak["bob"])
	}
}

// TestBlocklistPreservesExternalEntries verifies the diff only touches the
// previously-managed subset of the daemon blocklist.
func TestBlocklistPreservesExternalEntries(t *testing.T) {
	f := newFixture(t, map[string]string{"10.0.0.5": "eve"}, nil)
	ctx := context.Background()

	_ = f.st.SetManagedCidrs([]string{"10.0.0.9/32"})
	f.dc.SetConfig(map[string]interface{}{
		daemon.DisallowedIPsKey: []interface{}{"10.0.0.9/32", "1.2.3.4/32"},
	})
	_ = f.reg.Set("eve", storage.UserLimit{Disabled: true})

	f.enf.RunPass(ctx)

	if len(f.dc.Patches) != 1 {
		t.Fatalf("expected 1 patch, got %d", len(f.dc.Patches))
	}
	pushed := stringList(f.dc.Patches[0][daemon.DisallowedIPsKey])
	want := map[string]bool{"1.2.3.4/32": true, "10.0.0.5/32": true}
	if len(pushed) != 2 || !want[pushed[0]] || !want[pushed[1]] {
		t.Errorf("pushed list = %v, want external 1.2.3.4/32 preserved and 10.0.0.5/32 added", pushed)
	}
	managed, _ := f.st.GetManagedCidrs()
	if len(managed) != 1 || managed[0] != "10.0.0.5/32" {
		t.Errorf("managed = %v", managed)
	}
}

// TestBlocklistPushRateLimited verifies a changed desired set within the push
// gap is deferred to a later pass.
func TestBlocklistPushRateLimited(t *testing.T) {
	f := newFixture(t, map[string]string{"10.0.0.5": "eve", "10.0.0.6": "mallory"}, func(c *config.Config) {
		c.BlocklistMinPushGap = 15 * time.Second
	})
	ctx := context.Background()

	_ = f.reg.Set("eve", storage.UserLimit{Disabled: true})
	f.enf.RunPass(ctx)
	if len(f.dc.Patches) != 1 {
		t.Fatalf("expected first push, got %d", len(f.dc.Patches))
	}

	_ = f.reg.Set("mallory", storage.UserLimit{Disabled: true})
	f.now = f.now.Add(5 * time.Second)
	f.enf.RunPass(ctx)
	if len(f.dc.Patches) != 1 {
		t.Fatalf("push not rate-limited: %d", len(f.dc.Patches))
	}

	f.now = f.now.Add(11 * time.Second)
	f.enf.RunPass(ctx)
	if len(f.dc.Patches) != 2 {
		t.Fatalf("expected deferred push after gap, got %d", len(f.dc.Patches))
	}
}

// TestHardBlockPersistsWithoutConnections covers users identified by their
// bare IP (no override, no learned MAC): the hard block must survive passes
// where the user has no live connections.
func TestHardBlockPersistsWithoutConnections(t *testing.T) {
	f := newFixture(t, nil, func(c *config.Config) {
		c.BlocklistMinPushGap = 15 * time.Second
	})
	ctx := context.Background()

	_ = f.reg.Set("192.168.1.10", storage.UserLimit{Disabled: true})
	f.enf.SetConnections(snapshotFor(
		daemon.Connection{ID: "c1", SourceIP: "192.168.1.10", DownloadSpeed: 100},
	))
	f.enf.RunPass(ctx)

	managed, _ := f.st.GetManagedCidrs()
	if len(managed) != 1 || managed[0] != "192.168.1.10/32" {
		t.Fatalf("managed = %v, want [192.168.1.10/32]", managed)
	}

	// Connections are gone and the push gap has elapsed: the desired set
	// must still cover the label itself, so nothing gets pushed.
	f.enf.SetConnections(snapshotFor())
	f.now = f.now.Add(16 * time.Second)
	f.enf.RunPass(ctx)

	managed, _ = f.st.GetManagedCidrs()
	if len(managed) != 1 || managed[0] != "192.168.1.10/32" {
		t.Fatalf("hard block dropped while user still blocked: managed = %v", managed)
	}
	if len(f.dc.Patches) != 1 {
		t.Errorf("expected no second push, got %d", len(f.dc.Patches))
	}
}

// TestBlocklistUsesMACBinding verifies a limit carrying a MAC binding covers
// the MAC's neighbor-learned IPs even with no live connections.
func TestBlocklistUsesMACBinding(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.enf.ids.Update(map[string]string{"192.168.1.50": "AA:BB:CC:DD:EE:50"})
	_ = f.reg.Set("kids-tablet", storage.UserLimit{Disabled: true, MAC: "AA:BB:CC:DD:EE:50"})

	f.enf.RunPass(ctx)

	managed, _ := f.st.GetManagedCidrs()
	if len(managed) != 1 || managed[0] != "192.168.1.50/32" {
		t.Fatalf("managed = %v, want [192.168.1.50/32]", managed)
	}
}

// TestHardBlockDisabledCleanup verifies the managed set converges to empty
// when hard blocking is switched off, leaving external entries alone.
func TestHardBlockDisabledCleanup(t *testing.T) {
	f := newFixture(t, nil, func(c *config.Config) {
		c.HardBlock = false
	})
	ctx := context.Background()

	_ = f.st.SetManagedCidrs([]string{"10.0.0.9/32"})
	f.dc.SetConfig(map[string]interface{}{
		daemon.DisallowedIPsKey: []interface{}{"10.0.0.9/32", "1.2.3.4/32"},
	})

	f.enf.RunPass(ctx)
	if len(f.dc.Patches) != 1 {
		t.Fatalf("expected cleanup patch, got %d", len(f.dc.Patches))
	}
	pushed := stringList(f.dc.Patches[0][daemon.DisallowedIPsKey])
	if len(pushed) != 1 || pushed[0] != "1.2.3.4/32" {
		t.Errorf("cleanup pushed %v", pushed)
	}
	managed, _ := f.st.GetManagedCidrs()
	if len(managed) != 0 {
		t.Errorf("managed not cleared: %v", managed)
	}

	// Converged: nothing left to do.
	f.enf.RunPass(ctx)
	if len(f.dc.Patches) != 1 {
		t.Errorf("cleanup repeated: %d patches", len(f.dc.Patches))
	}
}

// TestShaperConvergence verifies desired rates are pushed once, unchanged
// rates are skipped, and removed limits are unshaped.
func TestShaperConvergence(t *testing.T) {
	f := newFixture(t, map[string]string{"192.168.1.30": "carol"}, func(c *config.Config) {
		c.AgentEnabled = true
		c.AgentEnforceBandwidth = true
	})
	ctx := context.Background()

	// 1.25 MB/s -> 10 Mbps
	_ = f.reg.Set("carol", storage.UserLimit{Enabled: true, BandwidthLimitBps: 1_250_000})

	f.enf.RunShaperPass(ctx)
	if got := f.gw.Shaped["192.168.1.30"]; got != [2]float64{10, 10} {
		t.Fatalf("shaped rate = %v, want [10 10]", got)
	}
	managed, _ := f.st.GetManagedShapers()
	if managed["192.168.1.30"] != (storage.ShaperRate{UpMbps: 10, DownMbps: 10}) {
		t.Fatalf("managed = %v", managed)
	}
	status, _ := f.enf.ShaperStatus()
	if !status["192.168.1.30"].OK {
		t.Errorf("status = %+v", status["192.168.1.30"])
	}

	// Unchanged: no second push.
	f.enf.RunShaperPass(ctx)
	if f.gw.Calls("Shape") != 1 {
		t.Fatalf("unchanged rate re-pushed: %d calls", f.gw.Calls("Shape"))
	}

	// Limit removed: unshape and clear.
	_ = f.reg.Clear("carol")
	f.enf.RunShaperPass(ctx)
	if f.gw.Calls("Unshape") != 1 {
		t.Fatalf("expected unshape, got %d", f.gw.Calls("Unshape"))
	}
	managed, _ = f.st.GetManagedShapers()
	if len(managed) != 0 {
		t.Errorf("managed not cleared: %v", managed)
	}
}

// TestShaperCoversLabelAndMAC verifies IP-labeled users and MAC bindings are
// shaped without any live connection.
func TestShaperCoversLabelAndMAC(t *testing.T) {
	f := newFixture(t, nil, func(c *config.Config) {
		c.AgentEnabled = true
		c.AgentEnforceBandwidth = true
	})
	ctx := context.Background()

	f.enf.ids.Update(map[string]string{"192.168.1.50": "AA:BB:CC:DD:EE:50"})
	_ = f.reg.Set("192.168.1.10", storage.UserLimit{Enabled: true, BandwidthLimitBps: 1_250_000})
	_ = f.reg.Set("kids-tablet", storage.UserLimit{Enabled: true, BandwidthLimitBps: 625_000, MAC: "AA:BB:CC:DD:EE:50"})

	f.enf.RunShaperPass(ctx)

	if got := f.gw.Shaped["192.168.1.10"]; got != [2]float64{10, 10} {
		t.Errorf("label ip shaped = %v, want [10 10]", got)
	}
	if got := f.gw.Shaped["192.168.1.50"]; got != [2]float64{5, 5} {
		t.Errorf("mac-bound ip shaped = %v, want [5 5]", got)
	}
}

// TestShaperOfflineNoMutation verifies an unreachable agent leaves the
// managed map untouched so a later pass can retry.
func TestShaperOfflineNoMutation(t *testing.T) {
	f := newFixture(t, map[string]string{"192.168.1.30": "carol"}, func(c *config.Config) {
		c.AgentEnabled = true
		c.AgentEnforceBandwidth = true
	})
	ctx := context.Background()

	prior := map[string]storage.ShaperRate{"192.168.1.30": {UpMbps: 10, DownMbps: 10}}
	_ = f.st.SetManagedShapers(prior)
	_ = f.reg.Set("carol", storage.UserLimit{Enabled: true, BandwidthLimitBps: 2_500_000})

	f.gw.SetStatus(agent.Status{OK: false, Error: "offline"})
	f.enf.RunShaperPass(ctx)

	if f.gw.Calls("Shape") != 0 || f.gw.Calls("Unshape") != 0 {
		t.Fatalf("mutated against offline agent: shape=%d unshape=%d",
			f.gw.Calls("Shape"), f.gw.Calls("Unshape"))
	}
	managed, _ := f.st.GetManagedShapers()
	if managed["192.168.1.30"] != prior["192.168.1.30"] {
		t.Errorf("managed changed: %v", managed)
	}
}

// TestShaperDisabledTeardown verifies turning shaping off removes every
// managed rate and clears the map.
func TestShaperDisabledTeardown(t *testing.T) {
	f := newFixture(t, nil, func(c *config.Config) {
		c.AgentEnabled = true
		c.AgentEnforceBandwidth = false
	})
	ctx := context.Background()

	_ = f.st.SetManagedShapers(map[string]storage.ShaperRate{
		"192.168.1.30": {UpMbps: 10, DownMbps: 10},
		"192.168.1.31": {UpMbps: 5, DownMbps: 5},
	})

	f.enf.RunShaperPass(ctx)
	if f.gw.Calls("Unshape") != 2 {
		t.Fatalf("expected 2 unshapes, got %d", f.gw.Calls("Unshape"))
	}
	managed, _ := f.st.GetManagedShapers()
	if len(managed) != 0 {
		t.Errorf("managed not cleared: %v", managed)
	}
}

func TestMbpsFor(t *testing.T) {
	cases := []struct {
		bps  uint64
		want float64
	}{
		{0, 0},
		{125_000, 1},
		{1_250_000, 10},
		{1000, 0.01}, // 0.008 Mbps rounds up
		{100, 0},     // 0.0008 Mbps rounds to zero, skipped
	}
	for _, c := range cases {
		if got := mbpsFor(c.bps); got != c.want {
			t.Errorf("mbpsFor(%d) = %v, want %v", c.bps, got, c.want)
		}
	}
}

// TestMACBlockLifecycle verifies managed MAC blocks round-trip through the
// worker pool and unblocks only touch self-managed MACs.
func TestMACBlockLifecycle(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := pool.New(pool.Config{Workers: 1, QueueDepth: 8, MaxRetries: 1, RetryBase: time.Millisecond},
		MACHandler(f.gw, zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(ctx)
	f.enf.pool = p

	if err := f.enf.BlockMAC(ctx, "AA:BB:CC:DD:EE:FF", []int{80, 443}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	macs, _ := f.enf.ManagedMACs()
	if b, ok := macs["aa:bb:cc:dd:ee:ff"]; !ok || b.Ports != "80,443" {
		t.Fatalf("managed macs = %v", macs)
	}
	if got := f.gw.BlockedMACs["aa:bb:cc:dd:ee:ff"]; len(got) != 2 {
		t.Fatalf("agent block not applied: %v", f.gw.BlockedMACs)
	}

	// Unblocking a MAC the warden never blocked is a no-op.
	if err := f.enf.UnblockMAC(ctx, "11:22:33:44:55:66"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if f.gw.Calls("UnblockMAC") != 0 {
		t.Fatal("unblocked a mac outside the managed set")
	}

	if err := f.enf.UnblockMAC(ctx, "aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	macs, _ = f.enf.ManagedMACs()
	if len(macs) != 0 {
		t.Fatalf("managed macs not cleared: %v", macs)
	}
	if f.gw.Calls("UnblockMAC") != 1 {
		t.Fatalf("agent unblock not applied: %d", f.gw.Calls("UnblockMAC"))
	}
	p.Stop()
}

// TestMACBlockByIP verifies an IP target is resolved to its MAC through the
// agent's neighbor table before blocking.
func TestMACBlockByIP(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := pool.New(pool.Config{Workers: 1, QueueDepth: 8, MaxRetries: 1, RetryBase: time.Millisecond},
		MACHandler(f.gw, zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(ctx)
	defer p.Stop()
	f.enf.pool = p

	f.gw.SetNeighbors([]agent.Neighbor{{IP: "192.168.1.60", MAC: "AA:BB:CC:DD:EE:60", State: "REACHABLE"}})

	if err := f.enf.BlockMAC(ctx, "192.168.1.60", nil); err != nil {
		t.Fatal(err)
	}
	macs, _ := f.enf.ManagedMACs()
	if _, ok := macs["aa:bb:cc:dd:ee:60"]; !ok {
		t.Fatalf("managed macs = %v, want aa:bb:cc:dd:ee:60", macs)
	}

	// An IP without a neighbor entry is rejected.
	if err := f.enf.BlockMAC(ctx, "192.168.1.99", nil); err == nil {
		t.Fatal("expected error for unknown neighbor ip")
	}
}

// TestKickDebounce verifies repeated kicks coalesce into a single pass.
func TestKickDebounce(t *testing.T) {
	f := newFixture(t, map[string]string{"10.0.0.5": "eve"}, func(c *config.Config) {
		c.EnforceDebounce = 30 * time.Millisecond
	})
	_ = f.reg.Set("eve", storage.UserLimit{Disabled: true})
	f.enf.Start(context.Background())
	defer f.enf.Stop()

	for i := 0; i < 10; i++ {
		f.enf.Kick()
		time.Sleep(time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	if got := f.dc.Calls("GetConfig"); got != 1 {
		t.Fatalf("expected 1 coalesced pass, saw %d config reads", got)
	}
}
