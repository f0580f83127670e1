package ledger

import (
	"testing"
	"time"

	"github.com/developingchet/mihomo-quota-warden/internal/storage"
	"github.com/rs/zerolog"
)

func newTestLedger(t *testing.T) (*Ledger, storage.Store) {
	t.Helper()
	s, err := storage.NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, 35, 10*time.Millisecond, zerolog.Nop()), s
}

func TestRecordSumsDeltas(t *testing.T) {
	l, _ := newTestLedger(t)

	ts := time.Date(2026, 8, 29, 10, 15, 0, 0, time.UTC)
	l.Record("alice", 100, 50, ts)
	l.Record("alice", 200, 25, ts.Add(10*time.Minute)) // same hour slot
	l.Record("bob", 7, 3, ts)

	sum := l.RangeSum(ts, ts)
	if got := sum["alice"]; got.Download != 300 || got.Upload != 75 {
		t.Errorf("alice: got %+v, want {300 75}", got)
	}
	if got := sum["bob"]; got.Download != 7 || got.Upload != 3 {
		t.Errorf("bob: got %+v", got)
	}
}

func TestRecordClampsAndSkips(t *testing.T) {
	l, _ := newTestLedger(t)
	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	l.Record("", 100, 100, ts)      // empty identity
	l.Record("alice", 0, 0, ts)     // all-zero delta
	l.Record("alice", -50, -10, ts) // negative clamps to zero, then no-op

	if n := l.SlotCount(); n != 0 {
		t.Errorf("no slots should exist, got %d", n)
	}

	l.Record("alice", -50, 10, ts) // download clamps, upload counts
	sum := l.RangeSum(ts, ts)
	if got := sum["alice"]; got.Download != 0 || got.Upload != 10 {
		t.Errorf("alice: got %+v, want {0 10}", got)
	}
}

func TestRangeSumSpansHours(t *testing.T) {
	l, _ := newTestLedger(t)

	base := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)
	l.Record("alice", 10, 0, base)
	l.Record("alice", 20, 0, base.Add(time.Hour))
	l.Record("alice", 40, 0, base.Add(2*time.Hour))

	// Both endpoint slots are summed in full.
	sum := l.RangeSum(base.Add(50*time.Minute), base.Add(time.Hour+5*time.Minute))
	if got := sum["alice"]; got.Download != 30 {
		t.Errorf("two-slot window: got %d, want 30", got.Download)
	}

	sum = l.RangeSum(base, base.Add(2*time.Hour))
	if got := sum["alice"]; got.Download != 70 {
		t.Errorf("three-slot window: got %d, want 70", got.Download)
	}
}

func TestRangeSumSubsetProperty(t *testing.T) {
	l, _ := newTestLedger(t)
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	l.Record("alice", 10, 5, base)
	l.Record("alice", 20, 5, base.Add(time.Hour))

	narrow := l.RangeSum(base, base)
	wide := l.RangeSum(base, base.Add(time.Hour))
	if wide["alice"].Download < narrow["alice"].Download {
		t.Error("wider window must contain narrower window's sum")
	}
}

func TestRangeSumBeforeAnyData(t *testing.T) {
	l, _ := newTestLedger(t)
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	l.Record("alice", 10, 5, base)

	sum := l.RangeSum(base.Add(-48*time.Hour), base.Add(-24*time.Hour))
	if len(sum) != 0 {
		t.Errorf("window before any data: got %v", sum)
	}
}

func TestRangeSumInvertedWindow(t *testing.T) {
	l, _ := newTestLedger(t)
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	l.Record("alice", 10, 5, base)

	if sum := l.RangeSum(base, base.Add(-time.Hour)); len(sum) != 0 {
		t.Errorf("inverted window: got %v", sum)
	}
}

func TestRetentionPrune(t *testing.T) {
	l, _ := newTestLedger(t)

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	old := now.Add(-36 * 24 * time.Hour)
	l.Record("alice", 10, 0, old)
	// Recording into an expired slot creates it, then the prune drops it.
	if n := l.SlotCount(); n != 0 {
		t.Errorf("expired slot should be pruned, have %d slots", n)
	}

	l.Record("alice", 10, 0, now)
	l.Record("bob", 5, 0, now.Add(-34*24*time.Hour))
	if n := l.SlotCount(); n != 2 {
		t.Errorf("expected 2 retained slots, got %d", n)
	}

	sum := l.RangeSum(old, now)
	if got := sum["alice"]; got.Download != 10 {
		t.Errorf("only the fresh delta should remain: %+v", got)
	}
}

func TestDebouncedPersistAndLoad(t *testing.T) {
	l, s := newTestLedger(t)

	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	l.Record("alice", 100, 50, ts)

	// Wait out the 10ms debounce.
	time.Sleep(100 * time.Millisecond)

	persisted, err := s.LoadLedger()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected 1 persisted slot, got %d", len(persisted))
	}

	// A fresh ledger over the same store restores the data.
	l2 := New(s, 35, time.Second, zerolog.Nop())
	l2.Load()
	sum := l2.RangeSum(ts, ts)
	if got := sum["alice"]; got.Download != 100 || got.Upload != 50 {
		t.Errorf("restored: got %+v", got)
	}
}

func TestFlushPersistsImmediately(t *testing.T) {
	l, s := newTestLedger(t)
	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	l.Record("alice", 1, 1, ts)
	l.Flush()

	persisted, err := s.LoadLedger()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 {
		t.Errorf("flush should persist without waiting, got %d slots", len(persisted))
	}
}

func TestClear(t *testing.T) {
	l, s := newTestLedger(t)
	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	l.Record("alice", 1, 1, ts)
	l.Flush()
	l.Clear()

	if l.SlotCount() != 0 {
		t.Error("memory should be empty after Clear")
	}
	persisted, _ := s.LoadLedger()
	if len(persisted) != 0 {
		t.Error("store should be empty after Clear")
	}
}
