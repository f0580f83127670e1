// Package limits resolves sparse per-user limit records into fully-defaulted
// policies and classifies users against them.
package limits

import (
	"time"

	"github.com/developingchet/mihomo-quota-warden/internal/storage"
)

// Period selects the traffic accounting window.
type Period string

const (
	PeriodDay   Period = "1d"    // sliding 24 hours
	Period30Day Period = "30d"   // sliding 30 days (default)
	PeriodMonth Period = "month" // current calendar month
)

// Resolved is a limit record with every optional field defaulted.
// Limits are opt-in: Enabled defaults to false. Disabled is a manual block
// and overrides everything else regardless of Enabled.
type Resolved struct {
	Enabled           bool
	Disabled          bool
	TrafficPeriod     Period
	TrafficLimitBytes uint64
	BandwidthLimitBps uint64
	ResetAt           time.Time
	MAC               string
}

// Resolve fills a sparse record's optional fields with their defaults.
// A nil record resolves to the all-defaults policy.
func Resolve(raw *storage.UserLimit) Resolved {
	r := Resolved{
		TrafficPeriod: Period30Day,
	}
	if raw == nil {
		return r
	}
	r.Enabled = raw.Enabled
	r.Disabled = raw.Disabled
	r.TrafficLimitBytes = raw.TrafficLimitBytes
	r.BandwidthLimitBps = raw.BandwidthLimitBps
	r.ResetAt = raw.ResetAt
	r.MAC = raw.MAC
	switch Period(raw.TrafficPeriod) {
	case PeriodDay, PeriodMonth:
		r.TrafficPeriod = Period(raw.TrafficPeriod)
	}
	return r
}

// WindowFor computes the accounting window [start, end) for a period.
// If resetAt is set and later than the natural window start it replaces the
// start, letting an admin restart the clock without waiting for rollover.
func WindowFor(period Period, resetAt, now time.Time) (start, end time.Time) {
	switch period {
	case PeriodDay:
		start = now.Add(-24 * time.Hour)
	case PeriodMonth:
		y, m, _ := now.UTC().Date()
		start = time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	default:
		start = now.Add(-30 * 24 * time.Hour)
	}
	if !resetAt.IsZero() && resetAt.After(start) {
		start = resetAt
	}
	return start, now
}

// Aggregator answers usage range queries. Satisfied by *ledger.Ledger.
type Aggregator interface {
	RangeSum(startTs, endTs time.Time) map[string]storage.UsageBucket
}

// Classification is the verdict for one user against one resolved limit.
type Classification struct {
	Limit             Resolved
	UsageBytes        uint64
	SpeedBps          uint64
	TrafficExceeded   bool
	BandwidthExceeded bool
	Blocked           bool
}

// Classify evaluates a user against a resolved limit. speedBps is the user's
// summed live connection rate; bandwidthDelegated reports whether an external
// shaper enforces the bandwidth dimension (a breach then throttles instead of
// blocking). Usage is only aggregated when an enabled positive traffic limit
// makes it relevant.
func Classify(user string, l Resolved, agg Aggregator, speedBps uint64, bandwidthDelegated bool, now time.Time) Classification {
	c := Classification{Limit: l}

	if l.Enabled && l.TrafficLimitBytes > 0 {
		start, end := WindowFor(l.TrafficPeriod, l.ResetAt, now)
		if b, ok := agg.RangeSum(start, end)[user]; ok {
			c.UsageBytes = b.Download + b.Upload
		}
		c.TrafficExceeded = c.UsageBytes >= l.TrafficLimitBytes
	}

	if l.Enabled && l.BandwidthLimitBps > 0 {
		c.SpeedBps = speedBps
		c.BandwidthExceeded = speedBps >= l.BandwidthLimitBps
	}

	// Traffic breaches always hard-block; bandwidth breaches only block when
	// no shaping backend owns that dimension.
	c.Blocked = l.Disabled ||
		(l.Enabled && (c.TrafficExceeded || (c.BandwidthExceeded && !bandwidthDelegated)))
	return c
}
