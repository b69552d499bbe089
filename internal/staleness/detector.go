// Package staleness flags peers and rows that have not observed a fresh
// HLC tick within a configured bound, surfacing divergence that sync
// rounds have failed to close.
package staleness

import (
	"fmt"
	"time"

	"github.com/hlcsync/syncengine/internal/hlc"
	"github.com/hlcsync/syncengine/internal/metrics"
)

// Detector checks whether an HLC-stamped observation exceeds the
// configured staleness bound.
type Detector struct {
	maxAge  time.Duration
	metrics *metrics.Metrics
}

func NewDetector(maxAge time.Duration, m *metrics.Metrics) *Detector {
	return &Detector{maxAge: maxAge, metrics: m}
}

// IsStale reports whether timestamp is older than maxAge relative to now
// (milliseconds since epoch).
func (d *Detector) IsStale(timestamp hlc.HLC, nowMillis int64) bool {
	return timestamp.Age(nowMillis) > d.maxAge
}

func (d *Detector) Age(timestamp hlc.HLC, nowMillis int64) time.Duration {
	return timestamp.Age(nowMillis)
}

// CheckPeer returns an error if a peer's last successful sync HLC has
// aged past the bound, so callers can demote it or raise an alert before
// the row-level merge semantics quietly serve stale reads.
func (d *Detector) CheckPeer(peerID string, lastSyncHLC hlc.HLC, nowMillis int64) error {
	age := lastSyncHLC.Age(nowMillis)
	if age > d.maxAge {
		d.metrics.Errors.WithLabelValues("staleness").Inc()
		return fmt.Errorf("peer %s stale: last sync %v ago exceeds bound %v", peerID, age, d.maxAge)
	}
	return nil
}

// Partition splits entries by whether their HLC is within the staleness
// bound, relative to now.
func Partition[T any](d *Detector, nowMillis int64, items []T, hlcOf func(T) hlc.HLC) (fresh, stale []T) {
	for _, it := range items {
		if d.IsStale(hlcOf(it), nowMillis) {
			stale = append(stale, it)
		} else {
			fresh = append(fresh, it)
		}
	}
	return fresh, stale
}
