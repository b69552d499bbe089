package syncadapt

import (
	"sync"
	"time"
)

// Pacing is the current batch size and heartbeat interval in effect for a
// peer.
type Pacing struct {
	BatchMaxEntries     int
	HeartbeatIntervalMs int
}

// Controller adjusts one peer's Pacing within configured bounds as its
// health score moves, with a hysteresis lockout so a single noisy sample
// can't flap the setting (mirrors the teacher's AdaptiveQuorum lockout,
// here guarding batch/heartbeat instead of R/W).
type Controller struct {
	mu sync.RWMutex

	current Pacing

	minBatch, maxBatch       int
	minHeartbeat, maxHeartbeat int

	relaxThreshold   float64 // score above this: widen pacing (healthy peer, sync faster)
	tightenThreshold float64 // score below this: narrow pacing (unhealthy peer, back off)

	lockoutDuration time.Duration
	lastAdjust      time.Time
}

// NewController creates a Controller seeded at the midpoint of its bounds.
func NewController(minBatch, maxBatch, minHeartbeat, maxHeartbeat int, relaxThreshold, tightenThreshold float64) *Controller {
	return &Controller{
		current: Pacing{
			BatchMaxEntries:     (minBatch + maxBatch) / 2,
			HeartbeatIntervalMs: (minHeartbeat + maxHeartbeat) / 2,
		},
		minBatch:         minBatch,
		maxBatch:         maxBatch,
		minHeartbeat:     minHeartbeat,
		maxHeartbeat:     maxHeartbeat,
		relaxThreshold:   relaxThreshold,
		tightenThreshold: tightenThreshold,
		lockoutDuration:  5 * time.Second,
	}
}

// Current returns the pacing currently in effect.
func (c *Controller) Current() Pacing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// InLockout reports whether an adjustment this soon would be ignored.
func (c *Controller) InLockout() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastAdjust) < c.lockoutDuration
}

// Adjust evaluates score against the configured thresholds and updates
// Pacing, honoring the hysteresis lockout. Returns the new Pacing and
// whether an adjustment was actually applied.
func (c *Controller) Adjust(score float64) (Pacing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastAdjust) < c.lockoutDuration {
		return c.current, false
	}

	step := func(cur, lo, hi, delta int) int {
		next := cur + delta
		if next < lo {
			return lo
		}
		if next > hi {
			return hi
		}
		return next
	}

	batchDelta := (c.maxBatch - c.minBatch) / 8
	if batchDelta == 0 {
		batchDelta = 1
	}
	heartbeatDelta := (c.maxHeartbeat - c.minHeartbeat) / 8
	if heartbeatDelta == 0 {
		heartbeatDelta = 1
	}

	switch {
	case score >= c.relaxThreshold:
		// healthy peer: widen batches, shorten heartbeat interval
		c.current.BatchMaxEntries = step(c.current.BatchMaxEntries, c.minBatch, c.maxBatch, batchDelta)
		c.current.HeartbeatIntervalMs = step(c.current.HeartbeatIntervalMs, c.minHeartbeat, c.maxHeartbeat, -heartbeatDelta)
	case score <= c.tightenThreshold:
		// unhealthy peer: shrink batches, lengthen heartbeat interval
		c.current.BatchMaxEntries = step(c.current.BatchMaxEntries, c.minBatch, c.maxBatch, -batchDelta)
		c.current.HeartbeatIntervalMs = step(c.current.HeartbeatIntervalMs, c.minHeartbeat, c.maxHeartbeat, heartbeatDelta)
	default:
		return c.current, false
	}

	c.lastAdjust = time.Now()
	return c.current, true
}
