// Package syncadapt implements adaptive sync pacing: a per-peer health
// score drives batch_max_entries and heartbeat_interval_ms between
// configured bounds. Grounded on the teacher's internal/adaptive (CCS
// scoring, sliding-window health components, hysteresis lockout),
// repurposed from read/write quorum control to sync backpressure tuning
// since this engine has no quorum concept (spec.md §4.4 leaves the
// throttling policy unspecified).
package syncadapt

import (
	"math"
	"sync"
)

// window is a fixed-capacity circular buffer of recent samples, used for
// all of a peer's health inputs (RTT, error rate, clock drift).
type window struct {
	mu      sync.RWMutex
	samples []float64
	index   int
	count   int
}

func newWindow(size int) *window {
	return &window{samples: make([]float64, size)}
}

func (w *window) add(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.index] = v
	w.index = (w.index + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

func (w *window) average() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < w.count; i++ {
		sum += w.samples[i]
	}
	return sum / float64(w.count)
}

// HealthComponents breaks a peer health score down by input, for metrics
// and logging.
type HealthComponents struct {
	RTTHealth   float64
	ErrorHealth float64
	ClockHealth float64
}

// HealthScorer computes a single peer's [0,1] health score from a sliding
// window of heartbeat RTT, sync error rate, and observed clock drift.
type HealthScorer struct {
	rttWindow   *window
	errorWindow *window
	clockWindow *window
	scoreHistory *window

	alphaRTT   float64
	betaError  float64
	gammaClock float64

	rttBadSeconds   float64
	clockBadSeconds float64
}

// NewHealthScorer builds a scorer with the teacher's weighting scheme
// (RTT/error/clock), dropped the availability term since a disconnected
// peer has no score to compute at all.
func NewHealthScorer() *HealthScorer {
	return &HealthScorer{
		rttWindow:       newWindow(10),
		errorWindow:     newWindow(10),
		clockWindow:     newWindow(10),
		scoreHistory:    newWindow(10),
		alphaRTT:        0.45,
		betaError:       0.35,
		gammaClock:      0.20,
		rttBadSeconds:   0.2,  // 200ms
		clockBadSeconds: 0.5,  // 500ms, matching config.HLCMaxDrift default
	}
}

// Record adds one sample round to the scorer's windows.
func (h *HealthScorer) Record(rttSeconds, errorRate, clockDriftSeconds float64) {
	h.rttWindow.add(rttSeconds)
	h.errorWindow.add(errorRate)
	h.clockWindow.add(clockDriftSeconds)
}

// Score computes the current smoothed health score in [0,1] and its
// component breakdown.
func (h *HealthScorer) Score() (float64, HealthComponents) {
	rttHealth := 1.0 - math.Min(h.rttWindow.average()/h.rttBadSeconds, 1.0)
	errorHealth := 1.0 - math.Min(h.errorWindow.average(), 1.0)
	clockHealth := 1.0 - math.Min(h.clockWindow.average()/h.clockBadSeconds, 1.0)

	raw := h.alphaRTT*rttHealth + h.betaError*errorHealth + h.gammaClock*clockHealth
	h.scoreHistory.add(raw)

	return h.scoreHistory.average(), HealthComponents{
		RTTHealth:   rttHealth,
		ErrorHealth: errorHealth,
		ClockHealth: clockHealth,
	}
}
