// Package flowcontrol implements the adaptive chunk-sizing engine: a
// bandwidth-delay-product estimator with EMA-like smoothing
// (BufferManager) and a TCP-connect latency probe that classifies
// link quality and recommends an initial chunk size (LatencyProbe).
package flowcontrol

import (
	"math"
	"time"

	"github.com/trackshift-tunnel/tunnel/pkg/models"
)

// minProposeInterval is the cooldown propose() enforces between
// adjustments: at least one sample since the last adjust and at
// least this much wall-clock time.
const minProposeInterval = 1 * time.Second

// BufferManager owns one BufferState and runs the BDP sizing rule on
// it. It is mutated only by its owning ChunkEngine; there is no
// cross-engine sharing.
type BufferManager struct {
	state          *models.BufferState
	samplesSinceAdjust int
}

// NewBufferManager seeds a BufferManager from an initial chunk size
// and a latency estimate in seconds (typically from LatencyProbe).
// minSize/maxSize override the spec's default clamp bounds when
// positive (performance.chunk_min_size/chunk_max_size in config); pass
// 0 for either to keep the default.
func NewBufferManager(initialSize int64, latencyS float64, minSize, maxSize int64) *BufferManager {
	return &BufferManager{
		state: models.NewBufferState(initialSize, latencyS, minSize, maxSize),
	}
}

// State returns the underlying BufferState for read-only inspection.
func (m *BufferManager) State() *models.BufferState {
	return m.state
}

// Sample records one chunk transfer's (bytes, elapsed) observation.
// Totals are always updated, even on calls where Propose will later
// short-circuit.
func (m *BufferManager) Sample(bytes int64, dt time.Duration) {
	dtS := dt.Seconds()
	if dtS <= 0 {
		return
	}
	rate := float64(bytes) / dtS
	m.state.PushSample(models.RateSample{
		RateBps: rate,
		Bytes:   bytes,
		TimeS:   dtS,
		At:      time.Now(),
	})
	m.state.TotalBytes += bytes
	m.state.TotalTimeS += dtS
	m.samplesSinceAdjust++
}

// Propose returns the new current_size, applying the BDP/EMA sizing
// rule. It returns the current size unchanged if fewer than one
// sample has arrived since the last adjustment or if less than
// minProposeInterval has passed since last_adjust_ts.
func (m *BufferManager) Propose() int64 {
	s := m.state
	if m.samplesSinceAdjust < 1 {
		return s.CurrentSize
	}
	if !s.LastAdjustTS.IsZero() && time.Since(s.LastAdjustTS) < minProposeInterval {
		return s.CurrentSize
	}

	rate := latestRate(s)
	target := rate * s.LatencyS

	trend := trendOverLastThree(s)
	alpha := clampFloat(0.2*(1+0.5*trend), 0.1, 0.4)

	raw := float64(s.CurrentSize)*(1-alpha) + target*alpha
	proposed := models.Pow2Round(clampFloat64ToInt64(raw, float64(s.MinSize), float64(s.MaxSize)))

	s.CurrentSize = proposed
	s.LastAdjustTS = time.Now()
	m.samplesSinceAdjust = 0
	return proposed
}

func latestRate(s *models.BufferState) float64 {
	if len(s.History) == 0 {
		return 0
	}
	return s.History[len(s.History)-1].RateBps
}

// trendOverLastThree computes the normalized slope over the last
// three samples: (most recent - oldest) / oldest, clamped to [-1, 1].
func trendOverLastThree(s *models.BufferState) float64 {
	n := len(s.History)
	if n < 2 {
		return 0
	}
	window := 3
	if n < window {
		window = n
	}
	oldest := s.History[n-window].RateBps
	newest := s.History[n-1].RateBps
	if oldest == 0 {
		return 0
	}
	return clampFloat((newest-oldest)/oldest, -1, 1)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat64ToInt64(v, lo, hi float64) int64 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return int64(math.Round(v))
}

// Metrics is a read-only snapshot of BufferManager observability data.
type Metrics struct {
	AverageRateBps      float64
	PeakRateBps         float64
	Stability           float64
	AdjustmentFrequency float64
}

// Snapshot computes the exposed observability metrics from the
// current history: average rate, peak rate, stability (1 minus the
// coefficient of variation), and adjustment frequency (adjustments
// implied by TotalTimeS and history length).
func (m *BufferManager) Snapshot() Metrics {
	s := m.state
	if len(s.History) == 0 {
		return Metrics{}
	}

	var sum, peak float64
	for _, sample := range s.History {
		sum += sample.RateBps
		if sample.RateBps > peak {
			peak = sample.RateBps
		}
	}
	avg := sum / float64(len(s.History))

	var variance float64
	for _, sample := range s.History {
		d := sample.RateBps - avg
		variance += d * d
	}
	variance /= float64(len(s.History))
	stddev := math.Sqrt(variance)

	stability := 1.0
	if avg > 0 {
		cv := stddev / avg
		stability = clampFloat(1-cv, 0, 1)
	}

	freq := 0.0
	if s.TotalTimeS > 0 {
		freq = float64(len(s.History)) / s.TotalTimeS
	}

	return Metrics{
		AverageRateBps:      avg,
		PeakRateBps:         peak,
		Stability:           stability,
		AdjustmentFrequency: freq,
	}
}
