package flowcontrol

import (
	"math"
	"net"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/trackshift-tunnel/tunnel/internal/progress"
)

// LinkQuality classifies a measured latency into a coarse bucket with
// a recommended initial chunk size.
type LinkQuality string

const (
	QualityExcellent LinkQuality = "excellent"
	QualityGood      LinkQuality = "good"
	QualityFair      LinkQuality = "fair"
	QualityPoor      LinkQuality = "poor"
)

// defaultLastKnownLatency is returned by MeasureTCP when every
// connect attempt fails and there is no prior measurement to fall
// back on.
const defaultLastKnownLatency = 100 * time.Millisecond

// LatencyProbe measures round-trip connect latency to a jump host and
// classifies link quality from it.
type LatencyProbe struct {
	DialTimeout time.Duration
	Attempts    int

	lastKnown time.Duration
	log       *zap.Logger
}

// NewLatencyProbe creates a probe with the spec's default 3s dial
// timeout and 5 attempts.
func NewLatencyProbe(log *zap.Logger) *LatencyProbe {
	if log == nil {
		log = zap.NewNop()
	}
	return &LatencyProbe{
		DialTimeout: 3 * time.Second,
		Attempts:    5,
		lastKnown:   defaultLastKnownLatency,
		log:         log,
	}
}

// MeasureTCP opens up to Attempts TCP connections to host:port,
// timing each from pre-connect to successful connect with a monotonic
// clock. With 3+ successful samples it drops the min and max and
// averages the rest; with 1-2 it averages what it has; with zero it
// returns the last known value.
func (p *LatencyProbe) MeasureTCP(host string, port int) time.Duration {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	samples := make([]time.Duration, 0, p.Attempts)

	for i := 0; i < p.Attempts; i++ {
		start := time.Now()
		conn, err := net.DialTimeout("tcp", addr, p.DialTimeout)
		if err != nil {
			p.log.Debug("latency probe connect failed", zap.String("addr", addr), zap.Error(err))
			continue
		}
		samples = append(samples, time.Since(start))
		conn.Close()
	}

	if len(samples) == 0 {
		return p.lastKnown
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	usable := samples
	if len(samples) >= 3 {
		usable = samples[1 : len(samples)-1]
	}

	var total time.Duration
	for _, s := range usable {
		total += s
	}
	avg := total / time.Duration(len(usable))
	p.lastKnown = avg
	return avg
}

// Classify buckets a latency measurement and recommends an initial
// chunk size for that bucket.
func Classify(latency time.Duration) (LinkQuality, int64) {
	switch {
	case latency < 20*time.Millisecond:
		return QualityExcellent, 128 * 1024
	case latency < 50*time.Millisecond:
		return QualityGood, 96 * 1024
	case latency < 150*time.Millisecond:
		return QualityFair, 64 * 1024
	default:
		return QualityPoor, 32 * 1024
	}
}

// Monitor periodically remeasures latency to host:port at interval,
// publishing a NetworkQualityChanged event on bus whenever the
// relative change exceeds 30%. Monitor blocks until stop is closed.
func (p *LatencyProbe) Monitor(host string, port int, interval time.Duration, bus *progress.Bus, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	old := p.lastKnown
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			next := p.MeasureTCP(host, port)
			if old > 0 {
				delta := math.Abs(float64(next-old)) / float64(old)
				if delta > 0.3 {
					bus.NetworkQuality(old.Seconds(), next.Seconds())
				}
			}
			old = next
		}
	}
}

