package flowcontrol

import (
	"testing"
	"time"

	"github.com/trackshift-tunnel/tunnel/pkg/models"
)

func TestProposeIgnoredWithoutSamples(t *testing.T) {
	m := NewBufferManager(1<<16, 0.05, 0, 0)
	initial := m.State().CurrentSize
	if got := m.Propose(); got != initial {
		t.Fatalf("expected Propose to return unchanged size %d, got %d", initial, got)
	}
}

func TestProposeIgnoredWithinCooldown(t *testing.T) {
	m := NewBufferManager(1<<16, 0.05, 0, 0)
	m.Sample(1<<16, 100*time.Millisecond)
	m.state.LastAdjustTS = time.Now()

	if got := m.Propose(); got != m.State().CurrentSize {
		t.Fatalf("expected cooldown to suppress adjustment")
	}
}

func TestProposeAdjustsAfterCooldown(t *testing.T) {
	m := NewBufferManager(1<<16, 0.05, 0, 0)
	m.state.LastAdjustTS = time.Now().Add(-2 * time.Second)
	m.Sample(1<<20, 100*time.Millisecond) // high rate -> large target

	got := m.Propose()
	if got < models.MinChunkSize || got > models.MaxChunkSize {
		t.Fatalf("proposed size %d out of bounds", got)
	}
	if got&(got-1) != 0 {
		t.Fatalf("proposed size %d is not a power of two", got)
	}
}

func TestSampleAccumulatesTotals(t *testing.T) {
	m := NewBufferManager(1<<16, 0.05, 0, 0)
	m.Sample(1000, 10*time.Millisecond)
	m.Sample(2000, 10*time.Millisecond)

	if m.state.TotalBytes != 3000 {
		t.Fatalf("expected total bytes 3000, got %d", m.state.TotalBytes)
	}
	if m.state.TotalTimeS <= 0 {
		t.Fatalf("expected positive total time")
	}
}

func TestSnapshotEmptyHistory(t *testing.T) {
	m := NewBufferManager(1<<16, 0.05, 0, 0)
	snap := m.Snapshot()
	if snap.AverageRateBps != 0 || snap.PeakRateBps != 0 {
		t.Fatalf("expected zero-value snapshot, got %+v", snap)
	}
}

func TestSnapshotComputesAverageAndPeak(t *testing.T) {
	m := NewBufferManager(1<<16, 0.05, 0, 0)
	m.Sample(1000, 1*time.Second)  // rate 1000
	m.Sample(3000, 1*time.Second)  // rate 3000

	snap := m.Snapshot()
	if snap.PeakRateBps != 3000 {
		t.Fatalf("expected peak rate 3000, got %f", snap.PeakRateBps)
	}
	if snap.AverageRateBps != 2000 {
		t.Fatalf("expected average rate 2000, got %f", snap.AverageRateBps)
	}
}
