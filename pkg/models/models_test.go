package models

import "testing"

func TestTransferSessionValidate(t *testing.T) {
	s := &TransferSession{
		TaskID:    "abcd1234",
		FileName:  "note.txt",
		TotalSize: 13,
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("expected valid session, got error: %v", err)
	}

	s.Outcome = "bogus"
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for invalid outcome")
	}
}

func TestTransferSessionDone(t *testing.T) {
	s := &TransferSession{TaskID: "abcd1234", FileName: "x", TotalSize: 1}
	s.Done(OutcomeSuccess)
	if s.FinishedAt == nil {
		t.Fatalf("expected FinishedAt to be set")
	}
	if s.Outcome != OutcomeSuccess {
		t.Fatalf("expected outcome success, got %s", s.Outcome)
	}
}

func TestPow2Round(t *testing.T) {
	cases := []struct {
		in   int64
		want int64
	}{
		{0, 1 << MinChunkPow2},
		{1, 1 << MinChunkPow2},
		{1 << 13, 1 << 13},
		{1<<13 + 1, 1 << 13},
		{1 << 16, 1 << 16},
		{1 << 21, 1 << MaxChunkPow2},
	}
	for _, c := range cases {
		if got := Pow2Round(c.in); got != c.want {
			t.Errorf("Pow2Round(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestNewBufferStateClampsAndRounds(t *testing.T) {
	b := NewBufferState(100, 0.05, 0, 0)
	if b.CurrentSize < b.MinSize || b.CurrentSize > b.MaxSize {
		t.Fatalf("current size %d out of [%d,%d]", b.CurrentSize, b.MinSize, b.MaxSize)
	}
	if b.CurrentSize != 1<<MinChunkPow2 {
		t.Fatalf("expected clamp to min pow2 size, got %d", b.CurrentSize)
	}
}

func TestNewBufferStateHonorsOverrideBounds(t *testing.T) {
	b := NewBufferState(1<<18, 0.05, 1<<15, 1<<17)
	if b.MinSize != 1<<15 || b.MaxSize != 1<<17 {
		t.Fatalf("expected overridden bounds [%d,%d], got [%d,%d]", 1<<15, 1<<17, b.MinSize, b.MaxSize)
	}
	if b.CurrentSize < b.MinSize || b.CurrentSize > b.MaxSize {
		t.Fatalf("current size %d out of overridden [%d,%d]", b.CurrentSize, b.MinSize, b.MaxSize)
	}
}

func TestBufferStatePushSampleRing(t *testing.T) {
	b := NewBufferState(1<<16, 0.05, 0, 0)
	for i := 0; i < historyCapacity+5; i++ {
		b.PushSample(RateSample{RateBps: float64(i), Bytes: int64(i), TimeS: 1})
	}
	if len(b.History) != historyCapacity {
		t.Fatalf("expected history capped at %d, got %d", historyCapacity, len(b.History))
	}
	if b.History[len(b.History)-1].RateBps != float64(historyCapacity+4) {
		t.Fatalf("expected latest sample retained, got %+v", b.History[len(b.History)-1])
	}
}

func TestTunnelSpecValidate(t *testing.T) {
	spec := &TunnelSpec{
		Mode:     TunnelForward,
		JumpHost: "jump.example.com",
		JumpPort: 22,
		JumpUser: "relay",
		Auth:     TunnelAuth{Kind: AuthKey, IdentityPath: "/home/relay/.ssh/id_ed25519"},
		Bind:     Endpoint{Host: "127.0.0.1", Port: 9000},
		Target:   Endpoint{Host: "10.0.0.5", Port: 9000},
	}
	if err := spec.Validate(); err != nil {
		t.Fatalf("expected valid spec, got error: %v", err)
	}

	spec.Auth = TunnelAuth{Kind: AuthKey}
	if err := spec.Validate(); err == nil {
		t.Fatalf("expected error for key auth without identity path")
	}
}
