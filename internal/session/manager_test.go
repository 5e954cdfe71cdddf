package session

import (
	"sync"
	"testing"

	"github.com/trackshift-tunnel/tunnel/pkg/models"
)

func TestCreateAndGetSession(t *testing.T) {
	m := NewManager()

	s, err := m.Create("note.txt", 1024)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if len(s.TaskID) != 8 {
		t.Fatalf("expected 8-char task id, got %q", s.TaskID)
	}

	got, err := m.Get(s.TaskID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.TaskID != s.TaskID {
		t.Fatalf("expected TaskID %s, got %s", s.TaskID, got.TaskID)
	}
}

func TestGetUnknownSession(t *testing.T) {
	m := NewManager()
	if _, err := m.Get("deadbeef"); err == nil {
		t.Fatalf("expected error for unknown session")
	}
}

func TestUpdateProgress(t *testing.T) {
	m := NewManager()
	s, err := m.Create("big.bin", 100)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.UpdateProgress(s.TaskID, 40); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, err := m.Get(s.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BytesDone != 40 {
		t.Fatalf("expected BytesDone 40, got %d", got.BytesDone)
	}
}

func TestFinishEvictsSession(t *testing.T) {
	m := NewManager()
	s, err := m.Create("small.bin", 10)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done, err := m.Finish(s.TaskID, models.OutcomeSuccess)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if done.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success outcome, got %s", done.Outcome)
	}
	if done.FinishedAt == nil {
		t.Fatalf("expected FinishedAt to be set")
	}

	if _, err := m.Get(s.TaskID); err == nil {
		t.Fatalf("expected session to be evicted after Finish")
	}
}

func TestListReturnsInFlightSessions(t *testing.T) {
	m := NewManager()
	if _, err := m.Create("a.bin", 1); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := m.Create("b.bin", 2); err != nil {
		t.Fatalf("Create b: %v", err)
	}
	if got := len(m.List()); got != 2 {
		t.Fatalf("expected 2 in-flight sessions, got %d", got)
	}
}

func TestConcurrentUpdateProgress(t *testing.T) {
	m := NewManager()
	s, err := m.Create("concurrent.bin", 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_ = m.UpdateProgress(s.TaskID, 1)
		}()
	}
	wg.Wait()

	got, err := m.Get(s.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BytesDone != workers {
		t.Fatalf("expected BytesDone %d, got %d", workers, got.BytesDone)
	}
}
