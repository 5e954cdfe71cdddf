package progress

import (
	"errors"
	"sync"
	"testing"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingObserver) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingObserver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type panickingObserver struct{}

func (panickingObserver) OnEvent(e Event) { panic("boom") }

type lifecycleObserver struct {
	recordingObserver
	started, stopped bool
	startErr         error
}

func (l *lifecycleObserver) Start() error {
	l.started = true
	return l.startErr
}

func (l *lifecycleObserver) Stop() error {
	l.stopped = true
	return nil
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []string

	first := observerFunc(func(e Event) { order = append(order, "first") })
	second := observerFunc(func(e Event) { order = append(order, "second") })

	if err := bus.Register(first); err != nil {
		t.Fatalf("Register first: %v", err)
	}
	if err := bus.Register(second); err != nil {
		t.Fatalf("Register second: %v", err)
	}

	bus.Started("task-1", "sending x", 100)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected delivery order: %v", order)
	}
}

type observerFunc func(Event)

func (f observerFunc) OnEvent(e Event) { f(e) }

func TestPanickingObserverDoesNotBreakDelivery(t *testing.T) {
	bus := NewBus(nil)
	rec := &recordingObserver{}

	if err := bus.Register(panickingObserver{}); err != nil {
		t.Fatalf("Register panicking: %v", err)
	}
	if err := bus.Register(rec); err != nil {
		t.Fatalf("Register recording: %v", err)
	}

	bus.Advanced("task-1", 10)

	if rec.count() != 1 {
		t.Fatalf("expected recording observer to still receive the event, got %d", rec.count())
	}
}

func TestDeregisterStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	rec := &recordingObserver{}

	if err := bus.Register(rec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	bus.Advanced("t", 1)

	if err := bus.Deregister(rec); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	bus.Advanced("t", 1)

	if rec.count() != 1 {
		t.Fatalf("expected exactly 1 event delivered before deregister, got %d", rec.count())
	}
}

func TestLifecycleObserverStartStop(t *testing.T) {
	bus := NewBus(nil)
	lc := &lifecycleObserver{}

	if err := bus.Register(lc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !lc.started {
		t.Fatalf("expected Start to be called on registration")
	}
	if err := bus.Deregister(lc); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if !lc.stopped {
		t.Fatalf("expected Stop to be called on deregistration")
	}
}

func TestRegisterPropagatesStartError(t *testing.T) {
	bus := NewBus(nil)
	lc := &lifecycleObserver{startErr: errors.New("setup failed")}

	if err := bus.Register(lc); err == nil {
		t.Fatalf("expected Register to propagate Start error")
	}
}
