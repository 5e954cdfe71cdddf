// Package progress implements the typed event fan-out that
// ChunkEngine and FileTransferService publish to: task lifecycle and
// network-quality events delivered to every registered observer in
// registration order.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind identifies which event fields are populated.
type EventKind int

const (
	TaskStarted EventKind = iota
	ProgressAdvanced
	TaskFinished
	TaskError
	NetworkQualityChanged
)

// Event is the single typed event published on a Bus. Only the
// fields relevant to Kind are meaningful: TaskStarted carries TaskID,
// Description and Total; ProgressAdvanced carries TaskID and Advance;
// TaskFinished carries TaskID and Success; TaskError carries TaskID and
// Message; NetworkQualityChanged carries OldLatencyS and NewLatencyS.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	TaskID      string
	Description string
	Total       int64
	Advance     int64
	Success     bool
	Message     string

	OldLatencyS float64
	NewLatencyS float64
}

// Observer reacts to Bus events. Start/Stop form an optional
// lifecycle driven by the enclosing scope, not by the Bus itself.
type Observer interface {
	OnEvent(e Event)
}

// Lifecycle is implemented by observers that need setup/teardown
// around the time they are registered/deregistered.
type Lifecycle interface {
	Start() error
	Stop() error
}

// Bus fans out Events to registered Observers. Registration and
// deregistration are safe under concurrent Publish calls: the
// observer list is mutated under a short critical section, and
// dispatch runs against a copy so a misbehaving observer cannot
// deadlock the bus.
type Bus struct {
	mu        sync.Mutex
	observers []Observer
	log       *zap.Logger
}

// NewBus creates an empty Bus. A nil logger falls back to zap.NewNop().
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log}
}

// Register adds an observer. If it implements Lifecycle, Start is
// called before it becomes eligible for delivery.
func (b *Bus) Register(o Observer) error {
	if lc, ok := o.(Lifecycle); ok {
		if err := lc.Start(); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
	return nil
}

// Deregister removes an observer, calling Stop if it implements
// Lifecycle.
func (b *Bus) Deregister(o Observer) error {
	b.mu.Lock()
	for i, existing := range b.observers {
		if existing == o {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	if lc, ok := o.(Lifecycle); ok {
		return lc.Stop()
	}
	return nil
}

// Publish invokes every registered observer, in registration order,
// with e. A panicking or error-prone observer is logged and skipped;
// it never breaks delivery to the others.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()

	for _, o := range observers {
		b.dispatchOne(o, e)
	}
}

func (b *Bus) dispatchOne(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("progress observer panicked", zap.Any("recover", r), zap.String("task_id", e.TaskID))
		}
	}()
	o.OnEvent(e)
}

// Started publishes a TaskStarted event.
func (b *Bus) Started(taskID, description string, total int64) {
	b.Publish(Event{Kind: TaskStarted, TaskID: taskID, Description: description, Total: total})
}

// Advanced publishes a ProgressAdvanced event.
func (b *Bus) Advanced(taskID string, advance int64) {
	b.Publish(Event{Kind: ProgressAdvanced, TaskID: taskID, Advance: advance})
}

// Finished publishes a TaskFinished event.
func (b *Bus) Finished(taskID string, success bool) {
	b.Publish(Event{Kind: TaskFinished, TaskID: taskID, Success: success})
}

// Failed publishes a TaskError event.
func (b *Bus) Failed(taskID, message string) {
	b.Publish(Event{Kind: TaskError, TaskID: taskID, Message: message})
}

// NetworkQuality publishes a NetworkQualityChanged event.
func (b *Bus) NetworkQuality(oldLatencyS, newLatencyS float64) {
	b.Publish(Event{Kind: NetworkQualityChanged, OldLatencyS: oldLatencyS, NewLatencyS: newLatencyS})
}
