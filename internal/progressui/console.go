// Package progressui is the concrete "rendering observer" the
// specification describes as a plug-in: a ProgressBus observer that
// draws one progress bar per active task_id. It lives outside
// internal's core packages (C1-C10) and is wired only from cmd/.
package progressui

import (
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/trackshift-tunnel/tunnel/internal/progress"
)

// ConsoleProgressObserver renders ProgressBus events as terminal
// progress bars, one per in-flight task_id.
type ConsoleProgressObserver struct {
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
	log  *zap.Logger
}

// NewConsoleProgressObserver creates an observer that logs network
// quality changes through log (nil falls back to a no-op logger).
func NewConsoleProgressObserver(log *zap.Logger) *ConsoleProgressObserver {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConsoleProgressObserver{
		bars: make(map[string]*progressbar.ProgressBar),
		log:  log,
	}
}

// Start satisfies progress.Lifecycle; there is no setup to do.
func (c *ConsoleProgressObserver) Start() error { return nil }

// Stop satisfies progress.Lifecycle; there is no teardown to do.
func (c *ConsoleProgressObserver) Stop() error { return nil }

// OnEvent implements progress.Observer.
func (c *ConsoleProgressObserver) OnEvent(e progress.Event) {
	switch e.Kind {
	case progress.TaskStarted:
		c.onStarted(e)
	case progress.ProgressAdvanced:
		c.onAdvanced(e)
	case progress.TaskFinished, progress.TaskError:
		c.onDone(e)
	case progress.NetworkQualityChanged:
		c.log.Info("network quality changed",
			zap.Float64("old_latency_s", e.OldLatencyS),
			zap.Float64("new_latency_s", e.NewLatencyS))
	}
}

func (c *ConsoleProgressObserver) onStarted(e progress.Event) {
	bar := progressbar.NewOptions64(
		e.Total,
		progressbar.OptionSetDescription(e.Description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	c.mu.Lock()
	c.bars[e.TaskID] = bar
	c.mu.Unlock()
}

func (c *ConsoleProgressObserver) onAdvanced(e progress.Event) {
	c.mu.Lock()
	bar := c.bars[e.TaskID]
	c.mu.Unlock()
	if bar == nil {
		return
	}
	_ = bar.Add64(e.Advance)
}

func (c *ConsoleProgressObserver) onDone(e progress.Event) {
	c.mu.Lock()
	bar := c.bars[e.TaskID]
	delete(c.bars, e.TaskID)
	c.mu.Unlock()
	if bar == nil {
		return
	}
	_ = bar.Finish()
	if e.Kind == progress.TaskError {
		c.log.Error("transfer task failed", zap.String("task_id", e.TaskID), zap.String("message", e.Message))
	}
}
