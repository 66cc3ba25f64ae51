// Package memwatch periodically samples free system memory and derives the
// memory budget the limiter may hand out to in-flight jobs.
package memwatch

import (
	"time"

	"github.com/pbnjay/memory"

	"github.com/oriys/quasar/internal/logging"
)

// Watcher recomputes the memory budget on an interval and pushes it to the
// apply hook (which resizes the per-model memory semaphores).
type Watcher struct {
	ratio    float64
	interval time.Duration
	apply    func(budgetKB int64)
	stopCh   chan struct{}

	// freeMemory is swappable for tests.
	freeMemory func() uint64
}

// New creates a watcher. ratio is the fraction of free memory the limiter
// may budget; interval defaults to 10s.
func New(ratio float64, interval time.Duration, apply func(budgetKB int64)) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watcher{
		ratio:      ratio,
		interval:   interval,
		apply:      apply,
		stopCh:     make(chan struct{}),
		freeMemory: memory.FreeMemory,
	}
}

// Start applies an initial budget synchronously, then launches the
// recalculation loop.
func (w *Watcher) Start() {
	w.recalculate()
	go w.loop()
	logging.Op().Info("memory watcher started", "ratio", w.ratio, "interval", w.interval)
}

// Stop halts the loop.
func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.recalculate()
		}
	}
}

// BudgetKB computes the current budget without applying it.
func (w *Watcher) BudgetKB() int64 {
	return int64(w.ratio * float64(w.freeMemory()) / 1024)
}

func (w *Watcher) recalculate() {
	budget := w.BudgetKB()
	if budget < 0 {
		budget = 0
	}
	w.apply(budget)
}
