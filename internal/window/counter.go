// Package window implements lazily-resetting time-window counters used to
// enforce per-minute and per-day token and request quotas.
package window

import (
	"sync"
	"time"
)

const (
	// Minute is the window size for per-minute quotas.
	Minute = 60_000 * time.Millisecond
	// Day is the window size for per-day quotas.
	Day = 86_400_000 * time.Millisecond
)

// Snapshot records the window a reservation was debited in. Releases and
// commits carrying a snapshot from a window that has since rolled over are
// silent no-ops: the counter already reset, there is nothing to undo.
type Snapshot struct {
	WindowID int64
}

// Stats is a point-in-time view of a counter.
type Stats struct {
	Used  int64
	Limit int64 // 0 means unbounded
}

// Counter tracks committed usage within the current wall-clock window.
// The window identifier is floor(now/windowMs); rollover is lazy, performed
// on the next access rather than by a timer.
type Counter struct {
	mu       sync.Mutex
	limit    int64 // 0 = unbounded
	windowMs int64
	windowID int64
	count    int64
	now      func() time.Time
}

// New creates a counter for the given window size. limit == 0 disables
// enforcement but usage is still tracked for stats and reconciliation.
func New(limit int64, window time.Duration) *Counter {
	return &Counter{
		limit:    limit,
		windowMs: window.Milliseconds(),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (c *Counter) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// rollLocked advances to the current window, zeroing the count if the stored
// window is stale. Returns the current window ID.
func (c *Counter) rollLocked() int64 {
	cur := c.now().UnixMilli() / c.windowMs
	if cur != c.windowID {
		c.windowID = cur
		c.count = 0
	}
	return cur
}

// TryReserve debits n against the current window if it fits under the limit.
// The returned snapshot pins the window the debit landed in.
func (c *Counter) TryReserve(n int64) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.rollLocked()
	if c.limit > 0 && c.count+n > c.limit {
		return Snapshot{}, false
	}
	c.count += n
	return Snapshot{WindowID: cur}, true
}

// Release undoes a reservation of n made in the snapshotted window. If the
// window has rolled the counter already reset and the release is dropped.
func (c *Counter) Release(n int64, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rollLocked() != snap.WindowID {
		return
	}
	c.count -= n
	if c.count < 0 {
		c.count = 0
	}
}

// CommitDelta reconciles actual usage against the estimate that was reserved:
// delta = actual - estimated. A positive delta may push the count past the
// limit; the overshoot is returned so the caller can report it, but the
// counter never rejects completed work retroactively. Commits across a rolled
// window are no-ops.
func (c *Counter) CommitDelta(delta int64, snap Snapshot) (overage int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rollLocked() != snap.WindowID {
		return 0
	}
	c.count += delta
	if c.count < 0 {
		c.count = 0
	}
	if c.limit > 0 && c.count > c.limit {
		return c.count - c.limit
	}
	return 0
}

// SetLimit hot-reconfigures the limit. In-flight reservations are unaffected;
// a lowered limit only constrains future TryReserve calls.
func (c *Counter) SetLimit(limit int64) {
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
}

// Limit returns the configured limit (0 = unbounded).
func (c *Counter) Limit() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Stats returns current usage and limit for the live window.
func (c *Counter) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	return Stats{Used: c.count, Limit: c.limit}
}

// Available returns the remaining headroom in the current window, or -1 when
// the counter is unbounded.
func (c *Counter) Available() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	if c.limit == 0 {
		return -1
	}
	rem := c.limit - c.count
	if rem < 0 {
		rem = 0
	}
	return rem
}

// NextBoundary returns the wall-clock instant the current window ends.
func (c *Counter) NextBoundary() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	nowMs := c.now().UnixMilli()
	next := (nowMs/c.windowMs + 1) * c.windowMs
	return time.UnixMilli(next)
}
