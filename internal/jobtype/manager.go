// Package jobtype splits a total admission capacity across application job
// types by ratio, with per-type FIFO queues and optional dynamic ratio
// adjustment that shifts capacity from idle flexible types to loaded ones.
package jobtype

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ratioEpsilon bounds the tolerated drift of the ratio sum away from 1.
const ratioEpsilon = 1e-4

// Resources is the estimated per-job consumption for one job type.
type Resources struct {
	Tokens   int64
	Requests int64
	MemoryKB int64
}

// TypeConfig declares one job type.
type TypeConfig struct {
	Resources    Resources
	InitialRatio float64 // 0 = share the remainder evenly
	HasRatio     bool
	Flexible     bool
}

// AdjustConfig tunes the dynamic ratio adjustment.
type AdjustConfig struct {
	HighLoadThreshold     float64
	LowLoadThreshold      float64
	MaxAdjustment         float64
	MinRatio              float64
	AdjustmentInterval    time.Duration
	ReleasesPerAdjustment int
}

// DefaultAdjustConfig mirrors the tuning the adjustment algorithm was
// designed around.
func DefaultAdjustConfig() AdjustConfig {
	return AdjustConfig{
		HighLoadThreshold:     0.8,
		LowLoadThreshold:      0.3,
		MaxAdjustment:         0.1,
		MinRatio:              0.05,
		AdjustmentInterval:    10 * time.Second,
		ReleasesPerAdjustment: 20,
	}
}

// Adjustment describes one ratio rebalance, passed through to observers.
type Adjustment struct {
	Ratios map[string]float64
	Slots  map[string]int
}

// TypeStats is the externally visible state of one job type.
type TypeStats struct {
	InFlight       int
	AllocatedSlots int
	Ratio          float64
	Flexible       bool
	Waiting        int
}

type slotWaiter struct {
	ch   chan struct{}
	done bool
}

type typeState struct {
	name      string
	resources Resources
	flexible  bool
	ratio     float64
	allocated int
	inFlight  int
	queue     list.List
}

// Manager owns all job-type state. Every method is safe for concurrent use.
type Manager struct {
	mu            sync.Mutex
	types         map[string]*typeState
	order         []string // deterministic iteration for allocation and stats
	totalCapacity int
	adjust        AdjustConfig
	releasesSince int
	stopped       bool

	ticker   *time.Ticker
	stopCh   chan struct{}
	onAdjust func(Adjustment) // may be nil
}

// NewManager builds a manager from type configs. Ratio rules: explicit
// initial ratios must each lie in (0,1] and sum to at most 1+epsilon;
// remaining types share the remainder evenly; if every type is explicit and
// the sum falls short of 1, ratios are normalized up to sum to 1.
func NewManager(configs map[string]TypeConfig, totalCapacity int, adjust AdjustConfig) (*Manager, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("jobtype: no job types configured")
	}

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	explicitSum := 0.0
	implicit := 0
	for _, name := range names {
		cfg := configs[name]
		if cfg.HasRatio {
			if cfg.InitialRatio <= 0 || cfg.InitialRatio > 1 {
				return nil, fmt.Errorf("jobtype %q: ratio %v out of (0,1]", name, cfg.InitialRatio)
			}
			explicitSum += cfg.InitialRatio
		} else {
			implicit++
		}
	}
	if explicitSum > 1+ratioEpsilon {
		return nil, fmt.Errorf("jobtype: explicit ratios sum to %v > 1", explicitSum)
	}

	m := &Manager{
		types:         make(map[string]*typeState, len(configs)),
		order:         names,
		totalCapacity: totalCapacity,
		adjust:        adjust,
		stopCh:        make(chan struct{}),
	}

	var share float64
	if implicit > 0 {
		share = (1 - explicitSum) / float64(implicit)
	}
	for _, name := range names {
		cfg := configs[name]
		ratio := share
		if cfg.HasRatio {
			ratio = cfg.InitialRatio
		}
		m.types[name] = &typeState{
			name:      name,
			resources: cfg.Resources,
			flexible:  cfg.Flexible,
			ratio:     ratio,
		}
	}
	if implicit == 0 && explicitSum < 1-ratioEpsilon {
		// All explicit but undersubscribed: scale up to a full pool.
		for _, st := range m.types {
			st.ratio /= explicitSum
		}
	}

	m.recomputeSlotsLocked()
	return m, nil
}

// SetOnAdjust installs the observer notified after each effective rebalance.
func (m *Manager) SetOnAdjust(fn func(Adjustment)) { m.onAdjust = fn }

// Start launches the periodic adjustment loop. No-op when the interval is 0.
func (m *Manager) Start() {
	if m.adjust.AdjustmentInterval <= 0 {
		return
	}
	m.ticker = time.NewTicker(m.adjust.AdjustmentInterval)
	go func() {
		for {
			select {
			case <-m.stopCh:
				return
			case <-m.ticker.C:
				m.AdjustRatios()
			}
		}
	}()
}

// Stop halts the adjustment loop and drains all queued waiters.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.ticker != nil {
		m.ticker.Stop()
	}
	close(m.stopCh)
	for _, st := range m.types {
		for e := st.queue.Front(); e != nil; e = e.Next() {
			w := e.Value.(*slotWaiter)
			if !w.done {
				w.done = true
				close(w.ch)
			}
		}
		st.queue.Init()
	}
	m.mu.Unlock()
}

// TryAcquire takes a slot for the job type without blocking. Arrivals while
// the type's queue is non-empty are refused, not fast-pathed.
func (m *Manager) TryAcquire(jobType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.types[jobType]
	if !ok || m.stopped {
		return false
	}
	if st.queue.Len() > 0 || st.inFlight >= st.allocated {
		return false
	}
	st.inFlight++
	return true
}

// HasCapacity reports whether a TryAcquire for the type would succeed.
func (m *Manager) HasCapacity(jobType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.types[jobType]
	return ok && !m.stopped && st.queue.Len() == 0 && st.inFlight < st.allocated
}

// Acquire takes a slot, queueing FIFO behind earlier callers of the same
// type when the allocation is exhausted.
func (m *Manager) Acquire(ctx context.Context, jobType string) error {
	m.mu.Lock()
	st, ok := m.types[jobType]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("jobtype: unknown job type %q", jobType)
	}
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("jobtype: manager stopped")
	}
	if st.queue.Len() == 0 && st.inFlight < st.allocated {
		st.inFlight++
		m.mu.Unlock()
		return nil
	}

	w := &slotWaiter{ch: make(chan struct{})}
	elem := st.queue.PushBack(w)
	m.mu.Unlock()

	select {
	case <-w.ch:
		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return fmt.Errorf("jobtype: manager stopped")
		}
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		if !w.done {
			w.done = true
			st.queue.Remove(elem)
			m.mu.Unlock()
			return ctx.Err()
		}
		// The slot was handed over concurrently with cancellation; give it
		// back so it is not stranded.
		m.releaseLocked(st)
		m.mu.Unlock()
		m.maybeAdjustAfterRelease()
		return ctx.Err()
	}
}

// Release returns a slot. When a waiter is queued the slot transfers
// directly to it without decrementing inFlight, so other callers never
// observe a transient dip below the true occupancy.
func (m *Manager) Release(jobType string) {
	m.mu.Lock()
	st, ok := m.types[jobType]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.releaseLocked(st)
	m.mu.Unlock()
	m.maybeAdjustAfterRelease()
}

func (m *Manager) releaseLocked(st *typeState) {
	for e := st.queue.Front(); e != nil; e = e.Next() {
		w := e.Value.(*slotWaiter)
		if w.done {
			continue
		}
		// Slot transfer: inFlight stays, the waiter inherits the slot.
		w.done = true
		st.queue.Remove(e)
		close(w.ch)
		return
	}
	if st.inFlight > 0 {
		st.inFlight--
	}
}

func (m *Manager) maybeAdjustAfterRelease() {
	m.mu.Lock()
	m.releasesSince++
	trigger := m.adjust.ReleasesPerAdjustment > 0 && m.releasesSince >= m.adjust.ReleasesPerAdjustment
	if trigger {
		m.releasesSince = 0
	}
	m.mu.Unlock()
	if trigger {
		m.AdjustRatios()
	}
}

// SetTotalCapacity changes the pool size and recomputes every allocation.
func (m *Manager) SetTotalCapacity(n int) {
	m.mu.Lock()
	m.totalCapacity = n
	m.recomputeSlotsLocked()
	m.serveQueuesLocked()
	m.mu.Unlock()
}

// TotalCapacity returns the configured pool size.
func (m *Manager) TotalCapacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCapacity
}

// recomputeSlotsLocked derives allocations from ratios. Rounding slack (up
// to N-1 slots) is deliberately left unallocated.
func (m *Manager) recomputeSlotsLocked() {
	for _, st := range m.types {
		st.allocated = int(math.Floor(st.ratio * float64(m.totalCapacity)))
	}
}

// serveQueuesLocked grants newly freed slots to queued waiters after an
// allocation grew.
func (m *Manager) serveQueuesLocked() {
	for _, name := range m.order {
		st := m.types[name]
		for st.inFlight < st.allocated {
			e := st.queue.Front()
			if e == nil {
				break
			}
			w := e.Value.(*slotWaiter)
			st.queue.Remove(e)
			if w.done {
				continue
			}
			w.done = true
			st.inFlight++
			close(w.ch)
		}
	}
}

// AdjustRatios runs one donor/receiver rebalance cycle. Flexible types under
// the low-load threshold donate ratio (bounded per cycle and floored at
// MinRatio) to flexible types above the high-load threshold, proportionally
// to their unmet demand. Non-flexible ratios are never touched.
func (m *Manager) AdjustRatios() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}

	var donors, receivers []*typeState
	for _, name := range m.order {
		st := m.types[name]
		if !st.flexible {
			continue
		}
		denom := st.allocated
		if denom < 1 {
			denom = 1
		}
		load := float64(st.inFlight) / float64(denom)
		switch {
		case load >= m.adjust.HighLoadThreshold:
			receivers = append(receivers, st)
		case load <= m.adjust.LowLoadThreshold && st.ratio > m.adjust.MinRatio:
			donors = append(donors, st)
		}
	}
	if len(donors) == 0 || len(receivers) == 0 {
		m.mu.Unlock()
		return
	}

	var pool float64
	for _, d := range donors {
		give := math.Min(m.adjust.MaxAdjustment, d.ratio-m.adjust.MinRatio)
		if give <= 0 {
			continue
		}
		d.ratio -= give
		pool += give
	}
	if pool <= 0 {
		m.mu.Unlock()
		return
	}

	// Distribute proportionally to unmet demand (load beyond allocation,
	// with a minimum weight so saturated-but-not-overloaded receivers still
	// participate).
	var demandSum float64
	demands := make([]float64, len(receivers))
	for i, r := range receivers {
		denom := r.allocated
		if denom < 1 {
			denom = 1
		}
		demand := float64(r.inFlight)/float64(denom) - m.adjust.HighLoadThreshold
		if demand < ratioEpsilon {
			demand = ratioEpsilon
		}
		demands[i] = demand
		demandSum += demand
	}
	var largest *typeState
	for i, r := range receivers {
		r.ratio += pool * demands[i] / demandSum
		if largest == nil || r.ratio > largest.ratio {
			largest = r
		}
	}

	// Normalize the flexible mass so the total sums to exactly 1; rounding
	// error lands on the largest receiver.
	var sum float64
	for _, st := range m.types {
		sum += st.ratio
	}
	largest.ratio += 1 - sum

	m.recomputeSlotsLocked()
	m.serveQueuesLocked()

	adj := Adjustment{
		Ratios: make(map[string]float64, len(m.types)),
		Slots:  make(map[string]int, len(m.types)),
	}
	for name, st := range m.types {
		adj.Ratios[name] = st.ratio
		adj.Slots[name] = st.allocated
	}
	onAdjust := m.onAdjust
	m.mu.Unlock()

	if onAdjust != nil {
		onAdjust(adj)
	}
}

// Stats returns per-type state keyed by job type.
func (m *Manager) Stats() map[string]TypeStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]TypeStats, len(m.types))
	for name, st := range m.types {
		out[name] = TypeStats{
			InFlight:       st.inFlight,
			AllocatedSlots: st.allocated,
			Ratio:          st.ratio,
			Flexible:       st.flexible,
			Waiting:        st.queue.Len(),
		}
	}
	return out
}

// Resources returns the estimated per-job resources for a type.
func (m *Manager) Resources(jobType string) (Resources, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.types[jobType]
	if !ok {
		return Resources{}, false
	}
	return st.resources, true
}
