package limiter

import (
	"math"
	"sync"

	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/modellimit"
)

// avgEstimate is the mean per-job resource estimate across all configured
// job types, used to translate raw dimension headroom into whole job slots.
type avgEstimate struct {
	tokens   float64
	requests float64
	memoryKB float64
}

func averageEstimates(estimations map[string]JobTypeConfig) avgEstimate {
	var est avgEstimate
	n := float64(len(estimations))
	if n == 0 {
		return est
	}
	for _, cfg := range estimations {
		est.tokens += float64(cfg.EstimatedUsedTokens)
		est.requests += float64(cfg.EstimatedNumberOfRequests)
		est.memoryKB += float64(cfg.EstimatedUsedMemoryKB)
	}
	est.tokens /= n
	est.requests /= n
	est.memoryKB /= n
	return est
}

// tracker derives per-model availability snapshots and emits a callback
// whenever a snapshot changes. It observes limiter state through a getter
// closure rather than holding the orchestrator, keeping ownership tree-shaped.
type tracker struct {
	mu    sync.Mutex
	prev  map[string]Snapshot
	stats func(modelID string) (modellimit.Stats, bool)
	est   avgEstimate
	emit  AvailabilityFunc
}

func newTracker(stats func(string) (modellimit.Stats, bool), est avgEstimate, emit AvailabilityFunc) *tracker {
	return &tracker{
		prev:  make(map[string]Snapshot),
		stats: stats,
		est:   est,
		emit:  emit,
	}
}

// onEvent recomputes the model's snapshot and emits if it differs from the
// last observed one. Duplicate or no-op events are swallowed.
func (t *tracker) onEvent(modelID, reason string) {
	st, ok := t.stats(modelID)
	if !ok {
		return
	}
	snap := deriveSnapshot(st, t.est)

	t.mu.Lock()
	last, seen := t.prev[modelID]
	if seen && snap.Equal(last) {
		t.mu.Unlock()
		return
	}
	t.prev[modelID] = snap
	t.mu.Unlock()

	if snap.Unbounded {
		metrics.SetAvailableSlots(modelID, -1)
	} else {
		metrics.SetAvailableSlots(modelID, snap.Slots)
	}
	if t.emit != nil {
		t.emit(snap, reason, modelID, nil)
	}
}

// onAdjustment forwards a job-type ratio rebalance verbatim. Adjustments are
// job-type-wide rather than per-model, so the snapshot carries only the
// aggregate slot count and the modelID is empty.
func (t *tracker) onAdjustment(adj Adjustment) {
	if t.emit == nil {
		return
	}
	var slots int64
	for _, n := range adj.Slots {
		slots += int64(n)
	}
	t.emit(Snapshot{Slots: slots}, ReasonAdjustment, "", &adj)
}

// deriveSnapshot computes slots as the minimum, over every configured
// dimension, of the whole jobs of average estimated size that still fit.
func deriveSnapshot(st modellimit.Stats, est avgEstimate) Snapshot {
	snap := Snapshot{Slots: -1, Unbounded: true}

	consider := func(avail int64, perJob float64) *int64 {
		v := avail
		var slots int64
		if perJob <= 0 {
			// Dimension configured but jobs consume none of it: not binding.
			slots = math.MaxInt64
		} else {
			slots = int64(math.Floor(float64(avail) / perJob))
		}
		if snap.Unbounded || slots < snap.Slots {
			snap.Slots = slots
			snap.Unbounded = false
		}
		return &v
	}

	if st.TokensMinute.Limit > 0 {
		snap.TokensPerMinute = consider(headroom(st.TokensMinute.Limit, st.TokensMinute.Used), est.tokens)
	}
	if st.TokensDay.Limit > 0 {
		snap.TokensPerDay = consider(headroom(st.TokensDay.Limit, st.TokensDay.Used), est.tokens)
	}
	if st.RequestsMinute.Limit > 0 {
		snap.RequestsPerMinute = consider(headroom(st.RequestsMinute.Limit, st.RequestsMinute.Used), est.requests)
	}
	if st.RequestsDay.Limit > 0 {
		snap.RequestsPerDay = consider(headroom(st.RequestsDay.Limit, st.RequestsDay.Used), est.requests)
	}
	if st.ConcLimited {
		snap.ConcurrentRequests = consider(st.Concurrency.Available, 1)
	}
	if st.Memory != nil {
		snap.MemoryKB = consider(st.Memory.Available, est.memoryKB)
	}
	return snap
}

func headroom(limit, used int64) int64 {
	rem := limit - used
	if rem < 0 {
		return 0
	}
	return rem
}
