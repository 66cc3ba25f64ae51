// Package modellimit enforces all rate limits for a single model: four
// time-window quotas (tokens and requests, per minute and per day), a
// concurrency cap, and an optional process-memory budget. Reservations are
// atomic across all six resources with symmetric rollback, and callers can
// wait for capacity in a bounded FIFO queue.
package modellimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/fifosem"
	"github.com/oriys/quasar/internal/window"
)

// Dimension names double as availability-change reasons and overage labels.
const (
	DimTokensMinute   = "tokensMinute"
	DimTokensDay      = "tokensDay"
	DimRequestsMinute = "requestsMinute"
	DimRequestsDay    = "requestsDay"
	DimConcurrency    = "concurrentRequests"
	DimMemory         = "memory"
)

// unboundedPermits backs the concurrency semaphore when no cap is configured.
const unboundedPermits = int64(1) << 40

// Limits is the per-model configuration. Zero values mean "not configured".
type Limits struct {
	TokensPerMinute   int64
	TokensPerDay      int64
	RequestsPerMinute int64
	RequestsPerDay    int64
	MaxConcurrent     int64
	MaxMemoryKB       int64 // process-memory ceiling reserved per model
	MinCapacity       int64 // floor on pool-scaled concurrency slots
}

// Estimate is the expected resource consumption of one job, used to size a
// reservation before the job runs.
type Estimate struct {
	Tokens   int64
	Requests int64
	MemoryKB int64
}

// Usage is the observed consumption reported after the job completes.
type Usage struct {
	Tokens   int64
	Requests int64
}

// Overage reports committed usage exceeding a configured limit.
type Overage struct {
	Dimension string
	Amount    int64
}

// Reservation binds debited capacity to the windows it landed in so that
// reconciliation and release behave correctly across window rollovers.
type Reservation struct {
	Model string
	Est   Estimate

	tpmSnap window.Snapshot
	rpmSnap window.Snapshot
	tpdSnap window.Snapshot
	rpdSnap window.Snapshot
}

// PoolAllocation is this instance's share of the model's global capacity, as
// computed by the distributed coordinator.
type PoolAllocation struct {
	TotalSlots        int64
	TokensPerMinute   int64
	RequestsPerMinute int64
	TokensPerDay      int64
	RequestsPerDay    int64
}

type resWaiter struct {
	est   Estimate
	ch    chan *Reservation
	timer *time.Timer
	done  bool
}

// Limiter owns all limit state for one model.
type Limiter struct {
	model  string
	limits Limits

	tpm *window.Counter
	rpm *window.Counter
	tpd *window.Counter
	rpd *window.Counter

	conc        *fifosem.Sem
	concLimited bool
	mem         *fifosem.Sem

	mu            sync.Mutex
	waiters       list.List
	boundaryTimer *time.Timer
	stopped       bool

	// onChange is invoked (outside the waiter lock) after any state change
	// that can affect availability. May be nil.
	onChange func(dimension string)
}

// New creates a limiter for the given model. Counters for unconfigured
// dimensions are created unbounded so usage is still tracked for stats.
func New(model string, limits Limits) *Limiter {
	l := &Limiter{
		model:  model,
		limits: limits,
		tpm:    window.New(limits.TokensPerMinute, window.Minute),
		rpm:    window.New(limits.RequestsPerMinute, window.Minute),
		tpd:    window.New(limits.TokensPerDay, window.Day),
		rpd:    window.New(limits.RequestsPerDay, window.Day),
	}
	if limits.MaxConcurrent > 0 {
		l.conc = fifosem.New(limits.MaxConcurrent)
		l.concLimited = true
	} else {
		l.conc = fifosem.New(unboundedPermits)
	}
	if limits.MaxMemoryKB > 0 {
		l.mem = fifosem.New(limits.MaxMemoryKB)
	}
	return l
}

// Model returns the model ID this limiter guards.
func (l *Limiter) Model() string { return l.model }

// SetOnChange installs the availability notification hook.
func (l *Limiter) SetOnChange(fn func(dimension string)) { l.onChange = fn }

func (l *Limiter) notify(dim string) {
	if l.onChange != nil {
		l.onChange(dim)
	}
}

// TryReserve atomically reserves capacity on every dimension for one job of
// the estimated size. On any miss all prior debits are rolled back and the
// miss is returned as a control signal, not an error.
func (l *Limiter) TryReserve(est Estimate) (*Reservation, bool) {
	res := &Reservation{Model: l.model, Est: est}

	var ok bool
	if res.tpmSnap, ok = l.tpm.TryReserve(est.Tokens); !ok {
		return nil, false
	}
	if res.rpmSnap, ok = l.rpm.TryReserve(est.Requests); !ok {
		l.tpm.Release(est.Tokens, res.tpmSnap)
		return nil, false
	}
	if res.tpdSnap, ok = l.tpd.TryReserve(est.Tokens); !ok {
		l.rpm.Release(est.Requests, res.rpmSnap)
		l.tpm.Release(est.Tokens, res.tpmSnap)
		return nil, false
	}
	if res.rpdSnap, ok = l.rpd.TryReserve(est.Requests); !ok {
		l.tpd.Release(est.Tokens, res.tpdSnap)
		l.rpm.Release(est.Requests, res.rpmSnap)
		l.tpm.Release(est.Tokens, res.tpmSnap)
		return nil, false
	}
	if l.mem != nil && !l.mem.TryAcquire(est.MemoryKB) {
		l.rollbackCounters(res)
		return nil, false
	}
	if !l.conc.TryAcquire(1) {
		if l.mem != nil {
			l.mem.Release(est.MemoryKB)
		}
		l.rollbackCounters(res)
		return nil, false
	}
	l.notify(DimConcurrency)
	return res, true
}

func (l *Limiter) rollbackCounters(res *Reservation) {
	l.rpd.Release(res.Est.Requests, res.rpdSnap)
	l.tpd.Release(res.Est.Tokens, res.tpdSnap)
	l.rpm.Release(res.Est.Requests, res.rpmSnap)
	l.tpm.Release(res.Est.Tokens, res.tpmSnap)
}

// WaitReserve attempts a reservation, queueing FIFO behind earlier waiters
// for up to maxWait when capacity is short. maxWait <= 0 degenerates to a
// single immediate attempt. A timeout is reported as (nil, false, nil); a
// context cancellation removes the waiter and returns the context error.
func (l *Limiter) WaitReserve(ctx context.Context, est Estimate, maxWait time.Duration) (*Reservation, bool, error) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil, false, nil
	}
	if l.waiters.Len() == 0 {
		// Nobody queued ahead; try immediately without enqueueing.
		l.mu.Unlock()
		if res, ok := l.TryReserve(est); ok {
			return res, true, nil
		}
		if maxWait <= 0 {
			return nil, false, nil
		}
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return nil, false, nil
		}
	} else if maxWait <= 0 {
		l.mu.Unlock()
		return nil, false, nil
	}

	w := &resWaiter{est: est, ch: make(chan *Reservation, 1)}
	elem := l.waiters.PushBack(w)
	w.timer = time.AfterFunc(maxWait, func() {
		l.expireWaiter(elem, w)
	})
	l.armBoundaryTimerLocked()
	l.mu.Unlock()

	// Capacity may have been released between the failed attempt and the
	// enqueue; pump once so the head (possibly us) is re-evaluated.
	l.pump()

	select {
	case res := <-w.ch:
		// nil means terminal miss (timeout or shutdown).
		return res, res != nil, nil
	case <-ctx.Done():
		l.removeWaiter(elem, w)
		return nil, false, ctx.Err()
	}
}

func (l *Limiter) expireWaiter(elem *list.Element, w *resWaiter) {
	l.mu.Lock()
	if !w.done {
		w.done = true
		l.waiters.Remove(elem)
		w.ch <- nil
	}
	l.mu.Unlock()
}

func (l *Limiter) removeWaiter(elem *list.Element, w *resWaiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.done {
		// Already granted or expired. A granted reservation that lost the
		// race to a cancellation is handed back by the caller via Commit
		// with zero usage, so nothing to do here.
		return
	}
	w.done = true
	l.waiters.Remove(elem)
	if w.timer != nil {
		w.timer.Stop()
	}
}

// pump serves queued waiters head-first. Processing stops at the first
// waiter whose reservation still misses: later (possibly smaller) waiters
// never overtake it.
func (l *Limiter) pump() {
	for {
		l.mu.Lock()
		front := l.waiters.Front()
		if front == nil || l.stopped {
			l.mu.Unlock()
			return
		}
		w := front.Value.(*resWaiter)
		l.mu.Unlock()

		res, ok := l.TryReserve(w.est)
		if !ok {
			return
		}

		l.mu.Lock()
		if w.done || l.waiters.Front() != front {
			// Expired (or the queue changed) between the reservation and
			// the lock; undo and retry from the new head.
			l.mu.Unlock()
			l.releaseReservation(res)
			continue
		}
		w.done = true
		l.waiters.Remove(front)
		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- res
		l.mu.Unlock()
	}
}

// releaseReservation fully rolls back an unused reservation.
func (l *Limiter) releaseReservation(res *Reservation) {
	l.conc.Release(1)
	if l.mem != nil {
		l.mem.Release(res.Est.MemoryKB)
	}
	l.rollbackCounters(res)
}

// armBoundaryTimerLocked schedules a waiter pump at the next minute boundary.
// Window counters free capacity by rollover rather than by release, so
// without this wake a queue blocked purely on a window quota would only be
// drained by timeouts. Armed only while waiters exist.
func (l *Limiter) armBoundaryTimerLocked() {
	if l.boundaryTimer != nil || l.waiters.Len() == 0 {
		return
	}
	wait := time.Until(l.tpm.NextBoundary()) + 10*time.Millisecond
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	l.boundaryTimer = time.AfterFunc(wait, func() {
		l.mu.Lock()
		l.boundaryTimer = nil
		l.armBoundaryTimerLocked()
		l.mu.Unlock()
		l.pump()
		l.notify(DimTokensMinute)
	})
}

// Commit reconciles observed usage against the reservation's estimate,
// adjusting each window counter by actual - estimated in the window the
// reservation was debited. Overruns are reported, never undone.
func (l *Limiter) Commit(actual Usage, res *Reservation) []Overage {
	var overages []Overage
	record := func(dim string, amount int64) {
		if amount > 0 {
			overages = append(overages, Overage{Dimension: dim, Amount: amount})
		}
	}

	tokenDelta := actual.Tokens - res.Est.Tokens
	reqDelta := actual.Requests - res.Est.Requests

	record(DimTokensMinute, l.tpm.CommitDelta(tokenDelta, res.tpmSnap))
	record(DimRequestsMinute, l.rpm.CommitDelta(reqDelta, res.rpmSnap))
	record(DimTokensDay, l.tpd.CommitDelta(tokenDelta, res.tpdSnap))
	record(DimRequestsDay, l.rpd.CommitDelta(reqDelta, res.rpdSnap))

	if tokenDelta < 0 || reqDelta < 0 {
		// Reconciliation freed window capacity; queued waiters may now fit.
		l.pump()
	}
	l.notify(DimTokensMinute)
	return overages
}

// ReleasePermits returns the concurrency and memory permits held by a
// committed reservation. Window debits stay: they represent real usage.
func (l *Limiter) ReleasePermits(res *Reservation) {
	l.conc.Release(1)
	if l.mem != nil {
		l.mem.Release(res.Est.MemoryKB)
	}
	l.pump()
	l.notify(DimConcurrency)
}

// Cancel fully rolls back an unused reservation: window debits, memory and
// concurrency permits. For a reservation whose job actually ran, use Commit
// followed by ReleasePermits instead.
func (l *Limiter) Cancel(res *Reservation) {
	l.releaseReservation(res)
	l.pump()
	l.notify(DimConcurrency)
}

// ApplyPool retunes the per-instance limits from a distributed pool
// allocation. MinCapacity and MaxConcurrent clamp the slot count after
// scaling. Queued waiters are re-evaluated under the new limits.
func (l *Limiter) ApplyPool(alloc PoolAllocation) {
	if alloc.TokensPerMinute > 0 {
		l.tpm.SetLimit(alloc.TokensPerMinute)
	}
	if alloc.RequestsPerMinute > 0 {
		l.rpm.SetLimit(alloc.RequestsPerMinute)
	}
	if alloc.TokensPerDay > 0 {
		l.tpd.SetLimit(alloc.TokensPerDay)
	}
	if alloc.RequestsPerDay > 0 {
		l.rpd.SetLimit(alloc.RequestsPerDay)
	}
	if alloc.TotalSlots > 0 {
		slots := alloc.TotalSlots
		if l.limits.MinCapacity > 0 && slots < l.limits.MinCapacity {
			slots = l.limits.MinCapacity
		}
		if l.limits.MaxConcurrent > 0 && slots > l.limits.MaxConcurrent {
			slots = l.limits.MaxConcurrent
		}
		l.conc.Resize(slots)
		l.concLimited = true
	}
	l.pump()
	l.notify("distributed")
}

// ResizeMemory updates the memory semaphore budget (KB). No-op when no
// memory ceiling is configured for this model.
func (l *Limiter) ResizeMemory(budgetKB int64) {
	if l.mem == nil {
		return
	}
	if l.limits.MaxMemoryKB > 0 && budgetKB > l.limits.MaxMemoryKB {
		budgetKB = l.limits.MaxMemoryKB
	}
	if budgetKB < 0 {
		budgetKB = 0
	}
	l.mem.Resize(budgetKB)
	l.pump()
	l.notify(DimMemory)
}

// Stop completes every queued waiter with the terminal miss and prevents new
// waits from queueing.
func (l *Limiter) Stop() {
	l.mu.Lock()
	l.stopped = true
	for e := l.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*resWaiter)
		if !w.done {
			w.done = true
			if w.timer != nil {
				w.timer.Stop()
			}
			w.ch <- nil
		}
	}
	l.waiters.Init()
	if l.boundaryTimer != nil {
		l.boundaryTimer.Stop()
		l.boundaryTimer = nil
	}
	l.mu.Unlock()
}

// Stats is the per-model limit state exposed to the orchestrator.
type Stats struct {
	TokensMinute   window.Stats
	TokensDay      window.Stats
	RequestsMinute window.Stats
	RequestsDay    window.Stats
	Concurrency    fifosem.Stats
	ConcLimited    bool
	Memory         *fifosem.Stats
	Waiting        int
}

// Stats returns a snapshot of all six dimensions plus the waiter queue depth.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	waiting := l.waiters.Len()
	l.mu.Unlock()

	s := Stats{
		TokensMinute:   l.tpm.Stats(),
		TokensDay:      l.tpd.Stats(),
		RequestsMinute: l.rpm.Stats(),
		RequestsDay:    l.rpd.Stats(),
		Concurrency:    l.conc.Stats(),
		ConcLimited:    l.concLimited,
		Waiting:        waiting,
	}
	if l.mem != nil {
		ms := l.mem.Stats()
		s.Memory = &ms
	}
	return s
}
