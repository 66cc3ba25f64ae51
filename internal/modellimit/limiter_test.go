package modellimit

import (
	"context"
	"testing"
	"time"
)

func TestTryReserve_AllDimensions(t *testing.T) {
	l := New("gpt-a", Limits{
		TokensPerMinute:   100,
		RequestsPerMinute: 10,
		MaxConcurrent:     2,
		MaxMemoryKB:       1000,
	})

	est := Estimate{Tokens: 40, Requests: 1, MemoryKB: 400}
	r1, ok := l.TryReserve(est)
	if !ok {
		t.Fatal("first reserve should succeed")
	}
	if _, ok := l.TryReserve(est); !ok {
		t.Fatal("second reserve should succeed")
	}
	// Concurrency cap (2) is the binding constraint now.
	if _, ok := l.TryReserve(est); ok {
		t.Fatal("third reserve should miss on concurrency")
	}

	l.Commit(Usage{Tokens: 40, Requests: 1}, r1)
	l.ReleasePermits(r1)
	if _, ok := l.TryReserve(Estimate{Tokens: 20, Requests: 1, MemoryKB: 100}); !ok {
		t.Fatal("reserve after release should succeed")
	}
}

func TestTryReserve_RollbackOnMiss(t *testing.T) {
	l := New("gpt-a", Limits{
		TokensPerMinute:   100,
		RequestsPerMinute: 1, // second reservation must miss here
	})

	if _, ok := l.TryReserve(Estimate{Tokens: 10, Requests: 1}); !ok {
		t.Fatal("first reserve should succeed")
	}
	if _, ok := l.TryReserve(Estimate{Tokens: 10, Requests: 1}); ok {
		t.Fatal("second reserve should miss on RPM")
	}

	// The failed attempt must have rolled back its token debit.
	st := l.Stats()
	if st.TokensMinute.Used != 10 {
		t.Fatalf("TPM used = %d, want 10 (rollback leaked)", st.TokensMinute.Used)
	}
}

func TestTryReserve_MemoryMissRollsBackCounters(t *testing.T) {
	l := New("gpt-a", Limits{
		TokensPerMinute: 100,
		MaxMemoryKB:     100,
	})

	if _, ok := l.TryReserve(Estimate{Tokens: 50, Requests: 1, MemoryKB: 200}); ok {
		t.Fatal("reserve should miss on memory")
	}
	st := l.Stats()
	if st.TokensMinute.Used != 0 || st.RequestsMinute.Used != 0 {
		t.Fatalf("counters not rolled back: %+v", st)
	}
	if st.Memory.InUse != 0 {
		t.Fatalf("memory leaked: %+v", st.Memory)
	}
}

func TestCancel_FullRollback(t *testing.T) {
	l := New("gpt-a", Limits{
		TokensPerMinute:   100,
		RequestsPerMinute: 10,
		MaxConcurrent:     2,
		MaxMemoryKB:       1000,
	})

	res, ok := l.TryReserve(Estimate{Tokens: 40, Requests: 1, MemoryKB: 400})
	if !ok {
		t.Fatal("reserve should succeed")
	}
	l.Cancel(res)

	st := l.Stats()
	if st.TokensMinute.Used != 0 || st.RequestsMinute.Used != 0 {
		t.Fatalf("window debits not rolled back: %+v", st)
	}
	if st.Concurrency.InUse != 0 {
		t.Fatalf("concurrency permit leaked: %+v", st.Concurrency)
	}
	if st.Memory.InUse != 0 {
		t.Fatalf("memory permit leaked: %+v", st.Memory)
	}
}

func TestWaitReserve_ZeroWaitIsSingleAttempt(t *testing.T) {
	l := New("gpt-a", Limits{MaxConcurrent: 1})
	r, _ := l.TryReserve(Estimate{Requests: 1})

	_, ok, err := l.WaitReserve(context.Background(), Estimate{Requests: 1}, 0)
	if err != nil || ok {
		t.Fatalf("want immediate miss, got ok=%v err=%v", ok, err)
	}

	l.Commit(Usage{Requests: 1}, r)
	l.ReleasePermits(r)
}

func TestWaitReserve_ServedOnRelease(t *testing.T) {
	l := New("gpt-a", Limits{MaxConcurrent: 1})
	r, _ := l.TryReserve(Estimate{Requests: 1})

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, ok, err := l.WaitReserve(context.Background(), Estimate{Requests: 1}, 5*time.Second)
		done <- result{ok, err}
	}()
	waitForQueue(t, l, 1)

	l.Commit(Usage{Requests: 1}, r)
	l.ReleasePermits(r)

	select {
	case res := <-done:
		if !res.ok || res.err != nil {
			t.Fatalf("waiter should have been served, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not served after release")
	}
}

func TestWaitReserve_FIFOHeadBlocksTail(t *testing.T) {
	l := New("gpt-a", Limits{TokensPerMinute: 100})
	r, _ := l.TryReserve(Estimate{Tokens: 100, Requests: 1})

	headDone := make(chan bool, 1)
	go func() {
		_, ok, _ := l.WaitReserve(context.Background(), Estimate{Tokens: 80, Requests: 1}, 5*time.Second)
		headDone <- ok
	}()
	waitForQueue(t, l, 1)

	tailDone := make(chan bool, 1)
	go func() {
		_, ok, _ := l.WaitReserve(context.Background(), Estimate{Tokens: 10, Requests: 1}, 5*time.Second)
		tailDone <- ok
	}()
	waitForQueue(t, l, 2)

	// Freeing 50 tokens is enough for the tail (10) but not the head (80):
	// processing must stop at the head.
	l.Commit(Usage{Tokens: 50, Requests: 1}, r)
	select {
	case <-tailDone:
		t.Fatal("tail waiter overtook the head")
	case <-time.After(50 * time.Millisecond):
	}

	// Raising the limit makes room for the head; both drain in order.
	l.ApplyPool(PoolAllocation{TokensPerMinute: 200})
	if ok := <-headDone; !ok {
		t.Fatal("head should have been served")
	}
	if ok := <-tailDone; !ok {
		t.Fatal("tail should have been served after head")
	}
}

func TestWaitReserve_Timeout(t *testing.T) {
	l := New("gpt-a", Limits{MaxConcurrent: 1})
	r, _ := l.TryReserve(Estimate{Requests: 1})

	start := time.Now()
	_, ok, err := l.WaitReserve(context.Background(), Estimate{Requests: 1}, 50*time.Millisecond)
	if ok || err != nil {
		t.Fatalf("want timeout miss, got ok=%v err=%v", ok, err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("returned before the wait deadline")
	}

	// The timed-out wait held nothing; releasing the original
	// reservation restores full capacity.
	l.Commit(Usage{Requests: 1}, r)
	l.ReleasePermits(r)
	st := l.Stats()
	if st.Concurrency.InUse != 0 || st.Waiting != 0 {
		t.Fatalf("timed-out waiter leaked state: %+v", st)
	}
}

func TestWaitReserve_ContextCancel(t *testing.T) {
	l := New("gpt-a", Limits{MaxConcurrent: 1})
	l.TryReserve(Estimate{Requests: 1})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := l.WaitReserve(ctx, Estimate{Requests: 1}, 5*time.Second)
		errCh <- err
	}()
	waitForQueue(t, l, 1)

	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := l.Stats().Waiting; got != 0 {
		t.Fatalf("waiting = %d, want 0", got)
	}
}

func TestWaitReserve_WindowBoundaryWake(t *testing.T) {
	l := New("gpt-a", Limits{TokensPerMinute: 100})
	// Consume the whole minute budget with no outstanding permits to
	// release: only the window rollover can unblock the waiter.
	r, _ := l.TryReserve(Estimate{Tokens: 100, Requests: 1})
	l.Commit(Usage{Tokens: 100, Requests: 1}, r)
	l.ReleasePermits(r)

	wait := time.Until(l.tpm.NextBoundary()) + 2*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	_, ok, err := l.WaitReserve(ctx, Estimate{Tokens: 10, Requests: 1}, wait)
	if err != nil {
		t.Fatalf("WaitReserve: %v", err)
	}
	if !ok {
		t.Fatal("waiter should have been woken at the minute boundary")
	}
}

func TestCommit_OverageReported(t *testing.T) {
	l := New("gpt-a", Limits{TokensPerMinute: 100, RequestsPerMinute: 10})

	r, _ := l.TryReserve(Estimate{Tokens: 90, Requests: 1})
	overages := l.Commit(Usage{Tokens: 150, Requests: 1}, r)
	if len(overages) != 1 {
		t.Fatalf("overages = %+v, want exactly one", overages)
	}
	if overages[0].Dimension != DimTokensMinute || overages[0].Amount != 50 {
		t.Fatalf("overage = %+v, want {tokensMinute 50}", overages[0])
	}
}

func TestApplyPool_RetunesLimits(t *testing.T) {
	l := New("gpt-a", Limits{
		TokensPerMinute:   1000,
		RequestsPerMinute: 100,
		MaxConcurrent:     50,
		MinCapacity:       2,
	})

	l.ApplyPool(PoolAllocation{
		TotalSlots:        1, // below MinCapacity, clamped up
		TokensPerMinute:   100,
		RequestsPerMinute: 10,
	})

	st := l.Stats()
	if st.TokensMinute.Limit != 100 || st.RequestsMinute.Limit != 10 {
		t.Fatalf("window limits not retuned: %+v", st)
	}
	if st.Concurrency.Max != 2 {
		t.Fatalf("slots = %d, want 2 (MinCapacity clamp after scaling)", st.Concurrency.Max)
	}

	l.ApplyPool(PoolAllocation{TotalSlots: 80})
	if got := l.Stats().Concurrency.Max; got != 50 {
		t.Fatalf("slots = %d, want 50 (MaxConcurrent clamp)", got)
	}
}

func TestStop_DrainsWaitersWithMiss(t *testing.T) {
	l := New("gpt-a", Limits{MaxConcurrent: 1})
	l.TryReserve(Estimate{Requests: 1})

	done := make(chan bool, 1)
	go func() {
		_, ok, _ := l.WaitReserve(context.Background(), Estimate{Requests: 1}, time.Minute)
		done <- ok
	}()
	waitForQueue(t, l, 1)

	l.Stop()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("stopped waiter should complete with a miss")
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not drain the waiter")
	}

	if _, ok, _ := l.WaitReserve(context.Background(), Estimate{Requests: 1}, time.Minute); ok {
		t.Fatal("WaitReserve after Stop should miss immediately")
	}
}

func waitForQueue(t *testing.T, l *Limiter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Stats().Waiting >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d queued waiters", n)
}
