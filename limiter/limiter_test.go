package limiter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func noWait(models ...string) map[string]time.Duration {
	m := make(map[string]time.Duration, len(models))
	for _, id := range models {
		m[id] = 0
	}
	return m
}

func singleModelConfig(mc ModelConfig) Config {
	return Config{
		Models: map[string]ModelConfig{"gpt-mini": mc},
		ResourceEstimations: map[string]JobTypeConfig{
			"chat": {
				EstimatedUsedTokens:       100,
				EstimatedNumberOfRequests: 1,
				MaxWait:                   noWait("gpt-mini"),
			},
		},
	}
}

func resolveJob(usage Usage, requests int64) JobFunc {
	return func(ctx context.Context, jc *JobContext) (*JobResult, error) {
		jc.Resolve(usage)
		return &JobResult{Usage: usage, RequestCount: requests}, nil
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func() Config {
		return Config{
			Models: map[string]ModelConfig{
				"a": {RequestsPerMinute: 10},
				"b": {RequestsPerMinute: 10},
			},
			EscalationOrder: []string{"a", "b"},
			ResourceEstimations: map[string]JobTypeConfig{
				"chat": {EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1},
			},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no models", func(c *Config) { c.Models = nil }, "no models"},
		{"no job types", func(c *Config) { c.ResourceEstimations = nil }, "no job types"},
		{"missing escalation order", func(c *Config) { c.EscalationOrder = nil }, "EscalationOrder is required"},
		{"escalation unknown model", func(c *Config) {
			c.EscalationOrder = []string{"a", "nope"}
		}, `unknown model "nope"`},
		{"zero tokens estimate", func(c *Config) {
			c.ResourceEstimations["chat"] = JobTypeConfig{EstimatedNumberOfRequests: 1}
		}, "EstimatedUsedTokens"},
		{"zero requests estimate", func(c *Config) {
			c.ResourceEstimations["chat"] = JobTypeConfig{EstimatedUsedTokens: 100}
		}, "EstimatedNumberOfRequests"},
		{"ratio out of range", func(c *Config) {
			jc := c.ResourceEstimations["chat"]
			jc.Ratio = &RatioConfig{InitialValue: 1.5}
			c.ResourceEstimations["chat"] = jc
		}, "out of (0,1]"},
		{"ratio sum over one", func(c *Config) {
			c.ResourceEstimations["chat"] = JobTypeConfig{
				EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1,
				Ratio: &RatioConfig{InitialValue: 0.7},
			}
			c.ResourceEstimations["batch"] = JobTypeConfig{
				EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1,
				Ratio: &RatioConfig{InitialValue: 0.6},
			}
		}, "sum to"},
		{"maxwait unknown model", func(c *Config) {
			jc := c.ResourceEstimations["chat"]
			jc.MaxWait = noWait("nope")
			c.ResourceEstimations["chat"] = jc
		}, "MaxWait references unknown model"},
		{"memory limit without estimate", func(c *Config) {
			m := c.Models["a"]
			m.MaxCapacityKB = 1 << 20
			c.Models["a"] = m
		}, "EstimatedUsedMemoryKB"},
		{"bad free memory ratio", func(c *Config) {
			c.Memory = &MemoryConfig{FreeMemoryRatio: 1.5}
		}, "FreeMemoryRatio"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			_, err := New(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("New() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("New() error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestQueueJobResolve(t *testing.T) {
	cfg := singleModelConfig(ModelConfig{
		RequestsPerMinute: 10,
		Pricing:           Pricing{Input: 3, Output: 15},
	})
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	usage := Usage{InputTokens: 1000, OutputTokens: 200}
	out, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job:     resolveJob(usage, 1),
	})
	if err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	if out.ModelUsed != "gpt-mini" {
		t.Errorf("ModelUsed = %q, want gpt-mini", out.ModelUsed)
	}
	if out.JobID == "" {
		t.Error("expected a generated job ID")
	}
	if len(out.Usage) != 1 || out.Usage[0].ModelID != "gpt-mini" {
		t.Fatalf("usage trail = %+v, want one gpt-mini entry", out.Usage)
	}
	// 1000 input @ $3/M + 200 output @ $15/M.
	wantCost := 0.003 + 0.003
	if diff := out.TotalCost - wantCost; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TotalCost = %v, want %v", out.TotalCost, wantCost)
	}
}

func TestRequestsPerMinuteExhaustion(t *testing.T) {
	l, err := New(singleModelConfig(ModelConfig{RequestsPerMinute: 10}))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	for i := 0; i < 10; i++ {
		if _, err := l.QueueJob(context.Background(), JobRequest{
			JobType: "chat",
			Job:     resolveJob(Usage{InputTokens: 10}, 1),
		}); err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
	}
	_, err = l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job:     resolveJob(Usage{}, 1),
	})
	if !errors.Is(err, ErrModelsExhausted) {
		t.Fatalf("job 11 error = %v, want ErrModelsExhausted", err)
	}
}

func TestEscalationOrder(t *testing.T) {
	cfg := Config{
		Models: map[string]ModelConfig{
			"small": {RequestsPerMinute: 1},
			"large": {RequestsPerMinute: 100},
		},
		EscalationOrder: []string{"small", "large"},
		ResourceEstimations: map[string]JobTypeConfig{
			"chat": {
				EstimatedUsedTokens:       100,
				EstimatedNumberOfRequests: 1,
				MaxWait:                   noWait("small", "large"),
			},
		},
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	var used []string
	for i := 0; i < 5; i++ {
		out, err := l.QueueJob(context.Background(), JobRequest{
			JobType: "chat",
			Job:     resolveJob(Usage{InputTokens: 10}, 1),
		})
		if err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
		used = append(used, out.ModelUsed)
	}
	want := []string{"small", "large", "large", "large", "large"}
	for i := range want {
		if used[i] != want[i] {
			t.Fatalf("models used = %v, want %v", used, want)
		}
	}
}

func TestDelegation(t *testing.T) {
	cfg := Config{
		Models: map[string]ModelConfig{
			"small": {RequestsPerMinute: 10, Pricing: Pricing{Input: 1}},
			"large": {RequestsPerMinute: 10, Pricing: Pricing{Input: 2}},
		},
		EscalationOrder: []string{"small", "large"},
		ResourceEstimations: map[string]JobTypeConfig{
			"chat": {
				EstimatedUsedTokens:       100,
				EstimatedNumberOfRequests: 1,
				MaxWait:                   noWait("small", "large"),
			},
		},
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	out, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job: func(ctx context.Context, jc *JobContext) (*JobResult, error) {
			if jc.ModelID == "small" {
				// Partial consumption before giving up on the small model.
				jc.Reject(Usage{InputTokens: 4000}, true)
				return nil, nil
			}
			u := Usage{InputTokens: 2000}
			jc.Resolve(u)
			return &JobResult{Usage: u, RequestCount: 1, Output: "done"}, nil
		},
	})
	if err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	if out.ModelUsed != "large" {
		t.Errorf("ModelUsed = %q, want large", out.ModelUsed)
	}
	if len(out.Usage) != 2 {
		t.Fatalf("usage trail has %d entries, want 2: %+v", len(out.Usage), out.Usage)
	}
	if out.Usage[0].ModelID != "small" || out.Usage[0].Usage.InputTokens != 4000 {
		t.Errorf("trail[0] = %+v, want small/4000", out.Usage[0])
	}
	if out.Usage[1].ModelID != "large" || out.Usage[1].Usage.InputTokens != 2000 {
		t.Errorf("trail[1] = %+v, want large/2000", out.Usage[1])
	}
	// 4000 @ $1/M + 2000 @ $2/M = 0.008.
	if diff := out.TotalCost - 0.008; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TotalCost = %v, want 0.008", out.TotalCost)
	}
	if out.Output != "done" {
		t.Errorf("Output = %v, want done", out.Output)
	}
}

func TestRejectWithoutDelegate(t *testing.T) {
	l, err := New(singleModelConfig(ModelConfig{RequestsPerMinute: 10}))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	_, err = l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job: func(ctx context.Context, jc *JobContext) (*JobResult, error) {
			jc.Reject(Usage{InputTokens: 50}, false)
			return nil, nil
		},
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
}

func TestBodyPanicReleasesCapacity(t *testing.T) {
	l, err := New(singleModelConfig(ModelConfig{RequestsPerMinute: 10, MaxConcurrentRequests: 1}))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	_, err = l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job: func(ctx context.Context, jc *JobContext) (*JobResult, error) {
			panic("boom")
		},
	})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("error = %v, want panic failure", err)
	}

	// The concurrency permit must have been returned.
	if _, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job:     resolveJob(Usage{}, 1),
	}); err != nil {
		t.Fatalf("follow-up job: %v", err)
	}
}

func TestDoubleSignalIgnored(t *testing.T) {
	l, err := New(singleModelConfig(ModelConfig{RequestsPerMinute: 10}))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	out, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job: func(ctx context.Context, jc *JobContext) (*JobResult, error) {
			jc.Resolve(Usage{InputTokens: 100})
			jc.Reject(Usage{InputTokens: 999}, true)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	if out.Usage[0].Usage.InputTokens != 100 {
		t.Errorf("recorded usage = %+v, want the first signal's 100", out.Usage[0])
	}
}

func TestUnknownJobType(t *testing.T) {
	l, err := New(singleModelConfig(ModelConfig{}))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	_, err = l.QueueJob(context.Background(), JobRequest{
		JobType: "mystery",
		Job:     resolveJob(Usage{}, 1),
	})
	if !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("error = %v, want ErrUnknownJobType", err)
	}
}

func TestQueueJobAfterStop(t *testing.T) {
	l, err := New(singleModelConfig(ModelConfig{}))
	if err != nil {
		t.Fatal(err)
	}
	l.Stop()

	_, err = l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job:     resolveJob(Usage{}, 1),
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("error = %v, want ErrStopped", err)
	}
}

func TestSetDistributedAvailability(t *testing.T) {
	var mu sync.Mutex
	var events []string
	cfg := singleModelConfig(ModelConfig{RequestsPerMinute: 100})
	cfg.OnAvailableSlotsChange = func(snap Snapshot, reason, modelID string, adj *Adjustment) {
		mu.Lock()
		events = append(events, reason)
		mu.Unlock()
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	alloc := &AllocationInfo{Pools: map[string]PoolAllocation{
		"gpt-mini": {TotalSlots: 4, RequestsPerMinute: 50},
	}}
	l.SetDistributedAvailability(alloc)

	st := l.Stats()
	if got := st.Models["gpt-mini"].RequestsPerMinute.Limit; got != 50 {
		t.Errorf("RPM limit = %d, want pooled 50", got)
	}
	if st.TotalCapacity != 4 {
		t.Errorf("TotalCapacity = %d, want 4", st.TotalCapacity)
	}

	mu.Lock()
	seen := len(events)
	mu.Unlock()

	// Re-delivering the identical allocation must be a no-op.
	l.SetDistributedAvailability(&AllocationInfo{Pools: map[string]PoolAllocation{
		"gpt-mini": {TotalSlots: 4, RequestsPerMinute: 50},
	}})
	mu.Lock()
	after := len(events)
	mu.Unlock()
	if after != seen {
		t.Errorf("duplicate allocation emitted %d extra events", after-seen)
	}

	st = l.Stats()
	if got := st.Models["gpt-mini"].RequestsPerMinute.Limit; got != 50 {
		t.Errorf("RPM limit after duplicate = %d, want 50", got)
	}
}

func TestAvailabilityEventsOnReserve(t *testing.T) {
	type event struct {
		snap   Snapshot
		reason string
		model  string
	}
	var mu sync.Mutex
	var events []event

	cfg := singleModelConfig(ModelConfig{TokensPerMinute: 1000, RequestsPerMinute: 100})
	cfg.OnAvailableSlotsChange = func(snap Snapshot, reason, modelID string, adj *Adjustment) {
		mu.Lock()
		events = append(events, event{snap, reason, modelID})
		mu.Unlock()
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	usage := Usage{InputTokens: 100}
	if _, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job:     resolveJob(usage, 1),
	}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("expected availability events")
	}
	last := events[len(events)-1]
	if last.model != "gpt-mini" {
		t.Errorf("event model = %q, want gpt-mini", last.model)
	}
	// 900 token headroom / 100-token estimate = 9 slots; requests are not
	// binding (99 headroom / 1 per job).
	if last.snap.Slots != 9 {
		t.Errorf("slots = %d, want 9", last.snap.Slots)
	}
	if last.snap.Unbounded {
		t.Error("snapshot should be bounded")
	}
}

func TestHasCapacityAndAvailableModel(t *testing.T) {
	cfg := Config{
		Models: map[string]ModelConfig{
			"small": {RequestsPerMinute: 1},
			"large": {RequestsPerMinute: 100},
		},
		EscalationOrder: []string{"small", "large"},
		ResourceEstimations: map[string]JobTypeConfig{
			"chat": {
				EstimatedUsedTokens:       100,
				EstimatedNumberOfRequests: 1,
				MaxWait:                   noWait("small", "large"),
			},
		},
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	if model, ok := l.AvailableModel(nil); !ok || model != "small" {
		t.Fatalf("AvailableModel = %q,%v, want small,true", model, ok)
	}

	// Exhaust small's single request.
	if _, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job:     resolveJob(Usage{InputTokens: 10}, 1),
	}); err != nil {
		t.Fatal(err)
	}

	if l.HasCapacityForModel("small") {
		t.Error("small should be exhausted")
	}
	if !l.HasCapacity() {
		t.Error("large still has capacity")
	}
	if model, ok := l.AvailableModel(nil); !ok || model != "large" {
		t.Errorf("AvailableModel = %q,%v, want large,true", model, ok)
	}
	if model, ok := l.AvailableModel([]string{"large"}); ok {
		t.Errorf("AvailableModel(excl large) = %q, want none", model)
	}
}

func TestWaitBudget(t *testing.T) {
	l, err := New(singleModelConfig(ModelConfig{}))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		offset time.Duration
		want   time.Duration
	}{
		{0, 65 * time.Second},                // full minute ahead, clamped
		{30 * time.Second, 35 * time.Second}, // mid-minute
		{58 * time.Second, 7 * time.Second},  // near the boundary
	}
	for _, tc := range cases {
		now := base.Add(tc.offset)
		l.now = func() time.Time { return now }
		if got := l.waitBudget(JobTypeConfig{}, "gpt-mini"); got != tc.want {
			t.Errorf("waitBudget at +%v = %v, want %v", tc.offset, got, tc.want)
		}
	}

	// An explicit entry, including zero, overrides the default.
	jc := JobTypeConfig{MaxWait: map[string]time.Duration{"gpt-mini": 0}}
	if got := l.waitBudget(jc, "gpt-mini"); got != 0 {
		t.Errorf("explicit zero wait = %v, want 0", got)
	}
	jc.MaxWait["gpt-mini"] = 2 * time.Second
	if got := l.waitBudget(jc, "gpt-mini"); got != 2*time.Second {
		t.Errorf("explicit wait = %v, want 2s", got)
	}
}

type fakeBackend struct {
	mu         sync.Mutex
	registered int
	usage      []Usage
	requests   []int64
	denyModels map[string]bool
	alloc      *AllocationInfo
	subscribed bool
}

func (b *fakeBackend) Register(ctx context.Context, instanceID string) (*AllocationInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered++
	return b.alloc, nil
}

func (b *fakeBackend) Unregister(ctx context.Context, instanceID string) error { return nil }

func (b *fakeBackend) Acquire(ctx context.Context, modelID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.denyModels[modelID]
}

func (b *fakeBackend) Release(ctx context.Context, modelID string) {}

func (b *fakeBackend) CommitUsage(ctx context.Context, usage Usage, requests int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usage = append(b.usage, usage)
	b.requests = append(b.requests, requests)
	return nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, instanceID string, fn func(*AllocationInfo)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = true
	return func() {}, nil
}

func TestDistributedBackendFlow(t *testing.T) {
	backend := &fakeBackend{
		alloc: &AllocationInfo{Pools: map[string]PoolAllocation{
			"gpt-mini": {TotalSlots: 8, RequestsPerMinute: 60},
		}},
	}
	cfg := singleModelConfig(ModelConfig{RequestsPerMinute: 100})
	cfg.Backend = backend
	cfg.InstanceID = "inst-1"
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	backend.mu.Lock()
	if backend.registered != 1 || !backend.subscribed {
		t.Errorf("registered=%d subscribed=%v, want 1/true", backend.registered, backend.subscribed)
	}
	backend.mu.Unlock()

	st := l.Stats()
	if got := st.Models["gpt-mini"].RequestsPerMinute.Limit; got != 60 {
		t.Errorf("pooled RPM limit = %d, want 60", got)
	}

	if _, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job:     resolveJob(Usage{InputTokens: 300}, 2),
	}); err != nil {
		t.Fatal(err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.usage) != 1 {
		t.Fatalf("backend saw %d usage commits, want 1", len(backend.usage))
	}
	if backend.usage[0].InputTokens != 300 || backend.requests[0] != 2 {
		t.Errorf("committed usage = %+v/%d, want 300 tokens, 2 requests", backend.usage[0], backend.requests[0])
	}
}

func TestBackendDenialEscalates(t *testing.T) {
	backend := &fakeBackend{denyModels: map[string]bool{"small": true}}
	cfg := Config{
		Models: map[string]ModelConfig{
			"small": {RequestsPerMinute: 10},
			"large": {RequestsPerMinute: 10},
		},
		EscalationOrder: []string{"small", "large"},
		ResourceEstimations: map[string]JobTypeConfig{
			"chat": {
				EstimatedUsedTokens:       100,
				EstimatedNumberOfRequests: 1,
				MaxWait:                   noWait("small", "large"),
			},
		},
		Backend: backend,
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	out, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job:     resolveJob(Usage{InputTokens: 10}, 1),
	})
	if err != nil {
		t.Fatalf("QueueJob: %v", err)
	}
	if out.ModelUsed != "large" {
		t.Errorf("ModelUsed = %q, want large after shared-store denial", out.ModelUsed)
	}
	// The denied attempt must not leave local RPM debited.
	st := l.Stats()
	if got := st.Models["small"].RequestsPerMinute.Used; got != 0 {
		t.Errorf("small RPM used = %d, want 0", got)
	}
}

type fakeRecorder struct {
	ch chan JobUsageRecord
}

func (r *fakeRecorder) RecordJobUsage(ctx context.Context, rec JobUsageRecord) error {
	r.ch <- rec
	return nil
}

func TestUsageRecorder(t *testing.T) {
	rec := &fakeRecorder{ch: make(chan JobUsageRecord, 1)}
	cfg := singleModelConfig(ModelConfig{RequestsPerMinute: 10, Pricing: Pricing{Input: 1}})
	cfg.UsageRecorder = rec
	l, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	if _, err := l.QueueJob(context.Background(), JobRequest{
		JobID:   "job-42",
		JobType: "chat",
		Job:     resolveJob(Usage{InputTokens: 1000}, 1),
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-rec.ch:
		if got.JobID != "job-42" || !got.Success || got.ModelUsed != "gpt-mini" {
			t.Errorf("record = %+v", got)
		}
		if diff := got.TotalCost - 0.001; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("recorded cost = %v, want 0.001", got.TotalCost)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("usage record never delivered")
	}
}
