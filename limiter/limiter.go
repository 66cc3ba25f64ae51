package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/quasar/internal/jobtype"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/memwatch"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/modellimit"
	"github.com/oriys/quasar/internal/observability"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	minEscalationWait        = 5 * time.Second
	maxEscalationWait        = 65 * time.Second
	escalationWaitSlack      = 5 * time.Second
)

// Limiter is the multi-model orchestrator: the public entry point that
// admits jobs against the job-type pool, routes them along the escalation
// order, runs the body, and reconciles reported usage.
type Limiter struct {
	cfg    Config
	order  []string
	models map[string]*modellimit.Limiter
	jt     *jobtype.Manager
	track  *tracker
	log    *slog.Logger

	instanceID string
	backend    Backend
	mem        *memwatch.Watcher

	mu          sync.Mutex
	lastAlloc   *AllocationInfo
	unsubscribe func()
	hbCancel    context.CancelFunc
	started     bool
	stopped     bool

	// now is swappable for tests of the default-wait computation.
	now func() time.Time
}

// New validates the configuration and assembles a limiter. Errors are
// configuration errors per the taxonomy: synchronous, descriptive, and
// never retried.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Op()
	}
	if cfg.Label != "" {
		log = log.With("limiter", cfg.Label)
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	jtConfigs := make(map[string]jobtype.TypeConfig, len(cfg.ResourceEstimations))
	for name, jc := range cfg.ResourceEstimations {
		tc := jobtype.TypeConfig{
			Resources: jobtype.Resources{
				Tokens:   jc.EstimatedUsedTokens,
				Requests: jc.EstimatedNumberOfRequests,
				MemoryKB: jc.EstimatedUsedMemoryKB,
			},
		}
		if jc.Ratio != nil {
			tc.InitialRatio = jc.Ratio.InitialValue
			tc.HasRatio = true
			tc.Flexible = jc.Ratio.Flexible
		}
		jtConfigs[name] = tc
	}

	adjust := jobtype.DefaultAdjustConfig()
	if ra := cfg.RatioAdjustment; ra != nil {
		adjust = jobtype.AdjustConfig{
			HighLoadThreshold:     ra.HighLoadThreshold,
			LowLoadThreshold:      ra.LowLoadThreshold,
			MaxAdjustment:         ra.MaxAdjustment,
			MinRatio:              ra.MinRatio,
			AdjustmentInterval:    ra.AdjustmentInterval,
			ReleasesPerAdjustment: ra.ReleasesPerAdjustment,
		}
	}

	jt, err := jobtype.NewManager(jtConfigs, cfg.defaultTotalCapacity(), adjust)
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		cfg:        cfg,
		order:      cfg.escalationOrder(),
		models:     make(map[string]*modellimit.Limiter, len(cfg.Models)),
		jt:         jt,
		log:        log,
		instanceID: instanceID,
		backend:    cfg.Backend,
		now:        time.Now,
	}

	for id, mc := range cfg.Models {
		ml := modellimit.New(id, modellimit.Limits{
			TokensPerMinute:   mc.TokensPerMinute,
			TokensPerDay:      mc.TokensPerDay,
			RequestsPerMinute: mc.RequestsPerMinute,
			RequestsPerDay:    mc.RequestsPerDay,
			MaxConcurrent:     mc.MaxConcurrentRequests,
			MaxMemoryKB:       mc.MaxCapacityKB,
			MinCapacity:       mc.MinCapacity,
		})
		l.models[id] = ml
	}

	l.track = newTracker(
		func(modelID string) (modellimit.Stats, bool) {
			ml, ok := l.models[modelID]
			if !ok {
				return modellimit.Stats{}, false
			}
			return ml.Stats(), true
		},
		averageEstimates(cfg.ResourceEstimations),
		cfg.OnAvailableSlotsChange,
	)

	for id, ml := range l.models {
		modelID := id
		ml.SetOnChange(func(dimension string) {
			l.track.onEvent(modelID, dimension)
		})
	}

	jt.SetOnAdjust(func(adj jobtype.Adjustment) {
		metrics.RecordAdjustment()
		pub := Adjustment{Ratios: adj.Ratios, Slots: adj.Slots}
		for name := range adj.Ratios {
			metrics.SetJobTypeRatio(name, adj.Ratios[name], adj.Slots[name])
		}
		l.track.onAdjustment(pub)
	})

	return l, nil
}

// InstanceID returns this limiter's identity in the shared registry.
func (l *Limiter) InstanceID() string { return l.instanceID }

// Start joins the distributed deployment (when a backend is configured),
// launches the heartbeat and allocation subscription, and starts the memory
// watcher and ratio-adjustment loop.
func (l *Limiter) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()

	l.jt.Start()

	if l.cfg.Memory != nil {
		l.mem = memwatch.New(l.cfg.Memory.FreeMemoryRatio, l.cfg.Memory.RecalculationInterval, func(budgetKB int64) {
			metrics.SetMemoryBudgetKB(budgetKB)
			for _, ml := range l.models {
				ml.ResizeMemory(budgetKB)
			}
		})
		l.mem.Start()
	}

	if l.backend == nil {
		l.log.Info("limiter started", "instance", l.instanceID, "mode", "single")
		return nil
	}

	info, err := l.backend.Register(ctx, l.instanceID)
	if err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	l.SetDistributedAvailability(info)

	unsub, err := l.backend.Subscribe(ctx, l.instanceID, func(info *AllocationInfo) {
		l.SetDistributedAvailability(info)
	})
	if err != nil {
		return fmt.Errorf("subscribe allocations: %w", err)
	}
	l.mu.Lock()
	l.unsubscribe = unsub
	l.mu.Unlock()

	hbCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.hbCancel = cancel
	l.mu.Unlock()
	go l.heartbeatLoop(hbCtx)

	l.log.Info("limiter started", "instance", l.instanceID, "mode", "distributed")
	return nil
}

func (l *Limiter) heartbeatLoop(ctx context.Context) {
	interval := l.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := l.backend.Register(ctx, l.instanceID)
			if err != nil {
				// Transient store outage: keep the previous allocation.
				l.log.Warn("heartbeat failed, retaining allocation", "error", err)
				continue
			}
			l.SetDistributedAvailability(info)
		}
	}
}

// Stop rejects new submissions, completes all queued waiters with the
// terminal miss, and leaves the shared registry.
func (l *Limiter) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	unsub := l.unsubscribe
	hbCancel := l.hbCancel
	l.mu.Unlock()

	if hbCancel != nil {
		hbCancel()
	}
	if unsub != nil {
		unsub()
	}
	if l.mem != nil {
		l.mem.Stop()
	}
	l.jt.Stop()
	for _, ml := range l.models {
		ml.Stop()
	}

	if l.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.backend.Unregister(ctx, l.instanceID); err != nil {
			l.log.Warn("unregister failed", "error", err)
		}
	}
	l.log.Info("limiter stopped", "instance", l.instanceID)
}

func (l *Limiter) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// QueueJob admits, routes, runs, and reconciles one job. It blocks until
// the job reaches a terminal state; callers wanting a callback style run it
// in a goroutine. The returned outcome carries the usage trail across every
// model the job touched and the summed cost.
func (l *Limiter) QueueJob(ctx context.Context, req JobRequest) (*JobOutcome, error) {
	if l.isStopped() {
		return nil, ErrStopped
	}
	if req.Job == nil {
		return nil, fmt.Errorf("limiter: job %q has no body", req.JobID)
	}
	jtCfg, ok := l.cfg.ResourceEstimations[req.JobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, req.JobType)
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	ctx, span := observability.StartSpan(ctx, "limiter.job",
		attribute.String("job.id", req.JobID),
		attribute.String("job.type", req.JobType),
	)
	defer span.End()

	start := l.now()

	if err := l.jt.Acquire(ctx, req.JobType); err != nil {
		metrics.RecordJob(req.JobType, "", "rejected", -1)
		return nil, err
	}
	defer func() {
		l.jt.Release(req.JobType)
		l.publishJobTypeGauges()
	}()
	l.publishJobTypeGauges()

	est := modellimit.Estimate{
		Tokens:   jtCfg.EstimatedUsedTokens,
		Requests: jtCfg.EstimatedNumberOfRequests,
		MemoryKB: jtCfg.EstimatedUsedMemoryKB,
	}

	var trail []ModelUsage
	var totalCost float64
	tried := make(map[string]bool, len(l.order))

	for {
		model, ml, ok := l.nextCandidate(tried)
		if !ok {
			l.finishJob(ctx, req, start, trail, totalCost, "", len(trail), false, ErrModelsExhausted)
			return nil, ErrModelsExhausted
		}

		maxWait := l.waitBudget(jtCfg, model)
		waitStart := l.now()
		res, got, err := ml.WaitReserve(ctx, est, maxWait)
		metrics.RecordWaitTime(model, l.now().Sub(waitStart).Milliseconds())
		if err != nil {
			l.finishJob(ctx, req, start, trail, totalCost, "", len(trail), false, err)
			return nil, err
		}
		if !got {
			metrics.RecordReservationMiss(model, "wait")
			tried[model] = true
			continue
		}

		if l.backend != nil && !l.backend.Acquire(ctx, model) {
			// The shared store refused admission: undo the untouched
			// reservation and move on.
			ml.Cancel(res)
			metrics.RecordReservationMiss(model, "backend")
			tried[model] = true
			continue
		}

		jc := &JobContext{ModelID: model, Args: copyArgs(req.Args), jobID: req.JobID}
		result, bodyErr := runBody(ctx, req.Job, jc)

		usage, requests := reportedUsage(result, jc, model)
		overages := ml.Commit(modellimit.Usage{Tokens: usage.TotalTokens(), Requests: requests}, res)
		for _, o := range overages {
			metrics.RecordOverage(model, o.Dimension, o.Amount)
			l.log.Warn("committed usage exceeded limit",
				"model", model, "dimension", o.Dimension, "overshoot", o.Amount)
			if l.cfg.OnOverage != nil {
				l.cfg.OnOverage(model, o.Dimension, o.Amount)
			}
		}
		if l.backend != nil {
			if err := l.backend.CommitUsage(ctx, usage, requests); err != nil {
				l.log.Warn("shared usage commit failed", "model", model, "error", err)
			}
		}
		ml.ReleasePermits(res)
		if l.backend != nil {
			l.backend.Release(ctx, model)
		}

		cost := l.cfg.Models[model].Pricing.Cost(usage)
		metrics.RecordCost(model, cost)
		trail = append(trail, ModelUsage{ModelID: model, Usage: usage, Requests: requests, Cost: cost})
		totalCost += cost

		signaled, rejected, delegate, _ := jc.outcome()
		if bodyErr == nil && signaled && rejected && delegate {
			metrics.RecordDelegation(model)
			l.log.Debug("job delegated", "job_id", req.JobID, "from_model", model)
			tried[model] = true
			continue
		}
		if bodyErr == nil && signaled && rejected {
			bodyErr = ErrRejected
		}
		if bodyErr != nil {
			l.finishJob(ctx, req, start, trail, totalCost, model, len(trail)-1, false, bodyErr)
			return nil, fmt.Errorf("job %s on model %s: %w", req.JobID, model, bodyErr)
		}
		if !signaled {
			// The body returned cleanly without signaling; trust the
			// returned result but leave a trace for the author.
			l.log.Warn("job body returned without resolve/reject", "job_id", req.JobID, "model", model)
		}

		outcome := &JobOutcome{
			JobID:     req.JobID,
			JobType:   req.JobType,
			ModelUsed: model,
			Usage:     trail,
			TotalCost: totalCost,
		}
		if result != nil {
			outcome.Output = result.Output
		}
		span.SetAttributes(attribute.String("job.model", model))
		l.finishJob(ctx, req, start, trail, totalCost, model, len(trail)-1, true, nil)
		return outcome, nil
	}
}

// runBody executes the job body, converting panics into job failures so one
// misbehaving job cannot take the limiter down.
func runBody(ctx context.Context, job JobFunc, jc *JobContext) (result *JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("recovered panic in job body", "job_id", jc.jobID, "panic", r)
			err = fmt.Errorf("job body panicked: %v", r)
		}
	}()
	return job(ctx, jc)
}

// reportedUsage picks the authoritative usage report. The returned JobResult
// wins; the Resolve/Reject payload is the fallback when the body returned
// nothing. RequestCount defaults to 1: a body that ran made at least one call.
func reportedUsage(result *JobResult, jc *JobContext, model string) (Usage, int64) {
	var usage Usage
	var requests int64
	if result != nil {
		usage = result.Usage
		requests = result.RequestCount
	} else {
		_, _, _, sigUsage := jc.outcome()
		usage = sigUsage
	}
	usage.ModelID = model
	if requests <= 0 {
		requests = 1
	}
	return usage, requests
}

// finishJob records terminal-state telemetry and hands the record to the
// optional usage recorder.
func (l *Limiter) finishJob(ctx context.Context, req JobRequest, start time.Time, trail []ModelUsage, totalCost float64, model string, delegations int, success bool, jobErr error) {
	durationMs := l.now().Sub(start).Milliseconds()
	status := "completed"
	errMsg := ""
	if !success {
		status = "failed"
		if jobErr != nil {
			errMsg = jobErr.Error()
		}
	}
	metrics.RecordJob(req.JobType, model, status, durationMs)

	entry := &logging.JobLog{
		JobID:       req.JobID,
		JobType:     req.JobType,
		Model:       model,
		DurationMs:  durationMs,
		Requests:    trailRequests(trail),
		Delegations: delegations,
		Cost:        totalCost,
		Success:     success,
		Error:       errMsg,
	}
	for _, mu := range trail {
		entry.InputTokens += mu.Usage.InputTokens
		entry.CachedTokens += mu.Usage.CachedTokens
		entry.OutputTokens += mu.Usage.OutputTokens
	}
	logging.Default().Log(entry)

	if l.cfg.UsageRecorder != nil {
		rec := JobUsageRecord{
			JobID:       req.JobID,
			JobType:     req.JobType,
			ModelUsed:   model,
			Usage:       trail,
			TotalCost:   totalCost,
			DurationMs:  durationMs,
			Delegations: delegations,
			Success:     success,
			Error:       errMsg,
			CompletedAt: l.now(),
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("recovered panic in usage recorder", "panic", r)
				}
			}()
			recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.cfg.UsageRecorder.RecordJobUsage(recCtx, rec); err != nil {
				l.log.Warn("usage recorder failed", "job_id", rec.JobID, "error", err)
			}
		}()
	}
}

func trailRequests(trail []ModelUsage) int64 {
	var n int64
	for _, mu := range trail {
		n += mu.Requests
	}
	return n
}

func copyArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// nextCandidate returns the first untried model in the escalation order.
func (l *Limiter) nextCandidate(tried map[string]bool) (string, *modellimit.Limiter, bool) {
	for _, id := range l.order {
		if tried[id] {
			continue
		}
		return id, l.models[id], true
	}
	return "", nil, false
}

// waitBudget resolves the bounded wait for a (job type, model) pair. The
// default is the time to the next minute boundary plus a small slack, so a
// waiter blocked on a minute quota usually survives to the rollover, clamped
// to [5s, 65s]. An explicit zero means "no waiting".
func (l *Limiter) waitBudget(jtCfg JobTypeConfig, model string) time.Duration {
	if jtCfg.MaxWait != nil {
		if d, ok := jtCfg.MaxWait[model]; ok {
			return d
		}
	}
	now := l.now()
	toBoundary := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	wait := toBoundary + escalationWaitSlack
	if wait < minEscalationWait {
		wait = minEscalationWait
	}
	if wait > maxEscalationWait {
		wait = maxEscalationWait
	}
	return wait
}

func (l *Limiter) publishJobTypeGauges() {
	for name, st := range l.jt.Stats() {
		metrics.SetInFlight(name, st.InFlight)
	}
}

// HasCapacityForModel reports whether the model could admit one job of the
// average estimated size right now.
func (l *Limiter) HasCapacityForModel(modelID string) bool {
	ml, ok := l.models[modelID]
	if !ok {
		return false
	}
	snap := deriveSnapshot(ml.Stats(), averageEstimates(l.cfg.ResourceEstimations))
	return snap.Unbounded || snap.Slots > 0
}

// HasCapacity reports whether any model in the escalation order has capacity.
func (l *Limiter) HasCapacity() bool {
	_, ok := l.AvailableModel(nil)
	return ok
}

// AvailableModel returns the first model in the escalation order, skipping
// excluded IDs, that currently has capacity.
func (l *Limiter) AvailableModel(excluded []string) (string, bool) {
	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}
	for _, id := range l.order {
		if skip[id] {
			continue
		}
		if l.HasCapacityForModel(id) {
			return id, true
		}
	}
	return "", false
}

// SetDistributedAvailability applies a pool allocation pushed by the
// distributed coordinator. Deliveries identical to the previous snapshot are
// ignored, making duplicate publishes harmless.
func (l *Limiter) SetDistributedAvailability(info *AllocationInfo) {
	if info == nil {
		return
	}

	l.mu.Lock()
	if l.lastAlloc != nil && allocationsEqual(l.lastAlloc, info) {
		l.mu.Unlock()
		return
	}
	l.lastAlloc = cloneAllocation(info)
	l.mu.Unlock()

	var totalSlots int64
	for modelID, pool := range info.Pools {
		ml, ok := l.models[modelID]
		if !ok {
			l.log.Warn("allocation for unknown model ignored", "model", modelID)
			continue
		}
		ml.ApplyPool(modellimit.PoolAllocation{
			TotalSlots:        pool.TotalSlots,
			TokensPerMinute:   pool.TokensPerMinute,
			RequestsPerMinute: pool.RequestsPerMinute,
			TokensPerDay:      pool.TokensPerDay,
			RequestsPerDay:    pool.RequestsPerDay,
		})
		metrics.SetPoolTotalSlots(modelID, pool.TotalSlots)
		totalSlots += pool.TotalSlots
	}
	if totalSlots > 0 {
		l.jt.SetTotalCapacity(int(totalSlots))
	}
	metrics.RecordPoolUpdate()
	l.log.Info("distributed allocation applied", "models", len(info.Pools), "total_slots", totalSlots)
}

func allocationsEqual(a, b *AllocationInfo) bool {
	if len(a.Pools) != len(b.Pools) || len(a.DynamicLimits) != len(b.DynamicLimits) {
		return false
	}
	for id, pa := range a.Pools {
		if pb, ok := b.Pools[id]; !ok || pa != pb {
			return false
		}
	}
	for k, va := range a.DynamicLimits {
		if vb, ok := b.DynamicLimits[k]; !ok || va != vb {
			return false
		}
	}
	return true
}

func cloneAllocation(info *AllocationInfo) *AllocationInfo {
	out := &AllocationInfo{
		Pools:         make(map[string]PoolAllocation, len(info.Pools)),
		DynamicLimits: make(map[string]int64, len(info.DynamicLimits)),
	}
	for k, v := range info.Pools {
		out.Pools[k] = v
	}
	for k, v := range info.DynamicLimits {
		out.DynamicLimits[k] = v
	}
	return out
}

// DimStats is usage vs limit for one window dimension. Limit 0 = unbounded.
type DimStats struct {
	Used  int64
	Limit int64
}

// ModelStats is the externally visible state of one model limiter.
type ModelStats struct {
	TokensPerMinute    DimStats
	TokensPerDay       DimStats
	RequestsPerMinute  DimStats
	RequestsPerDay     DimStats
	ConcurrentRequests int64
	MaxConcurrent      int64
	MemoryInUseKB      int64
	MemoryBudgetKB     int64
	Waiting            int
}

// JobTypeStats is the externally visible state of one job type.
type JobTypeStats struct {
	InFlight       int
	AllocatedSlots int
	Ratio          float64
	Flexible       bool
	Waiting        int
}

// LimiterStats aggregates the full limiter state.
type LimiterStats struct {
	InstanceID    string
	TotalCapacity int
	Models        map[string]ModelStats
	JobTypes      map[string]JobTypeStats
}

// Stats returns a point-in-time view across every model and job type.
func (l *Limiter) Stats() LimiterStats {
	out := LimiterStats{
		InstanceID:    l.instanceID,
		TotalCapacity: l.jt.TotalCapacity(),
		Models:        make(map[string]ModelStats, len(l.models)),
		JobTypes:      make(map[string]JobTypeStats),
	}
	for id, ml := range l.models {
		st := ml.Stats()
		ms := ModelStats{
			TokensPerMinute:    DimStats{st.TokensMinute.Used, st.TokensMinute.Limit},
			TokensPerDay:       DimStats{st.TokensDay.Used, st.TokensDay.Limit},
			RequestsPerMinute:  DimStats{st.RequestsMinute.Used, st.RequestsMinute.Limit},
			RequestsPerDay:     DimStats{st.RequestsDay.Used, st.RequestsDay.Limit},
			ConcurrentRequests: st.Concurrency.InUse,
			Waiting:            st.Waiting,
		}
		if st.ConcLimited {
			ms.MaxConcurrent = st.Concurrency.Max
		}
		if st.Memory != nil {
			ms.MemoryInUseKB = st.Memory.InUse
			ms.MemoryBudgetKB = st.Memory.Max
		}
		out.Models[id] = ms
		metrics.SetWaiting(id, st.Waiting)
	}
	for name, st := range l.jt.Stats() {
		out.JobTypes[name] = JobTypeStats{
			InFlight:       st.InFlight,
			AllocatedSlots: st.AllocatedSlots,
			Ratio:          st.Ratio,
			Flexible:       st.Flexible,
			Waiting:        st.Waiting,
		}
	}
	return out
}
