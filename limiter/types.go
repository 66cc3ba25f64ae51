// Package limiter is a distributed, multi-model rate limiter and admission
// controller for workloads that dispatch jobs to rate-limited external
// services such as LLM APIs. Jobs are tagged with a job type, admitted
// against a weighted capacity pool, routed to a model along a configured
// escalation order, and reconciled against the usage they actually report.
package limiter

import (
	"context"
	"time"
)

// Usage describes token consumption attributed to one model.
type Usage struct {
	ModelID      string
	InputTokens  int64
	CachedTokens int64
	OutputTokens int64
}

// TotalTokens returns the token count debited against token quotas.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.CachedTokens + u.OutputTokens
}

// Pricing is denominated in currency units per million tokens.
type Pricing struct {
	Input  float64 `yaml:"input"`
	Cached float64 `yaml:"cached"`
	Output float64 `yaml:"output"`
}

// Cost prices a usage report.
func (p Pricing) Cost(u Usage) float64 {
	return (float64(u.InputTokens)*p.Input +
		float64(u.CachedTokens)*p.Cached +
		float64(u.OutputTokens)*p.Output) / 1e6
}

// ModelConfig declares one model's limits and pricing. Zero-valued limits
// are not enforced. Immutable after construction.
type ModelConfig struct {
	TokensPerMinute       int64   `yaml:"tokens_per_minute"`
	TokensPerDay          int64   `yaml:"tokens_per_day"`
	RequestsPerMinute     int64   `yaml:"requests_per_minute"`
	RequestsPerDay        int64   `yaml:"requests_per_day"`
	MaxConcurrentRequests int64   `yaml:"max_concurrent_requests"`
	MaxCapacityKB         int64   `yaml:"max_capacity_kb"` // memory ceiling
	MinCapacity           int64   `yaml:"min_capacity"`    // floor on pool-scaled slots
	Pricing               Pricing `yaml:"pricing"`
}

// RatioConfig pins a job type's initial share of the capacity pool.
type RatioConfig struct {
	InitialValue float64 `yaml:"initial_value"` // must be in (0, 1]
	Flexible     bool    `yaml:"flexible"`
}

// JobTypeConfig declares the estimated per-job resource consumption for one
// job type, plus optional escalation wait overrides per model.
type JobTypeConfig struct {
	EstimatedUsedTokens       int64                    `yaml:"estimated_used_tokens"`
	EstimatedNumberOfRequests int64                    `yaml:"estimated_number_of_requests"`
	EstimatedUsedMemoryKB     int64                    `yaml:"estimated_used_memory_kb"`
	Ratio                     *RatioConfig             `yaml:"ratio"`
	MaxWait                   map[string]time.Duration `yaml:"max_wait"` // model ID -> bounded wait
}

// MemoryConfig drives the process-memory budget recalculation.
type MemoryConfig struct {
	FreeMemoryRatio       float64       `yaml:"free_memory_ratio"`
	RecalculationInterval time.Duration `yaml:"recalculation_interval"`
}

// RatioAdjustmentConfig tunes dynamic job-type ratio adjustment.
type RatioAdjustmentConfig struct {
	HighLoadThreshold     float64       `yaml:"high_load_threshold"`
	LowLoadThreshold      float64       `yaml:"low_load_threshold"`
	MaxAdjustment         float64       `yaml:"max_adjustment"`
	MinRatio              float64       `yaml:"min_ratio"`
	AdjustmentInterval    time.Duration `yaml:"adjustment_interval"`
	ReleasesPerAdjustment int           `yaml:"releases_per_adjustment"`
}

// PoolAllocation is this instance's share of one model's global capacity.
type PoolAllocation struct {
	TotalSlots        int64 `json:"totalSlots"`
	TokensPerMinute   int64 `json:"tokensPerMinute"`
	RequestsPerMinute int64 `json:"requestsPerMinute"`
	TokensPerDay      int64 `json:"tokensPerDay"`
	RequestsPerDay    int64 `json:"requestsPerDay"`
}

// AllocationInfo is the full per-instance allocation pushed by the
// distributed coordinator.
type AllocationInfo struct {
	Pools         map[string]PoolAllocation `json:"pools"`
	DynamicLimits map[string]int64          `json:"dynamicLimits,omitempty"`
}

// Backend abstracts the shared store coordinating multiple limiter
// instances. Implementations must make Register/recompute atomic under the
// store's consistency model; see the redisbackend package.
type Backend interface {
	// Register writes or refreshes this instance's registration record and
	// returns the current allocation. Called once at start and then on every
	// heartbeat tick.
	Register(ctx context.Context, instanceID string) (*AllocationInfo, error)
	// Unregister removes the instance record and triggers a recompute for
	// the survivors.
	Unregister(ctx context.Context, instanceID string) error
	// Acquire reports whether the shared store admits one more in-flight
	// job on the model. Implementations may make this a local no-op when
	// distributed admission is not required.
	Acquire(ctx context.Context, modelID string) bool
	// Release undoes a prior Acquire.
	Release(ctx context.Context, modelID string)
	// CommitUsage records reconciled usage in the shared per-window
	// counters so other instances see this instance's consumption.
	CommitUsage(ctx context.Context, usage Usage, requests int64) error
	// Subscribe delivers allocation updates until the returned cancel
	// function is called. Duplicate deliveries are permitted; consumers
	// must treat them idempotently.
	Subscribe(ctx context.Context, instanceID string, fn func(*AllocationInfo)) (func(), error)
}

// ModelUsage is one entry in a job's usage trail: every model the job
// touched, including models it delegated away from, contributes one entry.
type ModelUsage struct {
	ModelID  string
	Usage    Usage
	Requests int64
	Cost     float64
}

// JobOutcome is the terminal result of a queued job.
type JobOutcome struct {
	JobID     string
	JobType   string
	ModelUsed string
	Output    any
	Usage     []ModelUsage
	TotalCost float64
}

// JobUsageRecord is handed to the optional usage recorder after a job
// reaches a terminal state.
type JobUsageRecord struct {
	JobID       string
	JobType     string
	ModelUsed   string
	Usage       []ModelUsage
	TotalCost   float64
	DurationMs  int64
	Delegations int
	Success     bool
	Error       string
	CompletedAt time.Time
}

// UsageRecorder persists completed-job usage, for example to the Postgres
// ledger. Failures are logged and never fail the job.
type UsageRecorder interface {
	RecordJobUsage(ctx context.Context, rec JobUsageRecord) error
}

// Adjustment mirrors one dynamic ratio rebalance; passed verbatim to the
// availability callback with reason ReasonAdjustment.
type Adjustment struct {
	Ratios map[string]float64
	Slots  map[string]int
}

// Availability-change reasons.
const (
	ReasonTokensMinute   = "tokensMinute"
	ReasonTokensDay      = "tokensDay"
	ReasonRequestsMinute = "requestsMinute"
	ReasonRequestsDay    = "requestsDay"
	ReasonConcurrency    = "concurrentRequests"
	ReasonMemory         = "memory"
	ReasonDistributed    = "distributed"
	ReasonAdjustment     = "adjustment"
)

// Snapshot is the availability view for one model. Nil dimension fields
// mean the limit is not configured. Slots is the number of further jobs of
// the estimated size the model can admit right now; Unbounded is set when
// no dimension constrains it.
type Snapshot struct {
	Slots              int64
	Unbounded          bool
	TokensPerMinute    *int64
	TokensPerDay       *int64
	RequestsPerMinute  *int64
	RequestsPerDay     *int64
	ConcurrentRequests *int64
	MemoryKB           *int64
}

// Equal reports whether two snapshots are indistinguishable to observers.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Slots == o.Slots &&
		s.Unbounded == o.Unbounded &&
		eqInt64Ptr(s.TokensPerMinute, o.TokensPerMinute) &&
		eqInt64Ptr(s.TokensPerDay, o.TokensPerDay) &&
		eqInt64Ptr(s.RequestsPerMinute, o.RequestsPerMinute) &&
		eqInt64Ptr(s.RequestsPerDay, o.RequestsPerDay) &&
		eqInt64Ptr(s.ConcurrentRequests, o.ConcurrentRequests) &&
		eqInt64Ptr(s.MemoryKB, o.MemoryKB)
}

func eqInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// AvailabilityFunc observes availability changes. The adjustment argument is
// non-nil only for ReasonAdjustment.
type AvailabilityFunc func(snapshot Snapshot, reason string, modelID string, adjustment *Adjustment)

// OverageFunc observes committed usage that exceeded a configured limit.
type OverageFunc func(modelID, dimension string, overshoot int64)
