package limiter

import (
	"fmt"
	"log/slog"
	"time"
)

// Config assembles a Limiter. Validation is fail-fast: New returns a
// descriptive error and the limiter is never partially constructed.
type Config struct {
	// Models maps model ID to its limits and pricing. Required, non-empty.
	Models map[string]ModelConfig

	// EscalationOrder lists model IDs in the order jobs try them. Required
	// when more than one model is configured; defaults to the single model
	// otherwise.
	EscalationOrder []string

	// ResourceEstimations maps job type to its estimated per-job
	// consumption. Required, non-empty.
	ResourceEstimations map[string]JobTypeConfig

	// TotalCapacity is the job-type slot pool. Defaults to the sum of the
	// models' MaxConcurrentRequests, or 64 when no model caps concurrency.
	// A distributed allocation update overrides it with the pooled slot sum.
	TotalCapacity int

	// Memory enables the process-memory budget watcher.
	Memory *MemoryConfig

	// RatioAdjustment tunes dynamic job-type rebalancing; nil uses defaults.
	RatioAdjustment *RatioAdjustmentConfig

	// Backend coordinates multiple instances; nil means single-instance.
	Backend Backend

	// InstanceID identifies this instance in the shared registry. Defaults
	// to a random UUID.
	InstanceID string

	// HeartbeatInterval is how often the registration record is refreshed.
	// Defaults to 5s.
	HeartbeatInterval time.Duration

	// Observers. All optional.
	OnAvailableSlotsChange AvailabilityFunc
	OnOverage              OverageFunc

	// UsageRecorder persists terminal job usage (e.g. the Postgres ledger).
	UsageRecorder UsageRecorder

	// Logger overrides the package-level operational logger for this
	// limiter; Label is attached to every record as the "limiter" attribute.
	Logger *slog.Logger
	Label  string
}

const ratioEpsilon = 1e-4

// validate enforces the constructor contract.
func (c *Config) validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("limiter: no models configured")
	}
	if len(c.ResourceEstimations) == 0 {
		return fmt.Errorf("limiter: no job types configured in ResourceEstimations")
	}

	if len(c.Models) > 1 && len(c.EscalationOrder) == 0 {
		return fmt.Errorf("limiter: EscalationOrder is required with %d models", len(c.Models))
	}
	for _, id := range c.EscalationOrder {
		if _, ok := c.Models[id]; !ok {
			return fmt.Errorf("limiter: EscalationOrder references unknown model %q", id)
		}
	}

	ratioSum := 0.0
	for jt, cfg := range c.ResourceEstimations {
		if cfg.EstimatedUsedTokens <= 0 {
			return fmt.Errorf("limiter: job type %q: EstimatedUsedTokens must be positive", jt)
		}
		if cfg.EstimatedNumberOfRequests <= 0 {
			return fmt.Errorf("limiter: job type %q: EstimatedNumberOfRequests must be positive", jt)
		}
		if cfg.Ratio != nil {
			if cfg.Ratio.InitialValue <= 0 || cfg.Ratio.InitialValue > 1 {
				return fmt.Errorf("limiter: job type %q: ratio %v out of (0,1]",
					jt, cfg.Ratio.InitialValue)
			}
			ratioSum += cfg.Ratio.InitialValue
		}
		for model := range cfg.MaxWait {
			if _, ok := c.Models[model]; !ok {
				return fmt.Errorf("limiter: job type %q: MaxWait references unknown model %q", jt, model)
			}
		}
	}
	if ratioSum > 1+ratioEpsilon {
		return fmt.Errorf("limiter: job type ratios sum to %v > 1", ratioSum)
	}

	memoryLimited := false
	for _, m := range c.Models {
		if m.MaxCapacityKB > 0 {
			memoryLimited = true
			break
		}
	}
	if memoryLimited {
		for jt, cfg := range c.ResourceEstimations {
			if cfg.EstimatedUsedMemoryKB <= 0 {
				return fmt.Errorf("limiter: memory limits configured but job type %q has no EstimatedUsedMemoryKB", jt)
			}
		}
	}

	if c.Memory != nil {
		if c.Memory.FreeMemoryRatio <= 0 || c.Memory.FreeMemoryRatio > 1 {
			return fmt.Errorf("limiter: Memory.FreeMemoryRatio %v out of (0,1]", c.Memory.FreeMemoryRatio)
		}
	}
	return nil
}

// defaultTotalCapacity derives the job-type pool size when the caller did
// not set one.
func (c *Config) defaultTotalCapacity() int {
	if c.TotalCapacity > 0 {
		return c.TotalCapacity
	}
	var sum int64
	for _, m := range c.Models {
		sum += m.MaxConcurrentRequests
	}
	if sum > 0 {
		return int(sum)
	}
	return 64
}

// escalationOrder returns the effective order, defaulting to the single
// configured model.
func (c *Config) escalationOrder() []string {
	if len(c.EscalationOrder) > 0 {
		return c.EscalationOrder
	}
	for id := range c.Models {
		return []string{id}
	}
	return nil
}
