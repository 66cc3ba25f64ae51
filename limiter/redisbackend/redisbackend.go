// Package redisbackend coordinates multiple limiter instances through Redis:
// a heartbeat registry of live instances, shared per-window usage counters,
// a global in-flight cap per model, and pub/sub notification of allocation
// changes. Each instance receives an equal share of every model's global
// limits, topped up from the unconsumed remainder.
package redisbackend

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/limiter"
)

const (
	defaultPrefix          = "quasar:"
	defaultInstanceTimeout = 30 * time.Second

	minuteMs = 60_000
	dayMs    = 86_400_000
)

// heartbeatScript refreshes this instance's registration, prunes stale
// instances, and reports the live count plus whether membership changed.
//
// Keys: KEYS[1] = instances hash
// Args: ARGV[1] = instanceID, ARGV[2] = now (unix ms), ARGV[3] = timeout ms
// Returns: {live_count, membership_changed (0/1)}
var heartbeatScript = redis.NewScript(`
local key = KEYS[1]
local id = ARGV[1]
local now = tonumber(ARGV[2])
local timeout = tonumber(ARGV[3])

local changed = 0
if redis.call("HEXISTS", key, id) == 0 then
    changed = 1
end
redis.call("HSET", key, id, now)

local live = 0
local all = redis.call("HGETALL", key)
for i = 1, #all, 2 do
    local member = all[i]
    local seen = tonumber(all[i + 1])
    if seen == nil or now - seen > timeout then
        redis.call("HDEL", key, member)
        changed = 1
    else
        live = live + 1
    end
end

return {live, changed}
`)

// acquireScript increments the model's global in-flight counter, backing off
// when the cluster-wide cap is reached.
//
// Keys: KEYS[1] = in-flight counter
// Args: ARGV[1] = global cap
// Returns: 1 when admitted, 0 when at the cap
var acquireScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v > tonumber(ARGV[1]) then
    redis.call("DECR", KEYS[1])
    return 0
end
redis.call("EXPIRE", KEYS[1], 300)
return 1
`)

// releaseScript decrements the in-flight counter without going negative.
var releaseScript = redis.NewScript(`
local v = redis.call("DECR", KEYS[1])
if v < 0 then
    redis.call("SET", KEYS[1], 0, "KEEPTTL")
end
return 1
`)

// Config assembles a Redis-backed coordination backend.
type Config struct {
	Client *redis.Client

	// Prefix namespaces every key; defaults to "quasar:".
	Prefix string

	// Models carries the GLOBAL limits shared by the whole deployment. The
	// backend splits them across live instances.
	Models map[string]limiter.ModelConfig

	// ResourceEstimations is used to translate each instance's share into
	// whole job slots, mirroring the limiter's own slot derivation.
	ResourceEstimations map[string]limiter.JobTypeConfig

	// InstanceTimeout is how stale a heartbeat may be before the instance is
	// pruned from the registry. Defaults to 30s.
	InstanceTimeout time.Duration
}

// Backend implements limiter.Backend on Redis.
type Backend struct {
	client  *redis.Client
	prefix  string
	models  map[string]limiter.ModelConfig
	timeout time.Duration

	estTokens   float64
	estRequests float64

	sf singleflight.Group

	// now is swappable for tests.
	now func() time.Time
}

var _ limiter.Backend = (*Backend)(nil)

// New validates the config and returns a backend. The Redis connection is
// not probed here; the first Register surfaces connectivity errors.
func New(cfg Config) (*Backend, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redisbackend: Client is required")
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("redisbackend: no models configured")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	timeout := cfg.InstanceTimeout
	if timeout <= 0 {
		timeout = defaultInstanceTimeout
	}

	b := &Backend{
		client:  cfg.Client,
		prefix:  prefix,
		models:  cfg.Models,
		timeout: timeout,
		now:     time.Now,
	}
	if n := len(cfg.ResourceEstimations); n > 0 {
		for _, jc := range cfg.ResourceEstimations {
			b.estTokens += float64(jc.EstimatedUsedTokens)
			b.estRequests += float64(jc.EstimatedNumberOfRequests)
		}
		b.estTokens /= float64(n)
		b.estRequests /= float64(n)
	}
	return b, nil
}

func (b *Backend) instancesKey() string { return b.prefix + "instances" }

func (b *Backend) inflightKey(model string) string {
	return b.prefix + "inflight:" + model
}

func (b *Backend) usageKey(model, dim string, windowID int64) string {
	return fmt.Sprintf("%susage:%s:%s:%d", b.prefix, model, dim, windowID)
}

func (b *Backend) notifyChannel() string { return b.prefix + "alloc:notify" }

// Register refreshes this instance's heartbeat, prunes stale peers, and
// returns the allocation computed from the resulting live set. A membership
// change is broadcast so peers recompute their shares.
func (b *Backend) Register(ctx context.Context, instanceID string) (*limiter.AllocationInfo, error) {
	nowMs := b.now().UnixMilli()
	res, err := heartbeatScript.Run(ctx, b.client, []string{b.instancesKey()},
		instanceID, nowMs, b.timeout.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis heartbeat: %w", err)
	}
	live := int(res[0])
	metrics.SetLiveInstances(live)

	if res[1] == 1 {
		if err := b.client.Publish(ctx, b.notifyChannel(), instanceID).Err(); err != nil {
			logging.Op().Warn("allocation notify publish failed", "error", err)
		}
	}

	return b.computeAllocation(ctx, live)
}

// Unregister removes the instance record and tells the survivors to
// recompute.
func (b *Backend) Unregister(ctx context.Context, instanceID string) error {
	if err := b.client.HDel(ctx, b.instancesKey(), instanceID).Err(); err != nil {
		return fmt.Errorf("redis unregister: %w", err)
	}
	if err := b.client.Publish(ctx, b.notifyChannel(), instanceID).Err(); err != nil {
		logging.Op().Warn("allocation notify publish failed", "error", err)
	}
	return nil
}

// Acquire admits one in-flight job against the model's cluster-wide
// concurrency cap. Models without a cap, and store errors, admit locally:
// the per-instance limiter still bounds damage, and refusing all work on a
// Redis hiccup is worse than briefly over-admitting.
func (b *Backend) Acquire(ctx context.Context, modelID string) bool {
	mc, ok := b.models[modelID]
	if !ok || mc.MaxConcurrentRequests <= 0 {
		return true
	}
	admitted, err := acquireScript.Run(ctx, b.client,
		[]string{b.inflightKey(modelID)}, mc.MaxConcurrentRequests,
	).Int64()
	if err != nil {
		logging.Op().Warn("distributed acquire failed, admitting locally",
			"model", modelID, "error", err)
		return true
	}
	return admitted == 1
}

// Release undoes a prior Acquire.
func (b *Backend) Release(ctx context.Context, modelID string) {
	mc, ok := b.models[modelID]
	if !ok || mc.MaxConcurrentRequests <= 0 {
		return
	}
	if err := releaseScript.Run(ctx, b.client, []string{b.inflightKey(modelID)}).Err(); err != nil {
		logging.Op().Warn("distributed release failed", "model", modelID, "error", err)
	}
}

// CommitUsage adds reconciled usage to the shared per-window counters so
// peers see this instance's consumption on their next recompute.
func (b *Backend) CommitUsage(ctx context.Context, usage limiter.Usage, requests int64) error {
	model := usage.ModelID
	if model == "" {
		return fmt.Errorf("redisbackend: usage has no model ID")
	}
	nowMs := b.now().UnixMilli()
	minuteID := nowMs / minuteMs
	dayID := nowMs / dayMs
	tokens := usage.TotalTokens()

	pipe := b.client.Pipeline()
	incr := func(dim string, windowID, n, ttlSec int64) {
		if n <= 0 {
			return
		}
		key := b.usageKey(model, dim, windowID)
		pipe.IncrBy(ctx, key, n)
		pipe.Expire(ctx, key, time.Duration(ttlSec)*time.Second)
	}
	incr("tokensMinute", minuteID, tokens, 120)
	incr("requestsMinute", minuteID, requests, 120)
	incr("tokensDay", dayID, tokens, 2*86400)
	incr("requestsDay", dayID, requests, 2*86400)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis usage commit: %w", err)
	}
	return nil
}

// Subscribe listens for allocation-change broadcasts and delivers a freshly
// computed allocation for each. Deliveries are deduplicated through
// singleflight; consumers must still treat them idempotently.
func (b *Backend) Subscribe(ctx context.Context, instanceID string, fn func(*limiter.AllocationInfo)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(subCtx, b.notifyChannel())

	// Force the subscription onto the wire before returning, so callers do
	// not miss a broadcast racing with startup.
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				_ = msg
				info, err, _ := b.sf.Do("recompute", func() (any, error) {
					live, err := b.liveInstances(subCtx)
					if err != nil {
						return nil, err
					}
					return b.computeAllocation(subCtx, live)
				})
				if err != nil {
					// Keep the previous allocation on read failure.
					logging.Op().Warn("allocation recompute failed", "error", err)
					continue
				}
				fn(info.(*limiter.AllocationInfo))
			}
		}
	}()

	return func() {
		cancel()
	}, nil
}

// liveInstances counts registry entries with a fresh heartbeat.
func (b *Backend) liveInstances(ctx context.Context) (int, error) {
	entries, err := b.client.HGetAll(ctx, b.instancesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis registry read: %w", err)
	}
	nowMs := b.now().UnixMilli()
	live := 0
	for _, raw := range entries {
		seen, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if nowMs-seen <= b.timeout.Milliseconds() {
			live++
		}
	}
	return live, nil
}

// computeAllocation splits every model's global limits across the live
// instances. Each instance gets the larger of its fair share of the limit
// and its fair share of the unconsumed remainder, so a deployment that is
// mostly idle does not starve late joiners.
func (b *Backend) computeAllocation(ctx context.Context, live int) (*limiter.AllocationInfo, error) {
	if live < 1 {
		live = 1
	}
	n := int64(live)
	nowMs := b.now().UnixMilli()
	minuteID := nowMs / minuteMs
	dayID := nowMs / dayMs

	info := &limiter.AllocationInfo{
		Pools: make(map[string]limiter.PoolAllocation, len(b.models)),
	}

	for model, mc := range b.models {
		usage, err := b.readUsage(ctx, model, minuteID, dayID)
		if err != nil {
			return nil, err
		}

		pool := limiter.PoolAllocation{
			TokensPerMinute:   share(mc.TokensPerMinute, usage.tokensMinute, n),
			RequestsPerMinute: share(mc.RequestsPerMinute, usage.requestsMinute, n),
			TokensPerDay:      share(mc.TokensPerDay, usage.tokensDay, n),
			RequestsPerDay:    share(mc.RequestsPerDay, usage.requestsDay, n),
		}
		pool.TotalSlots = b.slotsFor(mc, pool, n)
		info.Pools[model] = pool
	}
	return info, nil
}

type usageCounters struct {
	tokensMinute   int64
	requestsMinute int64
	tokensDay      int64
	requestsDay    int64
}

func (b *Backend) readUsage(ctx context.Context, model string, minuteID, dayID int64) (usageCounters, error) {
	keys := []string{
		b.usageKey(model, "tokensMinute", minuteID),
		b.usageKey(model, "requestsMinute", minuteID),
		b.usageKey(model, "tokensDay", dayID),
		b.usageKey(model, "requestsDay", dayID),
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return usageCounters{}, fmt.Errorf("redis usage read: %w", err)
	}
	parse := func(v any) int64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	return usageCounters{
		tokensMinute:   parse(vals[0]),
		requestsMinute: parse(vals[1]),
		tokensDay:      parse(vals[2]),
		requestsDay:    parse(vals[3]),
	}, nil
}

// share returns this instance's slice of one global limit: the larger of
// limit/n and remaining/n. Zero limits stay zero (unenforced).
func share(limit, used, n int64) int64 {
	if limit <= 0 {
		return 0
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	fair := limit / n
	top := remaining / n
	if top > fair {
		return top
	}
	return fair
}

// slotsFor translates a pooled share into whole job slots: the minimum over
// every configured dimension of how many jobs of the average estimated size
// fit, plus the fair share of the concurrency cap.
func (b *Backend) slotsFor(mc limiter.ModelConfig, pool limiter.PoolAllocation, n int64) int64 {
	slots := int64(-1)
	consider := func(avail int64, perJob float64) {
		if perJob <= 0 {
			return
		}
		s := int64(float64(avail) / perJob)
		if slots < 0 || s < slots {
			slots = s
		}
	}
	if pool.TokensPerMinute > 0 {
		consider(pool.TokensPerMinute, b.estTokens)
	}
	if pool.RequestsPerMinute > 0 {
		consider(pool.RequestsPerMinute, b.estRequests)
	}
	if pool.TokensPerDay > 0 {
		consider(pool.TokensPerDay, b.estTokens)
	}
	if pool.RequestsPerDay > 0 {
		consider(pool.RequestsPerDay, b.estRequests)
	}
	if mc.MaxConcurrentRequests > 0 {
		concShare := mc.MaxConcurrentRequests / n
		if concShare < 1 {
			concShare = 1
		}
		if slots < 0 || concShare < slots {
			slots = concShare
		}
	}
	if slots < 0 {
		return 0
	}
	return slots
}
