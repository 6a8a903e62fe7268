// Package redis provides a distributed, Redis-backed counterpart of
// flowlimit.Registry: a flow's accounting lives in a Redis hash shared
// by every process that opens it, with probes run as Lua scripts so the
// read-refill-draw-write sequence stays atomic without a client-side
// lock.
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	registry := redis.NewRegistry(client, "flowlimit")
//	flow, err := registry.NewFlow(ctx, "ingress", 1000, time.Second)
package redis

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowlimit-go/flowlimit"
)

// Registry is the distributed counterpart of flowlimit.Registry: every
// flow's accounting lives in a single Redis hash, and each Take probe
// is one EVAL call so the read-refill-draw-write sequence stays atomic
// without a client-side lock. Use it when multiple processes need to
// share the same named flow.
type Registry struct {
	client goredis.UniversalClient
	prefix string
}

// NewRegistry creates a distributed flow registry backed by client.
// Keys are namespaced as "{prefix}:{name}".
func NewRegistry(client goredis.UniversalClient, prefix string) *Registry {
	if prefix == "" {
		prefix = "flowlimit:flow"
	}
	return &Registry{client: client, prefix: prefix}
}

// Flow is a handle to one named flow in a Registry. It carries no
// client-side state beyond the name and interval; all accounting lives
// in Redis.
type Flow struct {
	registry *Registry
	name     string
	interval time.Duration
}

func (r *Registry) key(name string) string {
	return fmt.Sprintf("%s:%s", r.prefix, name)
}

// newFlowScript initializes a flow's hash only if it does not already
// exist, mirroring Registry.NewFlow's exclusivity on the in-memory
// side.
var newFlowScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 1 then
  return 0
end
local limit = tonumber(ARGV[1])
local unlimited = ARGV[2]
local burst = tonumber(ARGV[3])
local epoch = tonumber(ARGV[4])
redis.call('HSET', key,
  'limit', limit,
  'unlimited', unlimited,
  'burst', burst,
  'tokens', burst,
  'allowed', 0,
  'prev_allowed', 0,
  'version', 0,
  'epoch', epoch)
return 1
`)

// NewFlow registers a new flow. It fails with flowlimit.ErrFlowExists if
// the name is already taken in Redis.
func (r *Registry) NewFlow(ctx context.Context, name string, limit int64, interval time.Duration) (*Flow, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", flowlimit.ErrInvalidArgument)
	}
	unlimited := "0"
	burst := int64(0)
	if limit == flowlimit.Unlimited {
		unlimited = "1"
	} else if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive or Unlimited", flowlimit.ErrInvalidArgument)
	} else {
		burst = limit * burstFactor
	}

	epoch := currentEpoch(time.Now(), interval)
	created, err := newFlowScript.Run(ctx, r.client, []string{r.key(name)}, limit, unlimited, burst, epoch).Int64()
	if err != nil {
		return nil, fmt.Errorf("flowlimit: redis error: %w", err)
	}
	if created == 0 {
		return nil, fmt.Errorf("%w: %s", flowlimit.ErrFlowExists, name)
	}
	return &Flow{registry: r, name: name, interval: interval}, nil
}

// Open returns a handle to an existing flow without checking Redis.
// Use it in a second process that wants to Take against a flow created
// elsewhere, once it knows the flow's interval out of band.
func (r *Registry) Open(name string, interval time.Duration) *Flow {
	return &Flow{registry: r, name: name, interval: interval}
}

const burstFactor = 5

func currentEpoch(t time.Time, interval time.Duration) int64 {
	return t.UnixNano() / int64(interval)
}

var setLimitScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return 0
end
local limit = tonumber(ARGV[1])
local unlimited = ARGV[2]
local burst = tonumber(ARGV[3])
redis.call('HSET', key, 'limit', limit, 'unlimited', unlimited, 'burst', burst, 'tokens', burst)
return 1
`)

// SetLimit updates the flow's limit and refills tokens to the new
// burst ceiling, the same reset SetLimit performs in-memory.
func (f *Flow) SetLimit(ctx context.Context, limit int64) error {
	unlimited := "0"
	burst := int64(0)
	if limit == flowlimit.Unlimited {
		unlimited = "1"
	} else if limit <= 0 {
		return fmt.Errorf("%w: limit must be positive or Unlimited", flowlimit.ErrInvalidArgument)
	} else {
		burst = limit * burstFactor
	}

	ok, err := setLimitScript.Run(ctx, f.registry.client, []string{f.registry.key(f.name)}, limit, unlimited, burst).Int64()
	if err != nil {
		return fmt.Errorf("flowlimit: redis error: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", flowlimit.ErrFlowNotFound, f.name)
	}
	return nil
}

// GetLimit returns the flow's current limit, or flowlimit.Unlimited.
func (f *Flow) GetLimit(ctx context.Context) (int64, error) {
	vals, err := f.registry.client.HMGet(ctx, f.registry.key(f.name), "limit", "unlimited").Result()
	if err != nil {
		return 0, fmt.Errorf("flowlimit: redis error: %w", err)
	}
	if vals[0] == nil {
		return 0, fmt.Errorf("%w: %s", flowlimit.ErrFlowNotFound, f.name)
	}
	if fmt.Sprint(vals[1]) == "1" {
		return flowlimit.Unlimited, nil
	}
	var limit int64
	fmt.Sscanf(fmt.Sprint(vals[0]), "%d", &limit)
	return limit, nil
}

// PrevAllowed returns the units admitted during the previous completed
// interval, as last computed by a probe that rolled the epoch forward.
func (f *Flow) PrevAllowed(ctx context.Context) (int64, error) {
	val, err := f.registry.client.HGet(ctx, f.registry.key(f.name), "prev_allowed").Result()
	if err == goredis.Nil {
		return 0, fmt.Errorf("%w: %s", flowlimit.ErrFlowNotFound, f.name)
	}
	if err != nil {
		return 0, fmt.Errorf("flowlimit: redis error: %w", err)
	}
	var prev int64
	fmt.Sscanf(val, "%d", &prev)
	return prev, nil
}

// probeScript performs the same admission computation as the in-memory
// Flow.probe, but additionally rolls the epoch/version/tokens forward
// lazily on read: since Redis has no per-flow background ticker, each
// probe first catches the accounting up to the current wall-clock
// interval before drawing its admission decision.
var probeScript = goredis.NewScript(`
local key = KEYS[1]
local interval_ns = tonumber(ARGV[1])
local now_ns = tonumber(ARGV[2])
local m = tonumber(ARGV[3])

math.randomseed(tonumber(ARGV[4]))

local data = redis.call('HMGET', key, 'limit', 'unlimited', 'burst', 'tokens', 'allowed', 'prev_allowed', 'version', 'epoch')
if data[1] == false then
  return {-1, 0, 0}
end
if data[2] == '1' then
  return {1, 0, 0}
end

local limit = tonumber(data[1])
local burst = tonumber(data[3])
local tokens = tonumber(data[4])
local allowed = tonumber(data[5])
local prev_allowed = tonumber(data[6])
local version = tonumber(data[7])
local epoch = tonumber(data[8])

local current_epoch = math.floor(now_ns / interval_ns)
if current_epoch > epoch then
  local elapsed = current_epoch - epoch
  tokens = math.min(burst, tokens + limit * elapsed)
  prev_allowed = allowed
  allowed = 0
  version = (version + elapsed) % 65536
  epoch = current_epoch
end

local previous = tokens
local tokens_after = tokens - m
local admitted = 0
if tokens_after > 0 then
  local draw = math.random(previous)
  if draw <= tokens_after then
    admitted = 1
    tokens = tokens_after
    allowed = allowed + m
  end
end

redis.call('HSET', key, 'tokens', tokens, 'allowed', allowed, 'prev_allowed', prev_allowed, 'version', version, 'epoch', epoch)

return {admitted, tokens, version}
`)

// Take admits n units, blocking the caller with a bounded, jittered
// backoff between probe attempts when the flow has no room left this
// interval. There is no cross-process waiter gate in distributed mode,
// so Take polls instead of being woken exactly on the interval
// boundary; the backoff is capped at the flow's own interval so it
// never sleeps past the point where tokens would refill anyway.
func (f *Flow) Take(ctx context.Context, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative take size", flowlimit.ErrInvalidArgument)
	}

	remaining := n
	for remaining > 0 {
		limit, err := f.GetLimit(ctx)
		if err != nil {
			return err
		}
		if limit == flowlimit.Unlimited {
			return nil
		}

		m := remaining
		if m > limit {
			m = limit
		}

		admitted, _, err := f.probe(ctx, m)
		if err != nil {
			return err
		}
		if admitted {
			remaining -= m
			continue
		}

		if err := f.backoff(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flow) probe(ctx context.Context, m int64) (admitted bool, version int64, err error) {
	// The RED draw happens inside the script against the server-side
	// previous value, since that value isn't known until the script
	// has already read and possibly rolled the flow's epoch forward.
	// We just need to give Lua's PRNG a seed that varies per call.
	seed := rand.Int64()

	result, err := probeScript.Run(ctx, f.registry.client, []string{f.registry.key(f.name)},
		int64(f.interval), time.Now().UnixNano(), m, seed).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("flowlimit: redis error: %w", err)
	}
	switch result[0] {
	case -1:
		return false, 0, fmt.Errorf("%w: %s", flowlimit.ErrFlowNotFound, f.name)
	case 1:
		return true, result[2], nil
	default:
		return false, result[2], nil
	}
}

func (f *Flow) backoff(ctx context.Context) error {
	base := f.interval / 10
	if base <= 0 {
		base = time.Millisecond
	}
	jitter := time.Duration(rand.Int64N(int64(base)))
	wait := base + jitter
	if wait > f.interval {
		wait = f.interval
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
