// Package coordinator bounds the number of SQL Server connections across
// several processes sharing one server, using Redis counters.
//
// Provides:
//   - atomic acquire/release of connection slots with Lua scripts
//   - per-instance slot tracking so a dead instance's slots can be recovered
//   - a fallback mode with local limits when Redis is unavailable
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/metrics"
)

// Redis key patterns.
const (
	keyPoolCount    = "sqlpool:pool:%s:count"
	keyPoolMax      = "sqlpool:pool:%s:max"
	keyInstanceConn = "sqlpool:instance:%s:conns"
	keyInstanceHB   = "sqlpool:instance:%s:heartbeat"
	keyInstanceList = "sqlpool:instances"
)

var (
	// ErrCapacity is returned by Acquire when the pool's global limit is reached.
	ErrCapacity = errors.New("pool at global capacity")
	// ErrNotRegistered is returned for pools that were never registered.
	ErrNotRegistered = errors.New("pool not registered")
)

// acquireScript increments the pool's global count unless it reached the max.
// Returns the new count, -1 at capacity, -2 when no max is registered.
var acquireScript = redis.NewScript(`
local max = tonumber(redis.call('GET', KEYS[2]))
if not max then
	return -2
end
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= max then
	return -1
end
redis.call('INCR', KEYS[1])
redis.call('HINCRBY', KEYS[3], ARGV[1], 1)
return count + 1
`)

// releaseScript decrements the global and per-instance counts, never below zero.
var releaseScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count > 0 then
	count = redis.call('DECR', KEYS[1])
end
local held = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if held > 0 then
	redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
end
return count
`)

// reconcileScript applies a signed adjustment to the global and per-instance
// counts after fallback mode, never below zero.
var reconcileScript = redis.NewScript(`
local delta = tonumber(ARGV[2])
local count = tonumber(redis.call('GET', KEYS[1]) or '0') + delta
if count < 0 then
	count = 0
end
redis.call('SET', KEYS[1], count)
local held = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0') + delta
if held < 0 then
	held = 0
end
redis.call('HSET', KEYS[2], ARGV[1], held)
return count
`)

// Options configures a RedisCoordinator.
type Options struct {
	// InstanceID identifies this process. Defaults to hostname plus a random suffix.
	InstanceID string
	// Fallback switches to local limits instead of failing when Redis is unreachable.
	Fallback bool
	// LocalLimitDivisor divides a pool's global max to get the local limit in
	// fallback mode. Defaults to 3.
	LocalLimitDivisor int
	Logger            *zap.Logger
}

// RedisCoordinator manages global connection limits through Redis.
type RedisCoordinator struct {
	client     redis.UniversalClient
	instanceID string
	fallback   bool
	divisor    int
	logger     *zap.Logger

	fallbackMode atomic.Bool

	mu     sync.Mutex
	limits map[string]int
	// globalHeld counts slots held by this instance that Redis accounts for.
	globalHeld map[string]int
	// fallbackCounts counts slots taken locally while in fallback mode.
	fallbackCounts map[string]int
	// pendingReleases counts Redis-accounted slots released while in
	// fallback mode; they are returned to Redis by ExitFallback.
	pendingReleases map[string]int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New connects the coordinator and registers this instance.
func New(ctx context.Context, client redis.UniversalClient, opts Options) (*RedisCoordinator, error) {
	if opts.InstanceID == "" {
		hostname, _ := os.Hostname()
		opts.InstanceID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	if opts.LocalLimitDivisor <= 0 {
		opts.LocalLimitDivisor = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	rc := &RedisCoordinator{
		client:          client,
		instanceID:      opts.InstanceID,
		fallback:        opts.Fallback,
		divisor:         opts.LocalLimitDivisor,
		logger:          opts.Logger.With(zap.String("component", "coordinator"), zap.String("instance", opts.InstanceID)),
		limits:          make(map[string]int),
		globalHeld:      make(map[string]int),
		fallbackCounts:  make(map[string]int),
		pendingReleases: make(map[string]int),
		stopCh:          make(chan struct{}),
	}

	if err := client.Ping(ctx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		if rc.fallback {
			rc.logger.Warn("redis unavailable, starting in fallback mode", zap.Error(err))
			rc.fallbackMode.Store(true)
			return rc, nil
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()

	if err := client.SAdd(ctx, keyInstanceList, rc.instanceID).Err(); err != nil {
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	rc.logger.Info("coordinator initialized")
	return rc, nil
}

// InstanceID returns this instance's identifier.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.instanceID
}

// Register sets the global max for a pool. All instances sharing a pool
// name must register the same max.
func (rc *RedisCoordinator) Register(ctx context.Context, pool string, max int) error {
	if max <= 0 {
		return fmt.Errorf("pool %s: max must be positive, got %d", pool, max)
	}
	rc.mu.Lock()
	rc.limits[pool] = max
	rc.mu.Unlock()

	if rc.fallbackMode.Load() {
		return nil
	}

	pipe := rc.client.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(keyPoolMax, pool), max, 0)
	pipe.SetNX(ctx, fmt.Sprintf(keyPoolCount, pool), 0, 0)
	pipe.HSetNX(ctx, fmt.Sprintf(keyInstanceConn, rc.instanceID), pool, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperations.WithLabelValues("register", "error").Inc()
		return fmt.Errorf("registering pool %s: %w", pool, err)
	}
	metrics.RedisOperations.WithLabelValues("register", "ok").Inc()
	return nil
}

// Acquire takes one slot of the pool's global limit.
func (rc *RedisCoordinator) Acquire(ctx context.Context, pool string) error {
	if rc.fallbackMode.Load() {
		return rc.acquireFallback(pool)
	}

	keys := []string{
		fmt.Sprintf(keyPoolCount, pool),
		fmt.Sprintf(keyPoolMax, pool),
		fmt.Sprintf(keyInstanceConn, rc.instanceID),
	}
	result, err := acquireScript.Run(ctx, rc.client, keys, pool).Int64()
	if err != nil {
		metrics.RedisOperations.WithLabelValues("acquire", "error").Inc()
		if rc.fallback && ctx.Err() == nil {
			rc.logger.Warn("redis acquire failed, falling back to local limits", zap.Error(err))
			rc.enterFallback()
			return rc.acquireFallback(pool)
		}
		return fmt.Errorf("redis acquire: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("acquire", "ok").Inc()

	switch result {
	case -1:
		return fmt.Errorf("pool %s: %w", pool, ErrCapacity)
	case -2:
		return fmt.Errorf("pool %s: %w", pool, ErrNotRegistered)
	}

	rc.mu.Lock()
	rc.globalHeld[pool]++
	rc.mu.Unlock()
	return nil
}

// Release returns one slot of the pool's global limit.
func (rc *RedisCoordinator) Release(ctx context.Context, pool string) error {
	if rc.fallbackMode.Load() {
		rc.releaseFallback(pool)
		return nil
	}

	keys := []string{
		fmt.Sprintf(keyPoolCount, pool),
		fmt.Sprintf(keyInstanceConn, rc.instanceID),
	}
	if err := releaseScript.Run(ctx, rc.client, keys, pool).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("release", "error").Inc()
		if rc.fallback {
			rc.enterFallback()
			rc.releaseFallback(pool)
			return nil
		}
		return fmt.Errorf("redis release: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()

	rc.mu.Lock()
	if rc.globalHeld[pool] > 0 {
		rc.globalHeld[pool]--
	}
	rc.mu.Unlock()
	return nil
}

// Count returns the pool's global count of held slots.
func (rc *RedisCoordinator) Count(ctx context.Context, pool string) (int, error) {
	n, err := rc.client.Get(ctx, fmt.Sprintf(keyPoolCount, pool)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Limiter returns the slot limiter of one pool.
func (rc *RedisCoordinator) Limiter(pool string) *Limiter {
	return &Limiter{rc: rc, pool: pool}
}

// Limiter acquires and releases slots of a single pool.
type Limiter struct {
	rc   *RedisCoordinator
	pool string
}

func (l *Limiter) Acquire(ctx context.Context) error {
	return l.rc.Acquire(ctx, l.pool)
}

func (l *Limiter) Release(ctx context.Context) error {
	return l.rc.Release(ctx, l.pool)
}

// Close stops background workers and returns the slots still held by this
// instance to the global counts.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	rc.stopOnce.Do(func() { close(rc.stopCh) })
	rc.wg.Wait()

	if rc.fallbackMode.Load() {
		return nil
	}
	if _, err := rc.recoverInstance(ctx, rc.instanceID); err != nil {
		return err
	}
	return rc.client.Del(ctx, fmt.Sprintf(keyInstanceHB, rc.instanceID)).Err()
}

// ── Fallback mode ───────────────────────────────────────────────────────

func (rc *RedisCoordinator) enterFallback() {
	if rc.fallbackMode.CompareAndSwap(false, true) {
		rc.logger.Warn("entering fallback mode (local limits)")
		metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_entered").Inc()
	}
}

// ExitFallback reconnects to Redis, carries the slots taken locally over to
// the global counts and returns the Redis slots released in the meantime.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	instKey := fmt.Sprintf(keyInstanceConn, rc.instanceID)
	pipe := rc.client.TxPipeline()
	pipe.SAdd(ctx, keyInstanceList, rc.instanceID)
	for pool, max := range rc.limits {
		pipe.Set(ctx, fmt.Sprintf(keyPoolMax, pool), max, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		rc.logger.Warn("reconciliation failed", zap.Error(err))
		return fmt.Errorf("reconcile pipeline: %w", err)
	}

	// Pools are settled one at a time so a failed call can be retried
	// without applying an adjustment twice.
	for pool := range rc.limits {
		delta := rc.fallbackCounts[pool] - rc.pendingReleases[pool]
		if delta != 0 {
			keys := []string{fmt.Sprintf(keyPoolCount, pool), instKey}
			if err := reconcileScript.Run(ctx, rc.client, keys, pool, delta).Err(); err != nil {
				rc.logger.Warn("reconciliation failed", zap.String("pool", pool), zap.Error(err))
				return fmt.Errorf("reconciling pool %s: %w", pool, err)
			}
		}
		rc.globalHeld[pool] += rc.fallbackCounts[pool]
		delete(rc.fallbackCounts, pool)
		delete(rc.pendingReleases, pool)
	}
	rc.fallbackMode.Store(false)
	rc.logger.Info("exited fallback mode, redis reconnected")
	metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_exited").Inc()
	return nil
}

// IsFallback reports whether the coordinator is using local limits.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.fallbackMode.Load()
}

func (rc *RedisCoordinator) acquireFallback(pool string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	max, ok := rc.limits[pool]
	if !ok {
		return fmt.Errorf("pool %s: %w", pool, ErrNotRegistered)
	}
	limit := max / rc.divisor
	if limit < 1 {
		limit = 1
	}
	if rc.fallbackCounts[pool] >= limit {
		return fmt.Errorf("pool %s at local fallback limit %d: %w", pool, limit, ErrCapacity)
	}
	rc.fallbackCounts[pool]++
	return nil
}

// releaseFallback returns a slot while Redis is unreachable. Slots Redis
// accounts for are released first and queued for ExitFallback, which keeps
// the local limit conservative.
func (rc *RedisCoordinator) releaseFallback(pool string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	switch {
	case rc.globalHeld[pool] > 0:
		rc.globalHeld[pool]--
		rc.pendingReleases[pool]++
	case rc.fallbackCounts[pool] > 0:
		rc.fallbackCounts[pool]--
	}
}
