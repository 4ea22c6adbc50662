package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/pkg/sqlpool"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newCoordinator(t *testing.T, client redis.UniversalClient, id string) *RedisCoordinator {
	t.Helper()
	rc, err := New(context.Background(), client, Options{InstanceID: id, Fallback: true, Logger: zap.NewNop()})
	require.NoError(t, err)
	return rc
}

func TestNew_RegistersInstance(t *testing.T) {
	mr, client := setupTestRedis(t)
	rc := newCoordinator(t, client, "a")

	assert.False(t, rc.IsFallback())
	assert.Equal(t, "a", rc.InstanceID())
	ok, err := mr.SIsMember(keyInstanceList, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNew_GeneratesInstanceID(t *testing.T) {
	_, client := setupTestRedis(t)
	rc := newCoordinator(t, client, "")
	assert.NotEmpty(t, rc.InstanceID())
}

func TestAcquire_RespectsGlobalMax(t *testing.T) {
	_, client := setupTestRedis(t)
	rc := newCoordinator(t, client, "a")
	ctx := context.Background()
	require.NoError(t, rc.Register(ctx, "orders", 2))

	require.NoError(t, rc.Acquire(ctx, "orders"))
	require.NoError(t, rc.Acquire(ctx, "orders"))
	assert.ErrorIs(t, rc.Acquire(ctx, "orders"), ErrCapacity)

	require.NoError(t, rc.Release(ctx, "orders"))
	assert.NoError(t, rc.Acquire(ctx, "orders"))

	n, err := rc.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAcquire_SharedAcrossInstances(t *testing.T) {
	_, client := setupTestRedis(t)
	a := newCoordinator(t, client, "a")
	b := newCoordinator(t, client, "b")
	ctx := context.Background()
	require.NoError(t, a.Register(ctx, "orders", 1))
	require.NoError(t, b.Register(ctx, "orders", 1))

	require.NoError(t, a.Acquire(ctx, "orders"))
	assert.ErrorIs(t, b.Acquire(ctx, "orders"), ErrCapacity)

	require.NoError(t, a.Release(ctx, "orders"))
	assert.NoError(t, b.Acquire(ctx, "orders"))
}

func TestAcquire_UnregisteredPool(t *testing.T) {
	_, client := setupTestRedis(t)
	rc := newCoordinator(t, client, "a")

	assert.ErrorIs(t, rc.Acquire(context.Background(), "missing"), ErrNotRegistered)
}

func TestRelease_NeverGoesNegative(t *testing.T) {
	_, client := setupTestRedis(t)
	rc := newCoordinator(t, client, "a")
	ctx := context.Background()
	require.NoError(t, rc.Register(ctx, "orders", 1))

	require.NoError(t, rc.Release(ctx, "orders"))
	n, err := rc.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRegister_RejectsNonPositiveMax(t *testing.T) {
	_, client := setupTestRedis(t)
	rc := newCoordinator(t, client, "a")

	assert.Error(t, rc.Register(context.Background(), "orders", 0))
}

func TestNew_FallbackWhenRedisUnavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	mr.Close()

	rc, err := New(context.Background(), client, Options{InstanceID: "a", Fallback: true, LocalLimitDivisor: 2})
	require.NoError(t, err)
	assert.True(t, rc.IsFallback())

	ctx := context.Background()
	require.NoError(t, rc.Register(ctx, "orders", 4))
	require.NoError(t, rc.Acquire(ctx, "orders"))
	require.NoError(t, rc.Acquire(ctx, "orders"))
	assert.ErrorIs(t, rc.Acquire(ctx, "orders"), ErrCapacity)

	require.NoError(t, rc.Release(ctx, "orders"))
	assert.NoError(t, rc.Acquire(ctx, "orders"))
}

func TestNew_FailsWithoutFallback(t *testing.T) {
	mr, client := setupTestRedis(t)
	mr.Close()

	rc, err := New(context.Background(), client, Options{InstanceID: "a"})
	assert.Nil(t, rc)
	assert.Error(t, err)
}

func TestFallback_EnteredAndExited(t *testing.T) {
	mr, client := setupTestRedis(t)
	rc := newCoordinator(t, client, "a")
	ctx := context.Background()
	require.NoError(t, rc.Register(ctx, "orders", 3))

	mr.Close()
	require.NoError(t, rc.Acquire(ctx, "orders"))
	assert.True(t, rc.IsFallback())

	require.NoError(t, mr.Restart())
	require.NoError(t, rc.ExitFallback(ctx))
	assert.False(t, rc.IsFallback())

	// The slot taken locally is now counted globally.
	n, err := rc.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, rc.Release(ctx, "orders"))
	n, err = rc.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFallback_ReleasesOfRedisSlotsReachRedis(t *testing.T) {
	mr, client := setupTestRedis(t)
	rc := newCoordinator(t, client, "a")
	ctx := context.Background()
	require.NoError(t, rc.Register(ctx, "orders", 3))

	require.NoError(t, rc.Acquire(ctx, "orders"))
	require.NoError(t, rc.Acquire(ctx, "orders"))

	mr.Close()
	require.NoError(t, rc.Release(ctx, "orders"))
	require.NoError(t, rc.Release(ctx, "orders"))
	assert.True(t, rc.IsFallback())

	require.NoError(t, mr.Restart())
	require.NoError(t, rc.ExitFallback(ctx))

	n, err := rc.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	held, err := client.HGet(ctx, "sqlpool:instance:a:conns", "orders").Int()
	require.NoError(t, err)
	assert.Equal(t, 0, held)

	for range 3 {
		require.NoError(t, rc.Acquire(ctx, "orders"))
	}
	assert.ErrorIs(t, rc.Acquire(ctx, "orders"), ErrCapacity)
}

func TestFallback_MixedSlotsReconcile(t *testing.T) {
	mr, client := setupTestRedis(t)
	rc := newCoordinator(t, client, "a")
	ctx := context.Background()
	require.NoError(t, rc.Register(ctx, "orders", 3))

	require.NoError(t, rc.Acquire(ctx, "orders"))

	mr.Close()
	require.NoError(t, rc.Acquire(ctx, "orders"))
	assert.True(t, rc.IsFallback())
	require.NoError(t, rc.Release(ctx, "orders"))

	require.NoError(t, mr.Restart())
	require.NoError(t, rc.ExitFallback(ctx))

	// One slot is still held.
	n, err := rc.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, rc.Release(ctx, "orders"))
	n, err = rc.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCleanupDeadInstances_RecoversSlots(t *testing.T) {
	mr, client := setupTestRedis(t)
	dead := newCoordinator(t, client, "dead")
	alive := newCoordinator(t, client, "alive")
	ctx := context.Background()
	require.NoError(t, dead.Register(ctx, "orders", 5))
	require.NoError(t, alive.Register(ctx, "orders", 5))

	require.NoError(t, dead.Acquire(ctx, "orders"))
	require.NoError(t, dead.Acquire(ctx, "orders"))
	require.NoError(t, alive.Acquire(ctx, "orders"))

	hb := NewHeartbeat(alive, 0, 0)
	hb.sendHeartbeat(ctx)

	assert.Equal(t, 2, hb.cleanupDeadInstances(ctx))

	n, err := alive.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ok, err := mr.SIsMember(keyInstanceList, "dead")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupDeadInstances_SkipsLiveInstances(t *testing.T) {
	mr, client := setupTestRedis(t)
	other := newCoordinator(t, client, "other")
	self := newCoordinator(t, client, "self")
	ctx := context.Background()
	require.NoError(t, other.Register(ctx, "orders", 5))
	require.NoError(t, other.Acquire(ctx, "orders"))

	NewHeartbeat(other, 0, 0).sendHeartbeat(ctx)
	hb := NewHeartbeat(self, 0, 0)
	assert.Equal(t, 0, hb.cleanupDeadInstances(ctx))

	// Once the heartbeat expires the slots are recovered.
	mr.FastForward(hb.ttl + time.Second)
	assert.Equal(t, 1, hb.cleanupDeadInstances(ctx))
}

func TestClose_ReturnsHeldSlots(t *testing.T) {
	_, client := setupTestRedis(t)
	rc := newCoordinator(t, client, "a")
	ctx := context.Background()
	require.NoError(t, rc.Register(ctx, "orders", 5))
	require.NoError(t, rc.Acquire(ctx, "orders"))
	require.NoError(t, rc.Acquire(ctx, "orders"))

	NewHeartbeat(rc, 0, 0).Start(ctx)
	require.NoError(t, rc.Close(ctx))

	n, err := client.Get(ctx, "sqlpool:pool:orders:count").Int()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type session struct{}

func (session) Ping(context.Context) error { return nil }
func (session) Close() error               { return nil }

func TestLimiter_BoundsPoolsAcrossInstances(t *testing.T) {
	_, client := setupTestRedis(t)
	a := newCoordinator(t, client, "a")
	b := newCoordinator(t, client, "b")
	ctx := context.Background()
	require.NoError(t, a.Register(ctx, "orders", 1))
	require.NoError(t, b.Register(ctx, "orders", 1))

	var _ sqlpool.SlotLimiter = a.Limiter("orders")

	opener := sqlpool.OpenerFunc(func(context.Context) (sqlpool.Session, error) { return session{}, nil })
	poolA, err := sqlpool.NewBuilder().Name("limiter-a").Opener(opener).SlotLimiter(a.Limiter("orders")).CreatePool()
	require.NoError(t, err)
	defer poolA.Close()
	poolB, err := sqlpool.NewBuilder().Name("limiter-b").Opener(opener).SlotLimiter(b.Limiter("orders")).CreatePool()
	require.NoError(t, err)
	defer poolB.Close()

	conn, err := poolA.Get(ctx)
	require.NoError(t, err)

	_, err = poolB.Get(ctx)
	require.ErrorIs(t, err, sqlpool.ErrConnection)
	var perr *sqlpool.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, sqlpool.ReasonCapacity, perr.Reason)

	conn.Discard()
	conn, err = poolB.Get(ctx)
	require.NoError(t, err)
	conn.Release()
}
