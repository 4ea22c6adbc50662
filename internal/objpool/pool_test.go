package objpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConn struct {
	id     int
	broken atomic.Bool
}

type testManager struct {
	nextID    atomic.Int32
	created   atomic.Int32
	destroyed atomic.Int32
	recycled  atomic.Int32

	createErr      error
	blockInCreate  bool
	blockInRecycle atomic.Bool
	lastMetrics    atomic.Value
}

func (m *testManager) Create(ctx context.Context) (*testConn, error) {
	if m.blockInCreate {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created.Add(1)
	return &testConn{id: int(m.nextID.Add(1))}, nil
}

func (m *testManager) Recycle(ctx context.Context, c *testConn, metrics Metrics) error {
	m.lastMetrics.Store(metrics)
	m.recycled.Add(1)
	if m.blockInRecycle.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.broken.Load() {
		return errors.New("connection broken")
	}
	return nil
}

func (m *testManager) Destroy(*testConn) {
	m.destroyed.Add(1)
}

func dur(d time.Duration) *time.Duration { return &d }

func newTestPool(t *testing.T, mgr *testManager, cfg Config) *Pool[*testConn] {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = t.Name()
	}
	p, err := New[*testConn](mgr, cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New[*testConn](&testManager{}, Config{MaxSize: 0})
	assert.Error(t, err)

	_, err = New[*testConn](nil, Config{MaxSize: 1})
	assert.Error(t, err)
}

func TestPool_ReusesIdleObject(t *testing.T) {
	mgr := &testManager{}
	p := newTestPool(t, mgr, Config{MaxSize: 1})
	ctx := context.Background()

	first, err := p.Get(ctx)
	require.NoError(t, err)
	firstID := first.Value().id
	first.Release()

	second, err := p.Get(ctx)
	require.NoError(t, err)
	defer second.Release()

	assert.Equal(t, firstID, second.Value().id)
	assert.Equal(t, int32(1), mgr.created.Load())
	assert.Equal(t, int32(1), mgr.recycled.Load())
	assert.Equal(t, 1, second.Metrics().RecycleCount)

	m := mgr.lastMetrics.Load().(Metrics)
	assert.Equal(t, 1, m.Size)
	assert.Equal(t, 0, m.Available)
	assert.Equal(t, 1, m.MaxSize)
}

func TestPool_WaitTimeoutOnExhaustedPool(t *testing.T) {
	mgr := &testManager{}
	p := newTestPool(t, mgr, Config{MaxSize: 1, Timeouts: Timeouts{Wait: dur(50 * time.Millisecond)}})
	ctx := context.Background()

	held, err := p.Get(ctx)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = p.Get(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, TimeoutWait, te.Type)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, p.Status().Waiting)
}

func TestPool_ZeroWaitFailsImmediately(t *testing.T) {
	p := newTestPool(t, &testManager{}, Config{MaxSize: 1})
	ctx := context.Background()

	held, err := p.Get(ctx)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = p.GetTimeout(ctx, 0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPool_BlockedGetProceedsAfterRelease(t *testing.T) {
	mgr := &testManager{}
	p := newTestPool(t, mgr, Config{MaxSize: 1})
	ctx := context.Background()

	held, err := p.Get(ctx)
	require.NoError(t, err)
	heldID := held.Value().id

	got := make(chan *Object[*testConn], 1)
	go func() {
		obj, err := p.Get(ctx)
		if err == nil {
			got <- obj
		}
	}()

	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-got:
		t.Fatal("second Get returned while the pool was exhausted")
	default:
	}

	held.Release()

	select {
	case obj := <-got:
		assert.Equal(t, heldID, obj.Value().id)
		obj.Release()
	case <-time.After(time.Second):
		t.Fatal("second Get did not proceed after release")
	}
	assert.Equal(t, int32(1), mgr.created.Load())
}

func TestPool_RecycleFailureCreatesReplacement(t *testing.T) {
	mgr := &testManager{}
	p := newTestPool(t, mgr, Config{MaxSize: 1})
	ctx := context.Background()

	first, err := p.Get(ctx)
	require.NoError(t, err)
	firstID := first.Value().id
	first.Value().broken.Store(true)
	first.Release()

	second, err := p.Get(ctx)
	require.NoError(t, err)
	defer second.Release()

	assert.NotEqual(t, firstID, second.Value().id)
	assert.Equal(t, int32(2), mgr.created.Load())
	assert.Equal(t, int32(1), mgr.destroyed.Load())
	assert.Equal(t, 1, p.Status().Size)
}

func TestPool_RecycleFailureLeavesOtherIdleObjects(t *testing.T) {
	mgr := &testManager{}
	p := newTestPool(t, mgr, Config{MaxSize: 2})
	ctx := context.Background()

	a, err := p.Get(ctx)
	require.NoError(t, err)
	b, err := p.Get(ctx)
	require.NoError(t, err)
	healthyID := a.Value().id
	b.Value().broken.Store(true)
	a.Release()
	b.Release()

	got, err := p.Get(ctx)
	require.NoError(t, err)
	defer got.Release()

	assert.Equal(t, healthyID, got.Value().id)
	assert.Equal(t, int32(2), mgr.created.Load())
	assert.Equal(t, int32(1), mgr.destroyed.Load())
}

func TestPool_CreateErrorFreesSlot(t *testing.T) {
	mgr := &testManager{createErr: errors.New("dial tcp: connection refused")}
	p := newTestPool(t, mgr, Config{MaxSize: 1, Timeouts: Timeouts{Wait: dur(20 * time.Millisecond)}})
	ctx := context.Background()

	_, err := p.Get(ctx)
	var ce *CreateError
	require.True(t, errors.As(err, &ce))
	assert.EqualError(t, ce.Err, "dial tcp: connection refused")

	_, err = p.Get(ctx)
	assert.True(t, errors.As(err, &ce), "slot must be free again after a failed create")
	assert.Equal(t, 0, p.Status().Size)
}

func TestPool_CreateTimeout(t *testing.T) {
	mgr := &testManager{blockInCreate: true}
	p := newTestPool(t, mgr, Config{MaxSize: 1, Timeouts: Timeouts{Create: dur(20 * time.Millisecond)}})

	_, err := p.Get(context.Background())
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, TimeoutCreate, te.Type)
}

func TestPool_CancelWhileWaitingReleasesClaim(t *testing.T) {
	p := newTestPool(t, &testManager{}, Config{MaxSize: 1})

	held, err := p.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Get(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, p.Status().Waiting)

	held.Release()
	again, err := p.GetTimeout(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	again.Release()
}

func TestPool_DiscardDestroysObject(t *testing.T) {
	mgr := &testManager{}
	p := newTestPool(t, mgr, Config{MaxSize: 1})

	obj, err := p.Get(context.Background())
	require.NoError(t, err)
	obj.Discard()
	obj.Release()

	assert.Equal(t, int32(1), mgr.destroyed.Load())
	assert.Equal(t, Status{Name: p.cfg.Name, MaxSize: 1}, p.Status())
}

func TestPool_CloseFailsWaitersAndDestroysReturnedObjects(t *testing.T) {
	mgr := &testManager{}
	p, err := New[*testConn](mgr, Config{Name: t.Name(), MaxSize: 1})
	require.NoError(t, err)

	held, err := p.Get(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Status().Waiting == 1 }, time.Second, 5*time.Millisecond)

	p.Close()
	assert.ErrorIs(t, <-errCh, ErrClosed)

	held.Release()
	assert.Equal(t, int32(1), mgr.destroyed.Load())
	assert.Equal(t, 0, p.Status().Size)

	_, err = p.Get(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, p.IsClosed())
}

func TestPool_Retain(t *testing.T) {
	mgr := &testManager{}
	p := newTestPool(t, mgr, Config{MaxSize: 3})
	ctx := context.Background()

	var objs []*Object[*testConn]
	for i := 0; i < 3; i++ {
		obj, err := p.Get(ctx)
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	for _, obj := range objs {
		obj.Release()
	}

	removed := p.Retain(func(c *testConn, _ Metrics) bool { return c.id != 2 })
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, p.Status().Size)
	assert.Equal(t, 2, p.Status().Available)
	assert.Equal(t, int32(1), mgr.destroyed.Load())
}

func TestPool_EvictsStaleIdleObjects(t *testing.T) {
	mgr := &testManager{}
	p := newTestPool(t, mgr, Config{MaxSize: 1, MaxIdleTime: 10 * time.Millisecond, ReapInterval: 10 * time.Millisecond})

	obj, err := p.Get(context.Background())
	require.NoError(t, err)
	obj.Release()

	require.Eventually(t, func() bool { return p.Status().Size == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), mgr.destroyed.Load())
}

func TestPool_ReclaimsDroppedObject(t *testing.T) {
	p := newTestPool(t, &testManager{}, Config{MaxSize: 1})

	func() {
		_, err := p.Get(context.Background())
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return p.Status().Available == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_ConcurrentCheckoutsNeverExceedMaxSize(t *testing.T) {
	defer leaktest.Check(t)()

	const maxSize = 4
	mgr := &testManager{}
	p, err := New[*testConn](mgr, Config{Name: t.Name(), MaxSize: maxSize})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		holders atomic.Int32
		peak    atomic.Int32
	)
	for i := 0; i < maxSize*8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obj, err := p.Get(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := holders.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			obj.Release()
		}()
	}
	wg.Wait()
	p.Close()

	assert.LessOrEqual(t, peak.Load(), int32(maxSize))
	assert.LessOrEqual(t, mgr.created.Load(), int32(maxSize))
	assert.Equal(t, mgr.created.Load(), mgr.destroyed.Load())
}

func TestPool_CancelledGetKeepsIdleObjects(t *testing.T) {
	mgr := &testManager{}
	p := newTestPool(t, mgr, Config{MaxSize: 2})
	ctx := context.Background()

	a, err := p.Get(ctx)
	require.NoError(t, err)
	b, err := p.Get(ctx)
	require.NoError(t, err)
	a.Release()
	b.Release()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Get(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), mgr.destroyed.Load())

	mgr.blockInRecycle.Store(true)
	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, err = p.Get(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var ce *CreateError
	assert.False(t, errors.As(err, &ce))

	assert.Equal(t, int32(0), mgr.destroyed.Load())
	assert.Equal(t, int32(2), mgr.created.Load())
	st := p.Status()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 2, st.Available)

	mgr.blockInRecycle.Store(false)
	obj, err := p.GetTimeout(ctx, 0)
	require.NoError(t, err)
	obj.Release()
}
