// Package objpool is a generic pool scheduler. It owns the idle set, the
// max-size bound and the waiter queue, and delegates creation, validation
// and destruction of pooled objects to a Manager.
//
// Idle objects are reused most recently used first. Every idle object is
// recycled by the Manager right before it is handed to a caller; objects
// failing recycle are destroyed and the checkout moves on to the next idle
// object or creates a new one.
package objpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/joao-brasil/sqlpool/internal/metrics"
)

// Manager creates, recycles and destroys pooled objects.
// Create and Recycle may be called concurrently for different objects;
// the pool never hands the same object to two calls at once.
type Manager[T any] interface {
	Create(ctx context.Context) (T, error)
	Recycle(ctx context.Context, obj T, m Metrics) error
	Destroy(obj T)
}

// Timeouts bounds the pool steps. A nil field means no bound.
type Timeouts struct {
	Wait    *time.Duration
	Create  *time.Duration
	Recycle *time.Duration
}

// Config configures a Pool.
type Config struct {
	Name     string
	MaxSize  int
	Timeouts Timeouts

	// MaxIdleTime evicts objects idle for longer than this. Zero disables eviction.
	MaxIdleTime time.Duration

	// ReapInterval is how often idle eviction runs. Defaults to 30s.
	ReapInterval time.Duration

	Logger *zap.Logger
}

// Metrics is a snapshot handed to Manager.Recycle and available on checked-out objects.
type Metrics struct {
	CreatedAt    time.Time
	RecycledAt   time.Time
	RecycleCount int

	Size      int
	Available int
	MaxSize   int
	Waiting   int
}

// Status holds pool statistics.
type Status struct {
	Name      string
	MaxSize   int
	Size      int
	Available int
	Waiting   int
}

type slot[T any] struct {
	value        T
	createdAt    time.Time
	recycledAt   time.Time
	lastUsedAt   time.Time
	recycleCount int
}

// Pool is a bounded pool of T.
type Pool[T any] struct {
	mgr    Manager[T]
	cfg    Config
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu      sync.Mutex
	idle    []*slot[T]
	size    int
	waiting int
	closed  bool

	closeCtx context.Context
	closeFn  context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a pool. No objects are created until the first Get.
func New[T any](mgr Manager[T], cfg Config) (*Pool[T], error) {
	if mgr == nil {
		return nil, errors.New("objpool: manager is required")
	}
	if cfg.MaxSize <= 0 {
		return nil, errors.New("objpool: max size must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}

	closeCtx, closeFn := context.WithCancel(context.Background())
	p := &Pool[T]{
		mgr:      mgr,
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("component", "objpool"), zap.String("pool", cfg.Name)),
		sem:      semaphore.NewWeighted(int64(cfg.MaxSize)),
		idle:     make([]*slot[T], 0, cfg.MaxSize),
		closeCtx: closeCtx,
		closeFn:  closeFn,
	}

	metrics.ConnectionsMax.WithLabelValues(cfg.Name).Set(float64(cfg.MaxSize))
	p.updateMetrics()

	if cfg.MaxIdleTime > 0 {
		p.wg.Add(1)
		go p.maintenanceLoop()
	}
	return p, nil
}

// Get checks out an object, waiting at most the configured wait timeout.
func (p *Pool[T]) Get(ctx context.Context) (*Object[T], error) {
	return p.get(ctx, p.cfg.Timeouts.Wait)
}

// GetTimeout checks out an object, waiting at most wait for a free slot.
func (p *Pool[T]) GetTimeout(ctx context.Context, wait time.Duration) (*Object[T], error) {
	return p.get(ctx, &wait)
}

func (p *Pool[T]) get(ctx context.Context, wait *time.Duration) (*Object[T], error) {
	start := time.Now()

	if p.isClosed() {
		return nil, ErrClosed
	}
	if err := p.acquire(ctx, wait); err != nil {
		p.countOp(err)
		return nil, err
	}
	metrics.WaitDuration.WithLabelValues(p.cfg.Name).Observe(time.Since(start).Seconds())

	for {
		if err := ctx.Err(); err != nil {
			p.sem.Release(1)
			p.countOp(err)
			return nil, err
		}
		s := p.popIdle()
		if s == nil {
			break
		}
		if err := p.recycle(ctx, s); err != nil {
			// A recycle cut short by the caller says nothing about the object.
			if ctxErr := ctx.Err(); ctxErr != nil {
				p.restore(s)
				p.sem.Release(1)
				p.countOp(ctxErr)
				return nil, ctxErr
			}
			p.logger.Debug("recycle rejected object", zap.Error(err))
			p.drop(s)
			continue
		}
		return p.checkout(s), nil
	}

	if p.isClosed() {
		p.sem.Release(1)
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		p.sem.Release(1)
		p.countOp(err)
		return nil, err
	}

	s, err := p.create(ctx)
	if err != nil {
		p.sem.Release(1)
		p.countOp(err)
		return nil, err
	}
	return p.checkout(s), nil
}

// acquire takes one permit. A permit is held for as long as an object is
// checked out, which bounds the pool size by MaxSize.
func (p *Pool[T]) acquire(ctx context.Context, wait *time.Duration) error {
	if p.sem.TryAcquire(1) {
		return nil
	}
	if wait != nil && *wait <= 0 {
		return &TimeoutError{Type: TimeoutWait, After: *wait}
	}

	p.mu.Lock()
	p.waiting++
	p.updateMetricsLocked()
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.waiting--
		p.updateMetricsLocked()
		p.mu.Unlock()
	}()

	waitCtx := ctx
	if wait != nil {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, *wait)
		defer cancel()
	}
	waitCtx, cancel := context.WithCancel(waitCtx)
	defer cancel()
	stop := context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	err := p.sem.Acquire(waitCtx, 1)
	switch {
	case err == nil:
		if p.isClosed() {
			p.sem.Release(1)
			return ErrClosed
		}
		return nil
	case p.closeCtx.Err() != nil:
		return ErrClosed
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return &TimeoutError{Type: TimeoutWait, After: *wait}
	}
}

func (p *Pool[T]) create(parent context.Context) (*slot[T], error) {
	start := time.Now()
	ctx := parent
	if d := p.cfg.Timeouts.Create; d != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *d)
		defer cancel()
	}

	v, err := p.mgr.Create(ctx)
	if err != nil {
		if perr := parent.Err(); perr != nil {
			return nil, perr
		}
		if d := p.cfg.Timeouts.Create; d != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Type: TimeoutCreate, After: *d}
		}
		return nil, &CreateError{Err: err}
	}
	metrics.CreateDuration.WithLabelValues(p.cfg.Name).Observe(time.Since(start).Seconds())

	now := time.Now()
	s := &slot[T]{value: v, createdAt: now, lastUsedAt: now}

	p.mu.Lock()
	p.size++
	p.mu.Unlock()

	p.logger.Debug("created object", zap.Duration("took", time.Since(start)))
	return s, nil
}

func (p *Pool[T]) recycle(ctx context.Context, s *slot[T]) error {
	if d := p.cfg.Timeouts.Recycle; d != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *d)
		defer cancel()
	}

	err := p.mgr.Recycle(ctx, s.value, p.metricsFor(s))
	if err != nil {
		if d := p.cfg.Timeouts.Recycle; d != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.Recycles.WithLabelValues(p.cfg.Name, "timeout").Inc()
			return &TimeoutError{Type: TimeoutRecycle, After: *d}
		}
		return err
	}

	s.recycledAt = time.Now()
	s.recycleCount++
	return nil
}

func (p *Pool[T]) checkout(s *slot[T]) *Object[T] {
	s.lastUsedAt = time.Now()
	c := &checkout[T]{pool: p, slot: s}
	obj := &Object[T]{c: c}
	obj.cleanup = runtime.AddCleanup(obj, func(c *checkout[T]) {
		if c.done.CompareAndSwap(false, true) {
			c.pool.logger.Warn("object dropped without release, reclaiming")
			c.pool.put(c.slot)
		}
	}, c)

	p.updateMetrics()
	metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, "acquired").Inc()
	return obj
}

// put returns a checked-out object to the idle set.
func (p *Pool[T]) put(s *slot[T]) {
	s.lastUsedAt = time.Now()

	p.mu.Lock()
	if p.closed {
		p.size--
		p.updateMetricsLocked()
		p.mu.Unlock()
		p.mgr.Destroy(s.value)
		p.sem.Release(1)
		return
	}
	p.idle = append(p.idle, s)
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.sem.Release(1)
	metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, "released").Inc()
}

// restore puts an object taken from the idle set back without touching
// its permit or usage time.
func (p *Pool[T]) restore(s *slot[T]) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.drop(s)
		return
	}
	p.idle = append(p.idle, s)
	p.updateMetricsLocked()
	p.mu.Unlock()
}

// discard destroys a checked-out object and frees its slot.
func (p *Pool[T]) discard(s *slot[T]) {
	p.drop(s)
	p.sem.Release(1)
	metrics.ConnectionErrors.WithLabelValues(p.cfg.Name, "discarded").Inc()
}

// drop destroys an object the caller already removed from the idle set.
func (p *Pool[T]) drop(s *slot[T]) {
	p.mu.Lock()
	p.size--
	p.updateMetricsLocked()
	p.mu.Unlock()
	p.mgr.Destroy(s.value)
}

// popIdle removes and returns the most recently used idle object, or nil.
func (p *Pool[T]) popIdle() *slot[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	if n == 0 {
		return nil
	}
	s := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return s
}

// Retain drops idle objects for which keep returns false and reports how many were dropped.
func (p *Pool[T]) Retain(keep func(obj T, m Metrics) bool) int {
	p.mu.Lock()
	status := p.statusLocked()
	remaining := make([]*slot[T], 0, len(p.idle))
	var removed []*slot[T]
	for _, s := range p.idle {
		m := metricsFrom(s, status)
		if keep(s.value, m) {
			remaining = append(remaining, s)
		} else {
			removed = append(removed, s)
		}
	}
	p.idle = remaining
	p.size -= len(removed)
	p.updateMetricsLocked()
	p.mu.Unlock()

	for _, s := range removed {
		p.mgr.Destroy(s.value)
	}
	return len(removed)
}

// Status returns current pool statistics.
func (p *Pool[T]) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Pool[T]) statusLocked() Status {
	return Status{
		Name:      p.cfg.Name,
		MaxSize:   p.cfg.MaxSize,
		Size:      p.size,
		Available: len(p.idle),
		Waiting:   p.waiting,
	}
}

// Close destroys idle objects and fails pending and future checkouts with
// ErrClosed. Objects still checked out are destroyed when returned.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.size -= len(idle)
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.closeFn()
	for _, s := range idle {
		p.mgr.Destroy(s.value)
	}
	p.wg.Wait()

	p.logger.Info("pool closed")
}

// IsClosed reports whether Close has been called.
func (p *Pool[T]) IsClosed() bool {
	return p.isClosed()
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[T]) metricsFor(s *slot[T]) Metrics {
	return metricsFrom(s, p.Status())
}

func metricsFrom[T any](s *slot[T], st Status) Metrics {
	return Metrics{
		CreatedAt:    s.createdAt,
		RecycledAt:   s.recycledAt,
		RecycleCount: s.recycleCount,
		Size:         st.Size,
		Available:    st.Available,
		MaxSize:      st.MaxSize,
		Waiting:      st.Waiting,
	}
}

func (p *Pool[T]) countOp(err error) {
	status := "error"
	switch {
	case errors.Is(err, ErrTimeout):
		status = "timeout"
	case errors.Is(err, ErrClosed):
		status = "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "cancelled"
	}
	metrics.ConnectionsTotal.WithLabelValues(p.cfg.Name, status).Inc()
}

func (p *Pool[T]) updateMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateMetricsLocked()
}

func (p *Pool[T]) updateMetricsLocked() {
	metrics.ConnectionsActive.WithLabelValues(p.cfg.Name).Set(float64(p.size - len(p.idle)))
	metrics.ConnectionsIdle.WithLabelValues(p.cfg.Name).Set(float64(len(p.idle)))
	metrics.Waiting.WithLabelValues(p.cfg.Name).Set(float64(p.waiting))
}

// maintenanceLoop periodically evicts objects idle for longer than MaxIdleTime.
func (p *Pool[T]) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCtx.Done():
			return
		case <-ticker.C:
			p.evictStale()
		}
	}
}

func (p *Pool[T]) evictStale() {
	now := time.Now()
	p.mu.Lock()
	remaining := make([]*slot[T], 0, len(p.idle))
	var evicted []*slot[T]
	for _, s := range p.idle {
		if now.Sub(s.lastUsedAt) > p.cfg.MaxIdleTime {
			evicted = append(evicted, s)
		} else {
			remaining = append(remaining, s)
		}
	}
	p.idle = remaining
	p.size -= len(evicted)
	p.updateMetricsLocked()
	p.mu.Unlock()

	for _, s := range evicted {
		p.mgr.Destroy(s.value)
	}
	if len(evicted) > 0 {
		p.logger.Info("evicted stale objects", zap.Int("count", len(evicted)))
	}
}

type checkout[T any] struct {
	pool *Pool[T]
	slot *slot[T]
	done atomic.Bool
}

// Object is a checked-out pooled value. Call Release to return it to the
// pool or Discard to destroy it. An Object that becomes unreachable without
// either is returned to the pool by a runtime cleanup.
type Object[T any] struct {
	c       *checkout[T]
	cleanup runtime.Cleanup
}

// Value returns the pooled value. It must not be used after Release or Discard.
func (o *Object[T]) Value() T {
	return o.c.slot.value
}

// Metrics returns the object's metrics together with a pool snapshot.
func (o *Object[T]) Metrics() Metrics {
	return o.c.pool.metricsFor(o.c.slot)
}

// Release returns the object to the idle set. Subsequent calls are no-ops.
func (o *Object[T]) Release() {
	if o.c.done.CompareAndSwap(false, true) {
		o.cleanup.Stop()
		o.c.pool.put(o.c.slot)
	}
}

// Discard destroys the object instead of returning it. Subsequent calls are no-ops.
func (o *Object[T]) Discard() {
	if o.c.done.CompareAndSwap(false, true) {
		o.cleanup.Stop()
		o.c.pool.discard(o.c.slot)
	}
}
