package sqlpool

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/metrics"
	"github.com/joao-brasil/sqlpool/internal/objpool"
)

// Metrics is the snapshot handed to hooks: per-connection timestamps plus
// the pool's size and available count at the time of the call.
type Metrics = objpool.Metrics

// Hook runs inline on the pool's create or recycle path. It must not block.
// Returning an error vetoes the connection, which is then discarded.
type Hook func(c *Client, m Metrics) error

// SlotLimiter bounds the number of open connections beyond this process,
// e.g. across several instances sharing one server.
type SlotLimiter interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Manager binds session creation and recycling to the pool scheduler.
// Its only state besides the hooks is the finalized Config.
type Manager struct {
	cfg     Config
	name    string
	opener  Opener
	limiter SlotLimiter
	logger  *zap.Logger

	postCreate  []Hook
	preRecycle  []Hook
	postRecycle []Hook

	status func() objpool.Status
	nextID atomic.Uint64
}

var _ objpool.Manager[*Client] = (*Manager)(nil)

// Config returns the configuration the manager was built with.
func (m *Manager) Config() Config {
	return m.cfg
}

// Create opens a new session. Failures are not retried.
func (m *Manager) Create(ctx context.Context) (*Client, error) {
	if m.limiter != nil {
		if err := m.limiter.Acquire(ctx); err != nil {
			metrics.ConnectionErrors.WithLabelValues(m.name, "slot_unavailable").Inc()
			return nil, &Error{Kind: ErrConnection, Op: "create", Reason: ReasonCapacity, Err: err}
		}
	}

	s, err := m.opener.Open(ctx)
	if err != nil {
		m.releaseSlot()
		cerr := connectionError(err)
		metrics.ConnectionErrors.WithLabelValues(m.name, "create_"+string(cerr.Reason)).Inc()
		m.logger.Warn("failed to open connection",
			zap.String("addr", m.cfg.Addr()),
			zap.String("reason", string(cerr.Reason)),
			zap.Error(err))
		return nil, cerr
	}

	c := newClient(m.nextID.Add(1), s)
	if len(m.postCreate) > 0 {
		snapshot := m.snapshot(c)
		for _, hook := range m.postCreate {
			if err := hook(c, snapshot); err != nil {
				m.Destroy(c)
				metrics.ConnectionErrors.WithLabelValues(m.name, "post_create_hook").Inc()
				return nil, &Error{Kind: ErrConnection, Op: "post_create", Reason: ReasonHook, Err: err}
			}
		}
	}

	m.logger.Debug("opened connection", zap.Uint64("conn_id", c.id))
	return c, nil
}

// Recycle decides whether c may be reused: the liveness probe runs first,
// then the pre-recycle hooks, then the post-recycle hooks. The first
// failure rejects the connection.
func (m *Manager) Recycle(ctx context.Context, c *Client, pm Metrics) error {
	if err := c.session.Ping(ctx); err != nil {
		metrics.Recycles.WithLabelValues(m.name, "probe_failed").Inc()
		m.logger.Info("liveness probe failed, discarding connection",
			zap.Uint64("conn_id", c.id), zap.Error(err))
		return &Error{Kind: ErrRecycle, Op: "recycle", Reason: ReasonProbe, Err: err}
	}

	for _, hooks := range [][]Hook{m.preRecycle, m.postRecycle} {
		for _, hook := range hooks {
			if err := hook(c, pm); err != nil {
				metrics.Recycles.WithLabelValues(m.name, "hook_failed").Inc()
				m.logger.Info("recycle hook rejected connection",
					zap.Uint64("conn_id", c.id), zap.Error(err))
				return &Error{Kind: ErrRecycle, Op: "recycle", Reason: ReasonHook, Err: err}
			}
		}
	}

	metrics.Recycles.WithLabelValues(m.name, "ok").Inc()
	return nil
}

// Destroy closes the session and frees its limiter slot.
func (m *Manager) Destroy(c *Client) {
	if err := c.session.Close(); err != nil {
		m.logger.Debug("closing connection", zap.Uint64("conn_id", c.id), zap.Error(err))
	}
	m.releaseSlot()
}

func (m *Manager) releaseSlot() {
	if m.limiter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.limiter.Release(ctx); err != nil {
		m.logger.Warn("failed to release connection slot", zap.Error(err))
	}
}

func (m *Manager) snapshot(c *Client) Metrics {
	pm := Metrics{CreatedAt: c.createdAt, MaxSize: m.cfg.MaxSize}
	if m.status != nil {
		st := m.status()
		pm.Size, pm.Available, pm.Waiting = st.Size, st.Available, st.Waiting
	}
	return pm
}
