// Package health reports the health of the daemon's pools and of Redis,
// and serves it over HTTP.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/sqlpool/internal/metrics"
	"github.com/joao-brasil/sqlpool/pkg/sqlpool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Status is the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the health of a single component.
type ComponentHealth struct {
	Name    string          `json:"name"`
	Status  Status          `json:"status"`
	Message string          `json:"message,omitempty"`
	Latency string          `json:"latency"`
	Pool    *sqlpool.Status `json:"pool,omitempty"`
}

// Report is the overall health report.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Checker checks pools and Redis.
type Checker struct {
	instanceID string
	pools      map[string]*sqlpool.Pool
	names      []string
	redis      redis.UniversalClient
	timeout    time.Duration
	logger     *zap.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithRedis adds a Redis PING check.
func WithRedis(client redis.UniversalClient) Option {
	return func(c *Checker) { c.redis = client }
}

// WithTimeout bounds each component check. Defaults to 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// NewChecker creates a health checker.
func NewChecker(instanceID string, opts ...Option) *Checker {
	c := &Checker{
		instanceID: instanceID,
		pools:      make(map[string]*sqlpool.Pool),
		timeout:    10 * time.Second,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "health"))
	return c
}

// AddPool registers a pool to check. Not safe for use concurrently with Check.
func (c *Checker) AddPool(name string, p *sqlpool.Pool) {
	if _, ok := c.pools[name]; !ok {
		c.names = append(c.names, name)
	}
	c.pools[name] = p
}

// Check runs all checks concurrently and returns the report.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	components := make([]ComponentHealth, len(c.names), len(c.names)+1)
	var g errgroup.Group
	for i, name := range c.names {
		g.Go(func() error {
			components[i] = c.checkPool(ctx, name, c.pools[name])
			return nil
		})
	}
	var redisHealth ComponentHealth
	if c.redis != nil {
		g.Go(func() error {
			redisHealth = c.checkRedis(ctx)
			return nil
		})
	}
	_ = g.Wait()
	if c.redis != nil {
		components = append(components, redisHealth)
	}
	report.Components = components

	for _, comp := range components {
		v := 1.0
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			v = 0
		}
		metrics.HealthCheckStatus.WithLabelValues(comp.Name).Set(v)
	}
	return report
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.redis.Ping(ctx).Err()
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", err),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// checkPool checks out a connection, probes it and returns it.
func (c *Checker) checkPool(ctx context.Context, name string, p *sqlpool.Pool) ComponentHealth {
	start := time.Now()
	component := "pool-" + name

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Only an idle or creatable connection is checked; a request never
	// queues behind the pool's own callers.
	conn, err := p.GetTimeout(ctx, 0)
	if err != nil {
		status := p.Status()
		msg := fmt.Sprintf("checkout failed: %v", err)
		// An exhausted pool is busy, not broken.
		var pe *sqlpool.Error
		if errors.As(err, &pe) && pe.Kind == sqlpool.ErrTimeout && pe.Reason == sqlpool.ReasonWait {
			return ComponentHealth{Name: component, Status: StatusHealthy, Message: "all connections in use", Latency: time.Since(start).String(), Pool: &status}
		}
		c.logger.Warn("pool health check failed", zap.String("pool", name), zap.Error(err))
		return ComponentHealth{Name: component, Status: StatusUnhealthy, Message: msg, Latency: time.Since(start).String(), Pool: &status}
	}

	if err := conn.Client().Session().Ping(ctx); err != nil {
		conn.Discard()
		status := p.Status()
		return ComponentHealth{
			Name:    component,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start).String(),
			Pool:    &status,
		}
	}

	msg := "connected"
	if sc := conn.SQL(); sc != nil {
		var version string
		if err := sc.QueryRowContext(ctx, "SELECT @@VERSION").Scan(&version); err == nil {
			if len(version) > 80 {
				version = version[:80] + "..."
			}
			msg = version
		}
	}
	conn.Release()

	status := p.Status()
	return ComponentHealth{
		Name:    component,
		Status:  StatusHealthy,
		Message: msg,
		Latency: time.Since(start).String(),
		Pool:    &status,
	}
}

// Handler returns the /health, /health/ready and /health/live endpoints.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		if err := json.NewEncoder(w).Encode(rep); err != nil {
			c.logger.Warn("failed to write health report", zap.Error(err))
		}
	}
	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	return mux
}

// Serve starts the health HTTP server on addr in the background.
func (c *Checker) Serve(addr string) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		c.logger.Info("health server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("health server error", zap.Error(err))
		}
	}()
	return server
}
