// Package main is a load generator for one configured pool: workers check
// out connections, run a query and release them, and the checkout latency
// and error counts are reported at the end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/sqlpool/internal/config"
	"github.com/joao-brasil/sqlpool/pkg/sqlpool"
)

var (
	configPath = flag.String("config", "configs/sqlpoold.yaml", "Path to configuration file")
	poolName   = flag.String("pool", "", "Pool to load, defaults to the first configured pool")
	workers    = flag.Int("workers", 50, "Number of concurrent workers")
	duration   = flag.Duration("duration", 30*time.Second, "How long to run")
	query      = flag.String("query", "SELECT 1", "Query run on each checkout")
	wait       = flag.Duration("wait", time.Second, "Checkout wait timeout")
)

type stats struct {
	ok, timeouts, failures atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *stats) observe(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func (s *stats) percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })
	return s.latencies[int(p*float64(len(s.latencies)-1))]
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Error("loadgen failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	pc := &cfg.Pools[0]
	if *poolName != "" {
		var ok bool
		if pc, ok = cfg.PoolByName(*poolName); !ok {
			return fmt.Errorf("pool %q not configured", *poolName)
		}
	}

	b, err := pc.Builder()
	if err != nil {
		return err
	}
	pool, err := b.Logger(logger).CreatePool()
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	logger.Info("starting load",
		zap.String("pool", pc.Name),
		zap.Int("workers", *workers),
		zap.Duration("duration", *duration),
		zap.Int("max_size", pool.Status().MaxSize))

	var st stats
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *workers; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				checkout(ctx, pool, &st, logger)
			}
			return nil
		})
	}
	_ = g.Wait()

	status := pool.Status()
	logger.Info("load finished",
		zap.Int64("ok", st.ok.Load()),
		zap.Int64("timeouts", st.timeouts.Load()),
		zap.Int64("failures", st.failures.Load()),
		zap.Duration("p50", st.percentile(0.50)),
		zap.Duration("p99", st.percentile(0.99)),
		zap.Int("size", status.Size),
		zap.Int("available", status.Available))
	return nil
}

func checkout(ctx context.Context, pool *sqlpool.Pool, st *stats, logger *zap.Logger) {
	start := time.Now()
	conn, err := pool.GetTimeout(ctx, *wait)
	switch {
	case err == nil:
	case errors.Is(err, sqlpool.ErrTimeout):
		st.timeouts.Add(1)
		return
	case ctx.Err() != nil:
		return
	default:
		st.failures.Add(1)
		logger.Warn("checkout failed", zap.Error(err))
		time.Sleep(100 * time.Millisecond)
		return
	}
	st.observe(time.Since(start))

	if sc := conn.SQL(); sc != nil {
		if _, err := sc.ExecContext(ctx, *query); err != nil && ctx.Err() == nil {
			st.failures.Add(1)
			conn.Discard()
			return
		}
	}
	st.ok.Add(1)
	conn.Release()
}
