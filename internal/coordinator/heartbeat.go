package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlpool/internal/metrics"
)

// Heartbeat periodically refreshes this instance's presence in Redis
// and recovers the slots of dead instances that never released them.
type Heartbeat struct {
	coordinator *RedisCoordinator
	interval    time.Duration
	ttl         time.Duration
}

// NewHeartbeat creates a heartbeat worker. Zero values default to a 10s
// interval and a 30s TTL.
func NewHeartbeat(rc *RedisCoordinator, interval, ttl time.Duration) *Heartbeat {
	if interval == 0 {
		interval = 10 * time.Second
	}
	if ttl == 0 {
		ttl = 3 * interval
	}
	return &Heartbeat{coordinator: rc, interval: interval, ttl: ttl}
}

// Start runs the heartbeat loop until ctx is done or the coordinator is closed.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.loop(ctx)
	hb.coordinator.logger.Info("heartbeat started",
		zap.Duration("interval", hb.interval),
		zap.Duration("ttl", hb.ttl))
}

func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.coordinator.wg.Done()

	hb.sendHeartbeat(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	// Cleanup runs every third tick.
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.coordinator.stopCh:
			return
		case <-ticker.C:
			if hb.coordinator.IsFallback() {
				if err := hb.coordinator.ExitFallback(ctx); err != nil {
					continue
				}
			}
			hb.sendHeartbeat(ctx)

			tick++
			if tick%3 == 0 {
				hb.cleanupDeadInstances(ctx)
			}
		}
	}
}

func (hb *Heartbeat) sendHeartbeat(ctx context.Context) {
	rc := hb.coordinator
	if rc.IsFallback() {
		metrics.InstanceHeartbeat.WithLabelValues(rc.instanceID).Set(0)
		return
	}

	key := fmt.Sprintf(keyInstanceHB, rc.instanceID)
	if err := rc.client.Set(ctx, key, time.Now().Unix(), hb.ttl).Err(); err != nil {
		rc.logger.Warn("failed to send heartbeat", zap.Error(err))
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		metrics.InstanceHeartbeat.WithLabelValues(rc.instanceID).Set(0)
		return
	}
	metrics.InstanceHeartbeat.WithLabelValues(rc.instanceID).Set(1)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// cleanupDeadInstances recovers the slots of instances whose heartbeat expired.
func (hb *Heartbeat) cleanupDeadInstances(ctx context.Context) int {
	rc := hb.coordinator
	if rc.IsFallback() {
		return 0
	}

	instances, err := rc.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		rc.logger.Warn("failed to list instances", zap.Error(err))
		return 0
	}

	recovered := 0
	for _, id := range instances {
		if id == rc.instanceID {
			continue
		}
		alive, err := rc.client.Exists(ctx, fmt.Sprintf(keyInstanceHB, id)).Result()
		if err != nil || alive > 0 {
			continue
		}

		rc.logger.Info("instance has no heartbeat, recovering its slots", zap.String("dead_instance", id))
		n, err := rc.recoverInstance(ctx, id)
		if err != nil {
			rc.logger.Warn("failed to clean up dead instance", zap.String("dead_instance", id), zap.Error(err))
			continue
		}
		if n > 0 {
			metrics.ConnectionErrors.WithLabelValues("coordinator", "dead_instance_cleanup").Inc()
		}
		recovered += n
	}
	return recovered
}

// recoverInstance subtracts an instance's held slots from the global counts
// and removes its bookkeeping.
func (rc *RedisCoordinator) recoverInstance(ctx context.Context, id string) (int, error) {
	instKey := fmt.Sprintf(keyInstanceConn, id)

	counts, err := rc.client.HGetAll(ctx, instKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading counts of %s: %w", id, err)
	}

	pipe := rc.client.Pipeline()
	recovered := 0
	for pool, s := range counts {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			continue
		}
		pipe.DecrBy(ctx, fmt.Sprintf(keyPoolCount, pool), int64(n))
		recovered += n
	}
	pipe.Del(ctx, instKey)
	pipe.SRem(ctx, keyInstanceList, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cleanup pipeline: %w", err)
	}

	// Concurrent releases may have pushed a count below zero.
	for pool := range counts {
		key := fmt.Sprintf(keyPoolCount, pool)
		if v, err := rc.client.Get(ctx, key).Int64(); err == nil && v < 0 {
			rc.client.Set(ctx, key, 0, 0)
		}
	}
	return recovered, nil
}
