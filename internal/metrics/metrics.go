// Package metrics defines Prometheus metrics for connection pools.
// All collectors are registered upfront and labelled by pool name.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks the number of checked-out connections per pool.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_connections_active",
		Help: "Number of checked-out connections per pool",
	}, []string{"pool"})

	// ConnectionsIdle tracks the number of idle connections per pool.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_connections_idle",
		Help: "Number of idle connections per pool",
	}, []string{"pool"})

	// ConnectionsMax tracks the configured max size per pool.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_connections_max",
		Help: "Configured maximum connections per pool",
	}, []string{"pool"})

	// ConnectionsTotal counts checkout/return operations by outcome.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_connections_total",
		Help: "Total connection operations",
	}, []string{"pool", "status"})

	// Waiting tracks callers blocked on checkout.
	Waiting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_waiting",
		Help: "Number of callers waiting for a connection per pool",
	}, []string{"pool"})

	// WaitDuration tracks the time callers spend waiting for a checkout.
	WaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlpool_wait_seconds",
		Help:    "Time spent waiting for a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// CreateDuration tracks how long opening a new connection takes.
	CreateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sqlpool_create_seconds",
		Help:    "Duration of opening a new connection",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"pool"})

	// Recycles counts recycle outcomes (ok, probe_failed, hook_failed, timeout).
	Recycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_recycles_total",
		Help: "Total recycle attempts by outcome",
	}, []string{"pool", "outcome"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"pool", "error_type"})

	// RedisOperations counts Redis operations of the slot coordinator.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sqlpool_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})

	// InstanceHeartbeat is 1 while the instance's heartbeat key is fresh.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_instance_heartbeat",
		Help: "Heartbeat status of this instance in the slot coordinator",
	}, []string{"instance"})

	// HealthCheckStatus is 1 for healthy components and 0 otherwise.
	HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sqlpool_health_check_status",
		Help: "Health check status per component",
	}, []string{"component"})
)
