package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/sqlpool/pkg/sqlpool"
)

const sample = `
server:
  instance_id: node-1
  metrics_port: 9100
redis:
  enabled: true
  addr: redis:6379
fallback:
  enabled: true
pools:
  - name: orders
    connection_string: "Server=sql01,1500;Database=orders;User ID=app;Password={p;w}"
    max_size: 8
    global_max_size: 20
    wait_timeout: 1520ms
    max_idle_time: 5m
  - name: reporting
    host: sql02
    database: reports
    user: reader
    password: secret
    trust_server_certificate: true
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqlpoold.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Server.InstanceID)
	assert.Equal(t, 9100, cfg.Server.MetricsPort)
	assert.Equal(t, 8080, cfg.Server.HealthCheckPort)
	assert.Equal(t, 15*time.Second, cfg.Server.HealthCheckInterval)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 20, cfg.Redis.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.Redis.HeartbeatTTL)
	assert.Equal(t, 3, cfg.Fallback.LocalLimitDivisor)
	require.Len(t, cfg.Pools, 2)

	orders, ok := cfg.PoolByName("orders")
	require.True(t, ok)
	require.NotNil(t, orders.WaitTimeout)
	assert.Equal(t, 1520*time.Millisecond, *orders.WaitTimeout)
	assert.Equal(t, 5*time.Minute, orders.MaxIdleTime)
	assert.Equal(t, 20, orders.GlobalMaxSize)

	_, ok = cfg.PoolByName("missing")
	assert.False(t, ok)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestParse_Validation(t *testing.T) {
	cases := map[string]string{
		"no pools":           "server: {}",
		"unnamed pool":       "pools: [{host: a}]",
		"duplicate name":     "pools: [{name: a, host: a}, {name: a, host: b}]",
		"no server address":  "pools: [{name: a}]",
		"negative size":      "pools: [{name: a, host: a, max_size: -1}]",
		"redis without addr": "redis: {enabled: true}\npools: [{name: a, host: a}]",
		"malformed yaml":     "pools: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Parse([]byte(doc))
			assert.Nil(t, cfg)
			assert.Error(t, err)
		})
	}
}

func TestPoolConfig_Builder(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	b, err := cfg.Pools[0].Builder()
	require.NoError(t, err)
	orders := b.Config()
	assert.Equal(t, "sql01", orders.Host)
	assert.Equal(t, 1500, orders.Port)
	assert.Equal(t, "orders", orders.Database)
	assert.Equal(t, sqlpool.SQLServerAuth("app", "p;w"), orders.Auth)
	assert.Equal(t, 8, orders.MaxSize)
	require.NotNil(t, orders.WaitTimeout)
	assert.Equal(t, 1520*time.Millisecond, *orders.WaitTimeout)

	b, err = cfg.Pools[1].Builder()
	require.NoError(t, err)
	reporting := b.Config()
	assert.Equal(t, "sql02", reporting.Host)
	assert.Equal(t, sqlpool.DefaultPort, reporting.Port)
	assert.Equal(t, sqlpool.SQLServerAuth("reader", "secret"), reporting.Auth)
	assert.Equal(t, sqlpool.TrustAnyCert, reporting.Trust)
	assert.Nil(t, reporting.WaitTimeout)
}

func TestPoolConfig_BuilderRejectsBadConnectionString(t *testing.T) {
	p := PoolConfig{Name: "a", ConnectionString: "Server=a;Server=b"}

	b, err := p.Builder()
	assert.Nil(t, b)
	assert.ErrorIs(t, err, sqlpool.ErrConfiguration)
}
