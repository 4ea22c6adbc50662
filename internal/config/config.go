// Package config handles loading and validating the daemon configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/sqlpool/pkg/sqlpool"
)

// ServerConfig holds the daemon's own settings.
type ServerConfig struct {
	InstanceID          string        `yaml:"instance_id"`
	ListenAddr          string        `yaml:"listen_addr"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckPort     int           `yaml:"health_check_port"`
	MetricsPort         int           `yaml:"metrics_port"`
	LogLevel            string        `yaml:"log_level"`
}

// RedisConfig holds the Redis connection configuration of the slot coordinator.
type RedisConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// FallbackConfig holds configuration for fallback mode when Redis is unavailable.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor"`
}

// PoolConfig describes one SQL Server pool. ConnectionString is an ADO
// connection string; the other fields override what it sets.
type PoolConfig struct {
	Name             string `yaml:"name"`
	ConnectionString string `yaml:"connection_string"`

	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Instance        string `yaml:"instance"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	ApplicationName string `yaml:"application_name"`
	TrustServerCert bool   `yaml:"trust_server_certificate"`
	CAFile          string `yaml:"ca_file"`

	MaxSize        int            `yaml:"max_size"`
	GlobalMaxSize  int            `yaml:"global_max_size"`
	WaitTimeout    *time.Duration `yaml:"wait_timeout"`
	CreateTimeout  *time.Duration `yaml:"create_timeout"`
	RecycleTimeout *time.Duration `yaml:"recycle_timeout"`
	MaxIdleTime    time.Duration  `yaml:"max_idle_time"`
}

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
	Pools    []PoolConfig   `yaml:"pools"`
}

// Load reads, validates and completes the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	seen := make(map[string]bool, len(c.Pools))
	for i, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("pools[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("pools[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.ConnectionString == "" && p.Host == "" {
			return fmt.Errorf("pools[%d]: connection_string or host is required", i)
		}
		if p.MaxSize < 0 {
			return fmt.Errorf("pools[%d].max_size must not be negative", i)
		}
		if p.GlobalMaxSize < 0 {
			return fmt.Errorf("pools[%d].global_max_size must not be negative", i)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "0.0.0.0"
	}
	if c.Server.HealthCheckInterval == 0 {
		c.Server.HealthCheckInterval = 15 * time.Second
	}
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Server.InstanceID = hostname
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Fallback.LocalLimitDivisor == 0 {
		c.Fallback.LocalLimitDivisor = 3
	}
}

// PoolByName returns the pool configuration with the given name.
func (c *Config) PoolByName(name string) (*PoolConfig, bool) {
	for i := range c.Pools {
		if c.Pools[i].Name == name {
			return &c.Pools[i], true
		}
	}
	return nil, false
}

// Builder returns a pool builder for p. Errors are sqlpool configuration errors.
func (p *PoolConfig) Builder() (*sqlpool.Builder, error) {
	b := sqlpool.NewBuilder()
	if p.ConnectionString != "" {
		var err error
		if b, err = sqlpool.FromADOString(p.ConnectionString); err != nil {
			return nil, err
		}
	}
	b.Name(p.Name)

	if p.Host != "" {
		b.Host(p.Host)
	}
	if p.Port != 0 {
		b.Port(p.Port)
	}
	if p.Instance != "" {
		b.InstanceName(p.Instance)
	}
	if p.Database != "" {
		b.Database(p.Database)
	}
	if p.User != "" {
		b.BasicAuthentication(p.User, p.Password)
	}
	if p.ApplicationName != "" {
		b.ApplicationName(p.ApplicationName)
	}
	switch {
	case p.TrustServerCert:
		b.TrustCert()
	case p.CAFile != "":
		b.TrustCertCA(p.CAFile)
	}
	if p.MaxSize != 0 {
		b.MaxSize(p.MaxSize)
	}
	if p.WaitTimeout != nil {
		b.WaitTimeout(*p.WaitTimeout)
	}
	if p.CreateTimeout != nil {
		b.CreateTimeout(*p.CreateTimeout)
	}
	if p.RecycleTimeout != nil {
		b.RecycleTimeout(*p.RecycleTimeout)
	}
	if p.MaxIdleTime != 0 {
		b.MaxIdleTime(p.MaxIdleTime)
	}
	return b, nil
}
