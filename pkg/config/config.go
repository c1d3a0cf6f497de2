// Package config loads the presence service configuration from a YAML file
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config represents the service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Presence   PresenceConfig   `yaml:"presence"`
	Store      StoreConfig      `yaml:"store"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	Visibility VisibilityConfig `yaml:"visibility"`
	Notify     NotifyConfig     `yaml:"notify"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Cluster    ClusterConfig    `yaml:"cluster"`
}

// ServerConfig represents the HTTP listeners
type ServerConfig struct {
	HTTPAddr      string        `yaml:"http_addr"`
	OpsAddr       string        `yaml:"ops_addr"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IngestTimeout time.Duration `yaml:"ingest_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DatabaseConfig represents the relational store for policies, the
// relationship graph and audits. URLs starting with postgres:// select the
// postgres driver, anything else is a SQLite path.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PresenceConfig tunes resolution and the activity state machine
type PresenceConfig struct {
	IdleThreshold    time.Duration `yaml:"idle_threshold"`
	AwayThreshold    time.Duration `yaml:"away_threshold"`
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
	RecordTTL        time.Duration `yaml:"record_ttl"`
	MaxClockSkew     time.Duration `yaml:"max_clock_skew"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	StoreTimeout     time.Duration `yaml:"store_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
}

// StoreConfig represents shard layout and replication
type StoreConfig struct {
	ShardCount           int           `yaml:"shard_count"`
	Nodes                []string      `yaml:"nodes"`
	SyncReplication      bool          `yaml:"sync_replication"`
	ReplicationQueueSize int           `yaml:"replication_queue_size"`
	ResyncInterval       time.Duration `yaml:"resync_interval"`
	ShardMapTTL          time.Duration `yaml:"shard_map_ttl"`
}

// FanoutConfig tunes live delivery
type FanoutConfig struct {
	CoalesceWindow         time.Duration `yaml:"coalesce_window"`
	DeliveryTimeout        time.Duration `yaml:"delivery_timeout"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	Workers                int           `yaml:"workers"`
	QueueSize              int           `yaml:"queue_size"`
	SubscriberBuffer       int           `yaml:"subscriber_buffer"`
	PingInterval           time.Duration `yaml:"ping_interval"`
}

// VisibilityConfig tunes the visibility filter
type VisibilityConfig struct {
	PolicyCacheTTL time.Duration `yaml:"policy_cache_ttl"`
}

// NotifyConfig tunes the notification gate
type NotifyConfig struct {
	DNDPatterns       []string      `yaml:"dnd_patterns"`
	MinDefer          time.Duration `yaml:"min_defer"`
	EstimatorFallback time.Duration `yaml:"estimator_fallback"`
}

// RateLimitConfig bounds signal ingestion per connector client
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
}

// ClusterConfig represents the optional raft commit log
type ClusterConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NodeID        string `yaml:"node_id"`
	BindAddr      string `yaml:"bind_addr"`
	AdvertiseAddr string `yaml:"advertise_addr"`
	Peers         string `yaml:"peers"`
	DataDir       string `yaml:"data_dir"`

	// ForwardEndpoints maps node IDs to ops base URLs as "id=url,...". When
	// set, followers forward writes to the leader instead of refusing them.
	ForwardEndpoints string `yaml:"forward_endpoints"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	cfg := Default()

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if os.Getenv("PRESENCE_CONFIG") != "" {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:      ":8080",
			OpsAddr:       ":8081",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
			IngestTimeout: 3 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Database: DatabaseConfig{
			URL: "./data/presence.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Presence: PresenceConfig{
			IdleThreshold:    120 * time.Second,
			AwayThreshold:    600 * time.Second,
			OfflineThreshold: 1800 * time.Second,
			RecordTTL:        15 * time.Minute,
			MaxClockSkew:     5 * time.Minute,
			SweepInterval:    30 * time.Second,
			StoreTimeout:     200 * time.Millisecond,
			MaxRetries:       3,
		},
		Store: StoreConfig{
			ShardCount:           16,
			Nodes:                []string{"node-a", "node-b", "node-c"},
			ReplicationQueueSize: 1024,
			ResyncInterval:       time.Second,
			ShardMapTTL:          5 * time.Second,
		},
		Fanout: FanoutConfig{
			CoalesceWindow:         time.Second,
			DeliveryTimeout:        time.Second,
			MaxConsecutiveFailures: 3,
			Workers:                4,
			QueueSize:              4096,
			SubscriberBuffer:       64,
			PingInterval:           25 * time.Second,
		},
		Visibility: VisibilityConfig{
			PolicyCacheTTL: 5 * time.Second,
		},
		Notify: NotifyConfig{
			MinDefer:          time.Minute,
			EstimatorFallback: 15 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   600,
			Window:  time.Minute,
		},
		Cluster: ClusterConfig{
			NodeID:        "node-1",
			BindAddr:      "127.0.0.1:8300",
			AdvertiseAddr: "127.0.0.1:8300",
			DataDir:       "./data/raft",
		},
	}
}

// getConfigPath returns the configuration file path
func getConfigPath() string {
	if path := os.Getenv("PRESENCE_CONFIG"); path != "" {
		return path
	}
	return "presence.yaml"
}

// applyEnv overrides configuration with environment variables
func (c *Config) applyEnv() {
	c.Server.HTTPAddr = getEnv("PRESENCE_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.OpsAddr = getEnv("PRESENCE_OPS_ADDR", c.Server.OpsAddr)
	if port := os.Getenv("PORT"); port != "" {
		c.Server.HTTPAddr = ":" + port
	}
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	c.Presence.IdleThreshold = getEnvDuration("PRESENCE_IDLE_THRESHOLD", c.Presence.IdleThreshold)
	c.Presence.AwayThreshold = getEnvDuration("PRESENCE_AWAY_THRESHOLD", c.Presence.AwayThreshold)
	c.Presence.OfflineThreshold = getEnvDuration("PRESENCE_OFFLINE_THRESHOLD", c.Presence.OfflineThreshold)
	c.Presence.RecordTTL = getEnvDuration("PRESENCE_RECORD_TTL", c.Presence.RecordTTL)
	c.Presence.SweepInterval = getEnvDuration("PRESENCE_SWEEP_INTERVAL", c.Presence.SweepInterval)

	c.Store.ShardCount = getEnvInt("PRESENCE_SHARD_COUNT", c.Store.ShardCount)
	if nodes := os.Getenv("PRESENCE_STORE_NODES"); nodes != "" {
		c.Store.Nodes = splitList(nodes)
	}
	c.Store.SyncReplication = getEnvBool("PRESENCE_SYNC_REPLICATION", c.Store.SyncReplication)

	c.Fanout.CoalesceWindow = getEnvDuration("PRESENCE_COALESCE_WINDOW", c.Fanout.CoalesceWindow)
	c.Fanout.DeliveryTimeout = getEnvDuration("PRESENCE_DELIVERY_TIMEOUT", c.Fanout.DeliveryTimeout)

	c.RateLimit.Enabled = getEnvBool("PRESENCE_RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.Limit = getEnvInt("PRESENCE_RATE_LIMIT", c.RateLimit.Limit)
	c.RateLimit.Window = getEnvDuration("PRESENCE_RATE_WINDOW", c.RateLimit.Window)

	c.Cluster.Enabled = getEnvBool("CLUSTER_ENABLED", c.Cluster.Enabled)
	c.Cluster.NodeID = getEnv("CLUSTER_NODE_ID", c.Cluster.NodeID)
	c.Cluster.BindAddr = getEnv("CLUSTER_BIND_ADDR", c.Cluster.BindAddr)
	c.Cluster.AdvertiseAddr = getEnv("CLUSTER_ADVERTISE_ADDR", c.Cluster.AdvertiseAddr)
	c.Cluster.Peers = getEnv("CLUSTER_PEERS", c.Cluster.Peers)
	c.Cluster.DataDir = getEnv("CLUSTER_DATA_DIR", c.Cluster.DataDir)
	c.Cluster.ForwardEndpoints = getEnv("CLUSTER_FORWARD_ENDPOINTS", c.Cluster.ForwardEndpoints)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	p := c.Presence
	if p.IdleThreshold <= 0 || p.AwayThreshold <= p.IdleThreshold || p.OfflineThreshold <= p.AwayThreshold {
		return fmt.Errorf("activity thresholds must satisfy 0 < idle < away < offline, got %s/%s/%s",
			p.IdleThreshold, p.AwayThreshold, p.OfflineThreshold)
	}
	if p.RecordTTL <= 0 {
		return fmt.Errorf("presence.record_ttl must be positive")
	}
	if p.StoreTimeout <= 0 || p.StoreTimeout > time.Second {
		return fmt.Errorf("presence.store_timeout must be in (0, 1s], got %s", p.StoreTimeout)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("presence.max_retries must not be negative")
	}
	if c.Store.ShardCount <= 0 {
		return fmt.Errorf("store.shard_count must be positive")
	}
	if len(c.Store.Nodes) < 2 {
		return fmt.Errorf("store.nodes needs at least two nodes for primary/standby placement")
	}
	seen := make(map[string]bool, len(c.Store.Nodes))
	for _, n := range c.Store.Nodes {
		if n == "" || seen[n] {
			return fmt.Errorf("store.nodes must be unique and non-empty")
		}
		seen[n] = true
	}
	if c.Fanout.CoalesceWindow < 0 {
		return fmt.Errorf("fanout.coalesce_window must not be negative")
	}
	if c.Fanout.DeliveryTimeout <= 0 {
		return fmt.Errorf("fanout.delivery_timeout must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when enabled")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console", "text":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Cluster.Enabled && (c.Cluster.NodeID == "" || c.Cluster.BindAddr == "") {
		return fmt.Errorf("cluster.node_id and cluster.bind_addr are required when the cluster is enabled")
	}
	return nil
}

// LogConfiguration logs the loaded configuration
func LogConfiguration(logger *zap.Logger, c *Config) {
	logger.Info("presence configuration",
		zap.String("http_addr", c.Server.HTTPAddr),
		zap.String("ops_addr", c.Server.OpsAddr),
		zap.String("database", MaskDatabaseURL(c.Database.URL)),
		zap.String("log_level", c.Logging.Level),
		zap.Duration("idle_threshold", c.Presence.IdleThreshold),
		zap.Duration("away_threshold", c.Presence.AwayThreshold),
		zap.Duration("offline_threshold", c.Presence.OfflineThreshold),
		zap.Duration("record_ttl", c.Presence.RecordTTL),
		zap.Duration("sweep_interval", c.Presence.SweepInterval),
		zap.Int("shard_count", c.Store.ShardCount),
		zap.Strings("store_nodes", c.Store.Nodes),
		zap.Bool("sync_replication", c.Store.SyncReplication),
		zap.Duration("coalesce_window", c.Fanout.CoalesceWindow),
		zap.Duration("delivery_timeout", c.Fanout.DeliveryTimeout),
		zap.Bool("rate_limit_enabled", c.RateLimit.Enabled),
		zap.Int("rate_limit", c.RateLimit.Limit),
		zap.Duration("rate_window", c.RateLimit.Window),
		zap.Bool("cluster_enabled", c.Cluster.Enabled))
	if c.Cluster.Enabled {
		logger.Info("cluster configuration",
			zap.String("node_id", c.Cluster.NodeID),
			zap.String("bind_addr", c.Cluster.BindAddr),
			zap.String("advertise_addr", c.Cluster.AdvertiseAddr),
			zap.String("peers", c.Cluster.Peers),
			zap.String("data_dir", c.Cluster.DataDir),
			zap.String("forward_endpoints", c.Cluster.ForwardEndpoints))
	}
}

// IsPostgres reports whether the database URL selects the postgres driver
func (d DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

// MaskDatabaseURL masks sensitive information in database URL
func MaskDatabaseURL(dsn string) string {
	if len(dsn) > 20 {
		return dsn[:10] + "..." + dsn[len(dsn)-10:]
	}
	return "***"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets an environment variable as boolean with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

// getEnvInt gets an environment variable as integer with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// getEnvDuration gets an environment variable as duration with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}
