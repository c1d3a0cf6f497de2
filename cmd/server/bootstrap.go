package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jgirmay/presenced/internal/health"
	"github.com/jgirmay/presenced/pkg/cluster/raft"
	"github.com/jgirmay/presenced/pkg/config"
	"github.com/jgirmay/presenced/pkg/metrics"
	"github.com/jgirmay/presenced/pkg/repository"
	"github.com/jgirmay/presenced/pkg/services/fanout"
	"github.com/jgirmay/presenced/pkg/services/notify"
	"github.com/jgirmay/presenced/pkg/services/presence"
	"github.com/jgirmay/presenced/pkg/services/rate_limiting"
	"github.com/jgirmay/presenced/pkg/services/visibility"
	"github.com/jgirmay/presenced/pkg/services/websocket"
	"github.com/jgirmay/presenced/pkg/store"
)

// Components holds every initialized service of the presence server
type Components struct {
	DB          *gorm.DB
	Registry    *repository.Registry
	Prometheus  *prometheus.Registry
	Metrics     *metrics.Metrics
	Store       *store.Store
	ShardMap    *store.ShardMapCache
	RaftNode    *raft.Node
	Engine      *presence.Engine
	Sweeper     *presence.Sweeper
	Filter      *visibility.Filter
	Fanout      *fanout.Registry
	Broadcaster *fanout.Broadcaster
	Stream      *websocket.StreamServer
	Gate        *notify.Gate
	Limiter     *rate_limiting.SlidingWindowLimiter
	Health      *health.HealthChecker

	cfg    *config.Config
	logger *zap.Logger
}

// Bootstrap builds every component. Nothing runs until Start.
func Bootstrap(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{cfg: cfg, logger: logger}
	clock := presence.SystemClock{}

	logger.Info("[INIT] initializing database", zap.String("url", config.MaskDatabaseURL(cfg.Database.URL)))
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	c.DB = db

	c.Registry = repository.NewRegistry(db)
	if err := c.Registry.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize repository registry: %w", err)
	}
	logger.Info("[INIT] repository registry initialized")

	c.Prometheus = prometheus.NewRegistry()
	c.Prometheus.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = metrics.New(c.Prometheus)

	c.Store, err = store.New(store.Config{
		ShardCount:           cfg.Store.ShardCount,
		Nodes:                cfg.Store.Nodes,
		SyncReplication:      cfg.Store.SyncReplication,
		ReplicationQueueSize: cfg.Store.ReplicationQueueSize,
		ResyncInterval:       cfg.Store.ResyncInterval,
	}, clock, logger, c.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence store: %w", err)
	}
	c.ShardMap = store.NewShardMapCache(c.Store, cfg.Store.ShardMapTTL, clock)
	logger.Info("[INIT] presence store created",
		zap.Int("shards", cfg.Store.ShardCount),
		zap.Strings("nodes", cfg.Store.Nodes))

	if cfg.Cluster.Enabled {
		if c.RaftNode, err = initCluster(cfg.Cluster, c.Store, logger); err != nil {
			return nil, err
		}
		c.Store.SetCommitLog(c.RaftNode)
	}

	c.Filter = visibility.NewFilter(
		c.Registry.VisibilityPolicyRepository,
		c.Registry.RelationshipRepository,
		cfg.Visibility.PolicyCacheTTL,
		clock,
		logger,
	)

	fanoutCfg := fanout.Config{
		CoalesceWindow:         cfg.Fanout.CoalesceWindow,
		QueueSize:              cfg.Fanout.QueueSize,
		Workers:                cfg.Fanout.Workers,
		DeliveryTimeout:        cfg.Fanout.DeliveryTimeout,
		MaxConsecutiveFailures: cfg.Fanout.MaxConsecutiveFailures,
		SubscriberBuffer:       cfg.Fanout.SubscriberBuffer,
	}
	c.Fanout = fanout.NewRegistry(fanoutCfg, logger, c.Metrics)
	c.Broadcaster = fanout.NewBroadcaster(fanoutCfg, c.Fanout, c.Registry.RelationshipRepository, c.Filter, logger, c.Metrics)
	c.Stream = websocket.NewStreamServer(c.Fanout, websocket.StreamConfig{
		PingInterval: cfg.Fanout.PingInterval,
		WriteTimeout: cfg.Fanout.DeliveryTimeout,
	}, logger)

	thresholds := presence.ActivityThresholds{
		Idle:    cfg.Presence.IdleThreshold,
		Away:    cfg.Presence.AwayThreshold,
		Offline: cfg.Presence.OfflineThreshold,
	}
	resolver := presence.NewResolver(presence.DefaultPriorityTable, thresholds)
	c.Store.SetResolver(resolver)

	// with a commit log every member publishes what its state machine applies,
	// so the engine must not publish its own writes a second time
	var publisher presence.Publisher = c.Broadcaster
	if c.RaftNode != nil {
		c.RaftNode.OnChange(c.Broadcaster.Publish)
		publisher = nil
	}
	c.Engine = presence.NewEngine(
		presence.NewNormalizer(presence.DefaultPriorityTable, presence.NormalizerConfig{
			RecordTTL:        cfg.Presence.RecordTTL,
			OfflineThreshold: cfg.Presence.OfflineThreshold,
			MaxClockSkew:     cfg.Presence.MaxClockSkew,
		}),
		resolver,
		c.Store,
		publisher,
		clock,
		logger,
		c.Metrics,
		presence.EngineConfig{
			StoreTimeout: cfg.Presence.StoreTimeout,
			MaxRetries:   cfg.Presence.MaxRetries,
		},
	)
	c.Sweeper = presence.NewSweeper(c.Engine, cfg.Presence.SweepInterval)
	if c.RaftNode != nil {
		c.Sweeper.OnlyWhen(c.RaftNode.IsLeader)
	}

	c.Gate, err = notify.NewGate(
		notify.Config{DNDPatterns: cfg.Notify.DNDPatterns, MinDefer: cfg.Notify.MinDefer},
		c.Engine,
		notify.ClaimExpiryEstimator{Fallback: cfg.Notify.EstimatorFallback},
		notify.LogScheduler{Logger: logger.Named("scheduler")},
		c.Registry.NotificationAuditRepository,
		clock,
		logger,
		c.Metrics,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification gate: %w", err)
	}

	if cfg.RateLimit.Enabled {
		c.Limiter, err = rate_limiting.NewSlidingWindowLimiter(rate_limiting.Rule{
			Name:   "signals",
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window,
		}, clock)
		if err != nil {
			return nil, err
		}
	}

	c.Health = health.NewHealthChecker(0)
	c.Health.Register("database", func(ctx context.Context) error { return c.Registry.Ping() })
	c.Health.Register("store", health.StoreCheck(c.Store))
	if c.RaftNode != nil {
		c.Health.Register("raft", func(ctx context.Context) error {
			if c.RaftNode.Leader() == "" {
				return fmt.Errorf("no raft leader")
			}
			return nil
		})
	}

	logger.Info("[INIT] presence services initialized")
	return c, nil
}

// Start launches the background workers
func (c *Components) Start(ctx context.Context) {
	c.Store.Start()
	c.Broadcaster.Start()
	c.Sweeper.Start(ctx)
	if c.Limiter != nil {
		c.Limiter.StartCleanup(ctx, 0)
	}
	c.logger.Info("[INIT] background workers started",
		zap.Duration("sweep_interval", c.cfg.Presence.SweepInterval))
}

// Shutdown stops workers in reverse dependency order
func (c *Components) Shutdown() {
	c.logger.Info("[SHUTDOWN] stopping sweeper")
	c.Sweeper.Stop()
	if c.Limiter != nil {
		c.Limiter.Stop()
	}

	c.logger.Info("[SHUTDOWN] stopping fan-out")
	c.Broadcaster.Stop()
	c.Fanout.Close()

	if c.RaftNode != nil {
		c.logger.Info("[SHUTDOWN] stopping raft node")
		if err := c.RaftNode.Shutdown(); err != nil {
			c.logger.Warn("[SHUTDOWN] raft shutdown error", zap.Error(err))
		}
	}

	c.Store.Close()

	c.logger.Info("[SHUTDOWN] closing database connection")
	if err := c.Registry.Close(); err != nil {
		c.logger.Warn("[SHUTDOWN] database close error", zap.Error(err))
	}
}

// openDatabase selects the postgres driver for postgres URLs and SQLite otherwise
func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	if cfg.IsPostgres() {
		db, err := gorm.Open(postgres.Open(cfg.URL), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return db, nil
	}

	if dir := filepath.Dir(cfg.URL); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(cfg.URL), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}
