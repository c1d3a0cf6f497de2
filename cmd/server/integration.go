package main

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/cluster/raft"
	"github.com/jgirmay/presenced/pkg/config"
	"github.com/jgirmay/presenced/pkg/store"
)

const leaderWait = 10 * time.Second

// initCluster starts the raft node that orders store writes across members
func initCluster(cfg config.ClusterConfig, st *store.Store, logger *zap.Logger) (*raft.Node, error) {
	peers, err := raft.ParsePeers(cfg.Peers)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster peers: %w", err)
	}

	logger.Info("[INIT] initializing raft node",
		zap.String("node_id", cfg.NodeID),
		zap.String("bind_addr", cfg.BindAddr),
		zap.Int("peers", len(peers)))

	node, err := raft.InitWithConfig(raft.NodeConfig{
		NodeID:        cfg.NodeID,
		BindAddr:      cfg.BindAddr,
		AdvertiseAddr: cfg.AdvertiseAddr,
		DataDir:       cfg.DataDir,
		Bootstrap:     true,
		Peers:         peers,
	}, st, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize raft: %w", err)
	}

	if cfg.ForwardEndpoints != "" {
		endpoints, err := raft.ParseEndpoints(cfg.ForwardEndpoints)
		if err != nil {
			node.Shutdown()
			return nil, fmt.Errorf("invalid cluster forward endpoints: %w", err)
		}
		node.SetForwarder(raft.NewHTTPForwarder(endpoints, nil))
		logger.Info("[INIT] follower writes forwarded to the leader", zap.Int("endpoints", len(endpoints)))
	}

	if node.WaitForLeader(leaderWait) {
		logger.Info("[INIT] raft leader elected",
			zap.String("leader", node.Leader()),
			zap.Bool("is_leader", node.IsLeader()))
	} else {
		// writes fail with store unavailable until a leader exists
		logger.Warn("[INIT] no raft leader yet, continuing", zap.Duration("waited", leaderWait))
	}
	return node, nil
}
