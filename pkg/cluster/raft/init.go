package raft

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ParsePeers parses a comma-separated list of "id=host:port" peers
func ParsePeers(s string) ([]Peer, error) {
	var peers []Peer
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, ok := strings.Cut(part, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q: want id=host:port", part)
		}
		peers = append(peers, Peer{ID: id, Address: addr})
	}
	return peers, nil
}

// InitWithConfig creates a Raft node applying committed writes to state
func InitWithConfig(config NodeConfig, state StateApplier, logger *zap.Logger) (*Node, error) {
	if config.NodeID == "" {
		return nil, fmt.Errorf("cluster node id is required")
	}
	if config.BindAddr == "" {
		return nil, fmt.Errorf("cluster bind address is required")
	}
	if config.DataDir == "" {
		config.DataDir = "./data/raft"
	}
	return NewNode(config, NewFSM(state), logger)
}
