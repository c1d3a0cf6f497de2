// Package raft orders presence store writes through a HashiCorp Raft log so
// that every cluster member applies the same compare-and-swap sequence.
package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/services/presence"
)

const applyTimeout = 5 * time.Second

// ErrNotLeader is returned for membership changes attempted on a follower
var ErrNotLeader = errors.New("not the raft leader")

// Peer is one cluster member. Bootstrap peers are always voters.
type Peer struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Suffrage string `json:"suffrage,omitempty"`
}

// NodeConfig holds configuration for a Raft node
type NodeConfig struct {
	// NodeID is the unique identifier for this node in the cluster
	NodeID string

	// BindAddr is the address to bind the Raft server to (e.g., "0.0.0.0:8300")
	BindAddr string

	// AdvertiseAddr is the address other nodes should use to reach this node
	AdvertiseAddr string

	// DataDir is the directory to store Raft logs and snapshots
	DataDir string

	// Bootstrap indicates whether this node should bootstrap a new cluster
	Bootstrap bool

	// Peers are the initial voters for bootstrap. This node is added if absent.
	Peers []Peer

	// HeartbeatTimeout is the time before a follower considers the leader dead
	HeartbeatTimeout time.Duration

	// ElectionTimeout is the time before a candidate starts a new election
	ElectionTimeout time.Duration

	// SnapshotInterval is how often to take a snapshot
	SnapshotInterval time.Duration

	// SnapshotRetain is how many snapshots to keep
	SnapshotRetain int
}

func (c *NodeConfig) setDefaults() {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 150 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 300 * time.Millisecond
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 120 * time.Second
	}
	if c.SnapshotRetain == 0 {
		c.SnapshotRetain = 2
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.BindAddr
	}
}

func (c NodeConfig) raftConfig() *raft.Config {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(c.NodeID)
	rc.HeartbeatTimeout = c.HeartbeatTimeout
	rc.ElectionTimeout = c.ElectionTimeout
	rc.LeaderLeaseTimeout = c.HeartbeatTimeout
	rc.SnapshotInterval = c.SnapshotInterval
	rc.SnapshotThreshold = 8192
	rc.TrailingLogs = 10240
	rc.LogLevel = "WARN"
	return rc
}

// Node wraps a Raft node with convenience methods
type Node struct {
	raft   *raft.Raft
	fsm    *FSM
	config NodeConfig
	logger *zap.Logger

	mu        sync.RWMutex
	isLeader  bool
	leader    string
	forwarder Forwarder

	done     chan struct{}
	stopOnce sync.Once
}

// NewNode creates a Raft node persisting its log in bolt under DataDir
func NewNode(config NodeConfig, fsm *FSM, logger *zap.Logger) (*Node, error) {
	config.setDefaults()
	if err := os.MkdirAll(config.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(config.DataDir, "logs.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(config.DataDir, "stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(config.DataDir, config.SnapshotRetain, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	advertise, err := net.ResolveTCPAddr("tcp", config.AdvertiseAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve advertise address: %w", err)
	}

	transport, err := raft.NewTCPTransport(config.BindAddr, advertise, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return start(config, fsm, logger, logStore, stableStore, snapshots, transport)
}

// NewInmemNode creates a single-voter node backed by in-memory stores
func NewInmemNode(nodeID string, fsm *FSM, logger *zap.Logger) (*Node, error) {
	config := NodeConfig{
		NodeID:           nodeID,
		Bootstrap:        true,
		HeartbeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  50 * time.Millisecond,
	}
	config.setDefaults()

	addr, transport := raft.NewInmemTransport("")
	config.AdvertiseAddr = string(addr)
	store := raft.NewInmemStore()
	return start(config, fsm, logger, store, store, raft.NewInmemSnapshotStore(), transport)
}

// NewInmemCluster creates one node per FSM, named node-1 onward, joined over
// in-memory transports and bootstrapped as a single configuration
func NewInmemCluster(fsms []*FSM, logger *zap.Logger) ([]*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	configs := make([]NodeConfig, len(fsms))
	transports := make([]*raft.InmemTransport, len(fsms))
	var peers []Peer
	for i := range fsms {
		addr, transport := raft.NewInmemTransport("")
		transports[i] = transport
		configs[i] = NodeConfig{
			NodeID:           fmt.Sprintf("node-%d", i+1),
			AdvertiseAddr:    string(addr),
			HeartbeatTimeout: 50 * time.Millisecond,
			ElectionTimeout:  50 * time.Millisecond,
		}
		configs[i].setDefaults()
		peers = append(peers, Peer{ID: configs[i].NodeID, Address: string(addr)})
	}
	for i, a := range transports {
		for j, b := range transports {
			if i != j {
				a.Connect(b.LocalAddr(), b)
			}
		}
	}

	nodes := make([]*Node, 0, len(fsms))
	for i, fsm := range fsms {
		if i == 0 {
			configs[i].Bootstrap = true
			configs[i].Peers = peers
		}
		store := raft.NewInmemStore()
		node, err := start(configs[i], fsm, logger.With(zap.String("node_id", configs[i].NodeID)),
			store, store, raft.NewInmemSnapshotStore(), transports[i])
		if err != nil {
			for _, started := range nodes {
				started.Shutdown()
			}
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func start(
	config NodeConfig,
	fsm *FSM,
	logger *zap.Logger,
	logs raft.LogStore,
	stable raft.StableStore,
	snapshots raft.SnapshotStore,
	transport raft.Transport,
) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	raftNode, err := raft.NewRaft(config.raftConfig(), fsm, logs, stable, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	n := &Node{
		raft:   raftNode,
		fsm:    fsm,
		config: config,
		logger: logger.Named("raft"),
		done:   make(chan struct{}),
	}

	if config.Bootstrap {
		servers := []raft.Server{{
			ID:      raft.ServerID(config.NodeID),
			Address: raft.ServerAddress(config.AdvertiseAddr),
		}}
		for _, p := range config.Peers {
			if p.ID == config.NodeID {
				continue
			}
			servers = append(servers, raft.Server{
				ID:      raft.ServerID(p.ID),
				Address: raft.ServerAddress(p.Address),
			})
		}

		future := raftNode.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	go n.monitorLeadership()
	return n, nil
}

// monitorLeadership watches for leadership changes
func (n *Node) monitorLeadership() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			leaderAddr, leaderID := n.raft.LeaderWithID()
			isLeader := n.raft.State() == raft.Leader

			n.mu.Lock()
			if isLeader != n.isLeader {
				n.logger.Info("leadership changed",
					zap.String("node_id", n.config.NodeID),
					zap.Bool("leader", isLeader))
			}
			n.isLeader = isLeader
			n.leader = string(leaderID)
			if n.leader == "" && leaderAddr != "" {
				n.leader = string(leaderAddr)
			}
			n.mu.Unlock()
		}
	}
}

// CommitCompareAndSwap replicates a record compare-and-swap through the log
// and returns the store's verdict once it is applied. Followers hand the
// command to the leader through the forwarder, or refuse without one.
func (n *Node) CommitCompareAndSwap(ctx context.Context, userID string, expectedVersion uint64, entry models.Entry) error {
	cmd, err := RecordCASCommand(n.config.NodeID, userID, expectedVersion, entry)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	if n.raft.State() == raft.Leader {
		return n.CommitCommand(ctx, cmd)
	}

	n.mu.RLock()
	fwd := n.forwarder
	n.mu.RUnlock()
	leader := n.Leader()
	if fwd == nil || leader == "" {
		return fmt.Errorf("%w: node %s is not the raft leader", presence.ErrStoreUnavailable, n.config.NodeID)
	}
	return fwd.Forward(ctx, leader, cmd)
}

// CommitCommand applies an encoded command through the log. It is the
// receiving end of forwarded writes and never forwards again.
func (n *Node) CommitCommand(ctx context.Context, cmd []byte) error {
	if n.raft.State() != raft.Leader {
		return fmt.Errorf("%w: node %s is not the raft leader", presence.ErrStoreUnavailable, n.config.NodeID)
	}

	timeout := applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return fmt.Errorf("%w: %v", presence.ErrStoreUnavailable, context.DeadlineExceeded)
		}
	}

	future := n.raft.Apply(cmd, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("%w: raft apply: %v", presence.ErrStoreUnavailable, err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return resp
	}
	return nil
}

// SetForwarder lets followers accept writes by passing them to the leader
func (n *Node) SetForwarder(f Forwarder) {
	n.mu.Lock()
	n.forwarder = f
	n.mu.Unlock()
}

// OnChange registers fn to receive every visible change applied on this member
func (n *Node) OnChange(fn func(models.Change)) {
	n.fsm.SetObserver(fn)
}

// AddVoter adds a voting member to the cluster. Only the leader can change
// membership.
func (n *Node) AddVoter(id, addr string) error {
	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, applyTimeout)
	return n.membershipError(future.Error())
}

// RemovePeer removes a peer from the cluster
func (n *Node) RemovePeer(id string) error {
	future := n.raft.RemoveServer(raft.ServerID(id), 0, applyTimeout)
	return n.membershipError(future.Error())
}

func (n *Node) membershipError(err error) error {
	if errors.Is(err, raft.ErrNotLeader) {
		return fmt.Errorf("%w: leader is %q", ErrNotLeader, n.Leader())
	}
	return err
}

// NodeID returns this node's identifier
func (n *Node) NodeID() string {
	return n.config.NodeID
}

// IsLeader returns whether this node is the current leader
func (n *Node) IsLeader() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.isLeader
}

// Leader returns the current leader's node ID
func (n *Node) Leader() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leader
}

// GetState returns FSM counters
func (n *Node) GetState() map[string]interface{} {
	return n.fsm.GetState()
}

// Peers returns the members of the current cluster configuration
func (n *Node) Peers() ([]Peer, error) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	servers := future.Configuration().Servers
	out := make([]Peer, 0, len(servers))
	for _, srv := range servers {
		out = append(out, Peer{ID: string(srv.ID), Address: string(srv.Address), Suffrage: srv.Suffrage.String()})
	}
	return out, nil
}

// Status summarizes the node for the admin API
func (n *Node) Status() map[string]interface{} {
	return map[string]interface{}{
		"node_id": n.config.NodeID,
		"state":   n.raft.State().String(),
		"leader":  n.Leader(),
		"fsm":     n.fsm.GetState(),
		"stats":   n.raft.Stats(),
	}
}

// WaitForLeader waits up to timeout for a leader to be elected
func (n *Node) WaitForLeader(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return false
		case <-ticker.C:
			if addr, _ := n.raft.LeaderWithID(); addr != "" {
				return true
			}
		}
	}
}

// Shutdown gracefully shuts down the Raft node
func (n *Node) Shutdown() error {
	n.stopOnce.Do(func() { close(n.done) })
	return n.raft.Shutdown().Error()
}
