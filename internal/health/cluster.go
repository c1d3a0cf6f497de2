package health

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	clusterraft "github.com/jgirmay/presenced/pkg/cluster/raft"
	"github.com/jgirmay/presenced/pkg/services/presence"
	"github.com/jgirmay/presenced/pkg/store"
)

// NodeController changes the availability of store nodes
type NodeController interface {
	MarkNodeUnreachable(node string) error
	FailNode(node string) error
	RecoverNode(node string) error
}

// RaftStatus reports the consensus state of this member and changes the
// cluster membership through it
type RaftStatus interface {
	Status() map[string]interface{}
	Peers() ([]clusterraft.Peer, error)
	AddVoter(id, addr string) error
	RemovePeer(id string) error
	CommitCommand(ctx context.Context, command []byte) error
}

// PeerRequest is the body of POST /api/cluster/raft/peers
type PeerRequest struct {
	ID      string `json:"id" binding:"required"`
	Address string `json:"address" binding:"required"`
}

// ClusterHandler exposes shard placement and failover controls
type ClusterHandler struct {
	nodes  NodeController
	shards *store.ShardMapCache
	raft   RaftStatus
	logger *zap.Logger
}

// NewClusterHandler creates the cluster admin handler. raft may be nil when
// the store runs without a replicated log.
func NewClusterHandler(nodes NodeController, shards *store.ShardMapCache, raft RaftStatus, logger *zap.Logger) *ClusterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClusterHandler{
		nodes:  nodes,
		shards: shards,
		raft:   raft,
		logger: logger.Named("cluster"),
	}
}

// RegisterRoutes registers cluster admin endpoints
func (h *ClusterHandler) RegisterRoutes(engine *gin.Engine) {
	cluster := engine.Group("/api/cluster")
	{
		cluster.GET("/shards", h.handleShards)
		cluster.GET("/shards/lookup/:userID", h.handleLookup)
		cluster.GET("/raft", h.handleRaft)
		cluster.GET("/raft/peers", h.handlePeers)
		cluster.POST("/raft/peers", h.handleAddPeer)
		cluster.DELETE("/raft/peers/:id", h.handleRemovePeer)
		cluster.POST(strings.TrimPrefix(clusterraft.CommitPath, "/api/cluster"), h.handleCommit)
		cluster.POST("/nodes/:node/unreachable", h.handleNodeAction("unreachable", h.nodes.MarkNodeUnreachable))
		cluster.POST("/nodes/:node/failover", h.handleNodeAction("failover", h.nodes.FailNode))
		cluster.POST("/nodes/:node/recover", h.handleNodeAction("recover", h.nodes.RecoverNode))
	}
}

func (h *ClusterHandler) handleShards(c *gin.Context) {
	c.JSON(http.StatusOK, h.shards.Get())
}

func (h *ClusterHandler) handleLookup(c *gin.Context) {
	assignment, ok := h.shards.Lookup(c.Param("userID"))
	if !ok {
		respondError(c, http.StatusServiceUnavailable, "NO_SHARDS", "shard map is empty")
		return
	}
	c.JSON(http.StatusOK, assignment)
}

func (h *ClusterHandler) handleRaft(c *gin.Context) {
	if h.raft == nil {
		respondError(c, http.StatusNotFound, "RAFT_DISABLED", "cluster replication is not enabled")
		return
	}
	c.JSON(http.StatusOK, h.raft.Status())
}

func (h *ClusterHandler) handlePeers(c *gin.Context) {
	if h.raft == nil {
		respondError(c, http.StatusNotFound, "RAFT_DISABLED", "cluster replication is not enabled")
		return
	}
	peers, err := h.raft.Peers()
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "RAFT_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (h *ClusterHandler) handleAddPeer(c *gin.Context) {
	if h.raft == nil {
		respondError(c, http.StatusNotFound, "RAFT_DISABLED", "cluster replication is not enabled")
		return
	}
	var req PeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := h.raft.AddVoter(req.ID, req.Address); err != nil {
		h.membershipFailed(c, "add", req.ID, err)
		return
	}
	h.logger.Info("raft voter added", zap.String("peer_id", req.ID), zap.String("address", req.Address))
	h.handlePeers(c)
}

func (h *ClusterHandler) handleRemovePeer(c *gin.Context) {
	if h.raft == nil {
		respondError(c, http.StatusNotFound, "RAFT_DISABLED", "cluster replication is not enabled")
		return
	}
	id := c.Param("id")
	if err := h.raft.RemovePeer(id); err != nil {
		h.membershipFailed(c, "remove", id, err)
		return
	}
	h.logger.Info("raft peer removed", zap.String("peer_id", id))
	h.handlePeers(c)
}

// handleCommit applies a write forwarded by a follower
func (h *ClusterHandler) handleCommit(c *gin.Context) {
	if h.raft == nil {
		respondError(c, http.StatusNotFound, "RAFT_DISABLED", "cluster replication is not enabled")
		return
	}
	cmd, err := c.GetRawData()
	if err != nil || len(cmd) == 0 {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "command body is required")
		return
	}
	err = h.raft.CommitCommand(c.Request.Context(), cmd)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, presence.ErrVersionMismatch):
		respondError(c, http.StatusConflict, "VERSION_MISMATCH", err.Error())
	default:
		h.logger.Warn("forwarded commit failed", zap.Error(err))
		respondError(c, http.StatusServiceUnavailable, "RAFT_UNAVAILABLE", err.Error())
	}
}

func (h *ClusterHandler) membershipFailed(c *gin.Context, action, id string, err error) {
	h.logger.Warn("raft membership change failed",
		zap.String("action", action),
		zap.String("peer_id", id),
		zap.Error(err))
	if errors.Is(err, clusterraft.ErrNotLeader) {
		respondError(c, http.StatusConflict, "NOT_LEADER", err.Error())
		return
	}
	respondError(c, http.StatusServiceUnavailable, "RAFT_UNAVAILABLE", err.Error())
}

func (h *ClusterHandler) handleNodeAction(action string, apply func(string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		node := c.Param("node")
		if err := apply(node); err != nil {
			h.logger.Warn("node action failed",
				zap.String("action", action),
				zap.String("node", node),
				zap.Error(err))
			respondError(c, http.StatusNotFound, "UNKNOWN_NODE", err.Error())
			return
		}
		h.shards.Invalidate()
		h.logger.Info("node action applied", zap.String("action", action), zap.String("node", node))
		c.JSON(http.StatusOK, h.shards.Get())
	}
}
