// Package websocket serves the live presence stream over gorilla websockets.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/services/fanout"
)

// Message types sent by the server besides presence events
const (
	MessageSubscribed = "subscribed"
	MessagePong       = "pong"
	MessageFilterAck  = "filter_ack"
	MessageError      = "error"
)

// Frame types accepted from clients
const (
	FramePing   = "ping"
	FrameFilter = "filter"
)

// Message represents a control message sent to a client
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
}

// Frame is a message received from a client
type Frame struct {
	Type      string            `json:"type"`
	FilterSet *models.FilterSet `json:"filter_set,omitempty"`
}

// StreamConfig tunes connection keepalive
type StreamConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultStreamConfig pings every 25s and drops connections silent for 60s
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		PingInterval: 25 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Client represents one connected stream client. It is the fan-out sink of
// its subscription.
type Client struct {
	ID string

	conn         *websocket.Conn
	writeTimeout time.Duration
	handle       *fanout.Handle

	writeMu  sync.Mutex
	mu       sync.Mutex
	lastSeen time.Time
}

// Deliver writes a presence event, bounded by the deadline of ctx
func (c *Client) Deliver(ctx context.Context, ev fanout.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}
	return c.writeJSON(ev, deadline)
}

// LastSeen returns when the client last sent a frame or pong
func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) send(msg Message) error {
	msg.Timestamp = time.Now()
	msg.ClientID = c.ID
	return c.writeJSON(msg, time.Now().Add(c.writeTimeout))
}

func (c *Client) writeJSON(v interface{}, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// StreamServer upgrades stream requests and binds each connection to a
// fan-out subscription
type StreamServer struct {
	registry *fanout.Registry
	cfg      StreamConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewStreamServer creates a stream server over registry
func NewStreamServer(registry *fanout.Registry, cfg StreamConfig, logger *zap.Logger) *StreamServer {
	def := DefaultStreamConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamServer{
		registry: registry,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger.Named("stream"),
		clients: make(map[string]*Client),
	}
}

// GetClientCount returns the number of connected clients
func (s *StreamServer) GetClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ClientInfo describes one connected client for the ops surface
type ClientInfo struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	LastSeen       time.Time `json:"last_seen"`
}

// Clients lists connected clients, least recently seen first
func (s *StreamServer) Clients() []ClientInfo {
	s.mu.RLock()
	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, ClientInfo{ID: c.ID, SubscriptionID: c.handle.ID(), LastSeen: c.LastSeen()})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })
	return out
}

// ServeHTTP handles GET /presence/stream?context_type=&context_id=&viewer_id=
func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sub := models.Subscription{
		SubscriberID: q.Get("viewer_id"),
		ContextType:  models.ContextType(q.Get("context_type")),
		ContextID:    q.Get("context_id"),
	}
	if sub.ContextType == "" {
		sub.ContextType = models.ContextGlobal
	}
	if err := fanout.ValidateSubscription(sub); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": "INVALID_SUBSCRIPTION"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:           uuid.New().String(),
		conn:         conn,
		writeTimeout: s.cfg.WriteTimeout,
		lastSeen:     time.Now(),
	}

	handle, err := s.registry.Subscribe(sub, client)
	if err != nil {
		s.logger.Warn("subscription refused", zap.String("client_id", client.ID), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(s.cfg.WriteTimeout))
		conn.Close()
		return
	}
	client.handle = handle

	s.register(client)
	defer s.unregister(client)

	if err := client.send(Message{
		Type: MessageSubscribed,
		Data: map[string]interface{}{
			"subscription_id": handle.ID(),
			"context_type":    sub.ContextType,
			"context_id":      sub.Key().ID,
			"viewer_id":       sub.SubscriberID,
		},
	}); err != nil {
		return
	}

	done := make(chan struct{})
	go s.keepalive(client, done)
	s.readLoop(client)
	close(done)
}

func (s *StreamServer) register(c *Client) {
	s.mu.Lock()
	s.clients[c.ID] = c
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("client connected", zap.String("client_id", c.ID), zap.Int("total", n))
}

// unregister ends the subscription before the socket closes, so no delivery
// is attempted on a closed connection
func (s *StreamServer) unregister(c *Client) {
	c.handle.Close()
	c.conn.Close()

	s.mu.Lock()
	delete(s.clients, c.ID)
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("client disconnected", zap.String("client_id", c.ID), zap.Int("total", n))
}

func (s *StreamServer) readLoop(c *Client) {
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("client read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		if err := s.handleFrame(c, frame); err != nil {
			s.logger.Debug("client write failed", zap.String("client_id", c.ID), zap.Error(err))
			return
		}
	}
}

func (s *StreamServer) handleFrame(c *Client, frame Frame) error {
	switch frame.Type {
	case FramePing:
		return c.send(Message{Type: MessagePong})
	case FrameFilter:
		var f models.FilterSet
		if frame.FilterSet != nil {
			f = *frame.FilterSet
		}
		for _, st := range f.Statuses {
			if !st.Valid() {
				return c.send(Message{Type: MessageError, Data: "unknown status " + string(st)})
			}
		}
		c.handle.SetFilter(f)
		return c.send(Message{Type: MessageFilterAck, Data: f})
	default:
		return c.send(Message{Type: MessageError, Data: "unknown frame type " + frame.Type})
	}
}

func (s *StreamServer) keepalive(c *Client, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.handle.Done():
			// dropped by fan-out after repeated failures
			c.conn.Close()
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// Close disconnects every client
func (s *StreamServer) Close() {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		c.writeMu.Unlock()
		c.conn.Close()
	}
}
