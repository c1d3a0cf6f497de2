package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jgirmay/presenced/pkg/services/presence"
)

// CommitPath is the ops route on which a leader accepts forwarded commands
const CommitPath = "/api/cluster/raft/commit"

// Forwarder hands an encoded command to the current leader
type Forwarder interface {
	Forward(ctx context.Context, leaderID string, command []byte) error
}

// HTTPForwarder posts commands to the commit route of the leader's ops listener
type HTTPForwarder struct {
	endpoints map[string]string
	client    *http.Client
}

// NewHTTPForwarder creates a forwarder over endpoints, which maps node IDs to
// ops base URLs such as http://10.0.0.1:9090
func NewHTTPForwarder(endpoints map[string]string, client *http.Client) *HTTPForwarder {
	if client == nil {
		client = &http.Client{Timeout: applyTimeout}
	}
	trimmed := make(map[string]string, len(endpoints))
	for id, base := range endpoints {
		trimmed[id] = strings.TrimRight(base, "/")
	}
	return &HTTPForwarder{endpoints: trimmed, client: client}
}

// ParseEndpoints parses a comma-separated list of "id=url" ops endpoints
func ParseEndpoints(s string) (map[string]string, error) {
	peers, err := ParsePeers(s)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(peers))
	for _, p := range peers {
		out[p.ID] = p.Address
	}
	return out, nil
}

// Forward sends command to leaderID. A version conflict on the leader comes
// back as presence.ErrVersionMismatch so writers re-resolve as they would locally.
func (f *HTTPForwarder) Forward(ctx context.Context, leaderID string, command []byte) error {
	base, ok := f.endpoints[leaderID]
	if !ok {
		return fmt.Errorf("%w: no forwarding endpoint for leader %s", presence.ErrStoreUnavailable, leaderID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+CommitPath, bytes.NewReader(command))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: forward to %s: %v", presence.ErrStoreUnavailable, leaderID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = resp.Status
	}
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", presence.ErrVersionMismatch, body.Error)
	}
	return fmt.Errorf("%w: leader %s: %s", presence.ErrStoreUnavailable, leaderID, body.Error)
}
