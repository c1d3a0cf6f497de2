package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"

	"github.com/jgirmay/presenced/pkg/models"
	"github.com/jgirmay/presenced/pkg/services/presence"
)

// CommandType defines the type of command being applied
type CommandType string

const (
	CommandRecordCAS CommandType = "record_cas"
)

// Command represents a command to be applied to the state machine
type Command struct {
	Type      CommandType     `json:"type"`
	NodeID    string          `json:"node_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// RecordCASData is the payload of a record_cas command
type RecordCASData struct {
	UserID          string       `json:"user_id"`
	ExpectedVersion uint64       `json:"expected_version"`
	Entry           models.Entry `json:"entry"`
}

// StateApplier is the local state the log is applied to
type StateApplier interface {
	GetEntry(ctx context.Context, userID string) (*models.Entry, error)
	ApplyCompareAndSwap(userID string, expectedVersion uint64, entry models.Entry) error
	Export() []models.Entry
	Import(entries []models.Entry)
}

// FSM is the finite state machine for Raft. Every committed record_cas is
// replayed against the local presence store, and visible changes are handed
// to the observer on every member, followers included.
type FSM struct {
	state    StateApplier
	observer atomic.Pointer[func(models.Change)]

	mu          sync.RWMutex
	applied     uint64
	rejected    uint64
	lastApplied time.Time
}

// NewFSM creates a new finite state machine over state
func NewFSM(state StateApplier) *FSM {
	return &FSM{state: state}
}

// SetObserver registers fn to receive every visible change this member
// applies. fn runs on the apply goroutine and must not block.
func (f *FSM) SetObserver(fn func(models.Change)) {
	f.observer.Store(&fn)
}

// Apply applies a committed log entry. The returned value is nil or the
// error the store produced, surfaced to the leader through the apply future.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	switch cmd.Type {
	case CommandRecordCAS:
		var data RecordCASData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return fmt.Errorf("invalid record_cas data: %w", err)
		}
		observe := f.observer.Load()
		var prev *models.Entry
		if observe != nil {
			// the log applies one command at a time, so prev is what the swap replaces
			prev, _ = f.state.GetEntry(context.Background(), data.UserID)
		}
		err := f.state.ApplyCompareAndSwap(data.UserID, data.ExpectedVersion, data.Entry)
		if err == nil && observe != nil && *observe != nil {
			if change, visible := presence.ChangeOf(prev, data.Entry.Record); visible {
				(*observe)(change)
			}
		}

		f.mu.Lock()
		f.applied++
		if err != nil {
			f.rejected++
		}
		f.lastApplied = time.Unix(0, cmd.Timestamp)
		f.mu.Unlock()
		return err
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// Snapshot returns a snapshot of the FSM state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &snapshot{Entries: f.state.Export()}, nil
}

// Restore restores the FSM from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	f.state.Import(snap.Entries)
	return nil
}

// GetState returns counters describing applied commands
func (f *FSM) GetState() map[string]interface{} {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return map[string]interface{}{
		"applied":      f.applied,
		"rejected":     f.rejected,
		"last_applied": f.lastApplied,
	}
}

// RecordCASCommand creates a record compare-and-swap command
func RecordCASCommand(nodeID, userID string, expectedVersion uint64, entry models.Entry) ([]byte, error) {
	data, err := json.Marshal(RecordCASData{
		UserID:          userID,
		ExpectedVersion: expectedVersion,
		Entry:           entry,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{
		Type:      CommandRecordCAS,
		NodeID:    nodeID,
		Data:      data,
		Timestamp: time.Now().UnixNano(),
	})
}

// snapshot represents a snapshot of the FSM
type snapshot struct {
	Entries []models.Entry `json:"entries"`
}

// Persist writes the snapshot to the sink
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return sink.Close()
}

// Release is called when we're done with the snapshot
func (s *snapshot) Release() {}
