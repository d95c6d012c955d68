package persist

import (
	"time"

	"github.com/hivemind-kernel/eventkernel/internal/kernel"
)

// MessageState is the on-disk shape of message-state.json:
// {version, sequences: {sender: {outbound, lastSeen: {recipient: n}}}, lastUpdated}.
// Sequences are keyed by sender and each lastSeen map by recipient, as in
// the tracker's lastSeen[sender][recipient]; lastSeen is not keyed by sender.
type MessageState struct {
	Version     int                     `json:"version"`
	Sequences   map[string]RoleSequence `json:"sequences"`
	LastUpdated int64                   `json:"lastUpdated"`
}

// RoleSequence is one sender's persisted outbound counter and per-
// recipient committed sequence.
type RoleSequence struct {
	Outbound uint64            `json:"outbound"`
	LastSeen map[string]uint64 `json:"lastSeen"`
}

const messageStateVersion = 1

// SnapshotMessageState builds a MessageState from the tracker's current
// in-memory sequencing state.
func SnapshotMessageState(t *kernel.Tracker, now time.Time) *MessageState {
	snapshot := t.StateSnapshot()
	sequences := make(map[string]RoleSequence, len(snapshot))
	for sender, state := range snapshot {
		sequences[sender] = RoleSequence{Outbound: state.Outbound, LastSeen: state.LastSeen}
	}
	return &MessageState{
		Version:     messageStateVersion,
		Sequences:   sequences,
		LastUpdated: now.UnixMilli(),
	}
}

// SaveMessageState writes the tracker's sequencing state to path
// atomically.
func SaveMessageState(path string, t *kernel.Tracker, now time.Time) error {
	return writeJSONAtomic(path, SnapshotMessageState(t, now))
}

// LoadMessageState reads message-state.json from path and applies it to
// the tracker. A missing file is not an error — the tracker simply starts
// from zero state.
func LoadMessageState(path string, t *kernel.Tracker) error {
	var state MessageState
	ok, err := readJSON(path, &state)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	snapshot := make(map[string]kernel.SenderState, len(state.Sequences))
	for sender, seq := range state.Sequences {
		snapshot[sender] = kernel.SenderState{Outbound: seq.Outbound, LastSeen: seq.LastSeen}
	}
	t.LoadStateSnapshot(snapshot)
	return nil
}
