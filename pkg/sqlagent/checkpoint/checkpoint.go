package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to the checkpoint structure.
const Version = 1

// Checkpoint is the persisted envelope around a session-state snapshot.
type Checkpoint struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	// StageID is the last completed stage when the snapshot was taken.
	StageID   string    `json:"stage_id"`
	// Turn counts completed question/answer cycles for the session.
	Turn      int       `json:"turn"`
	Timestamp time.Time `json:"timestamp"`

	// State is the JSON-serialized session state.
	State json.RawMessage `json:"state"`
}

// New creates a checkpoint. State must already be JSON-serialized.
func New(sessionID, stageID string, turn int, state []byte) *Checkpoint {
	return &Checkpoint{
		Version:   Version,
		SessionID: sessionID,
		StageID:   stageID,
		Turn:      turn,
		Timestamp: time.Now().UTC(),
		State:     state,
	}
}

// Marshal serializes the checkpoint to JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes a checkpoint, rejecting incompatible versions.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Version != Version {
		return nil, fmt.Errorf("checkpoint version mismatch: got %d, want %d", c.Version, Version)
	}
	return &c, nil
}
