// Package checkpoint provides durable per-session state snapshots so a
// conversation can resume across process restarts.
package checkpoint

import (
	"errors"
	"time"
)

// Store maps an opaque session id to its latest snapshot.
// Implementations must be safe for concurrent use and must give
// read-after-write consistency per session id.
type Store interface {
	// Save stores the latest snapshot for a session, overwriting any
	// previous one.
	Save(sessionID string, data []byte) error

	// Load retrieves the latest snapshot for a session.
	// Returns ErrNotFound if the session has none.
	Load(sessionID string) ([]byte, error)

	// List returns metadata for all stored sessions, most recently
	// updated first. Returns an empty slice (not an error) when the
	// store is empty.
	List() ([]Info, error)

	// Delete removes a session's snapshot.
	// Returns nil if the session doesn't exist.
	Delete(sessionID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Info provides session metadata without loading the full snapshot.
type Info struct {
	SessionID string
	// Revision counts snapshot writes for the session.
	Revision  int
	Timestamp time.Time
	Size      int64
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates no snapshot exists for the session.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")
)
