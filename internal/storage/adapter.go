// Package storage persists documents, vector clocks, delta audit rows,
// sessions and snapshots. The hub depends only on the Adapter interface;
// PostgreSQL is the durable backend and a map-backed adapter covers
// single-node deployments and tests.
package storage

import (
	"context"
	"time"
)

// Document is a stored document: opaque JSON state plus versioning.
type Document struct {
	ID        string         `json:"id"`
	State     map[string]any `json:"state"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Delta is one audit-trail row describing a field-level operation.
type Delta struct {
	ID            string         `json:"id"`
	DocumentID    string         `json:"documentId"`
	ClientID      string         `json:"clientId"`
	OperationType string         `json:"operationType"` // set, delete, merge
	FieldPath     string         `json:"fieldPath"`
	Value         map[string]any `json:"value,omitempty"`
	ClockValue    int64          `json:"clockValue"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Session tracks one live connection for presence and cleanup.
type Session struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	ClientID    string         `json:"clientId,omitempty"`
	ConnectedAt time.Time      `json:"connectedAt"`
	LastSeen    time.Time      `json:"lastSeen"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Snapshot is a point-in-time copy of a document with the vector clock
// it was taken at.
type Snapshot struct {
	ID         string           `json:"id"`
	DocumentID string           `json:"documentId"`
	State      map[string]any   `json:"state"`
	Version    map[string]int64 `json:"version"`
	SizeBytes  int              `json:"sizeBytes"`
	Compressed bool             `json:"compressed"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// TextDocument is a collaborative text document. The server treats the
// CRDT state as opaque; it is stored inside the generic document table
// under a {type:"text", content, crdt, clock} envelope.
type TextDocument struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CRDTState string    `json:"crdtState"`
	Clock     int64     `json:"clock"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CleanupOptions selects what Cleanup deletes.
type CleanupOptions struct {
	OldSessionsHours        int
	OldDeltasDays           int
	OldSnapshotsDays        int
	MaxSnapshotsPerDocument int
}

// DefaultCleanupOptions keeps a day of sessions, a month of deltas and
// ten recent snapshots per document for ninety days.
func DefaultCleanupOptions() *CleanupOptions {
	return &CleanupOptions{
		OldSessionsHours:        24,
		OldDeltasDays:           30,
		OldSnapshotsDays:        90,
		MaxSnapshotsPerDocument: 10,
	}
}

// CleanupResult reports per-table deletion counts.
type CleanupResult struct {
	SessionsDeleted  int `json:"sessionsDeleted"`
	DeltasDeleted    int `json:"deltasDeleted"`
	SnapshotsDeleted int `json:"snapshotsDeleted"`
}

// Adapter is the storage contract the hub and server depend on. Getters
// return (nil, nil) when the resource does not exist; Update methods
// return NotFoundError instead.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) (bool, error)

	GetDocument(ctx context.Context, id string) (*Document, error)
	SaveDocument(ctx context.Context, id string, state map[string]any) (*Document, error)
	UpdateDocument(ctx context.Context, id string, state map[string]any) (*Document, error)
	DeleteDocument(ctx context.Context, id string) (bool, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]*Document, error)

	GetVectorClock(ctx context.Context, documentID string) (map[string]int64, error)
	// UpdateVectorClock sets one clock component unconditionally.
	UpdateVectorClock(ctx context.Context, documentID, clientID string, clockValue int64) error
	// MergeVectorClock takes the element-wise maximum over all components.
	MergeVectorClock(ctx context.Context, documentID string, clock map[string]int64) error

	SaveDelta(ctx context.Context, delta *Delta) (*Delta, error)
	// GetDeltas returns at most limit rows, newest first.
	GetDeltas(ctx context.Context, documentID string, limit int) ([]*Delta, error)

	SaveSession(ctx context.Context, session *Session) (*Session, error)
	UpdateSession(ctx context.Context, sessionID string, lastSeen time.Time, metadata map[string]any) error
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	GetSessions(ctx context.Context, userID string) ([]*Session, error)

	SaveSnapshot(ctx context.Context, snapshot *Snapshot) (*Snapshot, error)
	GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error)
	GetLatestSnapshot(ctx context.Context, documentID string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, documentID string, limit int) ([]*Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) (bool, error)

	SaveTextDocument(ctx context.Context, id, content, crdtState string, clock int64) (*TextDocument, error)
	GetTextDocument(ctx context.Context, id string) (*TextDocument, error)

	Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error)
}

// Config holds backend connection settings.
type Config struct {
	ConnectionString string
	PoolMinConns     int32
	PoolMaxConns     int32
	AcquireTimeout   time.Duration
	CommandTimeout   time.Duration
}

// DefaultConfig mirrors the documented defaults: a small pool, 5 s to
// acquire a connection, 60 s per command.
func DefaultConfig() *Config {
	return &Config{
		PoolMinConns:   2,
		PoolMaxConns:   10,
		AcquireTimeout: 5 * time.Second,
		CommandTimeout: 60 * time.Second,
	}
}
