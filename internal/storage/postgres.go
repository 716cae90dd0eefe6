package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresAdapter implements Adapter on a pgx connection pool. Documents,
// snapshot states and session metadata live in JSONB columns; vector
// clocks are one row per (document, client).
type PostgresAdapter struct {
	cfg *Config
	log zerolog.Logger

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// NewPostgresAdapter builds an adapter from cfg; Connect must be called
// before use.
func NewPostgresAdapter(cfg *Config, log zerolog.Logger) *PostgresAdapter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &PostgresAdapter{cfg: cfg, log: log.With().Str("component", "storage").Logger()}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id         TEXT PRIMARY KEY,
		state      JSONB NOT NULL,
		version    BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS vector_clocks (
		document_id TEXT NOT NULL,
		client_id   TEXT NOT NULL,
		clock_value BIGINT NOT NULL DEFAULT 0,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (document_id, client_id)
	)`,
	`CREATE TABLE IF NOT EXISTS deltas (
		id             UUID PRIMARY KEY,
		document_id    TEXT NOT NULL,
		client_id      TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		field_path     TEXT NOT NULL DEFAULT '',
		value          JSONB,
		clock_value    BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS deltas_document_created_idx
		ON deltas (document_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id           UUID PRIMARY KEY,
		user_id      TEXT NOT NULL,
		client_id    TEXT NOT NULL DEFAULT '',
		connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		metadata     JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions (user_id)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id          UUID PRIMARY KEY,
		document_id TEXT NOT NULL,
		state       JSONB NOT NULL,
		version     JSONB NOT NULL DEFAULT '{}',
		size_bytes  INTEGER NOT NULL DEFAULT 0,
		compressed  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS snapshots_document_created_idx
		ON snapshots (document_id, created_at DESC)`,
}

// Connect opens the pool, pings the database and applies the schema.
func (p *PostgresAdapter) Connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(p.cfg.ConnectionString)
	if err != nil {
		return &ConnectionError{Op: "parse config", Err: err}
	}
	poolCfg.MinConns = p.cfg.PoolMinConns
	poolCfg.MaxConns = p.cfg.PoolMaxConns
	if p.cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = p.cfg.AcquireTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return &ConnectionError{Op: "open pool", Err: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return &ConnectionError{Op: "ping", Err: err}
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return &QueryError{Op: "apply schema", Err: err}
		}
	}

	p.mu.Lock()
	p.pool = pool
	p.mu.Unlock()
	p.log.Info().Int32("maxConns", p.cfg.PoolMaxConns).Msg("connected to postgres")
	return nil
}

func (p *PostgresAdapter) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

func (p *PostgresAdapter) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pool != nil
}

func (p *PostgresAdapter) HealthCheck(ctx context.Context) (bool, error) {
	pool, err := p.getPool()
	if err != nil {
		return false, err
	}
	if err := pool.Ping(ctx); err != nil {
		return false, &ConnectionError{Op: "ping", Err: err}
	}
	return true, nil
}

func (p *PostgresAdapter) getPool() (*pgxpool.Pool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pool == nil {
		return nil, ErrNotConnected
	}
	return p.pool, nil
}

func (p *PostgresAdapter) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.CommandTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.CommandTimeout)
	}
	return context.WithCancel(ctx)
}

func (p *PostgresAdapter) GetDocument(ctx context.Context, id string) (*Document, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	doc := &Document{ID: id}
	var state []byte
	err = pool.QueryRow(ctx,
		`SELECT state, version, created_at, updated_at FROM documents WHERE id = $1`,
		id,
	).Scan(&state, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &QueryError{Op: "get document", Err: err}
	}
	if err := json.Unmarshal(state, &doc.State); err != nil {
		return nil, &QueryError{Op: "decode document state", Err: err}
	}
	return doc, nil
}

func (p *PostgresAdapter) SaveDocument(ctx context.Context, id string, state map[string]any) (*Document, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, &QueryError{Op: "encode document state", Err: err}
	}

	doc := &Document{ID: id, State: state}
	err = pool.QueryRow(ctx,
		`INSERT INTO documents (id, state) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE
		 SET state = EXCLUDED.state,
		     version = documents.version + 1,
		     updated_at = NOW()
		 RETURNING version, created_at, updated_at`,
		id, encoded,
	).Scan(&doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, &QueryError{Op: "save document", Err: err}
	}
	return doc, nil
}

func (p *PostgresAdapter) UpdateDocument(ctx context.Context, id string, state map[string]any) (*Document, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, &QueryError{Op: "encode document state", Err: err}
	}

	doc := &Document{ID: id, State: state}
	err = pool.QueryRow(ctx,
		`UPDATE documents
		 SET state = $2, version = version + 1, updated_at = NOW()
		 WHERE id = $1
		 RETURNING version, created_at, updated_at`,
		id, encoded,
	).Scan(&doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "document", ID: id}
	}
	if err != nil {
		return nil, &QueryError{Op: "update document", Err: err}
	}
	return doc, nil
}

func (p *PostgresAdapter) DeleteDocument(ctx context.Context, id string) (bool, error) {
	pool, err := p.getPool()
	if err != nil {
		return false, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, &QueryError{Op: "begin delete document", Err: err}
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM vector_clocks WHERE document_id = $1`,
		`DELETE FROM deltas WHERE document_id = $1`,
		`DELETE FROM snapshots WHERE document_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return false, &QueryError{Op: "delete document children", Err: err}
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return false, &QueryError{Op: "delete document", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, &QueryError{Op: "commit delete document", Err: err}
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresAdapter) ListDocuments(ctx context.Context, limit, offset int) ([]*Document, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := pool.Query(ctx,
		`SELECT id, state, version, created_at, updated_at
		 FROM documents ORDER BY updated_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, &QueryError{Op: "list documents", Err: err}
	}
	defer rows.Close()

	out := []*Document{}
	for rows.Next() {
		doc := &Document{}
		var state []byte
		if err := rows.Scan(&doc.ID, &state, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, &QueryError{Op: "scan document", Err: err}
		}
		if err := json.Unmarshal(state, &doc.State); err != nil {
			return nil, &QueryError{Op: "decode document state", Err: err}
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) GetVectorClock(ctx context.Context, documentID string) (map[string]int64, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := pool.Query(ctx,
		`SELECT client_id, clock_value FROM vector_clocks WHERE document_id = $1`,
		documentID,
	)
	if err != nil {
		return nil, &QueryError{Op: "get vector clock", Err: err}
	}
	defer rows.Close()

	clock := make(map[string]int64)
	for rows.Next() {
		var client string
		var value int64
		if err := rows.Scan(&client, &value); err != nil {
			return nil, &QueryError{Op: "scan vector clock", Err: err}
		}
		clock[client] = value
	}
	return clock, rows.Err()
}

// UpdateVectorClock sets one component to the given value. Monotonic
// merging is MergeVectorClock's job; a single-component update is an
// unconditional overwrite.
func (p *PostgresAdapter) UpdateVectorClock(ctx context.Context, documentID, clientID string, clockValue int64) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	_, err = pool.Exec(ctx,
		`INSERT INTO vector_clocks (document_id, client_id, clock_value)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (document_id, client_id) DO UPDATE
		 SET clock_value = EXCLUDED.clock_value,
		     updated_at = NOW()`,
		documentID, clientID, clockValue,
	)
	if err != nil {
		return &QueryError{Op: "update vector clock", Err: err}
	}
	return nil
}

// MergeVectorClock merges all components in one transaction so a crash
// mid-merge never leaves a partially applied clock.
func (p *PostgresAdapter) MergeVectorClock(ctx context.Context, documentID string, clock map[string]int64) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return &QueryError{Op: "begin merge vector clock", Err: err}
	}
	defer tx.Rollback(ctx)

	for client, value := range clock {
		_, err := tx.Exec(ctx,
			`INSERT INTO vector_clocks (document_id, client_id, clock_value)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (document_id, client_id) DO UPDATE
			 SET clock_value = GREATEST(vector_clocks.clock_value, EXCLUDED.clock_value),
			     updated_at = NOW()`,
			documentID, client, value,
		)
		if err != nil {
			return &QueryError{Op: "merge vector clock", Err: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return &QueryError{Op: "commit merge vector clock", Err: err}
	}
	return nil
}

func (p *PostgresAdapter) SaveDelta(ctx context.Context, delta *Delta) (*Delta, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	stored := *delta
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	var value []byte
	if stored.Value != nil {
		value, err = json.Marshal(stored.Value)
		if err != nil {
			return nil, &QueryError{Op: "encode delta value", Err: err}
		}
	}

	err = pool.QueryRow(ctx,
		`INSERT INTO deltas (id, document_id, client_id, operation_type, field_path, value, clock_value)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		stored.ID, stored.DocumentID, stored.ClientID, stored.OperationType,
		stored.FieldPath, value, stored.ClockValue,
	).Scan(&stored.Timestamp)
	if err != nil {
		return nil, &QueryError{Op: "save delta", Err: err}
	}
	return &stored, nil
}

func (p *PostgresAdapter) GetDeltas(ctx context.Context, documentID string, limit int) ([]*Delta, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := pool.Query(ctx,
		`SELECT id, document_id, client_id, operation_type, field_path, value, clock_value, created_at
		 FROM deltas WHERE document_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		documentID, limit,
	)
	if err != nil {
		return nil, &QueryError{Op: "get deltas", Err: err}
	}
	defer rows.Close()

	out := []*Delta{}
	for rows.Next() {
		d := &Delta{}
		var value []byte
		if err := rows.Scan(&d.ID, &d.DocumentID, &d.ClientID, &d.OperationType,
			&d.FieldPath, &value, &d.ClockValue, &d.Timestamp); err != nil {
			return nil, &QueryError{Op: "scan delta", Err: err}
		}
		if len(value) > 0 {
			if err := json.Unmarshal(value, &d.Value); err != nil {
				return nil, &QueryError{Op: "decode delta value", Err: err}
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) SaveSession(ctx context.Context, session *Session) (*Session, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	stored := *session
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	var metadata []byte
	if stored.Metadata != nil {
		metadata, err = json.Marshal(stored.Metadata)
		if err != nil {
			return nil, &QueryError{Op: "encode session metadata", Err: err}
		}
	}

	err = pool.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, client_id, metadata)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET last_seen = NOW(), metadata = EXCLUDED.metadata
		 RETURNING connected_at, last_seen`,
		stored.ID, stored.UserID, stored.ClientID, metadata,
	).Scan(&stored.ConnectedAt, &stored.LastSeen)
	if err != nil {
		return nil, &QueryError{Op: "save session", Err: err}
	}
	return &stored, nil
}

func (p *PostgresAdapter) UpdateSession(ctx context.Context, sessionID string, lastSeen time.Time, metadata map[string]any) error {
	pool, err := p.getPool()
	if err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var encoded []byte
	if metadata != nil {
		encoded, err = json.Marshal(metadata)
		if err != nil {
			return &QueryError{Op: "encode session metadata", Err: err}
		}
	}

	tag, err := pool.Exec(ctx,
		`UPDATE sessions
		 SET last_seen = $2, metadata = COALESCE($3, metadata)
		 WHERE id = $1`,
		sessionID, lastSeen, encoded,
	)
	if err != nil {
		return &QueryError{Op: "update session", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Resource: "session", ID: sessionID}
	}
	return nil
}

func (p *PostgresAdapter) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	pool, err := p.getPool()
	if err != nil {
		return false, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	tag, err := pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return false, &QueryError{Op: "delete session", Err: err}
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresAdapter) GetSessions(ctx context.Context, userID string) ([]*Session, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := pool.Query(ctx,
		`SELECT id, user_id, client_id, connected_at, last_seen, metadata
		 FROM sessions WHERE user_id = $1 ORDER BY connected_at`,
		userID,
	)
	if err != nil {
		return nil, &QueryError{Op: "get sessions", Err: err}
	}
	defer rows.Close()

	out := []*Session{}
	for rows.Next() {
		s := &Session{}
		var metadata []byte
		if err := rows.Scan(&s.ID, &s.UserID, &s.ClientID, &s.ConnectedAt, &s.LastSeen, &metadata); err != nil {
			return nil, &QueryError{Op: "scan session", Err: err}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
				return nil, &QueryError{Op: "decode session metadata", Err: err}
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) SaveSnapshot(ctx context.Context, snapshot *Snapshot) (*Snapshot, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	stored := *snapshot
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	state, err := json.Marshal(stored.State)
	if err != nil {
		return nil, &QueryError{Op: "encode snapshot state", Err: err}
	}
	if stored.SizeBytes == 0 {
		stored.SizeBytes = len(state)
	}
	version := stored.Version
	if version == nil {
		version = map[string]int64{}
	}
	versionJSON, err := json.Marshal(version)
	if err != nil {
		return nil, &QueryError{Op: "encode snapshot version", Err: err}
	}

	err = pool.QueryRow(ctx,
		`INSERT INTO snapshots (id, document_id, state, version, size_bytes, compressed)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		stored.ID, stored.DocumentID, state, versionJSON, stored.SizeBytes, stored.Compressed,
	).Scan(&stored.CreatedAt)
	if err != nil {
		return nil, &QueryError{Op: "save snapshot", Err: err}
	}
	return &stored, nil
}

func (p *PostgresAdapter) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	snap, err := scanSnapshot(pool.QueryRow(ctx,
		`SELECT id, document_id, state, version, size_bytes, compressed, created_at
		 FROM snapshots WHERE id = $1`,
		snapshotID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

func (p *PostgresAdapter) GetLatestSnapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	snap, err := scanSnapshot(pool.QueryRow(ctx,
		`SELECT id, document_id, state, version, size_bytes, compressed, created_at
		 FROM snapshots WHERE document_id = $1
		 ORDER BY created_at DESC LIMIT 1`,
		documentID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

func (p *PostgresAdapter) ListSnapshots(ctx context.Context, documentID string, limit int) ([]*Snapshot, error) {
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	rows, err := pool.Query(ctx,
		`SELECT id, document_id, state, version, size_bytes, compressed, created_at
		 FROM snapshots WHERE document_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		documentID, limit,
	)
	if err != nil {
		return nil, &QueryError{Op: "list snapshots", Err: err}
	}
	defer rows.Close()

	out := []*Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) DeleteSnapshot(ctx context.Context, snapshotID string) (bool, error) {
	pool, err := p.getPool()
	if err != nil {
		return false, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	tag, err := pool.Exec(ctx, `DELETE FROM snapshots WHERE id = $1`, snapshotID)
	if err != nil {
		return false, &QueryError{Op: "delete snapshot", Err: err}
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresAdapter) SaveTextDocument(ctx context.Context, id, content, crdtState string, clock int64) (*TextDocument, error) {
	state := map[string]any{
		"type":    "text",
		"content": content,
		"crdt":    crdtState,
		"clock":   clock,
	}
	doc, err := p.SaveDocument(ctx, id, state)
	if err != nil {
		return nil, err
	}
	return &TextDocument{
		ID:        id,
		Content:   content,
		CRDTState: crdtState,
		Clock:     clock,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (p *PostgresAdapter) GetTextDocument(ctx context.Context, id string) (*TextDocument, error) {
	doc, err := p.GetDocument(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	return textFromEnvelope(doc)
}

// Cleanup runs all retention deletes in one transaction: stale sessions,
// old deltas, and snapshots that are either ranked past the per-document
// keep count or older than the retention window.
func (p *PostgresAdapter) Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error) {
	if options == nil {
		options = DefaultCleanupOptions()
	}
	pool, err := p.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, &QueryError{Op: "begin cleanup", Err: err}
	}
	defer tx.Rollback(ctx)

	result := &CleanupResult{}

	tag, err := tx.Exec(ctx,
		`DELETE FROM sessions WHERE last_seen < NOW() - make_interval(hours => $1)`,
		options.OldSessionsHours,
	)
	if err != nil {
		return nil, &QueryError{Op: "cleanup sessions", Err: err}
	}
	result.SessionsDeleted = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx,
		`DELETE FROM deltas WHERE created_at < NOW() - make_interval(days => $1)`,
		options.OldDeltasDays,
	)
	if err != nil {
		return nil, &QueryError{Op: "cleanup deltas", Err: err}
	}
	result.DeltasDeleted = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx,
		`DELETE FROM snapshots WHERE id IN (
			SELECT id FROM (
				SELECT id,
				       ROW_NUMBER() OVER (
				           PARTITION BY document_id ORDER BY created_at DESC
				       ) AS rn,
				       created_at
				FROM snapshots
			) ranked
			WHERE rn > $1 OR created_at < NOW() - make_interval(days => $2)
		)`,
		options.MaxSnapshotsPerDocument, options.OldSnapshotsDays,
	)
	if err != nil {
		return nil, &QueryError{Op: "cleanup snapshots", Err: err}
	}
	result.SnapshotsDeleted = int(tag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return nil, &QueryError{Op: "commit cleanup", Err: err}
	}
	p.log.Info().
		Int("sessions", result.SessionsDeleted).
		Int("deltas", result.DeltasDeleted).
		Int("snapshots", result.SnapshotsDeleted).
		Msg("cleanup finished")
	return result, nil
}

func scanSnapshot(row pgx.Row) (*Snapshot, error) {
	snap := &Snapshot{}
	var state, version []byte
	err := row.Scan(&snap.ID, &snap.DocumentID, &state, &version,
		&snap.SizeBytes, &snap.Compressed, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, &QueryError{Op: "scan snapshot", Err: err}
	}
	if err := json.Unmarshal(state, &snap.State); err != nil {
		return nil, &QueryError{Op: "decode snapshot state", Err: err}
	}
	if len(version) > 0 {
		if err := json.Unmarshal(version, &snap.Version); err != nil {
			return nil, &QueryError{Op: "decode snapshot version", Err: err}
		}
	}
	return snap, nil
}
