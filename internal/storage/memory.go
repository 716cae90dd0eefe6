package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAdapter is a map-backed Adapter for single-node deployments
// without a DATABASE_URL and for tests. Data does not survive restarts.
type MemoryAdapter struct {
	mu        sync.RWMutex
	connected bool

	documents map[string]*Document
	clocks    map[string]map[string]int64
	deltas    map[string][]*Delta
	sessions  map[string]*Session
	snapshots map[string]*Snapshot

	now func() time.Time // stubbed in tests
}

// NewMemoryAdapter returns an empty, disconnected adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		documents: make(map[string]*Document),
		clocks:    make(map[string]map[string]int64),
		deltas:    make(map[string][]*Delta),
		sessions:  make(map[string]*Session),
		snapshots: make(map[string]*Snapshot),
		now:       time.Now,
	}
}

func (m *MemoryAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MemoryAdapter) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MemoryAdapter) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MemoryAdapter) HealthCheck(ctx context.Context) (bool, error) {
	return m.IsConnected(), nil
}

func (m *MemoryAdapter) guard() error {
	if !m.connected {
		return ErrNotConnected
	}
	return nil
}

func (m *MemoryAdapter) GetDocument(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}
	doc, ok := m.documents[id]
	if !ok {
		return nil, nil
	}
	return copyDocument(doc), nil
}

func (m *MemoryAdapter) SaveDocument(ctx context.Context, id string, state map[string]any) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	now := m.now()
	doc, ok := m.documents[id]
	if ok {
		doc.State = copyState(state)
		doc.Version++
		doc.UpdatedAt = now
	} else {
		doc = &Document{
			ID:        id,
			State:     copyState(state),
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.documents[id] = doc
	}
	return copyDocument(doc), nil
}

func (m *MemoryAdapter) UpdateDocument(ctx context.Context, id string, state map[string]any) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	doc, ok := m.documents[id]
	if !ok {
		return nil, &NotFoundError{Resource: "document", ID: id}
	}
	doc.State = copyState(state)
	doc.Version++
	doc.UpdatedAt = m.now()
	return copyDocument(doc), nil
}

func (m *MemoryAdapter) DeleteDocument(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return false, err
	}

	_, ok := m.documents[id]
	if !ok {
		return false, nil
	}
	delete(m.documents, id)
	delete(m.clocks, id)
	delete(m.deltas, id)
	for sid, snap := range m.snapshots {
		if snap.DocumentID == id {
			delete(m.snapshots, sid)
		}
	}
	return true, nil
}

func (m *MemoryAdapter) ListDocuments(ctx context.Context, limit, offset int) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	all := make([]*Document, 0, len(m.documents))
	for _, doc := range m.documents {
		all = append(all, doc)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	if offset >= len(all) {
		return []*Document{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	out := make([]*Document, len(all))
	for i, doc := range all {
		out[i] = copyDocument(doc)
	}
	return out, nil
}

func (m *MemoryAdapter) GetVectorClock(ctx context.Context, documentID string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(m.clocks[documentID]))
	for client, value := range m.clocks[documentID] {
		out[client] = value
	}
	return out, nil
}

func (m *MemoryAdapter) UpdateVectorClock(ctx context.Context, documentID, clientID string, clockValue int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}

	clock := m.clocks[documentID]
	if clock == nil {
		clock = make(map[string]int64)
		m.clocks[documentID] = clock
	}
	clock[clientID] = clockValue
	return nil
}

// MergeVectorClock takes the element-wise maximum, so replaying the same
// merge is a no-op.
func (m *MemoryAdapter) MergeVectorClock(ctx context.Context, documentID string, incoming map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}

	clock := m.clocks[documentID]
	if clock == nil {
		clock = make(map[string]int64)
		m.clocks[documentID] = clock
	}
	for client, value := range incoming {
		if value > clock[client] {
			clock[client] = value
		}
	}
	return nil
}

func (m *MemoryAdapter) SaveDelta(ctx context.Context, delta *Delta) (*Delta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	stored := *delta
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = m.now()
	}
	m.deltas[stored.DocumentID] = append(m.deltas[stored.DocumentID], &stored)
	out := stored
	return &out, nil
}

func (m *MemoryAdapter) GetDeltas(ctx context.Context, documentID string, limit int) ([]*Delta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	rows := m.deltas[documentID]
	n := len(rows)
	if limit > 0 && limit < n {
		n = limit
	}
	// Newest first, like the DESC query the SQL backend runs.
	out := make([]*Delta, 0, n)
	for i := len(rows) - 1; i >= len(rows)-n; i-- {
		cp := *rows[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryAdapter) SaveSession(ctx context.Context, session *Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	stored := *session
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := m.now()
	if stored.ConnectedAt.IsZero() {
		stored.ConnectedAt = now
	}
	if stored.LastSeen.IsZero() {
		stored.LastSeen = now
	}
	m.sessions[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (m *MemoryAdapter) UpdateSession(ctx context.Context, sessionID string, lastSeen time.Time, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return err
	}

	session, ok := m.sessions[sessionID]
	if !ok {
		return &NotFoundError{Resource: "session", ID: sessionID}
	}
	session.LastSeen = lastSeen
	if metadata != nil {
		session.Metadata = copyState(metadata)
	}
	return nil
}

func (m *MemoryAdapter) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return false, err
	}

	_, ok := m.sessions[sessionID]
	if !ok {
		return false, nil
	}
	delete(m.sessions, sessionID)
	return true, nil
}

func (m *MemoryAdapter) GetSessions(ctx context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	out := []*Session{}
	for _, session := range m.sessions {
		if session.UserID == userID {
			cp := *session
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out, nil
}

func (m *MemoryAdapter) SaveSnapshot(ctx context.Context, snapshot *Snapshot) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	stored := *snapshot
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}
	stored.State = copyState(snapshot.State)
	m.snapshots[stored.ID] = &stored
	return copySnapshot(&stored), nil
}

func (m *MemoryAdapter) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	snap, ok := m.snapshots[snapshotID]
	if !ok {
		return nil, nil
	}
	return copySnapshot(snap), nil
}

func (m *MemoryAdapter) GetLatestSnapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	var latest *Snapshot
	for _, snap := range m.snapshots {
		if snap.DocumentID != documentID {
			continue
		}
		if latest == nil || snap.CreatedAt.After(latest.CreatedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copySnapshot(latest), nil
}

func (m *MemoryAdapter) ListSnapshots(ctx context.Context, documentID string, limit int) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	out := []*Snapshot{}
	for _, snap := range m.snapshots {
		if snap.DocumentID == documentID {
			out = append(out, copySnapshot(snap))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryAdapter) DeleteSnapshot(ctx context.Context, snapshotID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return false, err
	}

	_, ok := m.snapshots[snapshotID]
	if !ok {
		return false, nil
	}
	delete(m.snapshots, snapshotID)
	return true, nil
}

// SaveTextDocument stores the text document as an envelope inside the
// generic document table.
func (m *MemoryAdapter) SaveTextDocument(ctx context.Context, id, content, crdtState string, clock int64) (*TextDocument, error) {
	state := map[string]any{
		"type":    "text",
		"content": content,
		"crdt":    crdtState,
		"clock":   clock,
	}
	doc, err := m.SaveDocument(ctx, id, state)
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

func (m *MemoryAdapter) GetTextDocument(ctx context.Context, id string) (*TextDocument, error) {
	doc, err := m.GetDocument(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	return textFromEnvelope(doc)
}

// Cleanup deletes expired sessions, old deltas and stale snapshots in
// one pass. Snapshots are dropped when ranked beyond the per-document
// keep count or older than the retention window.
func (m *MemoryAdapter) Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error) {
	if options == nil {
		options = DefaultCleanupOptions()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.guard(); err != nil {
		return nil, err
	}

	now := m.now()
	result := &CleanupResult{}

	sessionCutoff := now.Add(-time.Duration(options.OldSessionsHours) * time.Hour)
	for id, session := range m.sessions {
		if session.LastSeen.Before(sessionCutoff) {
			delete(m.sessions, id)
			result.SessionsDeleted++
		}
	}

	deltaCutoff := now.AddDate(0, 0, -options.OldDeltasDays)
	for docID, rows := range m.deltas {
		kept := rows[:0]
		for _, d := range rows {
			if d.Timestamp.Before(deltaCutoff) {
				result.DeltasDeleted++
			} else {
				kept = append(kept, d)
			}
		}
		if len(kept) == 0 {
			delete(m.deltas, docID)
		} else {
			m.deltas[docID] = kept
		}
	}

	snapshotCutoff := now.AddDate(0, 0, -options.OldSnapshotsDays)
	byDoc := make(map[string][]*Snapshot)
	for _, snap := range m.snapshots {
		byDoc[snap.DocumentID] = append(byDoc[snap.DocumentID], snap)
	}
	for _, snaps := range byDoc {
		sort.Slice(snaps, func(i, j int) bool {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		})
		for rank, snap := range snaps {
			if rank >= options.MaxSnapshotsPerDocument || snap.CreatedAt.Before(snapshotCutoff) {
				delete(m.snapshots, snap.ID)
				result.SnapshotsDeleted++
			}
		}
	}

	return result, nil
}

func copyState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyState(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

func copyDocument(doc *Document) *Document {
	cp := *doc
	cp.State = copyState(doc.State)
	return &cp
}

func copySnapshot(snap *Snapshot) *Snapshot {
	cp := *snap
	cp.State = copyState(snap.State)
	if snap.Version != nil {
		cp.Version = make(map[string]int64, len(snap.Version))
		for k, v := range snap.Version {
			cp.Version[k] = v
		}
	}
	return &cp
}

// textFromEnvelope unpacks a {type:"text"} document row. Numeric fields
// survive a JSON round trip as float64.
func textFromEnvelope(doc *Document) (*TextDocument, error) {
	if doc.State == nil {
		return nil, nil
	}
	if kind, _ := doc.State["type"].(string); kind != "text" {
		return nil, nil
	}

	text := &TextDocument{
		ID:        doc.ID,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	text.Content, _ = doc.State["content"].(string)
	text.CRDTState, _ = doc.State["crdt"].(string)
	switch v := doc.State["clock"].(type) {
	case int64:
		text.Clock = v
	case int:
		text.Clock = int64(v)
	case float64:
		text.Clock = int64(v)
	}
	return text, nil
}
