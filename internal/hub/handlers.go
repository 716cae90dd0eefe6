package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Dancode-188/synckit/internal/auth"
	"github.com/Dancode-188/synckit/internal/logging"
	"github.com/Dancode-188/synckit/internal/metrics"
	"github.com/Dancode-188/synckit/internal/protocol"
	"github.com/Dancode-188/synckit/internal/security"
	"github.com/Dancode-188/synckit/internal/storage"
)

const persistTimeout = 10 * time.Second

func (h *Hub) handlePing(c *Connection, msg *protocol.Message) {
	c.SendMessage(protocol.TypePong, map[string]any{"id": msg.ID})
}

// handleAuth runs the per-connection auth state machine. Verification
// failures are reported opaquely as INVALID_TOKEN.
func (h *Hub) handleAuth(c *Connection, msg *protocol.Message) {
	token := msg.String("token")

	if token != "" {
		decoded, err := auth.VerifyToken(token, h.jwtSecret)
		if err != nil {
			metrics.AuthFailure()
			c.SendMessage(protocol.TypeAuthError, map[string]any{
				"id":    msg.ID,
				"error": "Invalid or expired token",
				"code":  "INVALID_TOKEN",
			})
			return
		}
		c.Authenticated = true
		c.UserID = decoded.UserID
		c.Token = decoded
	} else {
		if h.authRequired {
			metrics.AuthFailure()
			c.SendMessage(protocol.TypeAuthError, map[string]any{
				"id":    msg.ID,
				"error": "Authentication required",
				"code":  "AUTH_REQUIRED",
			})
			return
		}
		c.Authenticated = true
		if userID := msg.String("userId"); userID != "" {
			c.UserID = userID
		} else {
			c.UserID = "anonymous"
		}
		c.Token = &auth.TokenPayload{
			UserID:      c.UserID,
			Permissions: auth.AnonymousPermissions(),
		}
	}

	if clientID := msg.String("clientId"); clientID != "" {
		c.ClientID = clientID
	} else {
		c.ClientID = GenerateID()
	}

	if h.store != nil {
		go h.persistSession(c)
	}

	c.SendMessage(protocol.TypeAuthSuccess, map[string]any{
		"id":       msg.ID,
		"userId":   c.UserID,
		"clientId": c.ClientID,
		"permissions": map[string]any{
			"canRead":  c.Token.Permissions.CanRead,
			"canWrite": c.Token.Permissions.CanWrite,
			"isAdmin":  c.Token.Permissions.IsAdmin,
		},
	})
}

func (h *Hub) persistSession(c *Connection) {
	defer logging.RecoverPanic(h.log, "persist-session", map[string]any{"connId": c.ID})
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	_, err := h.store.SaveSession(ctx, &storage.Session{
		ID:       c.ID,
		UserID:   c.UserID,
		ClientID: c.ClientID,
	})
	if err != nil {
		h.log.Warn().Err(err).Str("connId", c.ID).Msg("session persist failed")
	}
}

// admitRead validates docID and checks read access for c. It answers
// the client itself on failure and reports whether to proceed.
func (h *Hub) admitRead(c *Connection, docID string) bool {
	if !c.Authenticated || c.Token == nil {
		c.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return false
	}
	if valid, reason := security.ValidateDocumentID(docID); !valid {
		c.SendError(reason, "INVALID_DOCUMENT_ID")
		return false
	}
	if !h.namespace.CanAccessDocument(docID) {
		c.SendError("Access denied to this document", "ACCESS_DENIED")
		return false
	}
	if !auth.CanRead(c.Token, docID) {
		c.SendError("Permission denied", "PERMISSION_DENIED")
		return false
	}
	return true
}

func (h *Hub) handleSubscribe(c *Connection, msg *protocol.Message) {
	docID := msg.String("docId")
	if docID == "" {
		c.SendError("Missing docId", "INVALID_REQUEST")
		return
	}
	if !h.admitRead(c, docID) {
		return
	}

	c.Subscriptions[docID] = true
	h.mu.Lock()
	subs := h.subscribers[docID]
	first := subs == nil
	if first {
		subs = make(map[string]bool)
		h.subscribers[docID] = subs
	}
	subs[c.ID] = true
	active := len(h.subscribers)
	h.mu.Unlock()
	metrics.SetActiveDocuments(active)

	if first {
		h.addBusSubscription(docID)
	}

	c.SendMessage(protocol.TypeSyncResponse, map[string]any{
		"id":    msg.ID,
		"docId": docID,
		"state": h.documentState(docID),
	})
}

func (h *Hub) handleUnsubscribe(c *Connection, msg *protocol.Message) {
	docID := msg.String("docId")
	if docID == "" {
		c.SendError("Missing docId", "INVALID_REQUEST")
		return
	}

	delete(c.Subscriptions, docID)
	delete(c.AwarenessSubscriptions, docID)

	h.mu.Lock()
	emptied := false
	if subs, ok := h.subscribers[docID]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.subscribers, docID)
			emptied = true
		}
	}
	active := len(h.subscribers)
	h.mu.Unlock()
	metrics.SetActiveDocuments(active)

	h.awareMu.Lock()
	if states, ok := h.awareness[docID]; ok {
		delete(states, c.ClientID)
		if len(states) == 0 {
			delete(h.awareness, docID)
		}
	}
	h.awareMu.Unlock()

	if emptied {
		h.dropBusSubscription(docID)
	}
}

func (h *Hub) handleSyncRequest(c *Connection, msg *protocol.Message) {
	docID := msg.String("docId")
	if docID == "" {
		c.SendError("Missing docId", "INVALID_REQUEST")
		return
	}
	if !h.admitRead(c, docID) {
		return
	}

	c.SendMessage(protocol.TypeSyncResponse, map[string]any{
		"id":    msg.ID,
		"docId": docID,
		"state": h.documentState(docID),
	})
}

// documentState returns a snapshot of the room state, faulting it in
// from storage on first touch.
func (h *Hub) documentState(docID string) map[string]any {
	h.docsMu.RLock()
	doc := h.documents[docID]
	h.docsMu.RUnlock()

	if doc == nil && h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		stored, err := h.store.GetDocument(ctx, docID)
		if err != nil {
			h.log.Warn().Err(err).Str("docId", docID).Msg("document load failed")
		} else if stored != nil {
			h.docsMu.Lock()
			if h.documents[docID] == nil {
				h.documents[docID] = stored.State
			}
			doc = h.documents[docID]
			h.docsMu.Unlock()
		}
	}

	snapshot := make(map[string]any, len(doc))
	for field, value := range doc {
		snapshot[field] = value
	}
	return snapshot
}

// admitWrite checks write access; the document-creation quota is checked
// separately because it only applies to unseen documents.
func (h *Hub) admitWrite(c *Connection, docID string) bool {
	if !c.Authenticated || c.Token == nil {
		c.SendError("Not authenticated", "NOT_AUTHENTICATED")
		return false
	}
	if !auth.CanWrite(c.Token, docID) {
		c.SendError("Permission denied", "PERMISSION_DENIED")
		return false
	}
	return true
}

func (h *Hub) handleDelta(c *Connection, msg *protocol.Message) {
	docID := msg.String("docId")
	if docID == "" {
		c.SendError("Missing docId", "INVALID_REQUEST")
		return
	}
	if !h.admitWrite(c, docID) {
		return
	}

	changes := msg.Object("changes")
	if changes == nil {
		c.SendError("Missing changes", "INVALID_REQUEST")
		return
	}

	if !h.applyDelta(c, docID, changes) {
		return
	}

	h.broadcast(docID, c.ID, protocol.TypeDelta, msg.Payload)
	h.publishDelta(docID, msg.Payload)
	h.persistDeltaAsync(c, docID, changes)

	c.SendMessage(protocol.TypeAck, map[string]any{
		"id":    msg.ID,
		"docId": docID,
	})
}

func (h *Hub) handleDeltaBatch(c *Connection, msg *protocol.Message) {
	docID := msg.String("docId")
	if docID == "" {
		c.SendError("Missing docId", "INVALID_REQUEST")
		return
	}
	if !h.admitWrite(c, docID) {
		return
	}

	rawDeltas, ok := msg.Payload["deltas"].([]any)
	if !ok {
		c.SendError("Invalid deltas", "INVALID_REQUEST")
		return
	}

	applied := 0
	for _, raw := range rawDeltas {
		delta, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		changes, ok := delta["changes"].(map[string]any)
		if !ok {
			continue
		}
		if !h.applyDelta(c, docID, changes) {
			return
		}
		if _, present := delta["docId"]; !present {
			delta["docId"] = docID
		}
		h.broadcast(docID, c.ID, protocol.TypeDelta, delta)
		h.publishDelta(docID, delta)
		h.persistDeltaAsync(c, docID, changes)
		applied++
	}

	c.SendMessage(protocol.TypeAck, map[string]any{
		"id":    msg.ID,
		"docId": docID,
		"count": applied,
	})
}

// applyDelta merges changes into the room state with field-level
// last-writer-wins, enforcing the size limits and the per-IP creation
// quota for unseen documents. Answers the client itself on rejection.
func (h *Hub) applyDelta(c *Connection, docID string, changes map[string]any) bool {
	for field, value := range changes {
		encoded, err := json.Marshal(value)
		if err != nil {
			c.SendError("Unserializable field value: "+field, "INVALID_REQUEST")
			return false
		}
		if len(encoded) > security.MaxFieldValueBytes {
			c.SendError("Field value too large: "+field, "INVALID_REQUEST")
			return false
		}
	}

	h.docsMu.Lock()
	defer h.docsMu.Unlock()

	doc := h.documents[docID]
	creating := doc == nil
	if creating && h.limits != nil {
		if ok, reason := h.limits.Documents.CanCreate(c.ClientIP); !ok {
			metrics.RateLimited()
			c.SendError(reason, "RATE_LIMIT_EXCEEDED")
			return false
		}
	}

	// Validate against a merged copy so a rejected delta leaves the
	// room state untouched.
	merged := make(map[string]any, len(doc)+len(changes))
	for field, value := range doc {
		merged[field] = value
	}
	for field, value := range changes {
		merged[field] = value
	}
	if len(merged) > security.MaxFieldsPerDocument {
		c.SendError("Too many fields in document", "INVALID_REQUEST")
		return false
	}
	if encoded, err := json.Marshal(merged); err == nil && len(encoded) > security.MaxDocumentBytes {
		c.SendError("Document too large", "INVALID_REQUEST")
		return false
	}

	h.documents[docID] = merged
	if creating && h.limits != nil {
		h.limits.Documents.RecordCreate(c.ClientIP)
	}
	metrics.DeltaApplied()
	return true
}

// persistDeltaAsync writes the merged state, the audit delta and the
// vector clock without blocking the dispatch loop. Storage errors are
// logged; the client already has its ack.
func (h *Hub) persistDeltaAsync(c *Connection, docID string, changes map[string]any) {
	if h.store == nil {
		return
	}

	h.docsMu.RLock()
	state := make(map[string]any, len(h.documents[docID]))
	for k, v := range h.documents[docID] {
		state[k] = v
	}
	h.docsMu.RUnlock()

	clientID := c.ClientID
	go func() {
		defer logging.RecoverPanic(h.log, "persist-delta", map[string]any{"docId": docID})
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if _, err := h.store.SaveDocument(ctx, docID, state); err != nil {
			h.log.Warn().Err(err).Str("docId", docID).Msg("document persist failed")
			return
		}
		_, err := h.store.SaveDelta(ctx, &storage.Delta{
			DocumentID:    docID,
			ClientID:      clientID,
			OperationType: "merge",
			Value:         changes,
		})
		if err != nil {
			h.log.Warn().Err(err).Str("docId", docID).Msg("delta persist failed")
		}
	}()
}

func (h *Hub) handleAwarenessUpdate(c *Connection, msg *protocol.Message) {
	docID := msg.String("docId")
	if docID == "" {
		return
	}
	state := msg.Object("state")
	if state == nil {
		return
	}

	state["_lastSeen"] = float64(h.now().UnixMilli())

	h.awareMu.Lock()
	if h.awareness[docID] == nil {
		h.awareness[docID] = make(map[string]map[string]any)
	}
	h.awareness[docID][c.ClientID] = state
	h.awareMu.Unlock()

	c.AwarenessSubscriptions[docID] = true

	h.broadcast(docID, c.ID, protocol.TypeAwarenessState, map[string]any{
		"id":       GenerateID(),
		"docId":    docID,
		"clientId": c.ClientID,
		"state":    state,
	})
}

// handleAwarenessSubscribe registers interest and returns the current
// presence map for the document.
func (h *Hub) handleAwarenessSubscribe(c *Connection, msg *protocol.Message) {
	docID := msg.String("docId")
	if docID == "" {
		c.SendError("Missing docId", "INVALID_REQUEST")
		return
	}

	c.AwarenessSubscriptions[docID] = true

	h.awareMu.RLock()
	states := make(map[string]any, len(h.awareness[docID]))
	for clientID, state := range h.awareness[docID] {
		states[clientID] = state
	}
	h.awareMu.RUnlock()

	c.SendMessage(protocol.TypeAwarenessState, map[string]any{
		"id":     msg.ID,
		"docId":  docID,
		"states": states,
	})
}
