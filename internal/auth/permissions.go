package auth

// CanRead reports whether the payload grants read access to documentID.
// No prefix matching: the list must contain "*" or the id verbatim.
func CanRead(payload *TokenPayload, documentID string) bool {
	if payload == nil {
		return false
	}
	if payload.Permissions.IsAdmin {
		return true
	}
	return containsGrant(payload.Permissions.CanRead, documentID)
}

// CanWrite reports whether the payload grants write access to documentID.
func CanWrite(payload *TokenPayload, documentID string) bool {
	if payload == nil {
		return false
	}
	if payload.Permissions.IsAdmin {
		return true
	}
	return containsGrant(payload.Permissions.CanWrite, documentID)
}

func containsGrant(grants []string, documentID string) bool {
	for _, id := range grants {
		if id == "*" || id == documentID {
			return true
		}
	}
	return false
}

// UserPermissions builds a non-admin permission set.
func UserPermissions(canRead, canWrite []string) Permissions {
	return Permissions{CanRead: canRead, CanWrite: canWrite}
}

// AdminPermissions grants full access to every document.
func AdminPermissions() Permissions {
	return Permissions{
		CanRead:  []string{"*"},
		CanWrite: []string{"*"},
		IsAdmin:  true,
	}
}

// AnonymousPermissions is the snapshot granted when auth is disabled:
// wildcard read/write but never admin.
func AnonymousPermissions() Permissions {
	return Permissions{
		CanRead:  []string{"*"},
		CanWrite: []string{"*"},
	}
}
