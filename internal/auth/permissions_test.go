package auth

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Exercises every combination of admin flag, wildcard grant and verbatim
// grant for both capabilities.
func TestPermissionEvaluationTable(t *testing.T) {
	const docID = "doc-42"

	for _, isAdmin := range []bool{false, true} {
		for _, wildcard := range []bool{false, true} {
			for _, verbatim := range []bool{false, true} {
				var grants []string
				if wildcard {
					grants = append(grants, "*")
				}
				if verbatim {
					grants = append(grants, docID)
				}

				want := isAdmin || wildcard || verbatim
				name := fmt.Sprintf("admin=%v wildcard=%v verbatim=%v", isAdmin, wildcard, verbatim)

				readPayload := &TokenPayload{Permissions: Permissions{CanRead: grants, IsAdmin: isAdmin}}
				assert.Equal(t, want, CanRead(readPayload, docID), "CanRead %s", name)

				writePayload := &TokenPayload{Permissions: Permissions{CanWrite: grants, IsAdmin: isAdmin}}
				assert.Equal(t, want, CanWrite(writePayload, docID), "CanWrite %s", name)
			}
		}
	}
}

func TestGrantsDoNotPrefixMatch(t *testing.T) {
	payload := &TokenPayload{Permissions: UserPermissions([]string{"doc"}, []string{"doc"})}
	assert.False(t, CanRead(payload, "doc-1"))
	assert.False(t, CanWrite(payload, "doc-1"))
	assert.True(t, CanRead(payload, "doc"))
}

func TestNilPayloadDeniesEverything(t *testing.T) {
	assert.False(t, CanRead(nil, "doc"))
	assert.False(t, CanWrite(nil, "doc"))
}

func TestReadGrantDoesNotImplyWrite(t *testing.T) {
	payload := &TokenPayload{Permissions: UserPermissions([]string{"doc"}, nil)}
	assert.True(t, CanRead(payload, "doc"))
	assert.False(t, CanWrite(payload, "doc"))
}

func TestAnonymousPermissionsAreWildcardNonAdmin(t *testing.T) {
	perms := AnonymousPermissions()
	payload := &TokenPayload{Permissions: perms}
	assert.True(t, CanRead(payload, "anything"))
	assert.True(t, CanWrite(payload, "anything"))
	assert.False(t, perms.IsAdmin)
}
