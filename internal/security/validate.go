package security

import (
	"regexp"
	"strings"
)

// DefaultPlaygroundDocID is the built-in public sandbox document.
const DefaultPlaygroundDocID = "playground"

// MaxDocumentIDLength bounds document identifiers on the wire.
const MaxDocumentIDLength = 256

var (
	documentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)
	timestampSegment  = regexp.MustCompile(`^\d{13,}$`)
)

// validMessageTypes is the dispatcher whitelist. It is wider than the set
// of handled types: snapshot messages are accepted by shape validation
// even though the hub answers them with UNKNOWN_MESSAGE_TYPE for now.
var validMessageTypes = map[string]bool{
	"connect":             true,
	"disconnect":          true,
	"auth":                true,
	"auth_success":        true,
	"auth_error":          true,
	"subscribe":           true,
	"unsubscribe":         true,
	"sync_request":        true,
	"sync_response":       true,
	"sync_step1":          true,
	"sync_step2":          true,
	"delta":               true,
	"delta_batch":         true,
	"ack":                 true,
	"awareness_update":    true,
	"awareness_subscribe": true,
	"awareness_state":     true,
	"snapshot_request":    true,
	"snapshot_upload":     true,
	"ping":                true,
	"pong":                true,
	"error":               true,
}

// ValidMessageType reports whether name is a known wire type.
func ValidMessageType(name string) bool {
	return validMessageTypes[name]
}

// ValidateDocumentID checks document-id syntax and returns a descriptive
// reason on failure.
func ValidateDocumentID(docID string) (bool, string) {
	if docID == "" {
		return false, "document ID is empty"
	}
	if len(docID) > MaxDocumentIDLength {
		return false, "document ID too long (max 256 characters)"
	}
	if !documentIDPattern.MatchString(docID) {
		return false, "document ID contains invalid characters"
	}
	return true, ""
}

// Namespace classifies documents as publicly readable. The playground id
// is configurable; the remaining prefixes are fixed product namespaces.
type Namespace struct {
	PlaygroundDocID string
}

// DefaultNamespace uses the built-in playground id.
var DefaultNamespace = Namespace{PlaygroundDocID: DefaultPlaygroundDocID}

// CanAccessDocument reports whether docID is publicly accessible: the
// playground, wordwall and room namespaces, plus timestamp-keyed page
// documents whose first segment is 13+ digits. Total over all strings.
func (n Namespace) CanAccessDocument(docID string) bool {
	playground := n.PlaygroundDocID
	if playground == "" {
		playground = DefaultPlaygroundDocID
	}

	if docID == playground || strings.HasPrefix(docID, playground+":") {
		return true
	}
	if docID == "wordwall" || strings.HasPrefix(docID, "wordwall:") {
		return true
	}
	if strings.HasPrefix(docID, "room:") {
		return true
	}

	// Timestamp-keyed page documents: the first :-separated segment is
	// all digits, 13 or more of them.
	head := docID
	for i := 0; i < len(docID); i++ {
		if docID[i] == ':' {
			head = docID[:i]
			break
		}
	}
	return timestampSegment.MatchString(head)
}

// CanAccessDocument evaluates the default namespace.
func CanAccessDocument(docID string) bool {
	return DefaultNamespace.CanAccessDocument(docID)
}
