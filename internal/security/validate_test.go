package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDocumentID(t *testing.T) {
	cases := []struct {
		docID string
		valid bool
	}{
		{"room:alpha", true},
		{"doc_1-2:3", true},
		{"A", true},
		{strings.Repeat("a", 256), true},
		{"", false},
		{strings.Repeat("a", 257), false},
		{"bad id!", false},
		{"doc/1", false},
		{"doc.1", false},
		{"ドキュメント", false},
	}

	for _, tc := range cases {
		ok, reason := ValidateDocumentID(tc.docID)
		assert.Equal(t, tc.valid, ok, "%q", tc.docID)
		if !tc.valid {
			assert.NotEmpty(t, reason, "%q needs a reason", tc.docID)
		}
	}
}

func TestCanAccessDocument(t *testing.T) {
	cases := []struct {
		docID  string
		public bool
	}{
		{"playground", true},
		{"playground:abc", true},
		{"playground:", true}, // bare prefix, empty tail
		{"wordwall", true},
		{"wordwall:x", true},
		{"wordwall:", true},
		{"room:alpha", true},
		{"room:", true},
		{"1700000000000", true},
		{"1700000000000:page", true},
		{"foo", false},
		{"12345", false},
		{"123456789012", false},  // 12 digits, one short
		{"12345678901234", true}, // 14 digits
		{"1700000000000x", false},
		{"playgroundx", false},
		{"", false},
		{"room", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.public, CanAccessDocument(tc.docID), "%q", tc.docID)
	}
}

func TestNamespaceCustomPlayground(t *testing.T) {
	ns := Namespace{PlaygroundDocID: "sandbox"}
	assert.True(t, ns.CanAccessDocument("sandbox"))
	assert.True(t, ns.CanAccessDocument("sandbox:demo"))
	assert.False(t, ns.CanAccessDocument("playground"))
	assert.True(t, ns.CanAccessDocument("room:alpha"))
}

func TestValidMessageType(t *testing.T) {
	assert.True(t, ValidMessageType("ping"))
	assert.True(t, ValidMessageType("delta_batch"))
	assert.True(t, ValidMessageType("sync_step1"))
	assert.False(t, ValidMessageType("evil"))
	assert.False(t, ValidMessageType(""))
}
