package storage

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// IDShort is the short display length used in CLI output.
	IDShort = 7
	// IDMinLen is the minimum prefix length considered for ID matching.
	IDMinLen = 4
)

// IDRegexp matches a full conversation id.
var IDRegexp = regexp.MustCompile(`\b[0-9a-f]{32}\b`)

// NewConversationID returns a random conversation id: a UUID without dashes.
func NewConversationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ShortID truncates id for display.
func ShortID(id string) string {
	if len(id) > IDShort {
		return id[:IDShort]
	}
	return id
}
