package utils

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewRecordID returns an opaque record identifier.
func NewRecordID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, NewRecordID()[:16])
}

// GenerateNodeID generates an identifier for this process
func GenerateNodeID() string {
	return GenerateID("node")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}
