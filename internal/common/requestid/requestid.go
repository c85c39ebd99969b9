// Package requestid produces the per-request correlation IDs echoed back to
// clients in X-Request-ID and attached to every log line.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxRequestIDLength matches UUID length so IDs stay fixed-width in logs.
	MaxRequestIDLength = 36
	// PrefixLength is the length of the random prefix added to client IDs.
	PrefixLength = 5
	maxClientIDLength = MaxRequestIDLength - PrefixLength - 1
)

var invalidChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// Generate returns a request ID. When the client supplied its own ID it is
// sanitized and kept, with a short random prefix so two clients sending the
// same ID still produce distinct log trails. Without a usable client ID the
// result is a plain UUID.
func Generate(clientID string) string {
	sanitized := sanitize(clientID)
	if sanitized == "" {
		return uuid.New().String()
	}

	if len(sanitized) > maxClientIDLength {
		sanitized = sanitized[:maxClientIDLength]
	}
	return randomPrefix() + "-" + sanitized
}

func sanitize(id string) string {
	id = strings.ReplaceAll(id, " ", "-")
	id = invalidChars.ReplaceAllString(id, "")
	for strings.Contains(id, "--") {
		id = strings.ReplaceAll(id, "--", "-")
	}
	return strings.Trim(id, "-")
}

func randomPrefix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()[:PrefixLength]
	}
	return hex.EncodeToString(buf)[:PrefixLength]
}
