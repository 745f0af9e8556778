package models

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashSessionID derives the public session identifier exposed outside the
// control plane: HMAC-SHA-256(salt, sessionID) truncated to 16 hex chars.
// Pure: equal inputs always yield equal outputs.
func HashSessionID(salt, sessionID string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// IssueSignature is the dedup key for auto-filed tracker issues:
// SHA-256("<kind>|<lowercase first 100 chars of title>") truncated to 16 hex
// chars.
func IssueSignature(kind, title string) string {
	title = strings.ToLower(title)
	if len(title) > 100 {
		title = title[:100]
	}
	sum := sha256.Sum256([]byte(kind + "|" + title))
	return hex.EncodeToString(sum[:])[:16]
}
