package hub

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// newID returns a ULID (26 chars). ULIDs are lexicographically sortable,
// which keeps connection and notification ids orderable in logs.
func newID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// ulid.New only fails if entropy fails; fall back to plain randomness.
		return randomHex(13)
	}
	return id.String()
}

// randomHex returns a cryptographically secure random hex string of length
// 2*nBytes, or "" when the entropy source is unavailable.
func randomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
