package session

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns a short stable identifier for a stream key: the first
// eight bytes of its BLAKE2b-256 digest, hex encoded. Logs, events and the
// journal carry the fingerprint instead of the key.
func Fingerprint(streamKey string) string {
	sum := blake2b.Sum256([]byte(streamKey))
	return hex.EncodeToString(sum[:8])
}
