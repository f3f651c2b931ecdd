package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ChallengeSize is the number of random bytes in a session challenge.
const ChallengeSize = 128

// ChallengeFunc produces the payload returned for Authenticate.
type ChallengeFunc func() (string, error)

// GenerateChallenge returns ChallengeSize random bytes as lowercase hex.
func GenerateChallenge() (string, error) {
	buf := make([]byte, ChallengeSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
