package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"touroffice.org/internal/ids"
)

// newSession generates a fresh ledger row plus the opaque value handed to the
// client. The value is "<id>.<secret>"; the row stores only the secret's hash
// so a leaked database cannot be replayed.
func newSession(userID, purpose string, now time.Time, ttl time.Duration) (string, *RefreshSession, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	rec := &RefreshSession{
		ID:        ids.NewAt(now),
		UserID:    userID,
		TokenHash: hashSessionSecret(secret),
		Purpose:   purpose,
		IssuedAt:  now.UTC(),
		ExpiresAt: now.UTC().Add(ttl),
	}
	return rec.ID + "." + secret, rec, nil
}

func splitSessionValue(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("malformed session value")
	}
	return parts[0], parts[1], nil
}

func hashSessionSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// matchSessionSecret compares in constant time.
func matchSessionSecret(storedHash, secret string) bool {
	actual := hashSessionSecret(secret)
	if len(storedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(actual)) == 1
}
