// Package ids generates lexicographically sortable identifiers (ULIDs) used
// as primary keys across all tables.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh identifier stamped with the current time.
func New() string {
	return NewAt(time.Now().UTC())
}

// NewAt returns an identifier stamped with the given time. Callers holding an
// injected clock use it so identifier order follows logical time.
func NewAt(ts time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts.UTC()), entropy).String()
}
