package ids

import (
	"encoding/hex"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier. Call ids and event ids
// use it; monotonic entropy keeps ids minted in the same millisecond ordered.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Valid reports whether s parses as an identifier produced by New.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Fingerprint returns a short stable digest of a secret so it can appear in
// logs without leaking the value itself.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}
