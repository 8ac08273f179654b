package node

import (
	"crypto/rand"
	"fmt"
)

// generateToken produces a token shaped xxxx-xxxx-xxxx-xxxx of lowercase
// hex digits, matching store.Token's schema and the original source's
// four-group format.
func generateToken() string {
	var groups [4]string
	for i := range groups {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand.Read on the standard reader only fails if the
			// OS entropy source is broken beyond recovery; there is no
			// sane fallback, so surface it loudly rather than persist a
			// predictable token.
			panic(fmt.Sprintf("node: crypto/rand unavailable: %v", err))
		}
		groups[i] = fmt.Sprintf("%02x%02x", b[0], b[1])
	}
	return fmt.Sprintf("%s-%s-%s-%s", groups[0], groups[1], groups[2], groups[3])
}
