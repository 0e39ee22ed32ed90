package p2p

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2s"
)

// authLabel domain-separates the AUTH token from other uses of the key.
const authLabel = "go-p2p session auth v1"

// authToken derives the AUTH packet payload from a shared key. Keys longer
// than a BLAKE2s key are hashed down first.
func authToken(key string) []byte {
	if key == "" {
		return nil
	}
	k := []byte(key)
	if len(k) > blake2s.Size {
		sum := blake2s.Sum256(k)
		k = sum[:]
	}
	h, err := blake2s.New256(k)
	if err != nil {
		// unreachable: k is at most blake2s.Size bytes
		return nil
	}
	h.Write([]byte(authLabel))
	return h.Sum(nil)
}

// verifyAuthToken compares tokens in constant time.
func verifyAuthToken(want, got []byte) bool {
	return len(want) > 0 && subtle.ConstantTimeCompare(want, got) == 1
}
