// Package sha256 fingerprints stored downloads.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Digest is the fingerprint of one stored object.
type Digest struct {
	Hex  string
	Size int64
}

// Sum streams r to EOF. Memory use is bounded by the copy buffer, not by the
// size of the object.
func Sum(r io.Reader) (Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{Size: n}, fmt.Errorf("digest object after %d bytes: %w", n, err)
	}
	return Digest{Hex: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}
