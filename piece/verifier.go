package piece

import (
	"crypto/sha1"
)

// Verifier checks assembled pieces against the digests from the torrent
// descriptor.
type Verifier struct {
	hashes [][20]byte
}

func NewVerifier(hashes [][20]byte) *Verifier {
	return &Verifier{hashes: hashes}
}

// Verify hashes data and compares it with the expected digest of piece index.
func (v *Verifier) Verify(index int, data []byte) bool {
	if index < 0 || index >= len(v.hashes) {
		return false
	}
	return sha1.Sum(data) == v.hashes[index]
}
