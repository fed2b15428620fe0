package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"cipherfan/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) domain.Fingerprint {
	sum := sha256.Sum256(pub)
	return domain.Fingerprint(hex.EncodeToString(sum[:10]))
}

// IdentityFingerprint fingerprints the pair of public identity keys so a user
// can compare both halves at once.
func IdentityFingerprint(x domain.X25519Public, ed domain.Ed25519Public) domain.Fingerprint {
	buf := make([]byte, 0, 64)
	buf = append(buf, x[:]...)
	buf = append(buf, ed[:]...)
	return Fingerprint(buf)
}
