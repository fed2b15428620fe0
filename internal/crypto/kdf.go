package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF expands ikm into n bytes with HKDF-SHA256.
func HKDF(ikm, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, ikm, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HKDF2 derives two 32-byte keys from one HKDF-SHA256 expansion.
func HKDF2(ikm, salt, info []byte) (a, b [32]byte, err error) {
	out, err := HKDF(ikm, salt, info, 64)
	if err != nil {
		return a, b, err
	}
	copy(a[:], out[:32])
	copy(b[:], out[32:])
	Wipe(out)
	return a, b, nil
}
