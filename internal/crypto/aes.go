package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	AESKeySize   = 32
	AESNonceSize = 12
	AESTagSize   = 16
)

var (
	ErrInvalidKeySize   = errors.New("crypto: invalid key size")
	ErrInvalidNonceSize = errors.New("crypto: invalid nonce size")
	ErrInvalidTagSize   = errors.New("crypto: invalid tag size")
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(key), AESKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SealAESGCM encrypts plaintext with AES-256-GCM and returns the ciphertext
// and the 16-byte tag separately.
func SealAESGCM(key, nonce, plaintext []byte) (ciphertext, tag []byte, err error) {
	if len(nonce) != AESNonceSize {
		return nil, nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidNonceSize, len(nonce), AESNonceSize)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - AESTagSize
	return sealed[:split], sealed[split:], nil
}

// OpenAESGCM reverses SealAESGCM. Authentication failure yields
// ErrDecryptionFailed; malformed sizes yield the size errors.
func OpenAESGCM(key, nonce, ciphertext, tag []byte) ([]byte, error) {
	if len(nonce) != AESNonceSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidNonceSize, len(nonce), AESNonceSize)
	}
	if len(tag) != AESTagSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidTagSize, len(tag), AESTagSize)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+AESTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
