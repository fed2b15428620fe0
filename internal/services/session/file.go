package session

import (
	"errors"
	"fmt"

	"cipherfan/internal/crypto"
	"cipherfan/internal/domain"
)

// EncryptFile seals data under a fresh one-time AES-256-GCM key. The tag is
// returned separately from the ciphertext.
func (s *Service) EncryptFile(data []byte, name, mimeType string) (domain.EncryptedFile, error) {
	if len(data) == 0 {
		return domain.EncryptedFile{}, domain.Errorf(domain.KindEncryptionFailed, "empty file payload")
	}

	payload, compressed := data, false
	if s.compressFiles {
		if c, ok := compress(data); ok {
			payload, compressed = c, true
		}
	}

	key, err := s.crypto.RandomBytes(crypto.AESKeySize)
	if err != nil {
		return domain.EncryptedFile{}, domain.NewError(domain.KindKeyGenerationFailed, "file key", err)
	}
	iv, err := s.crypto.RandomBytes(crypto.AESNonceSize)
	if err != nil {
		return domain.EncryptedFile{}, domain.NewError(domain.KindKeyGenerationFailed, "file nonce", err)
	}

	ct, tag, err := crypto.SealAESGCM(key, iv, payload)
	if err != nil {
		return domain.EncryptedFile{}, domain.NewError(domain.KindEncryptionFailed, "seal file", err)
	}
	return domain.EncryptedFile{
		Ciphertext:   ct,
		Key:          key,
		IV:           iv,
		AuthTag:      tag,
		OriginalName: name,
		MimeType:     mimeType,
		Size:         int64(len(data)),
		Compressed:   compressed,
	}, nil
}

// DecryptFile verifies the tag and returns the original bytes. Malformed
// input is InvalidCiphertext; a failed tag check is AuthenticationTagMismatch.
func (s *Service) DecryptFile(f domain.EncryptedFile) ([]byte, error) {
	if len(f.Ciphertext) == 0 {
		return nil, domain.Errorf(domain.KindInvalidCiphertext, "empty file ciphertext")
	}
	if f.Size <= 0 || f.Size > s.maxFileSize {
		return nil, domain.Errorf(domain.KindInvalidCiphertext, "declared size %d out of range", f.Size)
	}

	pt, err := crypto.OpenAESGCM(f.Key, f.IV, f.Ciphertext, f.AuthTag)
	switch {
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return nil, domain.NewError(domain.KindAuthenticationTagMismatch, "file "+f.OriginalName, err)
	case err != nil:
		return nil, domain.NewError(domain.KindInvalidCiphertext, "file parameters", err)
	}

	if f.Compressed {
		pt, err = decompress(pt, f.Size)
		if err != nil {
			return nil, domain.NewError(domain.KindInvalidCiphertext, "decompress file", err)
		}
	}
	if int64(len(pt)) != f.Size {
		return nil, domain.NewError(domain.KindInvalidCiphertext,
			fmt.Sprintf("size mismatch: got %d, declared %d", len(pt), f.Size), nil)
	}
	return pt, nil
}
