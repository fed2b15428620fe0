package interfaces

import (
	"context"
	"io"

	domaintypes "cipherfan/internal/domain/types"
)

// CryptoProvider is the primitive capability set the engine is built on. It
// is resolved once at construction.
type CryptoProvider interface {
	Reader() io.Reader
	RandomBytes(n int) ([]byte, error)
	GenerateX25519() (domaintypes.X25519Private, domaintypes.X25519Public, error)
	DH(priv domaintypes.X25519Private, pub domaintypes.X25519Public) ([32]byte, error)
	GenerateEd25519() (domaintypes.Ed25519Private, domaintypes.Ed25519Public, error)
	Sign(priv domaintypes.Ed25519Private, msg []byte) []byte
	Verify(pub domaintypes.Ed25519Public, msg, sig []byte) bool
}

// SessionEngine owns session lifecycle and per-device encrypt/decrypt.
type SessionEngine interface {
	HasSession(user domaintypes.UserID, device domaintypes.DeviceID) (bool, error)
	CreateSession(
		user domaintypes.UserID,
		device domaintypes.DeviceID,
		bundle domaintypes.KeyBundle,
	) error
	Encrypt(
		user domaintypes.UserID,
		device domaintypes.DeviceID,
		plaintext []byte,
	) (domaintypes.EncryptedMessage, error)
	Decrypt(
		user domaintypes.UserID,
		device domaintypes.DeviceID,
		msg domaintypes.EncryptedMessage,
	) ([]byte, error)
	EncryptFile(data []byte, name, mimeType string) (domaintypes.EncryptedFile, error)
	DecryptFile(file domaintypes.EncryptedFile) ([]byte, error)
	DeleteSession(user domaintypes.UserID, device domaintypes.DeviceID) error
	DeleteSessionsForUser(user domaintypes.UserID) (int, error)
}

// DeviceResolver resolves and caches the device list of a user.
type DeviceResolver interface {
	ResolveDevices(ctx context.Context, user domaintypes.UserID) ([]domaintypes.DeviceDescriptor, error)
	Invalidate(user domaintypes.UserID)
	InvalidateAll()
}

// GroupKeyDistributor is the extension point for a shared sender-key model in
// very large groups. No implementation ships; when nil, large groups use
// pairwise fan-out.
type GroupKeyDistributor interface {
	RotateGroup(ctx context.Context, group domaintypes.ChatID, members []domaintypes.UserID) error
}
