package interfaces

import (
	"time"

	domaintypes "cipherfan/internal/domain/types"
)

// IdentityKeyStore persists the local identity key pair and registration.
// Absent records are reported with ok=false, never as an error.
type IdentityKeyStore interface {
	StoreIdentityKeyPair(id domaintypes.Identity) error
	GetIdentityKeyPair() (domaintypes.Identity, bool, error)

	StoreLocalRegistration(reg domaintypes.LocalRegistration) error
	GetLocalRegistration() (domaintypes.LocalRegistration, bool, error)
}

// PreKeyStore manages one-time and signed prekeys.
type PreKeyStore interface {
	// One-time prekeys
	StorePreKeys(batch []domaintypes.PreKey) error
	GetPreKey(id domaintypes.KeyID) (domaintypes.PreKey, bool, error)
	RemovePreKey(id domaintypes.KeyID) error
	// TakePreKey returns and removes a one-time prekey in one step. Of any
	// number of concurrent callers for the same id, at most one gets ok.
	TakePreKey(id domaintypes.KeyID) (domaintypes.PreKey, bool, error)
	GetPreKeyCount() (int, error)
	ListPreKeys() ([]domaintypes.PreKey, error)
	// ReservePreKeyIDs returns the first of n fresh, never reused ids.
	ReservePreKeyIDs(n int) (domaintypes.KeyID, error)

	// Signed prekeys
	StoreSignedPreKey(spk domaintypes.SignedPreKey) error
	GetSignedPreKey(id domaintypes.KeyID) (domaintypes.SignedPreKey, bool, error)
	SetCurrentSignedPreKeyID(id domaintypes.KeyID) error
	CurrentSignedPreKey() (domaintypes.SignedPreKey, bool, error)
}

// SessionStore keeps one ratchet session per (user, device). Each mutation of
// a given key is atomic with respect to concurrent mutation of the same key.
type SessionStore interface {
	StoreSession(user domaintypes.UserID, device domaintypes.DeviceID, session domaintypes.Session) error
	GetSession(user domaintypes.UserID, device domaintypes.DeviceID) (domaintypes.Session, bool, error)
	DeleteSession(user domaintypes.UserID, device domaintypes.DeviceID) error
	GetAllSessions() ([]domaintypes.Session, error)
	GetSessionsForUser(user domaintypes.UserID) ([]domaintypes.Session, error)
	// CleanupOldSessions removes sessions not used within maxAge and returns
	// how many were removed.
	CleanupOldSessions(maxAge time.Duration) (int, error)
}

// KeyStore is the durable local key material of one device.
type KeyStore interface {
	IdentityKeyStore
	PreKeyStore
	SessionStore
}
