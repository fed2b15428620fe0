package types

// PreKey is one-time key material. It is consumed at most once, when an
// inbound prekey message that references it is decrypted.
type PreKey struct {
	KeyID      KeyID         `json:"key_id"`
	PublicKey  X25519Public  `json:"public_key"`
	PrivateKey X25519Private `json:"private_key"`
}

// Public strips the private half.
func (p PreKey) Public() PreKeyPublic {
	return PreKeyPublic{KeyID: p.KeyID, PublicKey: p.PublicKey}
}

// PreKeyPublic is the published half of a one-time prekey.
type PreKeyPublic struct {
	KeyID     KeyID        `json:"key_id"`
	PublicKey X25519Public `json:"public_key"`
}

// SignedPreKey is a medium-term key pair signed by the identity signing key.
type SignedPreKey struct {
	KeyID      KeyID         `json:"key_id"`
	PublicKey  X25519Public  `json:"public_key"`
	PrivateKey X25519Private `json:"private_key"`
	Signature  []byte        `json:"signature"`
	CreatedAt  int64         `json:"created_at"`
}

// Public strips the private half.
func (s SignedPreKey) Public() SignedPreKeyPublic {
	return SignedPreKeyPublic{KeyID: s.KeyID, PublicKey: s.PublicKey, Signature: s.Signature}
}

// SignedPreKeyPublic is the published half of a signed prekey.
type SignedPreKeyPublic struct {
	KeyID     KeyID        `json:"key_id"`
	PublicKey X25519Public `json:"public_key"`
	Signature []byte       `json:"signature"`
}

// KeyBundle is the public material fetched from the directory to start a
// session with one peer device. PreKey is nil when the peer has run out of
// one-time prekeys.
type KeyBundle struct {
	UserID         UserID             `json:"user_id"`
	DeviceID       DeviceID           `json:"device_id"`
	RegistrationID RegistrationID     `json:"registration_id"`
	IdentityKey    X25519Public       `json:"identity_key"`
	SigningKey     Ed25519Public      `json:"signing_key"`
	SignedPreKey   SignedPreKeyPublic `json:"signed_pre_key"`
	PreKey         *PreKeyPublic      `json:"pre_key,omitempty"`
}

// PublishedBundle is what a device uploads to the key directory: its
// identity, current signed prekey and a batch of one-time prekeys.
type PublishedBundle struct {
	UserID         UserID             `json:"user_id"`
	DeviceID       DeviceID           `json:"device_id"`
	DeviceName     string             `json:"device_name,omitempty"`
	DeviceType     DeviceType         `json:"device_type,omitempty"`
	RegistrationID RegistrationID     `json:"registration_id"`
	IdentityKey    X25519Public       `json:"identity_key"`
	SigningKey     Ed25519Public      `json:"signing_key"`
	SignedPreKey   SignedPreKeyPublic `json:"signed_pre_key"`
	PreKeys        []PreKeyPublic     `json:"pre_keys,omitempty"`
}

// PreKeyMessage carries the X3DH handshake parameters in every message the
// initiator sends until the peer has answered.
type PreKeyMessage struct {
	InitiatorIdentityKey X25519Public `json:"initiator_identity_key"`
	BaseKey              X25519Public `json:"base_key"`
	SignedPreKeyID       KeyID        `json:"signed_pre_key_id"`
	PreKeyID             *KeyID       `json:"pre_key_id,omitempty"`
}
