package types

// Session is the per-peer-device ratchet record.
//
// Pending is set on the initiator side after a handshake and copied into every
// outgoing message until the first inbound message from the peer has been
// decrypted. BaseKey is the handshake ephemeral key, used by the responder to
// recognise repeated prekey messages for the same handshake.
type Session struct {
	PeerUserID           UserID         `json:"peer_user_id"`
	PeerDeviceID         DeviceID       `json:"peer_device_id"`
	RemoteRegistrationID RegistrationID `json:"remote_registration_id"`
	RemoteIdentityKey    X25519Public   `json:"remote_identity_key"`
	BaseKey              X25519Public   `json:"base_key"`
	Pending              *PreKeyMessage `json:"pending,omitempty"`
	State                RatchetState   `json:"state"`
	CreatedAt            int64          `json:"created_at"`
	LastUsedAt           int64          `json:"last_used_at"`
	MessageCount         uint64         `json:"message_count"`
}

// Address returns the peer device this session talks to.
func (s Session) Address() DeviceAddress {
	return DeviceAddress{UserID: s.PeerUserID, DeviceID: s.PeerDeviceID}
}

// SessionInfo is the non-secret summary of a session.
type SessionInfo struct {
	Address      DeviceAddress `json:"address"`
	CreatedAt    int64         `json:"created_at"`
	LastUsedAt   int64         `json:"last_used_at"`
	MessageCount uint64        `json:"message_count"`
	Pending      bool          `json:"pending"`
}

// Info summarises the session without key material.
func (s Session) Info() SessionInfo {
	return SessionInfo{
		Address:      s.Address(),
		CreatedAt:    s.CreatedAt,
		LastUsedAt:   s.LastUsedAt,
		MessageCount: s.MessageCount,
		Pending:      s.Pending != nil,
	}
}
