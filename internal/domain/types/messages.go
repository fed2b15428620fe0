package types

// MessageType distinguishes handshake-carrying ciphertexts from ordinary ones.
type MessageType string

const (
	// MessageTypePreKey carries enough material for the recipient to derive
	// the session on first contact.
	MessageTypePreKey MessageType = "prekey"
	// MessageTypeMessage assumes an established session.
	MessageTypeMessage MessageType = "message"
)

// EncryptedMessage is the per-device ciphertext produced by the session engine.
type EncryptedMessage struct {
	Type           MessageType    `json:"type"`
	RegistrationID RegistrationID `json:"registration_id"`
	Body           []byte         `json:"body"`
}

// WireBody is the serialised content of EncryptedMessage.Body.
type WireBody struct {
	PreKey *PreKeyMessage `json:"pre_key,omitempty"`
	Header RatchetHeader  `json:"header"`
	Cipher []byte         `json:"cipher"`
}

// EncryptedFile is a one-time-key AEAD output for a file payload.
type EncryptedFile struct {
	Ciphertext   []byte `json:"ciphertext"`
	Key          []byte `json:"key"`
	IV           []byte `json:"iv"`
	AuthTag      []byte `json:"auth_tag"`
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	Compressed   bool   `json:"compressed,omitempty"`
}
