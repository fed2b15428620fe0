package types

// ContentType is the routing-level kind of a fanned-out payload.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeMedia ContentType = "media"
)

// MediaType classifies an attachment for display.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
	MediaTypeAudio MediaType = "audio"
	MediaTypeFile  MediaType = "file"
)

// Metadata is caller-supplied, non-sensitive routing metadata.
//
// OperationID selects the progress callback registered for this send; when
// empty a fresh id is generated and returned in the result. StoreForOffline
// defaults to the coordinator's configured policy when nil.
type Metadata struct {
	OperationID     string            `json:"operation_id,omitempty"`
	StoreForOffline *bool             `json:"store_for_offline,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// RecipientDevice is one per-device entry of a relay request.
type RecipientDevice struct {
	UserID           UserID         `json:"user_id"`
	DeviceID         DeviceID       `json:"device_id"`
	EncryptedContent []byte         `json:"encrypted_content"`
	MessageType      MessageType    `json:"message_type"`
	RegistrationID   RegistrationID `json:"registration_id"`
	StoreForOffline  bool           `json:"store_for_offline"`
}

// RelayRequest is handed to the message relay after a fan-out.
type RelayRequest struct {
	ChatID           ChatID            `json:"chat_id"`
	SenderUserID     UserID            `json:"sender_user_id"`
	SenderDeviceID   DeviceID          `json:"sender_device_id"`
	RecipientDevices []RecipientDevice `json:"recipient_devices"`
	MessageType      ContentType       `json:"message_type"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RelayReceipt is returned by the relay once it accepted a request.
type RelayReceipt struct {
	MessageID string `json:"message_id"`
}

// MediaReceipt is returned by the media store after an upload.
type MediaReceipt struct {
	MediaURL string `json:"media_url"`
}

// MediaEnvelope is the small per-device payload of a media send: everything
// a recipient needs to fetch and decrypt the shared blob.
type MediaEnvelope struct {
	MediaURL   string    `json:"media_url"`
	Key        []byte    `json:"key"`
	IV         []byte    `json:"iv"`
	AuthTag    []byte    `json:"auth_tag"`
	FileName   string    `json:"file_name"`
	MimeType   string    `json:"mime_type"`
	MediaType  MediaType `json:"media_type"`
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed,omitempty"`
}

// DeviceFailure records why one device was left out of a fan-out.
type DeviceFailure struct {
	UserID   UserID   `json:"user_id"`
	DeviceID DeviceID `json:"device_id"`
	Err      error    `json:"-"`
}

// Address returns the failed device's address.
func (f DeviceFailure) Address() DeviceAddress {
	return DeviceAddress{UserID: f.UserID, DeviceID: f.DeviceID}
}

// FanoutResult is the outcome of one send or sendMedia call.
type FanoutResult struct {
	OperationID string                             `json:"operation_id"`
	MessageID   string                             `json:"message_id,omitempty"`
	MediaURL    string                             `json:"media_url,omitempty"`
	Ciphertexts map[DeviceAddress]EncryptedMessage `json:"-"`
	Failures    []DeviceFailure                    `json:"failures,omitempty"`
	Success     bool                               `json:"success"`
}

// ProgressStage is a step of a fan-out operation.
type ProgressStage string

const (
	StageDiscovering  ProgressStage = "discovering"
	StageEstablishing ProgressStage = "establishing"
	StageEncrypting   ProgressStage = "encrypting"
	StageUploading    ProgressStage = "uploading"
	StageComplete     ProgressStage = "complete"
)

// Progress is reported to a registered callback; Percent never decreases
// within one operation.
type Progress struct {
	OperationID string        `json:"operation_id"`
	Stage       ProgressStage `json:"stage"`
	Percent     int           `json:"percent"`
}

// InboundMessage is a per-device ciphertext as delivered by the relay.
type InboundMessage struct {
	MessageID      string            `json:"message_id"`
	ChatID         ChatID            `json:"chat_id"`
	SenderUserID   UserID            `json:"sender_user_id"`
	SenderDeviceID DeviceID          `json:"sender_device_id"`
	MessageType    ContentType       `json:"message_type"`
	Content        EncryptedMessage  `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      int64             `json:"timestamp"`
}

// Sender returns the sending device address.
func (m InboundMessage) Sender() DeviceAddress {
	return DeviceAddress{UserID: m.SenderUserID, DeviceID: m.SenderDeviceID}
}

// DecryptedMessage is what the message service returns for one inbound message.
type DecryptedMessage struct {
	MessageID   string         `json:"message_id"`
	ChatID      ChatID         `json:"chat_id"`
	From        DeviceAddress  `json:"from"`
	MessageType ContentType    `json:"message_type"`
	Plaintext   []byte         `json:"plaintext,omitempty"`
	Media       *MediaEnvelope `json:"media,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}
