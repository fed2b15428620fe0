package domain

import (
	interfaces "cipherfan/internal/domain/interfaces"
	types "cipherfan/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID             = types.UserID
	DeviceID           = types.DeviceID
	ChatID             = types.ChatID
	KeyID              = types.KeyID
	RegistrationID     = types.RegistrationID
	Fingerprint        = types.Fingerprint
	DeviceAddress      = types.DeviceAddress
	Identity           = types.Identity
	LocalRegistration  = types.LocalRegistration
	PreKey             = types.PreKey
	PreKeyPublic       = types.PreKeyPublic
	SignedPreKey       = types.SignedPreKey
	SignedPreKeyPublic = types.SignedPreKeyPublic
	KeyBundle          = types.KeyBundle
	PublishedBundle    = types.PublishedBundle
	PreKeyMessage      = types.PreKeyMessage
	RatchetHeader      = types.RatchetHeader
	RatchetState       = types.RatchetState
	Session            = types.Session
	SessionInfo        = types.SessionInfo
	MessageType        = types.MessageType
	EncryptedMessage   = types.EncryptedMessage
	WireBody           = types.WireBody
	EncryptedFile      = types.EncryptedFile
	DeviceType         = types.DeviceType
	DeviceDescriptor   = types.DeviceDescriptor
	ContentType        = types.ContentType
	MediaType          = types.MediaType
	Metadata           = types.Metadata
	RecipientDevice    = types.RecipientDevice
	RelayRequest       = types.RelayRequest
	RelayReceipt       = types.RelayReceipt
	MediaReceipt       = types.MediaReceipt
	MediaEnvelope      = types.MediaEnvelope
	DeviceFailure      = types.DeviceFailure
	FanoutResult       = types.FanoutResult
	ProgressStage      = types.ProgressStage
	Progress           = types.Progress
	InboundMessage     = types.InboundMessage
	DecryptedMessage   = types.DecryptedMessage
	X25519Public       = types.X25519Public
	X25519Private      = types.X25519Private
	Ed25519Public      = types.Ed25519Public
	Ed25519Private     = types.Ed25519Private
)

// IdentityKeyPair names the local long-term keys.
type IdentityKeyPair = types.Identity

// Re-exported constants.
const (
	MessageTypePreKey   = types.MessageTypePreKey
	MessageTypeMessage  = types.MessageTypeMessage
	ContentTypeText     = types.ContentTypeText
	ContentTypeMedia    = types.ContentTypeMedia
	MediaTypeImage      = types.MediaTypeImage
	MediaTypeVideo      = types.MediaTypeVideo
	MediaTypeAudio      = types.MediaTypeAudio
	MediaTypeFile       = types.MediaTypeFile
	StageDiscovering    = types.StageDiscovering
	StageEstablishing   = types.StageEstablishing
	StageEncrypting     = types.StageEncrypting
	StageUploading      = types.StageUploading
	StageComplete       = types.StageComplete
)

// ParseDeviceAddress parses "user.device".
var ParseDeviceAddress = types.ParseDeviceAddress

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityKeyStore    = interfaces.IdentityKeyStore
	PreKeyStore         = interfaces.PreKeyStore
	SessionStore        = interfaces.SessionStore
	KeyStore            = interfaces.KeyStore
	KeyBundleDirectory  = interfaces.KeyBundleDirectory
	KeyPublisher        = interfaces.KeyPublisher
	DeviceDirectory     = interfaces.DeviceDirectory
	MessageRelay        = interfaces.MessageRelay
	MediaStore          = interfaces.MediaStore
	Inbox               = interfaces.Inbox
	CryptoProvider      = interfaces.CryptoProvider
	SessionEngine       = interfaces.SessionEngine
	DeviceResolver      = interfaces.DeviceResolver
	GroupKeyDistributor = interfaces.GroupKeyDistributor
)
