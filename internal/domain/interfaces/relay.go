package interfaces

import (
	"context"

	domaintypes "cipherfan/internal/domain/types"
)

// KeyBundleDirectory serves the public key bundle of a peer device.
type KeyBundleDirectory interface {
	FetchKeyBundle(
		ctx context.Context,
		user domaintypes.UserID,
		device domaintypes.DeviceID,
	) (domaintypes.KeyBundle, error)
}

// KeyPublisher uploads our own bundle and one-time prekeys.
type KeyPublisher interface {
	PublishKeyBundle(ctx context.Context, bundle domaintypes.PublishedBundle) error
}

// DeviceDirectory lists a user's registered devices.
type DeviceDirectory interface {
	ListDevices(ctx context.Context, user domaintypes.UserID) ([]domaintypes.DeviceDescriptor, error)
}

// MessageRelay accepts per-device ciphertexts for delivery.
type MessageRelay interface {
	RelayMessage(ctx context.Context, req domaintypes.RelayRequest) (domaintypes.RelayReceipt, error)
}

// MediaStore holds opaque encrypted blobs.
type MediaStore interface {
	UploadMedia(ctx context.Context, chat domaintypes.ChatID, blob []byte) (domaintypes.MediaReceipt, error)
	DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error)
}

// Inbox is the receiving side of the relay for one device.
type Inbox interface {
	FetchInbox(
		ctx context.Context,
		device domaintypes.DeviceAddress,
		limit int,
	) ([]domaintypes.InboundMessage, error)
	AckInbox(ctx context.Context, device domaintypes.DeviceAddress, count int) error
}
