package relay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"

	"cipherfan/internal/domain"
)

var (
	// ErrNotFound is returned for unknown users, devices or media.
	ErrNotFound = errors.New("relay: not found")
	// ErrBadRequest is returned for requests the hub refuses to store.
	ErrBadRequest = errors.New("relay: bad request")
)

// MediaPathPrefix prefixes every media URL handed out by the hub.
const MediaPathPrefix = "/v1/media/"

// DefaultOnlineWindow is how long after its last inbox poll a device counts
// as reachable for messages that must not be stored offline.
const DefaultOnlineWindow = 30 * time.Second

type deviceRecord struct {
	bundle   domain.PublishedBundle
	lastSeen time.Time
	// maxKeyID is the highest one-time prekey id ever accepted.
	maxKeyID domain.KeyID
}

// Hub is an in-memory relay: key directory, device directory, message queue
// and media store. It never sees plaintext or private keys.
type Hub struct {
	mu      sync.Mutex
	logger  hclog.Logger
	now     func() time.Time
	entropy *ulid.MonotonicEntropy

	onlineWindow time.Duration

	devices map[domain.UserID]map[domain.DeviceID]*deviceRecord
	inboxes map[domain.DeviceAddress][]domain.InboundMessage
	media   map[string][]byte
}

// NewHub returns an empty hub.
func NewHub(logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{
		logger:       logger.Named("hub"),
		now:          time.Now,
		entropy:      ulid.Monotonic(rand.Reader, 0),
		onlineWindow: DefaultOnlineWindow,
		devices:      make(map[domain.UserID]map[domain.DeviceID]*deviceRecord),
		inboxes:      make(map[domain.DeviceAddress][]domain.InboundMessage),
		media:        make(map[string][]byte),
	}
}

// SetOnlineWindow changes how recently a device must have polled to receive
// messages sent without offline storage.
func (h *Hub) SetOnlineWindow(d time.Duration) {
	h.mu.Lock()
	h.onlineWindow = d
	h.mu.Unlock()
}

var (
	_ domain.KeyBundleDirectory = (*Hub)(nil)
	_ domain.KeyPublisher       = (*Hub)(nil)
	_ domain.DeviceDirectory    = (*Hub)(nil)
	_ domain.MessageRelay       = (*Hub)(nil)
	_ domain.MediaStore         = (*Hub)(nil)
	_ domain.Inbox              = (*Hub)(nil)
)

// PublishKeyBundle stores a device's bundle. Republishing with the same
// identity key updates the signed prekey and appends only one-time prekeys
// newer than any seen before, so a prekey is never handed out twice. A new
// identity key replaces the record.
func (h *Hub) PublishKeyBundle(_ context.Context, b domain.PublishedBundle) error {
	if b.UserID == "" {
		return fmt.Errorf("%w: bundle without user id", ErrBadRequest)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	devs, ok := h.devices[b.UserID]
	if !ok {
		devs = make(map[domain.DeviceID]*deviceRecord)
		h.devices[b.UserID] = devs
	}

	rec, ok := devs[b.DeviceID]
	if !ok || !rec.bundle.IdentityKey.Equal(b.IdentityKey) {
		rec = &deviceRecord{}
		devs[b.DeviceID] = rec
	}
	queue, seen := rec.bundle.PreKeys, rec.maxKeyID
	for _, pk := range b.PreKeys {
		if pk.KeyID > seen {
			queue = append(queue, pk)
			rec.maxKeyID = max(rec.maxKeyID, pk.KeyID)
		}
	}
	b.PreKeys = queue
	rec.bundle = b
	h.logger.Debug("bundle published", "user", b.UserID, "device", b.DeviceID, "prekeys", len(b.PreKeys))
	return nil
}

// FetchKeyBundle returns a device's bundle and hands out one one-time prekey,
// which is never handed out again.
func (h *Hub) FetchKeyBundle(_ context.Context, user domain.UserID, device domain.DeviceID) (domain.KeyBundle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.devices[user][device]
	if !ok {
		return domain.KeyBundle{}, fmt.Errorf("%w: bundle for %s.%d", ErrNotFound, user, device)
	}
	b := rec.bundle
	out := domain.KeyBundle{
		UserID:         b.UserID,
		DeviceID:       b.DeviceID,
		RegistrationID: b.RegistrationID,
		IdentityKey:    b.IdentityKey,
		SigningKey:     b.SigningKey,
		SignedPreKey:   b.SignedPreKey,
	}
	if len(b.PreKeys) > 0 {
		pk := b.PreKeys[0]
		rec.bundle.PreKeys = b.PreKeys[1:]
		out.PreKey = &pk
	}
	return out, nil
}

// ListDevices returns the user's devices ordered by id.
func (h *Hub) ListDevices(_ context.Context, user domain.UserID) ([]domain.DeviceDescriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	devs, ok := h.devices[user]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, user)
	}
	out := make([]domain.DeviceDescriptor, 0, len(devs))
	for _, rec := range devs {
		out = append(out, domain.DeviceDescriptor{
			UserID:     rec.bundle.UserID,
			DeviceID:   rec.bundle.DeviceID,
			DeviceName: rec.bundle.DeviceName,
			DeviceType: rec.bundle.DeviceType,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// RemoveDevice unregisters one device and drops its queue.
func (h *Hub) RemoveDevice(user domain.UserID, device domain.DeviceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.devices[user], device)
	if len(h.devices[user]) == 0 {
		delete(h.devices, user)
	}
	delete(h.inboxes, domain.DeviceAddress{UserID: user, DeviceID: device})
}

// RelayMessage queues one inbound message per recipient device. Devices that
// are neither reachable nor flagged for offline storage are skipped.
func (h *Hub) RelayMessage(_ context.Context, req domain.RelayRequest) (domain.RelayReceipt, error) {
	if len(req.RecipientDevices) == 0 {
		return domain.RelayReceipt{}, fmt.Errorf("%w: no recipient devices", ErrBadRequest)
	}
	id := uuid.NewString()
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()
	queued := 0
	for _, rd := range req.RecipientDevices {
		addr := domain.DeviceAddress{UserID: rd.UserID, DeviceID: rd.DeviceID}
		if !rd.StoreForOffline && !h.reachable(addr, now) {
			continue
		}
		h.inboxes[addr] = append(h.inboxes[addr], domain.InboundMessage{
			MessageID:      id,
			ChatID:         req.ChatID,
			SenderUserID:   req.SenderUserID,
			SenderDeviceID: req.SenderDeviceID,
			MessageType:    req.MessageType,
			Content: domain.EncryptedMessage{
				Type:           rd.MessageType,
				RegistrationID: rd.RegistrationID,
				Body:           rd.EncryptedContent,
			},
			Metadata:  req.Metadata,
			Timestamp: now.UnixMilli(),
		})
		queued++
	}
	h.logger.Debug("message relayed", "message_id", id, "chat", req.ChatID, "queued", queued, "devices", len(req.RecipientDevices))
	return domain.RelayReceipt{MessageID: id}, nil
}

func (h *Hub) reachable(addr domain.DeviceAddress, now time.Time) bool {
	rec, ok := h.devices[addr.UserID][addr.DeviceID]
	return ok && !rec.lastSeen.IsZero() && now.Sub(rec.lastSeen) <= h.onlineWindow
}

// FetchInbox returns up to limit queued messages without removing them.
// limit <= 0 returns everything.
func (h *Hub) FetchInbox(_ context.Context, device domain.DeviceAddress, limit int) ([]domain.InboundMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec, ok := h.devices[device.UserID][device.DeviceID]; ok {
		rec.lastSeen = h.now()
	}
	q := h.inboxes[device]
	if limit <= 0 || limit > len(q) {
		limit = len(q)
	}
	return append([]domain.InboundMessage(nil), q[:limit]...), nil
}

// AckInbox drops the first count queued messages.
func (h *Hub) AckInbox(_ context.Context, device domain.DeviceAddress, count int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.inboxes[device]
	if count > len(q) {
		count = len(q)
	}
	if count <= 0 {
		return nil
	}
	h.inboxes[device] = q[count:]
	return nil
}

// UploadMedia stores an opaque blob and returns its URL path.
func (h *Hub) UploadMedia(_ context.Context, chat domain.ChatID, blob []byte) (domain.MediaReceipt, error) {
	if len(blob) == 0 {
		return domain.MediaReceipt{}, fmt.Errorf("%w: empty media blob", ErrBadRequest)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(h.now()), h.entropy).String()
	h.media[id] = append([]byte(nil), blob...)
	h.logger.Debug("media stored", "chat", chat, "id", id, "bytes", len(blob))
	return domain.MediaReceipt{MediaURL: MediaPathPrefix + id}, nil
}

// DownloadMedia returns the blob behind a URL produced by UploadMedia.
func (h *Hub) DownloadMedia(_ context.Context, mediaURL string) ([]byte, error) {
	id := mediaURL[strings.LastIndexByte(mediaURL, '/')+1:]
	h.mu.Lock()
	defer h.mu.Unlock()
	blob, ok := h.media[id]
	if !ok {
		return nil, fmt.Errorf("%w: media %s", ErrNotFound, id)
	}
	return append([]byte(nil), blob...), nil
}
