package message

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"cipherfan/internal/crypto"
	"cipherfan/internal/domain"
)

// Failure is an inbound message that failed to open.
type Failure struct {
	MessageID string
	From      domain.DeviceAddress
	Err       error
}

// PullResult is the outcome of draining the inbox once.
type PullResult struct {
	Messages []domain.DecryptedMessage
	Failures []Failure
	// Acked is how many queued messages were acknowledged.
	Acked int
}

// Service receives relayed ciphertexts for the local device.
//
// Opening a message advances the ratchet, so a message is acknowledged once
// it has been attempted, whatever the outcome. Failures are reported next to
// the decrypted messages. A media message whose blob could not be fetched is
// still returned with its envelope so FetchMedia can be retried later.
type Service struct {
	self     domain.DeviceAddress
	sessions domain.SessionEngine
	inbox    domain.Inbox
	media    domain.MediaStore
	logger   hclog.Logger
}

// New constructs a message service for the device self.
func New(
	self domain.DeviceAddress,
	sessions domain.SessionEngine,
	inbox domain.Inbox,
	media domain.MediaStore,
	logger hclog.Logger,
) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{
		self:     self,
		sessions: sessions,
		inbox:    inbox,
		media:    media,
		logger:   logger.Named("message"),
	}
}

// Receive opens one inbound message. For media messages the envelope is
// decoded and the shared blob fetched; when only the fetch fails, the
// returned message carries the envelope and the error is DeliveryFailed.
func (s *Service) Receive(ctx context.Context, in domain.InboundMessage) (domain.DecryptedMessage, error) {
	pt, err := s.sessions.Decrypt(in.SenderUserID, in.SenderDeviceID, in.Content)
	if err != nil {
		return domain.DecryptedMessage{}, err
	}
	out := domain.DecryptedMessage{
		MessageID:   in.MessageID,
		ChatID:      in.ChatID,
		From:        in.Sender(),
		MessageType: in.MessageType,
		Timestamp:   in.Timestamp,
	}
	if in.MessageType != domain.ContentTypeMedia {
		out.Plaintext = pt
		return out, nil
	}

	var env domain.MediaEnvelope
	err = json.Unmarshal(pt, &env)
	crypto.Wipe(pt)
	if err != nil {
		return domain.DecryptedMessage{}, domain.NewError(domain.KindInvalidCiphertext, "decode media envelope", err)
	}
	out.Media = &env
	out.Plaintext, err = s.FetchMedia(ctx, env)
	return out, err
}

// FetchMedia downloads the blob an envelope points to and decrypts it.
func (s *Service) FetchMedia(ctx context.Context, env domain.MediaEnvelope) ([]byte, error) {
	blob, err := s.media.DownloadMedia(ctx, env.MediaURL)
	if err != nil {
		return nil, domain.NewError(domain.KindDeliveryFailed, "download "+env.MediaURL, err)
	}
	return s.sessions.DecryptFile(domain.EncryptedFile{
		Ciphertext:   blob,
		Key:          env.Key,
		IV:           env.IV,
		AuthTag:      env.AuthTag,
		OriginalName: env.FileName,
		MimeType:     env.MimeType,
		Size:         env.Size,
		Compressed:   env.Compressed,
	})
}

// Pull fetches up to limit queued messages (all when limit <= 0), opens them
// in order and acknowledges those it attempted. It stops early only when ctx
// is done.
func (s *Service) Pull(ctx context.Context, limit int) (PullResult, error) {
	queued, err := s.inbox.FetchInbox(ctx, s.self, limit)
	if err != nil {
		return PullResult{}, domain.NewError(domain.KindDeliveryFailed, "fetch inbox", err)
	}

	var res PullResult
	for _, in := range queued {
		if ctx.Err() != nil {
			break
		}
		msg, err := s.Receive(ctx, in)
		res.Acked++
		if err != nil {
			s.logger.Warn("inbound message failed",
				"message_id", in.MessageID,
				"from", in.Sender().String(),
				"kind", domain.KindOf(err),
				"error", err,
			)
			res.Failures = append(res.Failures, Failure{MessageID: in.MessageID, From: in.Sender(), Err: err})
			if msg.Media == nil {
				continue
			}
		}
		res.Messages = append(res.Messages, msg)
	}

	if res.Acked > 0 {
		// Attempted messages are acknowledged even after cancellation.
		if err := s.inbox.AckInbox(context.WithoutCancel(ctx), s.self, res.Acked); err != nil {
			return res, domain.NewError(domain.KindDeliveryFailed, fmt.Sprintf("ack %d messages", res.Acked), err)
		}
	}
	s.logger.Debug("inbox pulled", "messages", len(res.Messages), "failed", len(res.Failures), "remaining", len(queued)-res.Acked)
	return res, ctx.Err()
}
