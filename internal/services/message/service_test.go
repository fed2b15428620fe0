package message_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherfan/internal/domain"
	"cipherfan/internal/services/directory"
	"cipherfan/internal/services/fanout"
	"cipherfan/internal/services/message"
	"cipherfan/internal/testutil"
)

type brokenMedia struct{ domain.MediaStore }

func (brokenMedia) DownloadMedia(context.Context, string) ([]byte, error) {
	return nil, errors.New("cdn unavailable")
}

func setup(t *testing.T) (*testutil.Directory, *fanout.Coordinator, *testutil.Device) {
	t.Helper()
	dir := testutil.NewDirectory()
	alice := testutil.NewDevice(t, dir, "alice", 1)
	bob := testutil.NewDevice(t, dir, "bob", 1)
	coord := fanout.New(alice.Address, alice.Sessions, directory.New(dir), dir, dir, dir)
	return dir, coord, bob
}

func TestPullTextMessages(t *testing.T) {
	ctx := context.Background()
	dir, coord, bob := setup(t)
	for _, text := range []string{"one", "two", "three"} {
		_, err := coord.Send(ctx, "chat", []domain.UserID{"bob"}, []byte(text), domain.Metadata{})
		require.NoError(t, err)
	}

	svc := message.New(bob.Address, bob.Sessions, dir, dir, nil)
	res, err := svc.Pull(ctx, 2)
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "one", string(res.Messages[0].Plaintext))
	assert.Equal(t, "two", string(res.Messages[1].Plaintext))
	assert.Equal(t, domain.DeviceAddress{UserID: "alice", DeviceID: 1}, res.Messages[0].From)
	assert.Equal(t, domain.ChatID("chat"), res.Messages[0].ChatID)
	assert.Equal(t, 2, res.Acked)

	res, err = svc.Pull(ctx, 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "three", string(res.Messages[0].Plaintext))

	res, err = svc.Pull(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.Zero(t, res.Acked)
}

func TestPullMedia(t *testing.T) {
	ctx := context.Background()
	dir, coord, bob := setup(t)
	data := []byte("%PDF-1.7 not really a pdf")
	_, err := coord.SendMedia(ctx, "chat", []domain.UserID{"bob"}, data, "doc.pdf", "application/pdf", domain.MediaTypeFile, domain.Metadata{})
	require.NoError(t, err)

	res, err := message.New(bob.Address, bob.Sessions, dir, dir, nil).Pull(ctx, 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	got := res.Messages[0]
	assert.Equal(t, domain.ContentTypeMedia, got.MessageType)
	require.NotNil(t, got.Media)
	assert.Equal(t, "doc.pdf", got.Media.FileName)
	assert.Equal(t, data, got.Plaintext)
}

func TestPullKeepsEnvelopeWhenDownloadFails(t *testing.T) {
	ctx := context.Background()
	dir, coord, bob := setup(t)
	data := []byte("voice note")
	_, err := coord.SendMedia(ctx, "chat", []domain.UserID{"bob"}, data, "a.ogg", "audio/ogg", domain.MediaTypeAudio, domain.Metadata{})
	require.NoError(t, err)

	res, err := message.New(bob.Address, bob.Sessions, dir, brokenMedia{dir}, nil).Pull(ctx, 0)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, domain.ErrDeliveryFailed)
	require.Len(t, res.Messages, 1)
	require.NotNil(t, res.Messages[0].Media)
	assert.Nil(t, res.Messages[0].Plaintext)

	out, err := message.New(bob.Address, bob.Sessions, dir, dir, nil).FetchMedia(ctx, *res.Messages[0].Media)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestPullDropsCorruptMessages(t *testing.T) {
	ctx := context.Background()
	dir, coord, bob := setup(t)

	_, err := dir.RelayMessage(ctx, domain.RelayRequest{
		ChatID:         "chat",
		SenderUserID:   "mallory",
		SenderDeviceID: 1,
		MessageType:    domain.ContentTypeText,
		RecipientDevices: []domain.RecipientDevice{{
			UserID: "bob", DeviceID: 1,
			EncryptedContent: []byte(`{"pre_key":`),
			MessageType:      domain.MessageTypePreKey,
			StoreForOffline:  true,
		}},
	})
	require.NoError(t, err)
	_, err = coord.Send(ctx, "chat", []domain.UserID{"bob"}, []byte("legit"), domain.Metadata{})
	require.NoError(t, err)

	res, err := message.New(bob.Address, bob.Sessions, dir, dir, nil).Pull(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Acked)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, domain.ErrSessionCorrupted)
	assert.Equal(t, domain.UserID("mallory"), res.Failures[0].From.UserID)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "legit", string(res.Messages[0].Plaintext))
}

func TestPullStopsOnCancel(t *testing.T) {
	dir, coord, bob := setup(t)
	_, err := coord.Send(context.Background(), "chat", []domain.UserID{"bob"}, []byte("later"), domain.Metadata{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = message.New(bob.Address, bob.Sessions, dir, dir, nil).Pull(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)

	queued, err := dir.FetchInbox(context.Background(), bob.Address, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}
