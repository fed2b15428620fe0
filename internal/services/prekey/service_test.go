package prekey_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherfan/internal/crypto"
	"cipherfan/internal/domain"
	"cipherfan/internal/relay"
	"cipherfan/internal/services/identity"
	"cipherfan/internal/services/prekey"
	"cipherfan/internal/store"
)

type failingPublisher struct{}

func (failingPublisher) PublishKeyBundle(context.Context, domain.PublishedBundle) error {
	return errors.New("relay down")
}

func bootstrapped(t *testing.T) (*store.MemoryKeyStore, domain.CryptoProvider) {
	t.Helper()
	ks := store.NewMemoryKeyStore(nil)
	p := crypto.NewDeterministic([32]byte{3})
	_, _, err := identity.New(ks, p, nil).Bootstrap(domain.LocalRegistration{UserID: "bob", DeviceID: 1})
	require.NoError(t, err)
	return ks, p
}

func TestSignedPreKeyVerifies(t *testing.T) {
	ks, p := bootstrapped(t)
	s := prekey.New(ks, p, nil, nil)

	spk, err := s.RotateSignedPreKey()
	require.NoError(t, err)

	id, _, err := ks.GetIdentityKeyPair()
	require.NoError(t, err)
	assert.True(t, p.Verify(id.EdPub, spk.PublicKey[:], spk.Signature))

	next, err := s.RotateSignedPreKey()
	require.NoError(t, err)
	assert.Greater(t, next.KeyID, spk.KeyID)

	// The previous signed prekey stays available for in-flight handshakes.
	_, ok, err := ks.GetSignedPreKey(spk.KeyID)
	require.NoError(t, err)
	assert.True(t, ok)
	cur, ok, err := ks.CurrentSignedPreKey()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next.KeyID, cur.KeyID)
}

func TestPreKeyIDsIncrease(t *testing.T) {
	ks, p := bootstrapped(t)
	s := prekey.New(ks, p, nil, nil)

	a, err := s.GeneratePreKeys(3)
	require.NoError(t, err)
	b, err := s.GeneratePreKeys(2)
	require.NoError(t, err)

	var last domain.KeyID
	for _, pk := range append(a, b...) {
		assert.Greater(t, pk.KeyID, last)
		last = pk.KeyID
	}
	n, err := ks.GetPreKeyCount()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestReplenish(t *testing.T) {
	ks, p := bootstrapped(t)
	s := prekey.New(ks, p, nil, nil)

	n, err := s.Replenish(10, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = s.Replenish(10, 20)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublish(t *testing.T) {
	ks, p := bootstrapped(t)
	hub := relay.NewHub(nil)
	s := prekey.New(ks, p, hub, nil)

	_, err := s.Publish(context.Background())
	require.ErrorIs(t, err, domain.ErrKeyUploadFailed, "no signed prekey yet")

	_, err = s.RotateSignedPreKey()
	require.NoError(t, err)
	_, err = s.GeneratePreKeys(2)
	require.NoError(t, err)

	b, err := s.Publish(context.Background())
	require.NoError(t, err)
	assert.Len(t, b.PreKeys, 2)

	kb, err := hub.FetchKeyBundle(context.Background(), "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, b.IdentityKey, kb.IdentityKey)
	require.NotNil(t, kb.PreKey)

	_, err = prekey.New(ks, p, failingPublisher{}, nil).Publish(context.Background())
	require.ErrorIs(t, err, domain.ErrKeyUploadFailed)
	assert.True(t, domain.IsRetryable(err))
}
