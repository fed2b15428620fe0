// Package testutil builds wired devices and failure-injecting collaborators
// for service tests.
package testutil

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"cipherfan/internal/crypto"
	"cipherfan/internal/domain"
	"cipherfan/internal/services/identity"
	"cipherfan/internal/services/prekey"
	"cipherfan/internal/services/session"
	"cipherfan/internal/store"
)

// DefaultPreKeys is how many one-time prekeys NewDevice publishes.
const DefaultPreKeys = 5

// Device is one fully bootstrapped local device.
type Device struct {
	Address  domain.DeviceAddress
	Store    *store.MemoryKeyStore
	Crypto   domain.CryptoProvider
	Identity *identity.Service
	PreKeys  *prekey.Service
	Sessions *session.Service
	Reg      domain.LocalRegistration
}

// NewDevice bootstraps a device with a deterministic provider seeded from
// its address and publishes its bundle to pub.
func NewDevice(t testing.TB, pub domain.KeyPublisher, user domain.UserID, device domain.DeviceID, opts ...session.Option) *Device {
	t.Helper()
	addr := domain.DeviceAddress{UserID: user, DeviceID: device}
	p := crypto.NewDeterministic(sha256.Sum256([]byte(addr.String())))
	ks := store.NewMemoryKeyStore(nil)

	ids := identity.New(ks, p, nil)
	reg, _, err := ids.Bootstrap(domain.LocalRegistration{UserID: user, DeviceID: device, DeviceName: addr.String()})
	require.NoError(t, err)

	pks := prekey.New(ks, p, pub, nil)
	_, err = pks.RotateSignedPreKey()
	require.NoError(t, err)
	_, err = pks.GeneratePreKeys(DefaultPreKeys)
	require.NoError(t, err)
	if pub != nil {
		_, err = pks.Publish(context.Background())
		require.NoError(t, err)
	}

	return &Device{
		Address:  addr,
		Store:    ks,
		Crypto:   p,
		Identity: ids,
		PreKeys:  pks,
		Sessions: session.New(ks, p, opts...),
		Reg:      reg,
	}
}
