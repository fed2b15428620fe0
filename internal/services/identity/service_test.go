package identity_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherfan/internal/crypto"
	"cipherfan/internal/domain"
	"cipherfan/internal/services/identity"
	"cipherfan/internal/store"
)

func TestBootstrapIsIdempotent(t *testing.T) {
	ks := store.NewMemoryKeyStore(nil)
	s := identity.New(ks, crypto.NewDeterministic([32]byte{1}), nil)

	_, err := s.Identity()
	require.ErrorIs(t, err, identity.ErrNotBootstrapped)

	reg, fp, err := s.Bootstrap(domain.LocalRegistration{UserID: "alice", DeviceID: 2, DeviceName: "laptop"})
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("alice"), reg.UserID)
	assert.NotZero(t, reg.RegistrationID)
	assert.LessOrEqual(t, reg.RegistrationID, domain.RegistrationID(16380))
	assert.Len(t, string(fp), 20)

	id, err := s.Identity()
	require.NoError(t, err)

	again, fp2, err := s.Bootstrap(domain.LocalRegistration{UserID: "mallory", DeviceID: 9})
	require.NoError(t, err)
	assert.Equal(t, reg, again)
	assert.Equal(t, fp, fp2)

	id2, err := s.Identity()
	require.NoError(t, err)
	assert.True(t, id.XPub.Equal(id2.XPub))
}

func TestPassphrasePolicy(t *testing.T) {
	cases := map[string]bool{
		"short1!A":            false,
		"alllowercase123!":    false,
		"ALLUPPERCASE123!":    false,
		"NoDigitsHere!!!":     false,
		"NoSymbols12345":      false,
		"Correct-Horse-9-Bat": true,
	}
	for pass, ok := range cases {
		err := identity.CheckPassphrase(pass)
		if ok {
			assert.NoError(t, err, pass)
		} else {
			assert.ErrorIs(t, err, identity.ErrWeakPassphrase, pass)
		}
	}
}
