package crypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherfan/internal/crypto"
)

func TestDHAgreement(t *testing.T) {
	p := crypto.NewSystem()
	aPriv, aPub, err := p.GenerateX25519()
	require.NoError(t, err)
	bPriv, bPub, err := p.GenerateX25519()
	require.NoError(t, err)

	ab, err := p.DH(aPriv, bPub)
	require.NoError(t, err)
	ba, err := p.DH(bPriv, aPub)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	pub, err := crypto.PublicFromPrivate(aPriv)
	require.NoError(t, err)
	assert.Equal(t, aPub, pub)
}

func TestSignVerify(t *testing.T) {
	p := crypto.NewSystem()
	priv, pub, err := p.GenerateEd25519()
	require.NoError(t, err)

	sig := p.Sign(priv, []byte("prekey"))
	assert.True(t, p.Verify(pub, []byte("prekey"), sig))
	assert.False(t, p.Verify(pub, []byte("prekeY"), sig))
	assert.False(t, p.Verify(pub, []byte("prekey"), sig[:10]))
}

func TestDeterministicProviderRepeats(t *testing.T) {
	seed := [32]byte{1, 2, 3}
	a := crypto.NewDeterministic(seed)
	b := crypto.NewDeterministic(seed)

	_, aPub, err := a.GenerateX25519()
	require.NoError(t, err)
	_, bPub, err := b.GenerateX25519()
	require.NoError(t, err)
	assert.Equal(t, aPub, bPub)

	r1, err := a.RandomBytes(16)
	require.NoError(t, err)
	r2, err := a.RandomBytes(16)
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)
}

func TestAESGCMDetachedTag(t *testing.T) {
	key := bytes.Repeat([]byte{7}, crypto.AESKeySize)
	nonce := bytes.Repeat([]byte{9}, crypto.AESNonceSize)

	ct, tag, err := crypto.SealAESGCM(key, nonce, []byte("attachment"))
	require.NoError(t, err)
	assert.Len(t, ct, len("attachment"))
	assert.Len(t, tag, crypto.AESTagSize)

	pt, err := crypto.OpenAESGCM(key, nonce, ct, tag)
	require.NoError(t, err)
	assert.Equal(t, []byte("attachment"), pt)

	tag[0] ^= 1
	_, err = crypto.OpenAESGCM(key, nonce, ct, tag)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	_, err = crypto.OpenAESGCM(key[:16], nonce, ct, tag)
	assert.ErrorIs(t, err, crypto.ErrInvalidKeySize)
	_, err = crypto.OpenAESGCM(key, nonce[:8], ct, tag)
	assert.ErrorIs(t, err, crypto.ErrInvalidNonceSize)
	_, err = crypto.OpenAESGCM(key, nonce, ct, tag[:4])
	assert.ErrorIs(t, err, crypto.ErrInvalidTagSize)
}

func TestHKDF2Deterministic(t *testing.T) {
	a1, b1, err := crypto.HKDF2([]byte("ikm"), nil, []byte("info"))
	require.NoError(t, err)
	a2, b2, err := crypto.HKDF2([]byte("ikm"), nil, []byte("info"))
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)
	assert.NotEqual(t, a1, b1)
}

func TestFingerprintLength(t *testing.T) {
	fp := crypto.Fingerprint([]byte("pub"))
	assert.Len(t, fp.String(), 20)
}
