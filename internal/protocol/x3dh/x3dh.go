package x3dh

import (
	"errors"

	"cipherfan/internal/crypto"
	"cipherfan/internal/domain"
)

var (
	// ErrBadSPK is returned when the signed prekey signature does not verify.
	ErrBadSPK = errors.New("x3dh: signed prekey signature invalid")
	// ErrLowOrderKey is returned when a peer key produces an all-zero secret.
	ErrLowOrderKey = errors.New("x3dh: low-order public key")
)

var rootInfo = []byte("cipherfan-x3dh")

// InitiatorResult is everything the initiator keeps from a handshake.
type InitiatorResult struct {
	RootKey     []byte
	BasePrivate domain.X25519Private
	Message     domain.PreKeyMessage
}

// VerifySPK checks the signed prekey signature.
func VerifySPK(p domain.CryptoProvider, edPub domain.Ed25519Public, spk domain.X25519Public, sig []byte) bool {
	return p.Verify(edPub, spk.Slice(), sig)
}

// InitiatorRoot derives the root key for the initiator. The bundle signature
// is verified before any DH is computed.
func InitiatorRoot(p domain.CryptoProvider, us domain.Identity, bundle domain.KeyBundle) (InitiatorResult, error) {
	spk := bundle.SignedPreKey
	if !VerifySPK(p, bundle.SigningKey, spk.PublicKey, spk.Signature) {
		return InitiatorResult{}, ErrBadSPK
	}

	basePriv, basePub, err := p.GenerateX25519()
	if err != nil {
		return InitiatorResult{}, err
	}

	var peerOPK *domain.X25519Public
	var opkID *domain.KeyID
	if bundle.PreKey != nil {
		k := bundle.PreKey.PublicKey
		id := bundle.PreKey.KeyID
		peerOPK, opkID = &k, &id
	}

	transcript, err := agree(p,
		pair{us.XPriv, spk.PublicKey},      // DH(IKa, SPKb)
		pair{basePriv, bundle.IdentityKey}, // DH(EKa, IKb)
		pair{basePriv, spk.PublicKey},      // DH(EKa, SPKb)
		optional(basePriv, peerOPK),        // DH(EKa, OPKb)
	)
	if err != nil {
		return InitiatorResult{}, err
	}
	root, err := crypto.HKDF(transcript, make([]byte, 32), rootInfo, 32)
	crypto.Wipe(transcript)
	if err != nil {
		return InitiatorResult{}, err
	}

	return InitiatorResult{
		RootKey:     root,
		BasePrivate: basePriv,
		Message: domain.PreKeyMessage{
			InitiatorIdentityKey: us.XPub,
			BaseKey:              basePub,
			SignedPreKeyID:       spk.KeyID,
			PreKeyID:             opkID,
		},
	}, nil
}

// ResponderRoot recomputes the initiator's root key from our identity, the
// referenced signed prekey and, when the message names one, the one-time
// prekey.
func ResponderRoot(
	p domain.CryptoProvider,
	us domain.Identity,
	spkPriv domain.X25519Private,
	opkPriv *domain.X25519Private,
	msg domain.PreKeyMessage,
) ([]byte, error) {
	var opk *pair
	if opkPriv != nil {
		opk = &pair{*opkPriv, msg.BaseKey}
	}
	transcript, err := agree(p,
		pair{spkPriv, msg.InitiatorIdentityKey}, // DH(SPKb, IKa)
		pair{us.XPriv, msg.BaseKey},             // DH(IKb, EKa)
		pair{spkPriv, msg.BaseKey},              // DH(SPKb, EKa)
		opk,                                     // DH(OPKb, EKa)
	)
	if err != nil {
		return nil, err
	}
	root, err := crypto.HKDF(transcript, make([]byte, 32), rootInfo, 32)
	crypto.Wipe(transcript)
	return root, err
}

type pair struct {
	priv domain.X25519Private
	pub  domain.X25519Public
}

func optional(priv domain.X25519Private, pub *domain.X25519Public) *pair {
	if pub == nil {
		return nil
	}
	return &pair{priv, *pub}
}

func agree(p domain.CryptoProvider, a, b, c pair, d *pair) ([]byte, error) {
	steps := []pair{a, b, c}
	if d != nil {
		steps = append(steps, *d)
	}
	out := make([]byte, 0, 32*len(steps))
	for _, s := range steps {
		secret, err := p.DH(s.priv, s.pub)
		if err != nil {
			crypto.Wipe(out)
			return nil, ErrLowOrderKey
		}
		out = append(out, secret[:]...)
		crypto.WipeKey(&secret)
	}
	return out, nil
}
