package x3dh_test

import (
	"bytes"
	"errors"
	"testing"

	"cipherfan/internal/crypto"
	"cipherfan/internal/domain"
	"cipherfan/internal/protocol/x3dh"
)

var provider = crypto.NewSystem()

// makeIdentity creates a domain.Identity with fresh X25519 and Ed25519 pairs.
func makeIdentity(t *testing.T) domain.Identity {
	t.Helper()
	xPriv, xPub, err := provider.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	edPriv, edPub, err := provider.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	return domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}
}

// makeBundle returns bob's bundle together with the private halves.
func makeBundle(t *testing.T, bob domain.Identity, withOPK bool) (domain.KeyBundle, domain.X25519Private, *domain.X25519Private) {
	t.Helper()
	spkPriv, spkPub, err := provider.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	bundle := domain.KeyBundle{
		UserID:      "bob",
		DeviceID:    1,
		IdentityKey: bob.XPub,
		SigningKey:  bob.EdPub,
		SignedPreKey: domain.SignedPreKeyPublic{
			KeyID:     7,
			PublicKey: spkPub,
			Signature: provider.Sign(bob.EdPriv, spkPub[:]),
		},
	}
	if !withOPK {
		return bundle, spkPriv, nil
	}
	opkPriv, opkPub, err := provider.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 (opk): %v", err)
	}
	bundle.PreKey = &domain.PreKeyPublic{KeyID: 42, PublicKey: opkPub}
	return bundle, spkPriv, &opkPriv
}

func TestInitiatorAndResponderRoot_NoOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, spkPriv, _ := makeBundle(t, bob, false)

	res, err := x3dh.InitiatorRoot(provider, alice, bundle)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}
	if res.Message.SignedPreKeyID != 7 {
		t.Fatalf("want signed prekey id 7, got %d", res.Message.SignedPreKeyID)
	}
	if res.Message.PreKeyID != nil {
		t.Fatalf("want no one-time prekey id, got %d", *res.Message.PreKeyID)
	}

	root, err := x3dh.ResponderRoot(provider, bob, spkPriv, nil, res.Message)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if !bytes.Equal(res.RootKey, root) {
		t.Fatal("root keys differ (no OPK)")
	}
}

func TestInitiatorAndResponderRoot_WithOneTimePreKey(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, spkPriv, opkPriv := makeBundle(t, bob, true)

	res, err := x3dh.InitiatorRoot(provider, alice, bundle)
	if err != nil {
		t.Fatalf("InitiatorRoot: %v", err)
	}
	if res.Message.PreKeyID == nil || *res.Message.PreKeyID != 42 {
		t.Fatalf("unexpected one-time prekey id %v", res.Message.PreKeyID)
	}

	root, err := x3dh.ResponderRoot(provider, bob, spkPriv, opkPriv, res.Message)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if !bytes.Equal(res.RootKey, root) {
		t.Fatal("root keys differ (with OPK)")
	}

	// Omitting the one-time key on the responder must not agree.
	other, err := x3dh.ResponderRoot(provider, bob, spkPriv, nil, res.Message)
	if err != nil {
		t.Fatalf("ResponderRoot: %v", err)
	}
	if bytes.Equal(res.RootKey, other) {
		t.Fatal("root keys agree without the one-time prekey")
	}
}

func TestInitiatorRoot_RejectsBadSignature(t *testing.T) {
	alice := makeIdentity(t)
	bob := makeIdentity(t)
	bundle, _, _ := makeBundle(t, bob, false)
	bundle.SignedPreKey.Signature[0] ^= 0xff

	_, err := x3dh.InitiatorRoot(provider, alice, bundle)
	if !errors.Is(err, x3dh.ErrBadSPK) {
		t.Fatalf("want ErrBadSPK, got %v", err)
	}
}
