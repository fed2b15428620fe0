package ratchet

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"cipherfan/internal/crypto"
	"cipherfan/internal/domain"
)

const (
	aeadKeySize = 32
	nonceSize   = chacha20poly1305.NonceSize

	// MaxSkippedKeys bounds the stored out-of-order message keys per session.
	MaxSkippedKeys = 1000
	// MaxSkip bounds how far ahead of the chain a single header may point.
	MaxSkip = 2000
	// MaxRetiredPeerKeys bounds how many earlier peer ratchet keys are
	// remembered for recognising re-delivered messages.
	MaxRetiredPeerKeys = 100
)

var (
	ErrSkippedKeyNotFound = errors.New("ratchet: message key already used or never derived")
	ErrTooManySkipped     = errors.New("ratchet: header skips too many messages")
	ErrMalformedHeader    = errors.New("ratchet: malformed header")
	ErrDecrypt            = errors.New("ratchet: authentication failed")
	errChainUninitialised = errors.New("ratchet: chain key is uninitialised")
)

// InitAsInitiator seeds the sending chain from root using a fresh ratchet key
// and the peer's signed prekey, which acts as the peer's first ratchet key.
func InitAsInitiator(rng io.Reader, root []byte, peerSignedPreKey domain.X25519Public) (domain.RatchetState, error) {
	priv, pub, err := crypto.GenerateX25519(rng)
	if err != nil {
		return domain.RatchetState{}, err
	}
	dh, err := crypto.DH(priv, peerSignedPreKey)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRK, sendCK, err := kdfRK(root, dh[:])
	crypto.WipeKey(&dh)
	if err != nil {
		return domain.RatchetState{}, err
	}

	return domain.RatchetState{
		RootKey:                 newRK,
		DiffieHellmanPrivate:    priv,
		DiffieHellmanPublic:     pub,
		PeerDiffieHellmanPublic: peerSignedPreKey,
		SendChainKey:            sendCK,
		SkippedKeys:             make(map[string][]byte),
	}, nil
}

// InitAsResponder seeds the receiving chain from root using our signed prekey
// and the initiator's first ratchet key. Our sending chain is created on the
// first Encrypt.
func InitAsResponder(
	root []byte,
	signedPreKeyPriv domain.X25519Private,
	signedPreKeyPub domain.X25519Public,
	senderRatchetPub domain.X25519Public,
) (domain.RatchetState, error) {
	dh, err := crypto.DH(signedPreKeyPriv, senderRatchetPub)
	if err != nil {
		return domain.RatchetState{}, err
	}
	newRK, recvCK, err := kdfRK(root, dh[:])
	crypto.WipeKey(&dh)
	if err != nil {
		return domain.RatchetState{}, err
	}

	return domain.RatchetState{
		RootKey:                 newRK,
		DiffieHellmanPrivate:    signedPreKeyPriv,
		DiffieHellmanPublic:     signedPreKeyPub,
		PeerDiffieHellmanPublic: senderRatchetPub,
		ReceiveChainKey:         recvCK,
		SkippedKeys:             make(map[string][]byte),
	}, nil
}

// Encrypt produces a header and ciphertext, stepping the DH ratchet on the
// first send after receiving.
func Encrypt(rng io.Reader, st *domain.RatchetState, ad, plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if len(st.SendChainKey) == 0 {
		newPriv, newPub, err := crypto.GenerateX25519(rng)
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		dh, err := crypto.DH(newPriv, st.PeerDiffieHellmanPublic)
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}
		rk2, sendCK, err := kdfRK(st.RootKey, dh[:])
		crypto.WipeKey(&dh)
		if err != nil {
			return domain.RatchetHeader{}, nil, err
		}

		st.PreviousChainLength = st.SendMessageIndex
		st.SendMessageIndex = 0
		st.RootKey = rk2
		st.DiffieHellmanPrivate, st.DiffieHellmanPublic = newPriv, newPub
		st.SendChainKey = sendCK
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	h := domain.RatchetHeader{
		DiffieHellmanPublicKey: append([]byte(nil), st.DiffieHellmanPublic[:]...),
		PreviousChainLength:    st.PreviousChainLength,
		MessageIndex:           st.SendMessageIndex,
	}

	ct, err := seal(mk, h, ad, plaintext)
	crypto.Wipe(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	st.SendMessageIndex++
	return h, ct, nil
}

// Decrypt handles skipped keys, performs a DH ratchet on new remote keys and
// then opens the message. On error st may be partially advanced; callers
// work on a clone and keep it only on success.
func Decrypt(rng io.Reader, st *domain.RatchetState, ad []byte, header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if len(header.DiffieHellmanPublicKey) != 32 {
		return nil, ErrMalformedHeader
	}
	var peer domain.X25519Public
	copy(peer[:], header.DiffieHellmanPublicKey)

	keyID := skippedKeyID(peer, header.MessageIndex)
	if mk, ok := st.SkippedKeys[keyID]; ok {
		pt, err := open(mk, header, ad, ciphertext)
		if err != nil {
			return nil, err
		}
		dropSkipped(st, keyID)
		crypto.Wipe(mk)
		return pt, nil
	}

	if peer.Equal(st.PeerDiffieHellmanPublic) && len(st.ReceiveChainKey) > 0 {
		if header.MessageIndex < st.ReceiveMessageIndex {
			return nil, ErrSkippedKeyNotFound
		}
	} else if retired(st, peer) {
		// A closed chain whose keys were all used or evicted.
		return nil, ErrSkippedKeyNotFound
	} else {
		// New remote ratchet key: close the old receiving chain and advance
		// both chains.
		if err := skipUntil(st, header.PreviousChainLength); err != nil {
			return nil, err
		}

		dh, err := crypto.DH(st.DiffieHellmanPrivate, peer)
		if err != nil {
			return nil, err
		}
		rk2, recvCK, err := kdfRK(st.RootKey, dh[:])
		crypto.WipeKey(&dh)
		if err != nil {
			return nil, err
		}

		newPriv, newPub, err := crypto.GenerateX25519(rng)
		if err != nil {
			return nil, err
		}
		dh2, err := crypto.DH(newPriv, peer)
		if err != nil {
			return nil, err
		}
		rk3, sendCK, err := kdfRK(rk2, dh2[:])
		crypto.WipeKey(&dh2)
		if err != nil {
			return nil, err
		}

		retire(st, st.PeerDiffieHellmanPublic)
		st.PreviousChainLength = st.SendMessageIndex
		st.SendMessageIndex, st.ReceiveMessageIndex = 0, 0
		st.RootKey = rk3
		st.DiffieHellmanPrivate, st.DiffieHellmanPublic = newPriv, newPub
		st.PeerDiffieHellmanPublic = peer
		st.SendChainKey, st.ReceiveChainKey = sendCK, recvCK
	}

	if err := skipUntil(st, header.MessageIndex); err != nil {
		return nil, err
	}
	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	crypto.Wipe(mk)
	if err != nil {
		return nil, err
	}
	st.ReceiveMessageIndex++
	return pt, nil
}

// --- helpers ---

func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonceFor(header), plaintext, associatedData(ad, header)), nil
}

func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonceFor(header), ciphertext, associatedData(ad, header))
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func nonceFor(h domain.RatchetHeader) []byte {
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], h.MessageIndex)
	return nonce
}

func associatedData(ad []byte, h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(ad)+len(h.DiffieHellmanPublicKey)+8)
	out = append(out, ad...)
	return append(out, HeaderBytes(h)...)
}

// HeaderBytes is the canonical encoding of a header bound into the AEAD.
func HeaderBytes(h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(h.DiffieHellmanPublicKey)+8)
	out = append(out, h.DiffieHellmanPublicKey...)
	out = binary.BigEndian.AppendUint32(out, h.PreviousChainLength)
	out = binary.BigEndian.AppendUint32(out, h.MessageIndex)
	return out
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte, err error) {
	a, b, err := crypto.HKDF2(dh, rk, []byte("DR|rk"))
	if err != nil {
		return nil, nil, err
	}
	return a[:], b[:], nil
}

func kdfCK(ck []byte) (nextCK, mk []byte, err error) {
	a, b, err := crypto.HKDF2(ck, nil, []byte("DR|ck"))
	if err != nil {
		return nil, nil, err
	}
	return a[:], b[:], nil
}

func kdfCKSend(st *domain.RatchetState) ([]byte, error) {
	if len(st.SendChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk, err := kdfCK(st.SendChainKey)
	if err != nil {
		return nil, err
	}
	st.SendChainKey = nextCK
	return mk, nil
}

func kdfCKRecv(st *domain.RatchetState) ([]byte, error) {
	if len(st.ReceiveChainKey) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk, err := kdfCK(st.ReceiveChainKey)
	if err != nil {
		return nil, err
	}
	st.ReceiveChainKey = nextCK
	return mk, nil
}

func skippedKeyID(peer domain.X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return hex.EncodeToString(b)
}

// skipUntil derives and stores message keys of the current receiving chain
// up to (excluding) n. Beyond MaxSkippedKeys the oldest stored key is evicted.
func skipUntil(st *domain.RatchetState, n uint32) error {
	if len(st.ReceiveChainKey) == 0 {
		return nil
	}
	if n > st.ReceiveMessageIndex && n-st.ReceiveMessageIndex > MaxSkip {
		return ErrTooManySkipped
	}
	if st.SkippedKeys == nil {
		st.SkippedKeys = make(map[string][]byte)
	}
	for st.ReceiveMessageIndex < n {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return err
		}
		for len(st.SkippedKeys) >= MaxSkippedKeys && len(st.SkippedOrder) > 0 {
			oldest := st.SkippedOrder[0]
			st.SkippedOrder = st.SkippedOrder[1:]
			if old, ok := st.SkippedKeys[oldest]; ok {
				crypto.Wipe(old)
				delete(st.SkippedKeys, oldest)
			}
		}
		id := skippedKeyID(st.PeerDiffieHellmanPublic, st.ReceiveMessageIndex)
		st.SkippedKeys[id] = mk
		st.SkippedOrder = append(st.SkippedOrder, id)
		st.ReceiveMessageIndex++
	}
	return nil
}

func dropSkipped(st *domain.RatchetState, id string) {
	delete(st.SkippedKeys, id)
	for i, k := range st.SkippedOrder {
		if k == id {
			st.SkippedOrder = append(st.SkippedOrder[:i:i], st.SkippedOrder[i+1:]...)
			return
		}
	}
}

// retire remembers a peer ratchet key the session has moved past.
func retire(st *domain.RatchetState, peer domain.X25519Public) {
	if peer.IsZero() || retired(st, peer) {
		return
	}
	st.RetiredPeerKeys = append(st.RetiredPeerKeys, peer)
	if over := len(st.RetiredPeerKeys) - MaxRetiredPeerKeys; over > 0 {
		st.RetiredPeerKeys = append([]domain.X25519Public(nil), st.RetiredPeerKeys[over:]...)
	}
}

func retired(st *domain.RatchetState, peer domain.X25519Public) bool {
	for _, k := range st.RetiredPeerKeys {
		if k.Equal(peer) {
			return true
		}
	}
	return false
}
