package crypto

import (
	"crypto/rand"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"

	"cipherfan/internal/domain"
)

// System is the production CryptoProvider backed by crypto/rand.
type System struct{}

var _ domain.CryptoProvider = System{}

// NewSystem returns the operating-system backed provider.
func NewSystem() System { return System{} }

func (System) Reader() io.Reader { return rand.Reader }

func (s System) RandomBytes(n int) ([]byte, error) { return randomBytes(s.Reader(), n) }

func (s System) GenerateX25519() (domain.X25519Private, domain.X25519Public, error) {
	return GenerateX25519(s.Reader())
}

func (System) DH(priv domain.X25519Private, pub domain.X25519Public) ([32]byte, error) {
	return DH(priv, pub)
}

func (s System) GenerateEd25519() (domain.Ed25519Private, domain.Ed25519Public, error) {
	return GenerateEd25519(s.Reader())
}

func (System) Sign(priv domain.Ed25519Private, msg []byte) []byte { return SignEd25519(priv, msg) }

func (System) Verify(pub domain.Ed25519Public, msg, sig []byte) bool {
	return VerifyEd25519(pub, msg, sig)
}

// Deterministic is a CryptoProvider whose randomness is a ChaCha20 keystream
// over a fixed seed. Two providers built from the same seed produce the same
// keys in the same order. Use it only in tests.
type Deterministic struct {
	System
	stream *keystream
}

var _ domain.CryptoProvider = (*Deterministic)(nil)

// NewDeterministic returns a seeded provider.
func NewDeterministic(seed [32]byte) *Deterministic {
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		// Only reachable with a wrong key or nonce length.
		panic(err)
	}
	return &Deterministic{stream: &keystream{c: c}}
}

func (d *Deterministic) Reader() io.Reader { return d.stream }

func (d *Deterministic) RandomBytes(n int) ([]byte, error) { return randomBytes(d.stream, n) }

func (d *Deterministic) GenerateX25519() (domain.X25519Private, domain.X25519Public, error) {
	return GenerateX25519(d.stream)
}

func (d *Deterministic) GenerateEd25519() (domain.Ed25519Private, domain.Ed25519Public, error) {
	return GenerateEd25519(d.stream)
}

type keystream struct {
	mu sync.Mutex
	c  *chacha20.Cipher
}

func (k *keystream) Read(p []byte) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range p {
		p[i] = 0
	}
	k.c.XORKeyStream(p, p)
	return len(p), nil
}

func randomBytes(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
