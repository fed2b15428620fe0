// Package crypto holds the primitives under the protocol packages.
//
// Randomness always flows through a domain.CryptoProvider: System reads
// crypto/rand, Deterministic expands a seed with ChaCha20 so tests can
// replay key generation. On top of that sit X25519 agreement, Ed25519
// signatures, HKDF-SHA256, AES-256-GCM with a detached tag for media, and
// fingerprints of public identity keys. Wipe clears secrets once a caller
// is done with them.
package crypto
