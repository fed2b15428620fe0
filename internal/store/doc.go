// Package store provides persistence for the device's key material.
//
// It contains two implementations of domain.KeyStore:
//   - MemoryKeyStore keeps everything in process memory (tests, ephemeral
//     clients).
//   - BadgerKeyStore persists to a Badger v3 database. When a passphrase is
//     configured the identity key pair is sealed at rest with a scrypt-derived
//     ChaCha20-Poly1305 key.
//
// Lookups of absent records return ok=false, never an error. Every single
// record mutation commits atomically.
package store
