// Package session establishes, tracks and uses per-device ratchet sessions.
//
// A session is keyed by (peer user, peer device). The initiator side runs
// X3DH against a fetched key bundle (CreateSession); the responder side
// derives the same session from the first prekey message it decrypts.
// Encrypt and Decrypt advance the Double Ratchet and persist the state after
// every successful operation. Any integrity failure on decrypt deletes the
// session and returns a SessionCorrupted error.
//
// File payloads are sealed once with a random AES-256-GCM key
// (EncryptFile/DecryptFile) and optionally LZ4-compressed first.
package session
