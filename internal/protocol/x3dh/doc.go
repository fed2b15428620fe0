// Package x3dh derives the root key that seeds a Double Ratchet session from
// a peer's published key bundle.
//
// InitiatorRoot verifies the bundle's signed prekey with the peer's Ed25519
// key, draws a base key from the CryptoProvider and mixes
//
//	DH(IK_a, SPK_b) || DH(EK_a, IK_b) || DH(EK_a, SPK_b) [|| DH(EK_a, OPK_b)]
//
// through HKDF-SHA256. The PreKeyMessage it returns names the signed and
// one-time prekey ids so ResponderRoot can load the matching private halves
// and reach the same root key.
//
// A bad signature yields ErrBadSPK. An all-zero shared secret yields
// ErrLowOrderKey.
package x3dh
