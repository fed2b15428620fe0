// Package identity manages creation and loading of the local identity.
//
// It generates X25519 and Ed25519 key pairs plus a random registration id
// once per device, persists them via domain.IdentityKeyStore and enforces the
// passphrase policy used to seal them at rest.
package identity
