// Package prekey manages signed prekeys and one-time prekeys for X3DH bootstrap.
//
// It rotates the current signed prekey, generates one-time prekeys with
// never-reused numeric ids, tops them up when the supply runs low and
// publishes the device bundle through a domain.KeyPublisher.
package prekey
