// Package fanout encrypts one logical message or file independently for
// every device of every recipient.
//
// A send resolves device lists, establishes missing sessions, encrypts per
// device and hands the ciphertexts to the relay. Each step runs concurrently
// across devices and a failure only excludes the device it happened on. A
// media send encrypts the payload once, uploads the blob, and fans out only
// the small key envelope.
//
// Membership changes go through the same coordinator: removing a member
// deletes every session with that member's devices.
package fanout
