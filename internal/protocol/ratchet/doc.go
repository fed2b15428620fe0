// Package ratchet is the Double Ratchet over domain.RatchetState.
//
// Encrypt and Decrypt advance the sending and receiving chains one message
// at a time and step the DH ratchet when a header carries a new peer key.
// Message keys for gaps are kept in the state under hex ids, bounded by
// MaxSkip, so late messages still open. Reusing a key fails with
// ErrSkippedKeyNotFound.
//
// A RatchetState must not be shared between goroutines; the session service
// holds a per-peer lock around every call.
package ratchet
