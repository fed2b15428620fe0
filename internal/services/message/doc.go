// Package message receives encrypted messages for the local device.
//
// It pulls per-device ciphertexts from the relay inbox, opens them through
// the session engine, resolves media envelopes into decrypted file bytes,
// and acknowledges only the messages it processed.
package message
