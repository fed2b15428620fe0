package crypto

import "runtime"

// Wipe overwrites b with zeros.
//
//go:noinline
func Wipe(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}

// WipeKey zeroes a 32-byte key in place; nil is ignored.
func WipeKey(k *[32]byte) {
	if k != nil {
		Wipe(k[:])
	}
}
