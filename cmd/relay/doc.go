// Command relay runs the in-memory cipherfan relay.
//
// It stores published key bundles, hands out one-time prekeys once, queues
// per-device ciphertexts until the device acknowledges them and keeps opaque
// media blobs. The relay never sees plaintext or private keys. State is lost
// when the process exits.
//
// Usage:
//
//	relay --addr :8080 --log-level debug
//
// Prometheus metrics are served on GET /metrics. The HTTP API is documented
// in package internal/relay.
package main
