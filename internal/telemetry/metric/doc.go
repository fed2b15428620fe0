// Package metric provides Prometheus metrics for the encryption core.
//
// It exposes metrics in Prometheus format for monitoring fan-out outcomes,
// session lifecycle, decrypt failures and device-cache efficiency. Each
// Registry owns its own prometheus.Registry so several clients (or tests) can
// coexist in one process.
package metric
