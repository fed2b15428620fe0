// Package directory caches per-user device lists in front of a device
// directory, with a fixed TTL and explicit invalidation on membership change.
package directory
