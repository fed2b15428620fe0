// Package relay is the untrusted store-and-forward side of cipherfan.
//
// Hub keeps key bundles, device lists, per-device inbox queues and opaque
// media blobs in memory. It hands out each one-time prekey at most once and
// never sees plaintext. Server exposes a Hub over HTTP and HTTPClient talks
// to it; both sides implement the same collaborator interfaces from the
// domain package, so services can run against either.
//
// HTTP API:
//
//	POST /v1/keys                          publish a PublishedBundle
//	GET  /v1/keys/{user}/{device}          fetch a KeyBundle (pops one prekey)
//	GET  /v1/devices/{user}                list DeviceDescriptors
//	POST /v1/messages                      queue a RelayRequest
//	GET  /v1/inbox/{user}/{device}?limit=  peek queued InboundMessages
//	POST /v1/inbox/{user}/{device}/ack     drop the first {"count": n}
//	POST /v1/media/{chat}                  store a raw blob, returns media_url
//	GET  /v1/media/{id}                    fetch a raw blob
//	GET  /metrics                          Prometheus metrics
//
// Every request produces one access log line with method, path, status and
// duration. The client retries transport errors and 5xx answers with
// jittered backoff and is rate limited.
package relay
