// Package wsserver implements a standalone RFC 6455 WebSocket server:
// the HTTP upgrade handshake, frame codec, fragmentation reassembly,
// ping/pong liveness, and a callback surface a host program implements
// to receive connect/disconnect/data events.
//
// The server runs a single coordinator goroutine that owns every piece
// of shared state (the client registry, the online counter, the timer
// wheel, and callback dispatch); each session's socket I/O happens on
// its own goroutine, which only ever reports parsed results back to the
// coordinator. This keeps per-session ordering of inbound dispatch and
// outbound writes intact without a shared-state lock.
package wsserver
