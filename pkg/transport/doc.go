// Package transport implements the delivery mechanisms a dispatcher can
// choose between.
//
// Every transport satisfies the same contract: probe, connect, send and
// close. The dispatcher never inspects concrete types; it picks a kind by
// probing an explicit preference list with Select.
//
// # Supported Transport Kinds
//
// WebSocket:
//   - One persistent socket per endpoint, dialed with gorilla/websocket
//   - Messages stay in a pending set until a reply with a verdict arrives
//   - A dropped socket hands its pending messages back for redelivery
//   - Keepalive pings at half the liveness interval; a silent socket is
//     closed at two thirds of it
//   - Circuit breaker: once the kind has suffered more unexpected closes
//     than the fault threshold it is never selected again
//
// Long-polling:
//   - A batching transport: messages queue in an outbox and go out
//     together as one HTTP POST
//   - A handshake flushes after a short fixed delay, other traffic after
//     the configured max delay
//   - A batch never grows past the maximum request size
//
// # Threading
//
// Transports are not safe for concurrent use. Every method runs on the
// owning dispatcher's loop, and network goroutines post their results back
// to it.
//
// # Shared State
//
// The fault counter and the transport registry are shared by every
// dispatcher in the process through Shared. DefaultShared is used unless
// the dispatcher is given its own, which is how tests isolate cases.
package transport
