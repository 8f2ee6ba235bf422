// Package protocol defines the Bayeux message model and the JSON framing
// shared by every transport.
//
// # Messages
//
// A Message is identified by its ID and routed by its Channel. Meta
// channels (/meta/handshake, /meta/connect, ...) drive the session; every
// other channel carries application data in Data, which is kept as raw JSON
// and never interpreted here.
//
// Replies from the server carry a "successful" flag. HasVerdict reports
// whether that flag is present; only such messages acknowledge an outbound
// message with the same ID. Everything else is an unsolicited push.
//
// # Framing
//
// Outbound batches are JSON arrays (EncodeBatch). Inbound frames may be an
// array or a single object (DecodeFrame). Persistent sockets send
// KeepaliveFrame, an empty array, to prove liveness.
package protocol
