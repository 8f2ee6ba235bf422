// Package bayeux is the root of the Bayeux client transport SDK for Go,
// providing convenient exports of the core components from the
// sub-packages.
//
// Bayeux is a publish/subscribe protocol that carries JSON messages between
// a client and a server over HTTP long-polling or a websocket. This SDK
// implements the delivery layer of a Bayeux client: choosing a transport,
// batching and sending messages, retrying them when the network fails, and
// routing replies back.
//
// # Overview
//
// The SDK consists of several sub-packages:
//
//   - pkg/dispatcher: Selects a transport and owns the delivery policy
//   - pkg/transport: The websocket and long-polling transports
//   - pkg/protocol: The Bayeux message type and wire codec
//   - pkg/loop: The single-threaded executor everything runs on
//   - pkg/config: YAML configuration
//   - pkg/errors: Structured errors with codes and categories
//   - pkg/logging: Structured logging
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//
// # Sending a Message
//
//	import (
//	    "context"
//	    "github.com/ajitpratap0/bayeux-sdk-go"
//	)
//
//	func main() {
//	    cfg := bayeux.DefaultConfig()
//	    cfg.Endpoint = "https://example.com/bayeux"
//
//	    d, err := bayeux.NewDispatcher(cfg)
//	    if err != nil {
//	        // Handle error
//	    }
//	    defer d.Stop()
//
//	    d.OnMessage(func(m *protocol.Message) {
//	        // Replies and server pushes arrive here
//	    })
//
//	    ctx := context.Background()
//	    if err := d.SelectTransport(ctx); err != nil {
//	        // No transport can reach the server
//	    }
//
//	    msg := bayeux.NewMessage("/meta/handshake")
//	    _ = d.SendMessage(ctx, msg, 0, bayeux.WithAttempts(3))
//	}
//
// # Delivery Guarantees
//
// A message is retried until a reply with a "successful" field arrives for
// its id, its attempts run out, or its deadline passes. Retries after a
// dropped websocket go out immediately; other failures wait for the
// configured retry interval. Duplicate sends of a pending message are
// ignored, so callers may resend freely.
//
// For more detailed examples, see the examples directory.
package bayeux
