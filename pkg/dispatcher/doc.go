// Package dispatcher delivers Bayeux messages over the best transport the
// server supports.
//
// A Dispatcher selects a transport from an ordered preference list, then
// tracks every message it sends in an envelope until a reply carrying a
// verdict arrives. Each attempt has its own timeout. A transport failure
// either resends at once (when the server was reachable a moment ago) or
// waits for the retry interval. Attempts and deadlines bound how long a
// message keeps being retried.
//
//	d, err := dispatcher.New(cfg, dispatcher.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer d.Stop()
//
//	d.OnMessage(func(m *protocol.Message) { ... })
//	if err := d.SelectTransport(ctx); err != nil {
//		return err
//	}
//	err = d.SendMessage(ctx, protocol.NewMessage("/meta/handshake"), 0,
//		dispatcher.WithAttempts(3))
//
// The dispatcher never parses message payloads or keeps session state;
// the client built on top of it owns the handshake and subscriptions.
package dispatcher
