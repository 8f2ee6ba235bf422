// Package pkg groups the components of the Bayeux client transport SDK.
//
// The dispatcher package is the entry point. It runs on a loop.Loop,
// picks a transport from the transport package and reports through the
// logging and observability packages. Messages are protocol.Message values
// and every failure is a structured error from the errors package.
//
//	cfg, err := config.Load("bayeux.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	d, err := dispatcher.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Stop()
//
//	if err := d.SelectTransport(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Transports can be swapped or extended by handing the dispatcher a
// transport.Catalog of factories.
package pkg
