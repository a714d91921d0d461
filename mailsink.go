// Package mailsink is an embeddable ESMTP receiving engine.
//
// # Server
//
// Create a server with the fluent builder and register one or more
// listeners. Every listener that accepts a recipient receives the body once
// for that recipient:
//
//	server, err := mailsink.New("mx.example.com").
//	    Addr(":2525").
//	    TLS(tlsConfig).
//	    Auth(sasl.Composite(sasl.NewPlainFactory(v), sasl.NewLoginFactory(v))).
//	    MaxMessageSize(25 << 20).
//	    Listener(mailsink.ListenerFuncs{
//	        DeliverFunc: func(ctx context.Context, from, to string, body io.Reader) error {
//	            return store(from, to, body)
//	        },
//	    }).
//	    Build()
//
//	if err := server.ListenAndServe(); err != mailsink.ErrServerClosed {
//	    log.Fatal(err)
//	}
//
// A listener may return a *RejectError from Deliver to pick the DATA reply.
// Done is called once per listener whenever a transaction ends.
//
// # Client
//
// Client is a small submission client that shares the framing code of the
// server:
//
//	c, err := mailsink.Dial(ctx, "localhost:2525")
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	if err := c.Hello("client.example.com"); err != nil {
//	    return err
//	}
//	if err := c.SendMail("a@example.com", []string{"b@example.com"}, body); err != nil {
//	    return err
//	}
//	return c.Quit()
package mailsink
