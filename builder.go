package mailsink

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/synqronlabs/mailsink/dns"
	"github.com/synqronlabs/mailsink/sasl"
)

// ServerBuilder provides a fluent API for configuring an SMTP server.
type ServerBuilder struct {
	config ServerConfig
}

// New creates a new ServerBuilder.
func New(hostname string) *ServerBuilder {
	config := DefaultServerConfig()
	config.Hostname = hostname
	return &ServerBuilder{config: config}
}

// Addr sets the listen address.
func (b *ServerBuilder) Addr(addr string) *ServerBuilder {
	b.config.Addr = addr
	return b
}

// SoftwareName sets the name announced in the greeting.
func (b *ServerBuilder) SoftwareName(name string) *ServerBuilder {
	b.config.SoftwareName = name
	return b
}

// Logger sets the server logger.
func (b *ServerBuilder) Logger(logger *slog.Logger) *ServerBuilder {
	b.config.Logger = logger
	return b
}

// TLS enables STARTTLS with the given config.
func (b *ServerBuilder) TLS(config *tls.Config) *ServerBuilder {
	b.config.TLSConfig = config
	return b
}

// HideTLS stops STARTTLS from being advertised while keeping it usable.
func (b *ServerBuilder) HideTLS() *ServerBuilder {
	b.config.HideTLS = true
	return b
}

// RequireTLS requires STARTTLS before mail commands.
func (b *ServerBuilder) RequireTLS() *ServerBuilder {
	b.config.RequireTLS = true
	return b
}

// Auth enables AUTH with the given mechanism factory.
func (b *ServerBuilder) Auth(factory sasl.Factory) *ServerBuilder {
	b.config.AuthFactory = factory
	return b
}

// RequireAuth requires a successful AUTH before mail commands.
func (b *ServerBuilder) RequireAuth() *ServerBuilder {
	b.config.RequireAuth = true
	return b
}

// ReadTimeout sets the per-command read timeout.
func (b *ServerBuilder) ReadTimeout(d time.Duration) *ServerBuilder {
	b.config.ReadTimeout = d
	return b
}

// DataTimeout sets the read timeout for message bodies.
func (b *ServerBuilder) DataTimeout(d time.Duration) *ServerBuilder {
	b.config.DataTimeout = d
	return b
}

// WriteTimeout sets the reply write timeout.
func (b *ServerBuilder) WriteTimeout(d time.Duration) *ServerBuilder {
	b.config.WriteTimeout = d
	return b
}

// MaxMessageSize sets the maximum accepted body size in bytes.
func (b *ServerBuilder) MaxMessageSize(size int64) *ServerBuilder {
	b.config.MaxMessageSize = size
	return b
}

// MaxRecipients limits RCPT commands per transaction.
func (b *ServerBuilder) MaxRecipients(n int) *ServerBuilder {
	b.config.MaxRecipients = n
	return b
}

// MaxConnections limits concurrent sessions.
func (b *ServerBuilder) MaxConnections(n int) *ServerBuilder {
	b.config.MaxConnections = n
	return b
}

// MaxLineLength sets the command line limit, CRLF included.
func (b *ServerBuilder) MaxLineLength(n int) *ServerBuilder {
	b.config.MaxLineLength = n
	return b
}

// DeferredThreshold sets the in-memory limit for shared bodies.
func (b *ServerBuilder) DeferredThreshold(n int64) *ServerBuilder {
	b.config.DeferredThreshold = n
	return b
}

// ReceivedHeader enables the Received trace header, resolving client
// names with r when it is non-nil.
func (b *ServerBuilder) ReceivedHeader(r dns.Resolver) *ServerBuilder {
	b.config.ReceivedHeader = true
	b.config.Resolver = r
	return b
}

// Listener registers message listeners in delivery order.
func (b *ServerBuilder) Listener(listeners ...MessageListener) *ServerBuilder {
	b.config.Listeners = append(b.config.Listeners, listeners...)
	return b
}

// Config returns a copy of the configuration built so far.
func (b *ServerBuilder) Config() ServerConfig {
	return b.config
}

// Build creates a Server from the builder configuration.
func (b *ServerBuilder) Build() (*Server, error) {
	return NewServer(b.config)
}

// Run builds and starts the server.
// This is a convenience method equivalent to Build() followed by ListenAndServe().
func (b *ServerBuilder) Run() error {
	server, err := b.Build()
	if err != nil {
		return err
	}
	return server.ListenAndServe()
}
