package mailsink

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	"github.com/synqronlabs/mailsink/dns"
	sinkio "github.com/synqronlabs/mailsink/io"
	"github.com/synqronlabs/mailsink/sasl"
)

// DefaultSoftwareName is announced in the greeting and Received headers.
const DefaultSoftwareName = "mailsink"

// ServerConfig contains configuration options for the SMTP server.
// Prefer using the builder pattern via mailsink.New().
type ServerConfig struct {
	Hostname     string
	SoftwareName string
	Addr         string

	// TLSConfig enables STARTTLS. HideTLS keeps it out of the EHLO reply.
	TLSConfig  *tls.Config
	HideTLS    bool
	RequireTLS bool

	// AuthFactory enables AUTH. Nil means AUTH answers 502.
	AuthFactory sasl.Factory
	RequireAuth bool

	// MaxMessageSize of 0 disables the limit and the SIZE keyword.
	MaxMessageSize int64
	// MaxRecipients of 0 accepts any number of RCPT commands.
	MaxRecipients  int
	MaxConnections int
	MaxLineLength  int

	// DeferredThreshold is the in-memory limit for bodies shared by
	// several listeners before they spill to a temporary file.
	DeferredThreshold int64

	// ReadTimeout bounds the wait for a command line. DataTimeout bounds
	// the silence between reads of a message body.
	ReadTimeout  time.Duration
	DataTimeout  time.Duration
	WriteTimeout time.Duration

	// ReceivedHeader prepends a Received trace header to delivered bodies.
	ReceivedHeader bool
	// Resolver supplies the reverse name for the Received header.
	Resolver dns.Resolver

	Listeners []MessageListener
	Logger    *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SoftwareName:      DefaultSoftwareName,
		Addr:              ":25",
		MaxLineLength:     sinkio.DefaultMaxLineLength,
		DeferredThreshold: sinkio.DefaultDeferredThreshold,
		ReadTimeout:       5 * time.Minute,
		DataTimeout:       10 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		Logger:            slog.Default(),
	}
}

// SubmissionConfig returns a ServerConfig for mail submission (port 587).
func SubmissionConfig() ServerConfig {
	config := DefaultServerConfig()
	config.Addr = ":587"
	config.RequireAuth = true
	config.RequireTLS = true
	return config
}

// withDefaults fills zero fields and checks the combination is usable.
func (c ServerConfig) withDefaults() (ServerConfig, error) {
	if c.Hostname == "" {
		return c, errors.New("smtp: hostname is required")
	}
	if c.RequireTLS && c.TLSConfig == nil {
		return c, errors.New("smtp: RequireTLS needs a TLS config")
	}
	if c.RequireAuth && c.AuthFactory == nil {
		return c, errors.New("smtp: RequireAuth needs an auth factory")
	}
	if c.MaxMessageSize < 0 || c.MaxRecipients < 0 || c.MaxConnections < 0 {
		return c, errors.New("smtp: limits must not be negative")
	}

	d := DefaultServerConfig()
	if c.SoftwareName == "" {
		c.SoftwareName = d.SoftwareName
	}
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = d.MaxLineLength
	}
	if c.DeferredThreshold <= 0 {
		c.DeferredThreshold = d.DeferredThreshold
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.DataTimeout == 0 {
		c.DataTimeout = d.DataTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	c.Listeners = append([]MessageListener(nil), c.Listeners...)
	return c, nil
}
