// Package config loads the mailsink daemon configuration from TOML.
//
// A minimal file only needs a hostname:
//
//	[server]
//	hostname = "mx.example.com"
//	addr = ":2525"
//	max_message_size = "10MB"
//
// Every other key falls back to the value returned by Default.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/synqronlabs/mailsink"
	"github.com/synqronlabs/mailsink/dns"
	sinkio "github.com/synqronlabs/mailsink/io"
	"github.com/synqronlabs/mailsink/sasl"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	TLS     TLSConfig     `toml:"tls"`
	Auth    AuthConfig    `toml:"auth"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
	Filter  FilterConfig  `toml:"filter"`
}

// ServerConfig holds the [server] section.
type ServerConfig struct {
	Hostname          string        `toml:"hostname"`
	Addr              string        `toml:"addr"`
	SoftwareName      string        `toml:"software_name"`
	MaxMessageSize    Size          `toml:"max_message_size"`
	MaxRecipients     int           `toml:"max_recipients"`
	MaxConnections    int           `toml:"max_connections"`
	DeferredThreshold Size          `toml:"deferred_threshold"`
	ReadTimeout       time.Duration `toml:"read_timeout"`
	DataTimeout       time.Duration `toml:"data_timeout"`
	ReceivedHeader    bool          `toml:"received_header"`
	ReverseDNS        bool          `toml:"reverse_dns"`
	Nameservers       []string      `toml:"nameservers"`
}

// TLSConfig holds the [tls] section. STARTTLS is offered when both files are set.
type TLSConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
	Require  bool   `toml:"require"`
	Hide     bool   `toml:"hide"`
}

// Enabled reports whether a certificate is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// AuthConfig holds the [auth] section. Password may be a bcrypt hash.
type AuthConfig struct {
	Username   string   `toml:"username"`
	Password   string   `toml:"password"`
	Mechanisms []string `toml:"mechanisms"`
	Require    bool     `toml:"require"`
}

// Enabled reports whether AUTH should be offered.
func (c AuthConfig) Enabled() bool {
	return c.Username != ""
}

// LoggingConfig holds the [logging] section.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
	Output string `toml:"output"` // stdout, stderr or a file path
}

// MetricsConfig holds the [metrics] section.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// FilterConfig holds the [filter] section. Recipients in BlockedRecipients
// and senders matching FilteredRegex are refused.
type FilterConfig struct {
	BlockedRecipients []string `toml:"blocked_recipients"`
	FilteredRegex     string   `toml:"filtered_regex"`
}

// Size is a byte count written either as an integer or as a
// human-readable string such as "10MB" or "512 KiB".
type Size int64

// UnmarshalTOML implements toml.Unmarshaler.
func (s *Size) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("size must not be negative: %d", v)
		}
		*s = Size(v)
	case string:
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", v, err)
		}
		*s = Size(n)
	default:
		return fmt.Errorf("size must be an integer or a string, got %T", v)
	}
	return nil
}

// String formats the size the way it is usually written in config files.
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return Config{
		Server: ServerConfig{
			Hostname:          hostname,
			Addr:              ":25",
			SoftwareName:      mailsink.DefaultSoftwareName,
			DeferredThreshold: Size(sinkio.DefaultDeferredThreshold),
			ReadTimeout:       5 * time.Minute,
			DataTimeout:       10 * time.Minute,
		},
		Auth: AuthConfig{
			Mechanisms: []string{"PLAIN", "LOGIN"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
		},
	}
}

// Load reads path over Default and validates the result. Keys the file
// sets but Config does not know are reported as errors.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Hostname == "" {
		errs = append(errs, errors.New("server.hostname is required"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxRecipients < 0 {
		errs = append(errs, errors.New("server.max_recipients must not be negative"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Server.ReadTimeout < 0 || c.Server.DataTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if c.TLS.Require && !c.TLS.Enabled() {
		errs = append(errs, errors.New("tls.require needs tls.cert_file and tls.key_file"))
	}

	if c.Auth.Username != "" && c.Auth.Password == "" {
		errs = append(errs, errors.New("auth.password is required with auth.username"))
	}
	if c.Auth.Require && !c.Auth.Enabled() {
		errs = append(errs, errors.New("auth.require needs auth.username"))
	}
	if c.Auth.Enabled() && len(c.Auth.Mechanisms) == 0 {
		errs = append(errs, errors.New("auth.mechanisms must not be empty"))
	}
	for _, m := range c.Auth.Mechanisms {
		switch strings.ToUpper(m) {
		case "PLAIN", "LOGIN":
		default:
			errs = append(errs, fmt.Errorf("auth.mechanisms: unsupported mechanism %q", m))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be text or json, got %q", c.Logging.Format))
	}
	if c.Logging.Output == "" {
		errs = append(errs, errors.New("logging.output is required"))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}

	if c.Filter.FilteredRegex != "" {
		if _, err := regexp.Compile(c.Filter.FilteredRegex); err != nil {
			errs = append(errs, fmt.Errorf("filter.filtered_regex: %w", err))
		}
	}

	return errors.Join(errs...)
}

// ServerConfig converts the daemon configuration into an engine
// configuration. Listeners are left for the caller to add.
func (c *Config) ServerConfig(logger *slog.Logger) (mailsink.ServerConfig, error) {
	sc := mailsink.DefaultServerConfig()
	sc.Hostname = c.Server.Hostname
	sc.Addr = c.Server.Addr
	sc.SoftwareName = c.Server.SoftwareName
	sc.MaxMessageSize = int64(c.Server.MaxMessageSize)
	sc.MaxRecipients = c.Server.MaxRecipients
	sc.MaxConnections = c.Server.MaxConnections
	sc.DeferredThreshold = int64(c.Server.DeferredThreshold)
	sc.ReadTimeout = c.Server.ReadTimeout
	sc.DataTimeout = c.Server.DataTimeout
	sc.ReceivedHeader = c.Server.ReceivedHeader
	if logger != nil {
		sc.Logger = logger
	}

	if c.Server.ReverseDNS {
		resolver := dns.NewResolver(dns.ResolverConfig{Nameservers: c.Server.Nameservers})
		sc.Resolver = resolver
		sc.Logger.Info("reverse DNS enabled", slog.Any("nameservers", resolver.Config().Nameservers))
	}

	if c.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return sc, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		sc.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		sc.HideTLS = c.TLS.Hide
		sc.RequireTLS = c.TLS.Require
	}

	if c.Auth.Enabled() {
		sc.AuthFactory = c.Auth.Factory()
		sc.RequireAuth = c.Auth.Require
	}

	return sc, nil
}

// Factory builds the SASL factory for the configured mechanisms, in the
// order they are listed.
func (c AuthConfig) Factory() sasl.Factory {
	validator := sasl.NewStaticValidator(c.Username, c.Password)
	var factories []sasl.Factory
	for _, m := range c.Mechanisms {
		switch strings.ToUpper(m) {
		case "PLAIN":
			factories = append(factories, sasl.NewPlainFactory(validator))
		case "LOGIN":
			factories = append(factories, sasl.NewLoginFactory(validator))
		}
	}
	return sasl.Composite(factories...)
}
