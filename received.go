package mailsink

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/synqronlabs/mailsink/dns"
	"github.com/synqronlabs/mailsink/utils"
)

const reverseLookupTimeout = 5 * time.Second

// receivedHeader builds the Received trace header for the open transaction.
// The "for" clause names the recipient only when there is exactly one.
func (s *Session) receivedHeader() string {
	cfg := s.server.config

	var b strings.Builder
	b.WriteString("Received: from ")
	b.WriteString(s.heloHost)
	b.WriteString(" (")
	if name := s.reverseName(); name != "" {
		b.WriteString(name)
		b.WriteByte(' ')
	}
	b.WriteByte('[')
	if ip, err := utils.GetIPFromAddr(s.remoteAddr); err == nil {
		b.WriteString(ip.String())
	} else {
		b.WriteString(s.remoteAddr.String())
	}
	b.WriteString("])\r\n")

	b.WriteString("        by ")
	b.WriteString(cfg.Hostname)
	b.WriteString("\r\n")

	b.WriteString("        with SMTP (")
	b.WriteString(cfg.SoftwareName)
	b.WriteString(") id ")
	b.WriteString(s.ID)
	if len(s.tx.recipients) == 1 {
		b.WriteString("\r\n        for ")
		b.WriteString(s.tx.recipients[0])
	}
	b.WriteString(";\r\n")

	b.WriteString("        ")
	b.WriteString(time.Now().Format(time.RFC1123Z))
	b.WriteString("\r\n")
	return b.String()
}

func (s *Session) reverseName() string {
	r := s.server.config.Resolver
	if r == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(s.ctx, reverseLookupTimeout)
	defer cancel()

	name, err := dns.ReverseName(ctx, r, s.remoteAddr)
	if err != nil {
		switch {
		case dns.IsNotFound(err):
		case dns.IsTemporary(err):
			s.logger.Warn("reverse lookup temporarily failed",
				slog.Any("error", err),
				slog.Bool("timeout", dns.IsTimeout(err)),
			)
		default:
			s.logger.Debug("reverse lookup failed", slog.Any("error", err))
		}
		return ""
	}
	return name
}
