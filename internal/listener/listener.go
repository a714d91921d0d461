// Package listener holds the MessageListener implementations used by the
// mailsink daemon: a logging sink, Prometheus counters and the recipient
// blocklist and address filter that guard them.
package listener

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/synqronlabs/mailsink"
)

// Blocklist is a case-insensitive set of refused recipient addresses.
// A nil Blocklist blocks nothing.
type Blocklist struct {
	addrs map[string]struct{}
}

// NewBlocklist returns a Blocklist of addrs, or nil when addrs is empty.
func NewBlocklist(addrs []string) *Blocklist {
	if len(addrs) == 0 {
		return nil
	}
	b := &Blocklist{addrs: make(map[string]struct{}, len(addrs))}
	for _, a := range addrs {
		b.addrs[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return b
}

// Contains reports whether recipient is blocked.
func (b *Blocklist) Contains(recipient string) bool {
	if b == nil || recipient == "" {
		return false
	}
	_, ok := b.addrs[strings.ToLower(recipient)]
	return ok
}

// Filter drops messages whose sender or recipient matches an expression.
// The expression must match the whole address. A nil Filter drops nothing.
type Filter struct {
	re *regexp.Regexp
}

// NewFilter compiles expr. An empty expr yields a nil Filter.
func NewFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression: %w", err)
	}
	return &Filter{re: re}, nil
}

// Match reports whether from or recipient matches.
func (f *Filter) Match(from, recipient string) bool {
	if f == nil {
		return false
	}
	return (from != "" && f.re.MatchString(from)) || (recipient != "" && f.re.MatchString(recipient))
}

// Guard wraps a listener. Blocked recipients are never accepted, and
// filtered messages are read and discarded without reaching the wrapped
// listener.
type Guard struct {
	next    mailsink.MessageListener
	blocked *Blocklist
	filter  *Filter
	logger  *slog.Logger
}

// NewGuard returns a Guard in front of next.
func NewGuard(next mailsink.MessageListener, blocked *Blocklist, filter *Filter, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{next: next, blocked: blocked, filter: filter, logger: logger}
}

func (g *Guard) Accept(ctx context.Context, from, recipient string) bool {
	if g.blocked.Contains(recipient) {
		g.logger.Debug("recipient blocked", slog.String("from", from), slog.String("recipient", recipient))
		return false
	}
	return g.next.Accept(ctx, from, recipient)
}

func (g *Guard) Deliver(ctx context.Context, from, recipient string, body io.Reader) error {
	if g.filter.Match(from, recipient) {
		g.logger.Info("message filtered", slog.String("from", from), slog.String("recipient", recipient))
		messagesFiltered.Inc()
		_, err := io.Copy(io.Discard, body)
		return err
	}
	return g.next.Deliver(ctx, from, recipient, body)
}

func (g *Guard) Done(ctx context.Context) {
	g.next.Done(ctx)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
