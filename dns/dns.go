// Package dns provides the reverse lookups used to annotate SMTP sessions.
//
// Resolver is implemented by DNSResolver (github.com/miekg/dns) and by
// MockResolver for tests.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/synqronlabs/mailsink/utils"
)

var (
	// ErrDNSNotFound is returned for NXDOMAIN or an empty answer.
	ErrDNSNotFound = errors.New("dns: record not found")

	// ErrDNSServFail is returned when the upstream answered SERVFAIL.
	ErrDNSServFail = errors.New("dns: server failure")

	// ErrDNSRefused is returned when the upstream refused the query.
	ErrDNSRefused = errors.New("dns: query refused")

	// ErrDNSTimeout is returned when no upstream answered in time.
	ErrDNSTimeout = errors.New("dns: timeout")
)

// Resolver performs reverse lookups.
type Resolver interface {
	// LookupAddr returns the PTR names for ip, without trailing dots.
	LookupAddr(ctx context.Context, ip net.IP) ([]string, error)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout reports whether err is a lookup timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrDNSTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsServFail reports whether err is a SERVFAIL answer.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsTemporary reports whether retrying the lookup later could succeed.
func IsTemporary(err error) bool {
	return IsTimeout(err) || IsServFail(err) || errors.Is(err, ErrDNSRefused)
}

// ReverseName returns the first PTR name for the IP of addr.
func ReverseName(ctx context.Context, r Resolver, addr net.Addr) (string, error) {
	if r == nil {
		return "", errors.New("dns: nil resolver")
	}
	ip, err := utils.GetIPFromAddr(addr)
	if err != nil {
		return "", fmt.Errorf("dns: %w", err)
	}
	names, err := r.LookupAddr(ctx, ip)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrDNSNotFound
	}
	return strings.TrimSuffix(names[0], "."), nil
}
