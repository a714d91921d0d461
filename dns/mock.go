package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver used for testing. PTR maps IP strings to names.
type MockResolver struct {
	PTR map[string][]string

	// Fail lists IP strings whose lookup returns ErrDNSServFail.
	Fail []string
}

var _ Resolver = MockResolver{}

// LookupAddr performs a reverse DNS lookup against the PTR map.
func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := ip.String()
	if slices.Contains(r.Fail, key) {
		return nil, ErrDNSServFail
	}

	records := r.PTR[key]
	if len(records) == 0 {
		return nil, ErrDNSNotFound
	}
	return slices.Clone(records), nil
}
