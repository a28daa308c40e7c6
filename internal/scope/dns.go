package scope

import (
	"context"
	"net"

	"github.com/riftsec/auditcore/internal/auditerrors"
	"github.com/riftsec/auditcore/internal/logger"
)

// Resolver is the DNS lookup surface the scope evaluator needs. Production
// wires *net.Resolver; tests inject a fake that returns canned records
// without touching the network.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// netResolver adapts *net.Resolver (or net.DefaultResolver) to Resolver.
type netResolver struct{ r *net.Resolver }

// DefaultResolver wraps net.DefaultResolver for production use.
func DefaultResolver() Resolver { return netResolver{r: net.DefaultResolver} }

func (n netResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return n.r.LookupIPAddr(ctx, host)
}

// Expand performs DNS expansion per the mode selected. DNSExpansionOff is
// a no-op; DNSExpansionAll queries every domain host recorded in the
// scope. For each expanded domain both A and AAAA addresses are queried
// (LookupIPAddr already does both); a domain that resolves to neither
// aborts the whole audit with a ScopeError.
//
// In DNSExpansionNewOnly mode exactly the hosts in newDomains are
// queried; the scope's recorded hosts are not consulted, so a nil
// newDomains queries nothing.
func Expand(ctx context.Context, s *Scope, resolver Resolver, mode DNSExpansionMode, newDomains []string) error {
	if mode == DNSExpansionOff {
		return nil
	}

	var targets []string
	switch mode {
	case DNSExpansionNewOnly:
		targets = newDomains
	case DNSExpansionAll:
		targets = s.domainHosts()
	}

	for _, host := range targets {
		addrs, err := resolver.LookupIPAddr(ctx, host)
		if err != nil || len(addrs) == 0 {
			return auditerrors.Scope("domain " + host + " did not resolve to any A or AAAA record")
		}
		for _, a := range addrs {
			s.addHost(a.IP.String())
			logger.Scope().Debug().Str("domain", host).Str("address", a.IP.String()).Msg("scope: DNS expansion added address")
		}
	}
	return nil
}

// domainHosts returns the subset of recorded hosts that look like domain
// names rather than IP literals.
func (s *Scope) domainHosts() []string {
	var out []string
	for h := range s.hosts {
		if net.ParseIP(h) == nil {
			out = append(out, h)
		}
	}
	return out
}
