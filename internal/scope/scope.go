// Package scope classifies user-supplied targets (URLs, hostnames, IPv4/v6
// literals, CIDR blocks) and answers in/out-of-scope membership queries
// for every later candidate the audit discovers.
package scope

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/riftsec/auditcore/internal/auditerrors"
	"github.com/riftsec/auditcore/internal/data"
	"github.com/riftsec/auditcore/internal/logger"
)

var domainRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-.]*[A-Za-z0-9]$`)

// DNSExpansionMode selects how aggressively the scope evaluator resolves
// hostnames to addresses during bootstrap.
type DNSExpansionMode int

const (
	DNSExpansionOff DNSExpansionMode = iota
	DNSExpansionNewOnly
	DNSExpansionAll
)

// Scope holds every host and URL the evaluator has recorded as in-scope,
// plus the root-suffix set used for subdomain matching.
type Scope struct {
	IncludeSubdomains bool

	hosts map[string]struct{} // exact hosts recorded from targets
	roots map[string]struct{} // recorded hosts and their ancestor suffixes, populated when IncludeSubdomains
	urls  map[string]struct{} // recorded absolute URLs
}

func newScope(includeSubdomains bool) *Scope {
	return &Scope{
		IncludeSubdomains: includeSubdomains,
		hosts:             make(map[string]struct{}),
		roots:             make(map[string]struct{}),
		urls:              make(map[string]struct{}),
	}
}

// Hosts returns a sorted snapshot of every recorded exact host.
func (s *Scope) Hosts() []string {
	out := make([]string, 0, len(s.hosts))
	for h := range s.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Seeds returns the synthetic http://<host>/ URL plus the original URL
// targets recorded during Load — the items the coordinator interns and
// dispatches as the audit's first DATA message.
func (s *Scope) Seeds() []*data.Item {
	seen := make(map[string]struct{})
	var items []*data.Item
	add := func(it *data.Item) {
		if _, ok := seen[it.Identity()]; ok {
			return
		}
		seen[it.Identity()] = struct{}{}
		items = append(items, it)
	}

	for _, h := range s.Hosts() {
		if ip := net.ParseIP(h); ip != nil {
			add(data.NewIP(h, strings.Contains(h, ":")))
		} else {
			add(data.NewDomain(h))
		}
		add(data.NewURL(fmt.Sprintf("http://%s/", h)))
	}
	for u := range s.urls {
		add(data.NewURL(u))
	}
	return items
}

func (s *Scope) addHost(h string) {
	s.hosts[h] = struct{}{}
	if s.IncludeSubdomains {
		s.roots[h] = struct{}{}
		for _, suffix := range ancestorSuffixes(h) {
			s.roots[suffix] = struct{}{}
		}
	}
}

// ancestorSuffixes returns every dotted ancestor of h, e.g. for
// "a.b.example.com": ["b.example.com", "example.com"]. h itself is
// excluded; addHost records h as a root separately.
func ancestorSuffixes(h string) []string {
	parts := strings.Split(h, ".")
	var out []string
	for i := 1; i < len(parts)-1; i++ {
		out = append(out, strings.Join(parts[i:], "."))
	}
	return out
}

// IsIn normalizes target the same way Load does and reports whether it is
// in scope. Inputs that are neither a URL, an IP, nor a string matching
// the domain regex return false (a warning is logged).
func (s *Scope) IsIn(target string) bool {
	host, ok := extractHost(target)
	if !ok {
		logger.Scope().Warn().Str("target", target).Msg("scope: target is neither URL, IP, nor valid domain name")
		return false
	}
	return s.hostInScope(host)
}

func (s *Scope) hostInScope(host string) bool {
	if _, ok := s.hosts[host]; ok {
		return true
	}
	for r := range s.roots {
		if host == r || strings.HasSuffix(host, "."+r) {
			return true
		}
	}
	return false
}

// extractHost classifies target (URL, bracketed IPv6, raw IPv4/IPv6, or
// domain name) and returns the bare host it refers to.
func extractHost(target string) (string, bool) {
	t := strings.TrimSpace(target)

	if strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]") {
		inner := t[1 : len(t)-1]
		if ip := net.ParseIP(inner); ip != nil {
			return ip.String(), true
		}
		return "", false
	}
	if ip := net.ParseIP(t); ip != nil {
		return ip.String(), true
	}
	if u, err := url.Parse(t); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Hostname(), true
	}
	if domainRE.MatchString(t) {
		return strings.ToLower(t), true
	}
	return "", false
}

// Load classifies every target string and builds the Scope that governs
// the rest of the audit. Classification order: IPv6 in brackets, raw
// IPv4/IPv6, CIDR network, absolute URL, domain name.
//
// An unparseable target is logged and skipped, not fatal, so one bad
// entry in a long target list doesn't sink the whole audit.
func Load(targets []string, includeSubdomains bool) (*Scope, error) {
	s := newScope(includeSubdomains)

	for _, raw := range targets {
		t := strings.TrimSpace(raw)
		if t == "" {
			continue
		}

		if strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]") {
			inner := t[1 : len(t)-1]
			if ip := net.ParseIP(inner); ip != nil {
				s.addHost(ip.String())
				continue
			}
			logger.Scope().Warn().Str("target", raw).Msg("scope: unparseable bracketed literal, skipping")
			continue
		}

		if ip := net.ParseIP(t); ip != nil {
			s.addHost(ip.String())
			continue
		}

		if strings.Contains(t, "/") {
			if _, ipnet, err := net.ParseCIDR(t); err == nil {
				for _, h := range hostsInCIDR(ipnet) {
					s.addHost(h)
				}
				continue
			}
		}

		if u, err := url.Parse(t); err == nil && u.Scheme != "" && u.Host != "" {
			s.urls[u.String()] = struct{}{}
			s.addHost(strings.ToLower(u.Hostname()))
			continue
		}

		if domainRE.MatchString(t) {
			s.addHost(strings.ToLower(t))
			continue
		}

		logger.Scope().Warn().Str("target", raw).Msg("scope: target is neither URL, IP, CIDR, nor valid domain name, skipping")
	}

	return s, nil
}

// hostsInCIDR enumerates every usable host address in ipnet, excluding
// the network and broadcast addresses for IPv4 /30 and larger blocks
// (e.g. 10.0.0.0/30 yields .1 and .2, not .0 or .3).
func hostsInCIDR(ipnet *net.IPNet) []string {
	var out []string
	ip := ipnet.IP.Mask(ipnet.Mask)
	ones, bits := ipnet.Mask.Size()

	if ip4 := ip.To4(); ip4 != nil && bits == 32 {
		if ones >= 31 {
			// /31 and /32: every address is usable (point-to-point/ host route).
			for cur := cloneIP(ip4); ipnet.Contains(cur); incIP(cur) {
				out = append(out, cur.String())
			}
			return out
		}
		first := cloneIP(ip4)
		incIP(first) // skip network address
		for cur := first; ipnet.Contains(cur); incIP(cur) {
			next := cloneIP(cur)
			incIP(next)
			if !ipnet.Contains(next) {
				break // cur is the broadcast address
			}
			out = append(out, cur.String())
		}
		return out
	}

	for cur := cloneIP(ip); ipnet.Contains(cur); incIP(cur) {
		out = append(out, cur.String())
	}
	return out
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

// IsItemIn reports whether item falls within scope. Items with no
// intrinsic host (a DNS record, a vulnerability finding) have nothing to
// check against the target list and are treated as in-scope by
// definition — only network-addressable resources are ever out of scope.
func (s *Scope) IsItemIn(item *data.Item) bool {
	host, ok := itemHost(item)
	if !ok {
		return true
	}
	return s.hostInScope(host)
}

func itemHost(item *data.Item) (string, bool) {
	switch item.Subtype() {
	case data.SubtypeDomain:
		v, _ := item.IdentityField("name")
		if s, ok := v.(string); ok {
			return strings.ToLower(s), true
		}
	case data.SubtypeIPv4, data.SubtypeIPv6:
		v, _ := item.IdentityField("address")
		if s, ok := v.(string); ok {
			return s, true
		}
	case data.SubtypeURL, data.SubtypeHTTPRequest:
		v, _ := item.IdentityField("url")
		if s, ok := v.(string); ok {
			if u, err := url.Parse(s); err == nil && u.Host != "" {
				return strings.ToLower(u.Hostname()), true
			}
		}
	}
	return "", false
}

// ConfigErrorIfEmpty returns a ConfigError when the scope ended up with no
// usable hosts at all — every target was unparseable.
func (s *Scope) ConfigErrorIfEmpty() error {
	if len(s.hosts) == 0 && len(s.urls) == 0 {
		return auditerrors.Config("no usable targets after scope classification")
	}
	return nil
}
