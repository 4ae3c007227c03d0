// Package policy implements a profile's client-matching ACL: exact
// IPs, CIDR subnets, the wildcard entry "*", and reverse-DNS hostname
// matches, mirroring original_source/vism_acme/config.py's
// Profile.client_is_valid / client_is_allowed / _client_in_dv.
package policy

import "net"

// ReverseLookupFunc resolves an IP to its PTR hostnames, injectable
// for tests (production wiring uses net.LookupAddr).
type ReverseLookupFunc func(ip string) ([]string, error)

// Matcher evaluates a profile's domain-validation ACL against a
// candidate client IP.
type Matcher struct {
	Entries       []string
	ReverseLookup ReverseLookupFunc
}

// New builds a Matcher over entries (exact IPs, CIDRs, hostnames, or
// "*"), using lookup for any hostname entries. A nil lookup disables
// hostname matching.
func New(entries []string, lookup ReverseLookupFunc) *Matcher {
	return &Matcher{Entries: entries, ReverseLookup: lookup}
}

// Matches reports whether clientIP satisfies any entry in the list,
// mirroring _client_in_dv's three match kinds.
func (m *Matcher) Matches(clientIP net.IP) bool {
	for _, entry := range m.Entries {
		if entry == "*" {
			return true
		}
		if _, network, err := net.ParseCIDR(entry); err == nil {
			if network.Contains(clientIP) {
				return true
			}
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			if ip.Equal(clientIP) {
				return true
			}
			continue
		}
		if m.matchesHostname(clientIP, entry) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchesHostname(clientIP net.IP, hostname string) bool {
	if m.ReverseLookup == nil {
		return false
	}
	names, err := m.ReverseLookup(clientIP.String())
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == hostname || n == hostname+"." {
			return true
		}
	}
	return false
}
