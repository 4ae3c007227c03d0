// Package dnsresolve resolves an ACME dns identifier to its A/AAAA
// address set, used by the order handler's client-IP validation
// check. Mirrors the teacher's core/dns.go DNSResolverImpl.
package dnsresolve

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver looks up A/AAAA records for a hostname via one of a fixed
// set of upstream servers.
type Resolver struct {
	Client  *dns.Client
	Servers []string
}

// New builds a Resolver with the given dial timeout and server list,
// mirroring NewDNSResolverImpl.
func New(timeout time.Duration, servers []string) *Resolver {
	return &Resolver{
		Client:  &dns.Client{Timeout: timeout},
		Servers: servers,
	}
}

// LookupAddresses returns the resolved IPv4 and IPv6 addresses for
// hostname.
func (r *Resolver) LookupAddresses(ctx context.Context, hostname string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg, err := r.exchangeOne(ctx, hostname, qtype)
		if err != nil {
			return nil, err
		}
		for _, rr := range msg.Answer {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A)
			case *dns.AAAA:
				ips = append(ips, v.AAAA)
			}
		}
	}
	return ips, nil
}

// exchangeOne sends a single query to a randomly chosen server,
// mirroring ExchangeOne.
func (r *Resolver) exchangeOne(ctx context.Context, hostname string, qtype uint16) (*dns.Msg, error) {
	if len(r.Servers) == 0 {
		return nil, fmt.Errorf("dnsresolve: no servers configured")
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), qtype)
	m.SetEdns0(4096, false)

	server := r.Servers[rand.Intn(len(r.Servers))]
	in, _, err := r.Client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("dns exchange with %s: %w", server, err)
	}
	return in, nil
}
