// Package resolver performs the DNS lookups the outgoing SMTP client and
// the DNS blocklist filter need (MX, A, AAAA, PTR), on top of
// github.com/miekg/dns rather than the standard library's resolver, so
// callers can point at specific nameservers (as the DNS blocklist filter's
// dual config format allows) instead of always going through the system
// resolver.
//
// Every lookup has a synchronous form, used directly by callers that are
// already running in their own goroutine (one per SMTP connection, in the
// teacher's idiom); LookupMX also has an async form, LookupMXAsync, that
// runs the lookup in a background goroutine and posts the result back onto
// a reactor.Loop — the "future
// event" rendering of a component that, in a single-threaded design, would
// register interest in a socket's readability and resume a suspended
// state machine when the DNS reply arrived.
package resolver

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"go.emailrelay.dev/relay/internal/netaddr"
	"go.emailrelay.dev/relay/internal/reactor"
	"go.emailrelay.dev/relay/internal/trace"
)

// Resolver looks up DNS records for outgoing delivery and blocklist checks.
type Resolver struct {
	// Nameservers to query, "host:port" form. Empty means use the system
	// resolver configuration (/etc/resolv.conf).
	Nameservers []string

	Timeout time.Duration

	client *dns.Client
}

// New returns a Resolver. With no nameservers given, it reads
// /etc/resolv.conf the way a stub resolver would.
func New(nameservers []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Resolver{
		Nameservers: nameservers,
		Timeout:     timeout,
		client:      &dns.Client{Timeout: timeout},
	}
	if len(r.Nameservers) == 0 {
		if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range cfg.Servers {
				r.Nameservers = append(r.Nameservers, net.JoinHostPort(s, cfg.Port))
			}
		}
	}
	return r
}

func (r *Resolver) exchange(m *dns.Msg) (*dns.Msg, error) {
	if len(r.Nameservers) == 0 {
		return nil, fmt.Errorf("resolver: no nameservers configured")
	}
	var lastErr error
	for _, ns := range r.Nameservers {
		resp, _, err := r.client.Exchange(m, ns)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// LookupMX returns the MX hosts for domain, sorted by preference, falling
// back to the domain itself (RFC 5321 §5.1 implicit MX) when the answer
// holds no MX record; whether the domain has an address of its own is not
// checked here. The bool return is whether the
// failure (if any) should be treated as permanent.
func (r *Resolver) LookupMX(tr *trace.Trace, domain string) ([]string, error, bool) {
	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err, true
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(asciiDomain), dns.TypeMX)
	m.RecursionDesired = true

	resp, err := r.exchange(m)
	if err != nil {
		tr.Debugf("MX lookup error on %q: %v", asciiDomain, err)
		return nil, err, false
	}

	if resp.Rcode == dns.RcodeNameError {
		return nil, fmt.Errorf("resolver: %q does not exist", asciiDomain), true
	}

	type pref struct {
		host string
		prio uint16
	}
	var mxs []pref
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, pref{strings.TrimSuffix(mx.Mx, "."), mx.Preference})
		}
	}

	if len(mxs) == 0 {
		// No MX: fall back to the domain's own address, per RFC 5321.
		tr.Debugf("MX for %s not found, falling back to A/AAAA", asciiDomain)
		return []string{asciiDomain}, nil, true
	}

	sort.Slice(mxs, func(i, j int) bool { return mxs[i].prio < mxs[j].prio })

	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		hosts = append(hosts, mx.host)
	}

	// Cap to keep delivery attempt times bounded.
	if len(hosts) > 5 {
		hosts = hosts[:5]
	}

	tr.Debugf("MXs for %s: %v", asciiDomain, hosts)
	return hosts, nil, true
}

// LookupHost returns the IPv4/IPv6 addresses for host, querying A and AAAA
// in sequence.
func (r *Resolver) LookupHost(host string) ([]netaddr.Address, error) {
	asciiHost, err := idna.ToASCII(host)
	if err != nil {
		return nil, err
	}

	var addrs []netaddr.Address
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(asciiHost), qtype)
		m.RecursionDesired = true

		resp, err := r.exchange(m)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				addrs = append(addrs, netaddr.Address{Family: netaddr.IPv4, IP: v.A})
			case *dns.AAAA:
				addrs = append(addrs, netaddr.Address{Family: netaddr.IPv6, IP: v.AAAA})
			}
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolver: no addresses found for %s", asciiHost)
	}
	return addrs, nil
}

// LookupPTR returns the reverse-DNS names for ip.
func (r *Resolver) LookupPTR(ip net.IP) ([]string, error) {
	name, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, err
	}
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypePTR)
	m.RecursionDesired = true

	resp, err := r.exchange(m)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return names, nil
}

// QueryA issues a raw A/AAAA-style query for name against qtype, returning
// the answer's address records as net.IP. Used by the DNS blocklist filter
// to query "<reversed-ip>.<zone>" names directly.
func (r *Resolver) QueryA(name string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	resp, err := r.exchange(m)
	if err != nil {
		return nil, err
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			ips = append(ips, v.A)
		case *dns.AAAA:
			ips = append(ips, v.AAAA)
		}
	}
	return ips, nil
}

// LookupMXAsync runs LookupMX in a background goroutine and posts the
// result back onto loop, invoking cb from the loop's own dispatch
// goroutine exactly like any other reactor callback.
func (r *Resolver) LookupMXAsync(loop *reactor.Loop, es *reactor.EventState, tr *trace.Trace, domain string, cb func(mxs []string, err error, permanent bool)) {
	go func() {
		mxs, err, perm := r.LookupMX(tr, domain)
		loop.Post(es, func() { cb(mxs, err, perm) })
	}()
}
