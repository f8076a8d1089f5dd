// Package mxfilter resolves an envelope's forward-to field into a concrete
// address before the client protocol takes over, so the forwarder never
// has to do its own MX lookup for a message that already names a fixed
// next-hop.
package mxfilter

import (
	"net"
	"strconv"
	"strings"

	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/filters"
	"go.emailrelay.dev/relay/internal/resolver"
	"go.emailrelay.dev/relay/internal/store"
	"go.emailrelay.dev/relay/internal/trace"
)

// Filter implements filters.Filter.
type Filter struct {
	Resolver *resolver.Resolver
}

// Run parses env.ForwardTo and writes the resolved next-hop to
// env.ForwardToAddress. A bracketed IP literal ("[1.2.3.4]" or
// "[IPv6:...]") skips DNS entirely; a bare domain is resolved via MX and
// then to the IP address of its most preferred MX host. An
// address in 0.0.0.0/8, whether an MX answer or the literal itself, is
// folklore for "treat as absent" and clears ForwardToAddress instead of
// setting it (original_source/src/gfilters/gmxfilter.cpp lookupDone).
func (f *Filter) Run(tr *trace.Trace, st *store.Store, id store.MessageID, env *envelopefile.Envelope) (filters.Result, error) {
	if env.ForwardTo == "" {
		return filters.Result{Code: filters.OK}, nil
	}

	domain, literal := parseForwardTo(env.ForwardTo)

	addr := literal
	if addr == "" && domain != "" {
		mxs, err, perm := f.Resolver.LookupMX(tr, domain)
		if err != nil || len(mxs) == 0 {
			code := 450
			if perm {
				code = 550
			}
			return filters.Result{Code: filters.Fail, Response: "no mail server for " + domain, ResponseCode: code}, nil
		}
		ips, err := f.Resolver.LookupHost(mxs[0])
		if err != nil {
			return filters.Result{Code: filters.Fail, Response: "no address for mail server " + mxs[0], ResponseCode: 450}, nil
		}
		addr = ips[0].IP.String()
	}

	if isNullAddress(addr) {
		addr = ""
	}

	err := st.EditEnvelope(id, store.Locked, func(e *envelopefile.Envelope) {
		e.ForwardToAddress = addr
	})
	return filters.Result{Code: filters.OK}, err
}

// parseForwardTo splits a "forward-to" value into a bare domain to MX-
// resolve, or a literal address if it was bracketed. A ":<port>" suffix and
// a "<user>@" prefix are both accepted and ignored for the domain case
// (this tree does not carry the port mini-language through to delivery).
func parseForwardTo(forwardTo string) (domain, literal string) {
	s := forwardTo
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}

	if lit := addressLiteral(s); lit != "" {
		return "", lit
	}

	if i := strings.LastIndex(s, ":"); i >= 0 {
		if _, err := strconv.Atoi(s[i+1:]); err == nil {
			s = s[:i]
		}
	}
	return s, ""
}

// addressLiteral recognizes RFC 5321 4.1.3 bracketed address literals,
// e.g. "[192.0.2.1]" or "[IPv6:2001:db8::1]".
func addressLiteral(s string) string {
	if len(s) < 3 || s[0] != '[' || s[len(s)-1] != ']' {
		return ""
	}
	inner := s[1 : len(s)-1]
	inner = strings.TrimPrefix(inner, "IPv6:")
	inner = strings.TrimPrefix(inner, "ipv6:")
	if net.ParseIP(inner) == nil {
		return ""
	}
	return inner
}

func isNullAddress(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.To4() != nil && ip.To4()[0] == 0
}
