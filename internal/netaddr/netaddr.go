// Package netaddr provides address parsing and formatting for the listener
// specs and envelope "Client" field: IPv4, IPv6, and local (unix-domain)
// addresses behind a single value type, the way callers elsewhere in this
// tree expect a uniform "address" rather than a family-specific type.
package netaddr

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Family identifies which variant of Address is populated.
type Family int

const (
	IPv4 Family = iota
	IPv6
	Local
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// Address is a value type over {IPv4, IPv6, local-domain}, mirroring the
// three concrete forms a listener spec or an envelope Client field can take.
type Address struct {
	Family Family
	IP     net.IP // set for IPv4/IPv6
	Port   int    // set for IPv4/IPv6; 0 for Local
	Zone   string // IPv6 scope id, optional
	Path   string // set for Local
}

// Parse accepts "<host>:<port>" for IPv4, "<host>.<port>" or
// "[<host>]:<port>" for IPv6, and "/unix/path" for a local-domain address.
func Parse(s string) (Address, error) {
	if strings.HasPrefix(s, "/") {
		return Address{Family: Local, Path: s}, nil
	}

	if strings.Contains(s, "[") {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			return Address{}, fmt.Errorf("netaddr: invalid ipv6 address %q: %w", s, err)
		}
		ip, zone := splitZone(host)
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return Address{}, fmt.Errorf("netaddr: invalid ipv6 host %q", host)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return Address{}, fmt.Errorf("netaddr: invalid port %q", portStr)
		}
		return Address{Family: IPv6, IP: parsed, Port: port, Zone: zone}, nil
	}

	// host.port form for bare IPv6 literals without brackets, e.g. used in
	// config files where ':' would be ambiguous with the address itself.
	if strings.Count(s, ":") >= 2 {
		idx := strings.LastIndex(s, ".")
		if idx > 0 {
			host, portStr := s[:idx], s[idx+1:]
			ip := net.ParseIP(host)
			port, err := strconv.Atoi(portStr)
			if ip != nil && err == nil && port >= 0 && port <= 65535 {
				return Address{Family: IPv6, IP: ip, Port: port}, nil
			}
		}
		ip := net.ParseIP(s)
		if ip != nil {
			return Address{Family: IPv6, IP: ip}, nil
		}
		return Address{}, fmt.Errorf("netaddr: invalid ipv6 address %q", s)
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("netaddr: invalid address %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, fmt.Errorf("netaddr: invalid ipv4 host %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("netaddr: invalid port %q", portStr)
	}
	if ip.To4() == nil {
		return Address{Family: IPv6, IP: ip, Port: port}, nil
	}
	return Address{Family: IPv4, IP: ip, Port: port}, nil
}

func splitZone(host string) (string, string) {
	if i := strings.Index(host, "%"); i >= 0 {
		return host[:i], host[i+1:]
	}
	return host, ""
}

// FromNetAddr converts a stdlib net.Addr (as returned by Accept) into our
// Address value, preserving the zone for IPv6 link-local peers.
func FromNetAddr(a net.Addr) Address {
	switch v := a.(type) {
	case *net.TCPAddr:
		if v.IP.To4() != nil {
			return Address{Family: IPv4, IP: v.IP, Port: v.Port}
		}
		return Address{Family: IPv6, IP: v.IP, Port: v.Port, Zone: v.Zone}
	case *net.UnixAddr:
		return Address{Family: Local, Path: v.Name}
	default:
		host, portStr, err := net.SplitHostPort(a.String())
		if err != nil {
			return Address{Family: Local, Path: a.String()}
		}
		port, _ := strconv.Atoi(portStr)
		ip := net.ParseIP(host)
		if ip == nil {
			return Address{Family: Local, Path: a.String()}
		}
		if ip.To4() != nil {
			return Address{Family: IPv4, IP: ip, Port: port}
		}
		return Address{Family: IPv6, IP: ip, Port: port}
	}
}

// Supports reports whether this address's family matches the requested one;
// it is the Go rendering of the capability predicate a compile-time-disabled
// IPv6 build would use to reject IPv6 literals outright.
func (a Address) Supports(f Family) bool {
	return a.Family == f
}

// DisplayString renders the address in the canonical form that Parse
// accepts back, so Parse(a.DisplayString()) reconstructs an equal Address.
func (a Address) DisplayString() string {
	switch a.Family {
	case Local:
		return a.Path
	case IPv4:
		return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
	case IPv6:
		host := a.IP.String()
		if a.Zone != "" {
			host += "%" + a.Zone
		}
		return net.JoinHostPort(host, strconv.Itoa(a.Port))
	default:
		return ""
	}
}

func (a Address) String() string { return a.DisplayString() }

// IsLocalOrLoopback reports whether the address bypasses DNSBL checks the
// way loopback and link-local clients always do.
func (a Address) IsLocalOrLoopback() bool {
	if a.Family == Local {
		return true
	}
	if a.IP == nil {
		return false
	}
	return a.IP.IsLoopback() || a.IP.IsLinkLocalUnicast() || a.IP.IsLinkLocalMulticast()
}

// IsZeroFolklore reports whether the address falls in 0.0.0.0/8, which both
// the MX routing filter and the DNS blocklist treat as "not really an
// address" by long-standing convention rather than a literal destination.
func IsZeroFolklore(ip net.IP) bool {
	v4 := ip.To4()
	return v4 != nil && v4[0] == 0
}
