// Package dnsbl checks a client address against one or more DNS blocklist
// zones and votes on the result: each configured server is queried with a
// reversed-octet name under its zone, and the whole check resolves to
// Allow or Deny once enough servers have answered or a threshold of denials
// has been reached, without waiting for stragglers.
package dnsbl

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.emailrelay.dev/relay/internal/metrics"
	"go.emailrelay.dev/relay/internal/resolver"
	"go.emailrelay.dev/relay/internal/trace"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultThreshold = 1
)

// Config is a parsed DNS blocklist configuration.
type Config struct {
	Servers        []string // zones, e.g. "zen.spamhaus.org"
	Threshold      int      // denials needed to block; 0 disables blocking
	AllowOnTimeout bool
	Timeout        time.Duration
	Nameserver     string // "" means use the resolver's default
}

// ParseConfig accepts both of the config-string formats the reference
// implementation supports:
//
//	old: "tcp-address,timeout,threshold,domain[,domain...]"
//	new: "domain[,domain...[,threshold[,timeout[,tcp-address]]]]"
//
// A leading field is treated as a domain (new format) unless it fails to
// parse as a domain name, in which case the old format is assumed.
func ParseConfig(s string) (Config, error) {
	fields := strings.Split(s, ",")
	if len(fields) == 0 || (len(fields) == 1 && fields[0] == "") {
		return Config{}, fmt.Errorf("dnsbl: empty configuration")
	}

	if !isDomain(fields[0]) {
		return parseOldFormat(fields)
	}
	return parseNewFormat(fields)
}

func parseOldFormat(fields []string) (Config, error) {
	if len(fields) < 4 {
		return Config{}, fmt.Errorf("dnsbl: old-format config needs at least 4 fields")
	}
	timeoutMS, err := parseMS(fields[1])
	if err != nil {
		return Config{}, err
	}
	threshold, err := strconv.Atoi(fields[2])
	if err != nil {
		return Config{}, fmt.Errorf("dnsbl: bad threshold %q: %w", fields[2], err)
	}
	return Config{
		Nameserver:     fields[0],
		Threshold:      threshold,
		AllowOnTimeout: threshold == 0 || isPositive(fields[1]),
		Timeout:        time.Duration(timeoutMS) * time.Millisecond,
		Servers:        fields[3:],
	}, nil
}

func parseNewFormat(fields []string) (Config, error) {
	n := 0
	for n < len(fields) && isDomain(fields[n]) {
		n++
	}
	servers := append([]string{}, fields[:n]...)
	rest := fields[n:]

	threshold := defaultThreshold
	timeout := defaultTimeout
	positiveTimeout := true
	var nameserver string

	if len(rest) > 0 {
		t, err := strconv.Atoi(rest[0])
		if err != nil {
			return Config{}, fmt.Errorf("dnsbl: bad threshold %q: %w", rest[0], err)
		}
		threshold = t
		rest = rest[1:]
	}
	if len(rest) > 0 {
		positiveTimeout = isPositive(rest[0])
		ms, err := parseMS(rest[0])
		if err != nil {
			return Config{}, err
		}
		timeout = time.Duration(ms) * time.Millisecond
		rest = rest[1:]
	}
	if len(rest) > 0 {
		nameserver = rest[0]
		rest = rest[1:]
	}
	if len(rest) > 0 {
		return Config{}, fmt.Errorf("dnsbl: unused fields in config")
	}

	return Config{
		Servers:        servers,
		Threshold:      threshold,
		AllowOnTimeout: positiveTimeout || threshold == 0,
		Timeout:        timeout,
		Nameserver:     nameserver,
	}, nil
}

// isDomain distinguishes "127.0.0.1" (an address) from "zen.spamhaus.org" (a
// domain): numeric strings and numeric top-level labels are not domains.
func isDomain(s string) bool {
	if s == "" || isNumeric(s) {
		return false
	}
	i := strings.LastIndexByte(s, '.')
	tld := s
	if i >= 0 {
		tld = s[i+1:]
	}
	return tld == "" || !isNumeric(tld)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isPositive(s string) bool {
	return s == "" || s[0] != '-'
}

func parseMS(s string) (int, error) {
	neg := false
	seconds := false
	if strings.HasSuffix(s, "s") {
		s = s[:len(s)-1]
		seconds = true
	}
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("dnsbl: bad timeout %q: %w", s, err)
	}
	if neg {
		n = -n
	}
	if n < 0 {
		n = -n
	}
	if seconds {
		n *= 1000
	}
	return n, nil
}

// ResultType is the outcome of a blocklist check.
type ResultType int

const (
	Inactive ResultType = iota
	Local
	Allow
	Deny
	TimeoutAllow
	TimeoutDeny
)

func (t ResultType) String() string {
	switch t {
	case Local:
		return "local"
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case TimeoutAllow:
		return "timeout-allow"
	case TimeoutDeny:
		return "timeout-deny"
	default:
		return "inactive"
	}
}

// AllowedBy reports whether the result permits the connection to proceed.
func (t ResultType) AllowedBy() bool {
	switch t {
	case Inactive, Local, TimeoutAllow, Allow:
		return true
	default:
		return false
	}
}

// ServerResult is one zone's answer (or lack of one).
type ServerResult struct {
	Server    string
	Addresses []net.IP
	Valid     bool
}

// Result is the outcome of checking one address against all configured
// zones.
type Result struct {
	Address net.IP
	Type    ResultType
	List    []ServerResult
}

func (r Result) deniers() []string {
	var out []string
	for _, s := range r.List {
		if s.Valid && len(s.Addresses) > 0 {
			out = append(out, s.Server)
		}
	}
	return out
}

func (r Result) laggards() []string {
	var out []string
	for _, s := range r.List {
		if !s.Valid {
			out = append(out, s.Server)
		}
	}
	return out
}

// Warn returns a human-readable message for the operational log when the
// outcome is noteworthy (any Deny/TimeoutDeny/TimeoutAllow), or "" otherwise.
func (r Result) Warn() string {
	switch r.Type {
	case Deny, TimeoutDeny:
		return fmt.Sprintf("client address [%s] blocked by %v", r.Address, r.deniers())
	case TimeoutAllow:
		return fmt.Sprintf("client address [%s] allowed: timeout waiting for %v", r.Address, r.laggards())
	default:
		return ""
	}
}

// Checker evaluates addresses against a Config's zones.
type Checker struct {
	cfg Config
	res *resolver.Resolver
}

// New returns a Checker. res is used to query each zone via QueryA.
func New(cfg Config, res *resolver.Resolver) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Checker{cfg: cfg, res: res}
}

// Check queries every configured zone concurrently for addr and returns as
// soon as either every server has answered, the deny threshold has been
// reached, or enough servers have answered/timed-out that the threshold can
// no longer be reached either way; it never waits past cfg.Timeout.
func (c *Checker) Check(tr *trace.Trace, addr net.IP) Result {
	result := Result{Address: addr}

	if isLocalOrPrivate(addr) {
		result.Type = Local
		return result
	}
	if len(c.cfg.Servers) == 0 {
		result.Type = Inactive
		return result
	}

	reversed := reverseQueryName(addr)

	type answer struct {
		idx int
		sr  ServerResult
	}
	results := make([]ServerResult, len(c.cfg.Servers))
	ch := make(chan answer, len(c.cfg.Servers))

	var wg sync.WaitGroup
	for i, server := range c.cfg.Servers {
		wg.Add(1)
		go func(i int, server string) {
			defer wg.Done()
			name := reversed + "." + strings.TrimSpace(server)
			ips, err := c.res.QueryA(name, 1 /* dns.TypeA */)
			if err != nil {
				ch <- answer{i, ServerResult{Server: server}}
				return
			}
			// An answer in 0.0.0.0/8 means "not listed".
			var listed []net.IP
			for _, ip := range ips {
				if v4 := ip.To4(); v4 != nil && v4[0] == 0 {
					continue
				}
				listed = append(listed, ip)
			}
			ch <- answer{i, ServerResult{Server: server, Addresses: listed, Valid: true}}
		}(i, server)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()

	deadline := time.After(c.cfg.Timeout)
	answered := 0

loop:
	for answered < len(results) {
		select {
		case a, ok := <-ch:
			if !ok {
				break loop
			}
			results[a.idx] = a.sr
			answered++

			responders := countValid(results)
			deniers := countDeniers(results)
			laggards := len(results) - responders

			if responders == len(results) ||
				(c.cfg.Threshold > 0 && deniers >= c.cfg.Threshold) ||
				(c.cfg.Threshold > 0 && (deniers+laggards) < c.cfg.Threshold) {
				break loop
			}
		case <-deadline:
			break loop
		}
	}

	result.List = results
	deniers := countDeniers(results)
	responders := countValid(results)
	laggards := len(results) - responders

	switch {
	case c.cfg.Threshold > 0 && deniers >= c.cfg.Threshold:
		result.Type = Deny
	case responders == len(results) ||
		(c.cfg.Threshold > 0 && deniers+laggards < c.cfg.Threshold):
		result.Type = Allow
	case c.cfg.AllowOnTimeout:
		result.Type = TimeoutAllow
	default:
		result.Type = TimeoutDeny
	}

	metrics.DNSBLResults.WithLabelValues(result.Type.String()).Inc()
	if tr != nil {
		tr.Debugf("dnsbl: %s -> %s", addr, result.Type)
	}
	return result
}

func countValid(list []ServerResult) int {
	n := 0
	for _, r := range list {
		if r.Valid {
			n++
		}
	}
	return n
}

func countDeniers(list []ServerResult) int {
	n := 0
	for _, r := range list {
		if r.Valid && len(r.Addresses) > 0 {
			n++
		}
	}
	return n
}

func isLocalOrPrivate(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// reverseQueryName builds the "d.c.b.a" (IPv4) or nibble-reversed (IPv6)
// prefix DNSBL zones expect, ahead of the zone name.
func reverseQueryName(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d", v4[3], v4[2], v4[1], v4[0])
	}
	v6 := ip.To16()
	var b strings.Builder
	for i := len(v6) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%x.%x.", v6[i]&0xf, v6[i]>>4)
	}
	return strings.TrimSuffix(b.String(), ".")
}
