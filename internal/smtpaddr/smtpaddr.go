// Package smtpaddr parses MAIL FROM/RCPT TO command arguments per RFC 5321
// §4.1.2, classifying SMTPUTF8 usage and producing an IDNA A-label form of
// the domain for hops that do not advertise SMTPUTF8.
package smtpaddr

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// Utf8Class classifies which parts of an address use non-ASCII characters.
type Utf8Class int

const (
	AsciiOnly Utf8Class = iota
	Utf8Mailbox
	Utf8Domain
	Utf8Both
)

// Address is a parsed MAIL FROM/RCPT TO path plus its trailing parameters.
type Address struct {
	Raw    string // the mailbox exactly as the client wrote it, including any UTF-8
	Local  string
	Domain string // the A-label (ASCII) form when Domain differs from DomainUTF8
	DomainUTF8 string // the original, possibly non-ASCII domain
	Class  Utf8Class

	Params map[string]string // SIZE, BODY, AUTH, SMTPUTF8 (value "" if valueless)
}

// String renders the canonical ascii-safe "local@domain" form, suitable for
// non-SMTPUTF8 transport and for envelope persistence.
func (a Address) String() string {
	if a.Domain == "" {
		return a.Local
	}
	return a.Local + "@" + a.Domain
}

// StringUTF8 renders the address with its original, possibly non-ASCII
// domain, for record-keeping and for re-emission toward SMTPUTF8 peers.
func (a Address) StringUTF8() string {
	if a.DomainUTF8 == "" {
		return a.Local
	}
	return a.Local + "@" + a.DomainUTF8
}

// Parse parses the bracketed-or-bare path plus trailing ESMTP parameters
// out of the text following "MAIL FROM:" or "RCPT TO:" (without those
// keywords). lenient permits a bare address without angle brackets.
func Parse(arg string, lenient bool) (Address, error) {
	arg = strings.TrimSpace(arg)
	if strings.ContainsAny(arg, "\x00\r\n") {
		return Address{}, fmt.Errorf("smtpaddr: embedded control character")
	}

	path, rest, err := extractPath(arg, lenient)
	if err != nil {
		return Address{}, err
	}

	params, err := parseParams(rest)
	if err != nil {
		return Address{}, err
	}

	if path == "" {
		// MAIL FROM:<> -- the null reverse-path.
		return Address{Params: params}, nil
	}

	local, domain, err := splitMailbox(path)
	if err != nil {
		return Address{}, err
	}

	a := Address{Raw: path, Local: local, DomainUTF8: domain, Params: params}
	a.Class = classify(local, domain)

	if a.Class == Utf8Domain || a.Class == Utf8Both {
		aLabel, err := idna.Lookup.ToASCII(domain)
		if err != nil {
			return Address{}, fmt.Errorf("smtpaddr: invalid internationalized domain %q: %w", domain, err)
		}
		a.Domain = aLabel
	} else {
		a.Domain = domain
	}

	return a, nil
}

func classify(local, domain string) Utf8Class {
	localUtf8 := !isASCII(local)
	domainUtf8 := !isASCII(domain)
	switch {
	case localUtf8 && domainUtf8:
		return Utf8Both
	case localUtf8:
		return Utf8Mailbox
	case domainUtf8:
		return Utf8Domain
	default:
		return AsciiOnly
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

// extractPath strips the leading "<...>" (ignoring a source route prefixed
// with '@' per RFC 5321 §4.1.2) and returns the bare path and the remaining
// (params) text. With lenient set, a path lacking angle brackets is also
// accepted up to the next space.
func extractPath(arg string, lenient bool) (path, rest string, err error) {
	if strings.HasPrefix(arg, "<") {
		depth := 0
		inQuote := false
		for i := 0; i < len(arg); i++ {
			c := arg[i]
			switch {
			case c == '\\' && inQuote:
				i++ // skip escaped char
			case c == '"':
				inQuote = !inQuote
			case c == '<' && !inQuote:
				depth++
			case c == '>' && !inQuote:
				depth--
				if depth == 0 {
					path = arg[1:i]
					rest = strings.TrimSpace(arg[i+1:])
					return stripSourceRoute(path), rest, nil
				}
			}
		}
		return "", "", fmt.Errorf("smtpaddr: malformed angle brackets")
	}
	if !lenient {
		return "", "", fmt.Errorf("smtpaddr: missing angle brackets")
	}
	fields := strings.SplitN(arg, " ", 2)
	path = fields[0]
	if len(fields) == 2 {
		rest = strings.TrimSpace(fields[1])
	}
	return stripSourceRoute(path), rest, nil
}

func stripSourceRoute(path string) string {
	if strings.HasPrefix(path, "@") {
		if i := strings.Index(path, ":"); i >= 0 {
			return path[i+1:]
		}
	}
	return path
}

// splitMailbox splits "local@domain" honoring a quoted local-part that may
// itself contain '@'.
func splitMailbox(path string) (local, domain string, err error) {
	if strings.HasPrefix(path, "\"") {
		inQuote := true
		for i := 1; i < len(path); i++ {
			c := path[i]
			if c == '\\' && inQuote {
				i++
				continue
			}
			if c == '"' {
				inQuote = false
				rest := path[i+1:]
				if !strings.HasPrefix(rest, "@") {
					return "", "", fmt.Errorf("smtpaddr: missing @domain after quoted local-part")
				}
				return path[:i+1], rest[1:], nil
			}
		}
		return "", "", fmt.Errorf("smtpaddr: unterminated quoted local-part")
	}

	i := strings.LastIndex(path, "@")
	if i < 0 {
		return path, "", nil // postmaster-style local-only address
	}
	return path[:i], path[i+1:], nil
}

func parseParams(rest string) (map[string]string, error) {
	if rest == "" {
		return nil, nil
	}
	params := map[string]string{}
	for _, f := range strings.Fields(rest) {
		if i := strings.Index(f, "="); i >= 0 {
			params[strings.ToUpper(f[:i])] = f[i+1:]
		} else {
			params[strings.ToUpper(f)] = ""
		}
	}
	return params, nil
}
