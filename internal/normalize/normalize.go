// Package normalize contains functions to normalize usernames and addresses.
package normalize

import (
	"bytes"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"go.emailrelay.dev/relay/internal/envelope"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalizes an email address: the user part using PRECIS, the domain
// using IDNA.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	domain, err = Domain(domain)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// Domain normalizes a domain using IDNA, turning an A-label (ASCII
// "xn--..." form) into its Unicode equivalent, which is what we use
// internally. Domains that are not valid IDNA are returned unchanged
// alongside the error, to simplify callers.
func Domain(domain string) (string, error) {
	norm, err := idna.Lookup.ToUnicode(domain)
	if err != nil {
		return domain, err
	}

	return norm, nil
}

// ToCRLF normalizes line endings to CRLF: bare LF and bare CR are both
// turned into CRLF, and existing CRLF pairs are left untouched. BDAT
// transfers may carry arbitrary octets including a lone CR or LF, and
// local delivery agents expect a single consistent line ending.
func ToCRLF(data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(data))
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\r':
			buf.WriteString("\r\n")
			if i+1 < len(data) && data[i+1] == '\n' {
				i++
			}
		case '\n':
			buf.WriteString("\r\n")
		default:
			buf.WriteByte(data[i])
		}
	}
	return buf.Bytes()
}
