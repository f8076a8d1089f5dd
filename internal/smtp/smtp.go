// Package smtp implements the Simple Mail Transfer Protocol as defined in RFC
// 5321.  It extends net/smtp as follows:
//
//  - Supports SMTPUTF8, via MailAndRcpt/MailAndRcpts.
//  - Pipelines MAIL FROM and multiple RCPT TOs when the peer advertises
//    PIPELINING (RFC 2920), via MailAndRcpts.
//  - Supports chunked, binary-safe transfers via Bdat (RFC 3030).
//
package smtp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"unicode"

	"go.emailrelay.dev/relay/internal/envelope"

	"golang.org/x/net/idna"
)

// A Client represents a client connection to an SMTP server.
type Client struct {
	*smtp.Client
}

func NewClient(conn net.Conn, host string) (*Client, error) {
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return nil, err
	}

	// Cap everything read from the server over the client's lifetime at
	// 2 MiB, so an endless reply cannot exhaust memory.
	lr := &io.LimitedReader{R: c.Text.Reader.R, N: 2 * 1024 * 1024}
	c.Text.Reader.R = bufio.NewReader(lr)

	return &Client{c}, nil
}

// cmd sends a command and returns the response over the text connection.
// Based on Go's method of the same name.
func (c *Client) cmd(expectCode int, format string, args ...interface{}) (int, string, error) {
	id, err := c.Text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.Text.StartResponse(id)
	defer c.Text.EndResponse(id)

	return c.Text.ReadResponse(expectCode)
}

// MailAndRcpt issues MAIL FROM and RCPT TO commands, in sequence.
// It will check the addresses, decide if SMTPUTF8 is needed, and apply the
// necessary transformations.
func (c *Client) MailAndRcpt(from string, to string) error {
	from, from_needs, err := c.prepareForSMTPUTF8(from)
	if err != nil {
		return err
	}

	to, to_needs, err := c.prepareForSMTPUTF8(to)
	if err != nil {
		return err
	}
	smtputf8Needed := from_needs || to_needs

	cmdStr := "MAIL FROM:<%s>"
	if ok, _ := c.Extension("8BITMIME"); ok {
		cmdStr += " BODY=8BITMIME"
	}
	if smtputf8Needed {
		cmdStr += " SMTPUTF8"
	}
	_, _, err = c.cmd(250, cmdStr, from)
	if err != nil {
		return err
	}

	_, _, err = c.cmd(25, "RCPT TO:<%s>", to)
	return err
}

// MailAndRcpts issues one MAIL FROM followed by one RCPT TO per recipient in
// rcpts. When the peer advertises PIPELINING, all the commands are written
// to the wire back to back before any response is read, per RFC 2920;
// otherwise each command is sent and its response read before the next is
// written. binaryMime requests BODY=BINARYMIME on the MAIL command when the
// peer supports it, for callers that will follow up with Bdat instead of
// Data.
//
// mailErr is non-nil only if the MAIL command itself was rejected, in which
// case rcptErrs is nil and none of the recipients were accepted. Otherwise
// rcptErrs has exactly len(rcpts) entries, in the same order as rcpts, one
// per recipient (nil for an accepted recipient).
func (c *Client) MailAndRcpts(from string, rcpts []string, binaryMime bool) (mailErr error, rcptErrs []error) {
	from, fromNeeds, err := c.prepareForSMTPUTF8(from)
	if err != nil {
		return err, nil
	}

	tos := make([]string, len(rcpts))
	smtputf8Needed := fromNeeds
	for i, to := range rcpts {
		nto, toNeeds, err := c.prepareForSMTPUTF8(to)
		if err != nil {
			return err, nil
		}
		tos[i] = nto
		smtputf8Needed = smtputf8Needed || toNeeds
	}

	mailCmd := "MAIL FROM:<%s>"
	if ok, _ := c.Extension("8BITMIME"); ok {
		mailCmd += " BODY=8BITMIME"
	}
	if binaryMime && c.SupportsBinaryMime() {
		mailCmd += " BODY=BINARYMIME"
	}
	if smtputf8Needed {
		mailCmd += " SMTPUTF8"
	}

	pipelined, _ := c.Extension("PIPELINING")
	if !pipelined || len(tos) < 2 {
		if _, _, err := c.cmd(250, mailCmd, from); err != nil {
			return err, nil
		}
		rcptErrs = make([]error, len(tos))
		for i, to := range tos {
			_, _, err := c.cmd(25, "RCPT TO:<%s>", to)
			rcptErrs[i] = err
		}
		return nil, rcptErrs
	}

	// The peer supports PIPELINING and there's more than one recipient:
	// write MAIL and every RCPT without waiting for a response, then read
	// the responses back in the order the commands were sent.
	mailID, err := c.Text.Cmd(mailCmd, from)
	if err != nil {
		return err, nil
	}
	rcptIDs := make([]uint, len(tos))
	for i, to := range tos {
		id, err := c.Text.Cmd("RCPT TO:<%s>", to)
		if err != nil {
			return err, nil
		}
		rcptIDs[i] = id
	}

	c.Text.StartResponse(mailID)
	_, _, mailErr = c.Text.ReadResponse(250)
	c.Text.EndResponse(mailID)

	// The peer has already processed the pipelined RCPTs regardless of
	// whether MAIL was accepted, so their responses must be drained either
	// way or the connection desyncs.
	rcptErrs = make([]error, len(tos))
	for i, id := range rcptIDs {
		c.Text.StartResponse(id)
		_, _, rerr := c.Text.ReadResponse(25)
		c.Text.EndResponse(id)
		rcptErrs[i] = rerr
	}

	if mailErr != nil {
		return mailErr, nil
	}
	return nil, rcptErrs
}

// Bdat sends one BDAT chunk (RFC 3030). data is sent as-is with no
// dot-stuffing, since BDAT is binary-safe; last marks this as the final
// chunk of the message, ending the transfer. The command line and the raw
// chunk bytes are written as a single request turn, since nothing else may
// write to the connection between them.
func (c *Client) Bdat(data []byte, last bool) error {
	cmdLine := fmt.Sprintf("BDAT %d", len(data))
	if last {
		cmdLine += " LAST"
	}

	id := c.Text.Next()
	c.Text.StartRequest(id)
	_, err := c.Text.W.Write([]byte(cmdLine + "\r\n"))
	if err == nil {
		_, err = c.Text.W.Write(data)
	}
	if err == nil {
		err = c.Text.W.Flush()
	}
	c.Text.EndRequest(id)
	if err != nil {
		return err
	}

	c.Text.StartResponse(id)
	defer c.Text.EndResponse(id)
	_, _, err = c.Text.ReadResponse(250)
	return err
}

// SupportsChunking returns true if the peer advertised the CHUNKING
// extension (RFC 3030).
func (c *Client) SupportsChunking() bool {
	ok, _ := c.Extension("CHUNKING")
	return ok
}

// SupportsBinaryMime returns true if the peer advertised the BINARYMIME
// extension (RFC 3030).
func (c *Client) SupportsBinaryMime() bool {
	ok, _ := c.Extension("BINARYMIME")
	return ok
}

// prepareForSMTPUTF8 prepares the address for SMTPUTF8.
// It returns:
//  - The address to use. It is based on addr, and possibly modified to make
//    it not need the extension, if the server does not support it.
//  - Whether the address needs the extension or not.
//  - An error if the address needs the extension, but the client does not
//    support it.
func (c *Client) prepareForSMTPUTF8(addr string) (string, bool, error) {
	// ASCII address pass through.
	if isASCII(addr) {
		return addr, false, nil
	}

	// Non-ASCII address also pass through if the server supports the
	// extension.
	// Note there's a chance the server wants the domain in IDNA anyway, but
	// it could also require it to be UTF8. We assume that if it supports
	// SMTPUTF8 then it knows what its doing.
	if ok, _ := c.Extension("SMTPUTF8"); ok {
		return addr, true, nil
	}

	// Something is not ASCII, and the server does not support SMTPUTF8:
	//  - If it's the local part, there's no way out and is required.
	//  - If it's the domain, use IDNA.
	user, domain := envelope.Split(addr)

	if !isASCII(user) {
		return addr, true, &textproto.Error{599,
			"local part is not ASCII but server does not support SMTPUTF8"}
	}

	// If it's only the domain, convert to IDNA and move on.
	domain, err := idna.ToASCII(domain)
	if err != nil {
		// The domain is not IDNA compliant, which is odd.
		// Fail with a permanent error, not ideal but this should not
		// happen.
		return addr, true, &textproto.Error{599,
			"non-ASCII domain is not IDNA safe"}
	}

	return user + "@" + domain, false, nil
}

// isASCII returns true if all the characters in s are ASCII, false otherwise.
func isASCII(s string) bool {
	for _, c := range s {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// IsPermanent returns true if err represents a permanent SMTP failure
// (reply code 5xx), false for transient failures or errors that did not
// come from an SMTP reply at all.
func IsPermanent(err error) bool {
	terr, ok := err.(*textproto.Error)
	if !ok {
		return false
	}
	return terr.Code >= 500 && terr.Code <= 599
}
