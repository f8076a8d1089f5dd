// Package smtpserver implements the server-side SMTP state machine: EHLO
// capability negotiation, MAIL/RCPT/DATA and RFC 3030 BDAT, STARTTLS,
// AUTH (PLAIN/LOGIN over go-sasl), and the handoff of an accepted message
// into the file store for the filter pipeline and forwarding to pick up.
package smtpserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"go.emailrelay.dev/relay/internal/auth"
	"go.emailrelay.dev/relay/internal/envelope"
	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/linebuf"
	"go.emailrelay.dev/relay/internal/maillog"
	"go.emailrelay.dev/relay/internal/metrics"
	"go.emailrelay.dev/relay/internal/netaddr"
	"go.emailrelay.dev/relay/internal/normalize"
	"go.emailrelay.dev/relay/internal/sasl"
	"go.emailrelay.dev/relay/internal/set"
	"go.emailrelay.dev/relay/internal/smtpaddr"
	"go.emailrelay.dev/relay/internal/store"
	"go.emailrelay.dev/relay/internal/taskrunner"
	"go.emailrelay.dev/relay/internal/tlsconst"
	"go.emailrelay.dev/relay/internal/trace"
)

// maxCommandLine is the longest command or DATA-body line accepted before
// the connection is treated as having sent a malformed line, per RFC 5321's
// 1000-octet (998 + CRLF) limit.
const maxCommandLine = 1000

// SocketMode distinguishes the port policy a connection was accepted on.
type SocketMode struct {
	IsSubmission bool
	TLS          bool // wrapped-TLS (like HTTPS), as opposed to STARTTLS
}

func (mode SocketMode) String() string {
	s := "SMTP"
	if mode.IsSubmission {
		s = "submission"
	}
	if mode.TLS {
		s += "+TLS"
	}
	return s
}

var (
	ModeSMTP          = SocketMode{IsSubmission: false, TLS: false}
	ModeSubmission    = SocketMode{IsSubmission: true, TLS: false}
	ModeSubmissionTLS = SocketMode{IsSubmission: true, TLS: true}
)

// Config is shared, read-only configuration for every Conn a Server
// accepts.
type Config struct {
	Hostname           string
	MaxDataSize        int64
	MaxReceivedHeaders int
	PostDataHook       string
	CommandTimeout     time.Duration
	TLSConfig          *tls.Config
	LocalDomains       *set.String
	Authr              *auth.Authenticator
	SaslMechanisms     []string // advertised AUTH mechanisms, e.g. {"PLAIN", "LOGIN"}
	Store              *store.Store
	OnAccepted         func(tr *trace.Trace, id store.MessageID, env *envelopefile.Envelope) // filter pipeline hook
}

// Conn represents one accepted SMTP connection.
type Conn struct {
	cfg *Config

	conn         net.Conn
	mode         SocketMode
	tlsConnState *tls.ConnectionState
	remoteAddr   net.Addr

	lb     *linebuf.Buffer
	writer *bufio.Writer

	tr *trace.Trace

	ehloDomain string
	isESMTP    bool
	onTLS      bool

	mailFrom    string
	mailFromRaw smtpaddr.Address
	rcptTo      []string
	data        []byte
	binaryMime  bool
	eightBit    bool

	completedAuth bool
	authUser      string
	authDomain    string

	deadline time.Time
}

// NewConn wraps an already-accepted net.Conn.
func NewConn(cfg *Config, conn net.Conn, mode SocketMode) *Conn {
	return &Conn{cfg: cfg, conn: conn, mode: mode}
}

// Close the connection.
func (c *Conn) Close() { c.conn.Close() }

// Handle runs the connection's protocol loop until the peer disconnects or
// an unrecoverable error occurs. The caller should invoke Handle in its own
// goroutine; Go's runtime multiplexes the blocking reads/writes beneath it,
// playing the role the reactor's fd dispatch would in a single-threaded
// implementation.
func (c *Conn) Handle() {
	defer c.Close()

	c.tr = trace.New("SMTP.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()
	c.tr.Debugf("connected, mode: %s", c.mode)

	if c.deadline.IsZero() {
		c.deadline = time.Now().Add(24 * time.Hour)
	}
	c.conn.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))

	if tc, ok := c.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			c.tr.Errorf("error completing TLS handshake: %v", err)
			return
		}
		cstate := tc.ConnectionState()
		c.tlsConnState = &cstate
		c.onTLS = true
		if name := c.tlsConnState.ServerName; name != "" {
			c.cfg.Hostname = name
		}
	}

	c.lb = linebuf.New(linebuf.Auto, maxCommandLine)
	c.writer = bufio.NewWriter(c.conn)
	c.remoteAddr = c.conn.RemoteAddr()

	c.printfLine("220 %s ESMTP E-MailRelay", c.cfg.Hostname)

	var cmd, params string
	var err error
	var errCount int

loop:
	for {
		if time.Since(c.deadline) > 0 {
			err = fmt.Errorf("connection deadline exceeded")
			c.tr.Error(err)
			break
		}

		c.conn.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))

		cmd, params, err = c.readCommand()
		if err != nil {
			c.printfLine("554 error reading command: %v", err)
			break
		}

		if cmd == "AUTH" {
			c.tr.Debugf("-> AUTH <redacted>")
		} else {
			c.tr.Debugf("-> %s %s", cmd, params)
		}

		var code int
		var msg string

		switch cmd {
		case "HELO":
			code, msg = c.HELO(params)
		case "EHLO":
			code, msg = c.EHLO(params)
		case "HELP":
			code, msg = 214, "2.0.0 at your service"
		case "NOOP":
			code, msg = 250, "2.0.0 OK"
		case "RSET":
			c.resetEnvelope()
			code, msg = 250, "2.0.0 OK"
		case "VRFY", "EXPN":
			code, msg = 502, "5.5.1 Command not implemented"
		case "MAIL":
			code, msg = c.MAIL(params)
		case "RCPT":
			code, msg = c.RCPT(params)
		case "DATA":
			code, msg = c.DATA(params)
		case "BDAT":
			code, msg = c.BDAT(params)
		case "STARTTLS":
			code, msg = c.STARTTLS(params)
		case "AUTH":
			code, msg = c.AUTH(params)
		case "QUIT":
			_ = c.writeResponse(221, "2.0.0 bye")
			break loop
		case "GET", "POST", "CONNECT":
			c.tr.Errorf("http command, closing connection")
			_ = c.writeResponse(502, "5.7.0 this is not an http server")
			break loop
		default:
			cmd = fmt.Sprintf("unknown<%.6q>", cmd)
			code, msg = 500, "5.5.1 Unknown command"
		}

		metrics.CommandCount.WithLabelValues(cmd).Inc()
		if code > 0 {
			c.tr.Debugf("<- %d %s", code, msg)
			if code >= 400 {
				c.tr.Errorf("%s failed: %d %s", cmd, code, msg)
				errCount++
				if errCount >= 3 {
					_ = c.writeResponse(421, "4.5.0 too many errors, bye")
					break
				}
			}
			if err = c.writeResponse(code, msg); err != nil {
				break
			}
		}
	}

	if err != nil {
		if err == io.EOF {
			c.tr.Debugf("client closed the connection")
		} else {
			c.tr.Errorf("exiting with error: %v", err)
		}
	}
}

// HELO handler.
func (c *Conn) HELO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "domain/address required"
	}
	c.ehloDomain = strings.Fields(params)[0]
	return 250, fmt.Sprintf("%s, hello", c.cfg.Hostname)
}

// EHLO handler.
func (c *Conn) EHLO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "domain/address required"
	}
	c.ehloDomain = strings.Fields(params)[0]
	c.isESMTP = true
	// A second EHLO (post-STARTTLS) must be treated as if starting over:
	// forget anything the client may have inferred from the pre-TLS one.
	c.completedAuth = false

	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "%s\n", c.cfg.Hostname)
	fmt.Fprintf(buf, "8BITMIME\n")
	fmt.Fprintf(buf, "PIPELINING\n")
	fmt.Fprintf(buf, "SMTPUTF8\n")
	fmt.Fprintf(buf, "CHUNKING\n")
	fmt.Fprintf(buf, "BINARYMIME\n")
	fmt.Fprintf(buf, "ENHANCEDSTATUSCODES\n")
	fmt.Fprintf(buf, "SIZE %d\n", c.cfg.MaxDataSize)
	if !c.onTLS {
		fmt.Fprintf(buf, "STARTTLS\n")
	} else if len(c.cfg.SaslMechanisms) > 0 {
		fmt.Fprintf(buf, "AUTH %s\n", strings.Join(c.cfg.SaslMechanisms, " "))
	}
	fmt.Fprintf(buf, "HELP\n")
	return 250, buf.String()
}

// MAIL handler.
func (c *Conn) MAIL(params string) (int, string) {
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 500, "5.5.2 Unknown command"
	}
	if c.mode.IsSubmission && !c.completedAuth {
		return 550, "5.7.9 Mail to submission port must be authenticated"
	}

	c.resetEnvelope()

	rest := strings.TrimSpace(params[len("from:"):])
	if rest == "<>" {
		return 250, "2.1.5 OK"
	}

	a, err := smtpaddr.Parse(rest, true)
	if err != nil {
		return 501, fmt.Sprintf("5.1.7 Sender address malformed: %v", err)
	}
	if a.Local == "" {
		return 501, "5.1.7 Sender address malformed"
	}
	if len(a.String()) > 256 {
		return 501, "5.1.7 Sender address too long"
	}
	if sizeStr, ok := a.Params["SIZE"]; ok {
		if sz, err := strconv.ParseInt(sizeStr, 10, 64); err == nil && sz > c.cfg.MaxDataSize {
			return 552, "5.3.4 Message size exceeds maximum permitted"
		}
	}
	if body, ok := a.Params["BODY"]; ok {
		switch body {
		case "BINARYMIME":
			c.binaryMime = true
		case "8BITMIME":
			c.eightBit = true
		}
	}

	c.mailFromRaw = a
	c.mailFrom = a.StringUTF8()
	return 250, "2.1.5 OK"
}

// RCPT handler.
func (c *Conn) RCPT(params string) (int, string) {
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 500, "5.5.2 Unknown command"
	}
	if c.mailFrom == "" && c.mailFromRaw.Local == "" {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(c.rcptTo) > 100 {
		return 452, "4.5.3 Too many recipients"
	}

	rest := strings.TrimSpace(params[len("to:"):])
	a, err := smtpaddr.Parse(rest, true)
	if err != nil || a.Local == "" {
		return 501, "5.1.3 Malformed destination address"
	}
	addr := a.StringUTF8()
	if len(addr) > 256 {
		return 501, "5.1.3 Destination address too long"
	}

	local := envelope.DomainIn(addr, c.cfg.LocalDomains)
	if !local && !c.completedAuth {
		maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr}, "relay not allowed")
		return 550, "5.7.1 Relay not allowed"
	}
	if local {
		norm, err := normalize.Addr(addr)
		if err != nil {
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr}, "invalid address")
			return 550, "5.1.3 Destination address is invalid"
		}
		addr = norm
		if !c.localUserExists(addr) {
			maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr}, "local user does not exist")
			return 550, "5.1.1 Destination address unknown"
		}
	}

	c.rcptTo = append(c.rcptTo, addr)
	return 250, "2.1.5 OK"
}

func (c *Conn) localUserExists(addr string) bool {
	if c.cfg.Authr == nil {
		return false
	}
	user, domain := envelope.Split(addr)
	ok, _ := c.cfg.Authr.Exists(user, domain)
	return ok
}

// DATA handler: classic dot-stuffed transfer.
func (c *Conn) DATA(params string) (int, string) {
	if c.binaryMime {
		return 503, "5.5.1 BINARYMIME transactions require BDAT"
	}
	if err := c.checkTransactionStart(); err != "" {
		return 503, err
	}

	if err := c.writeResponse(354, "go ahead"); err != nil {
		return 554, fmt.Sprintf("5.4.0 error writing DATA response: %v", err)
	}
	c.tr.Debugf("<- 354 go ahead")

	if c.onTLS {
		metrics.TLSCount.WithLabelValues("tls").Inc()
	} else {
		metrics.TLSCount.WithLabelValues("plain").Inc()
	}

	c.conn.SetDeadline(c.deadline)

	data, tooBig, err := c.readDotBody(c.cfg.MaxDataSize)
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 error reading DATA: %v", err)
	}
	if tooBig {
		return 552, "5.3.4 Message too big"
	}
	c.data = data

	ct := "7bit"
	if c.eightBit {
		ct = "8bit"
	}
	return c.finishMessage(ct)
}

// BDAT handler: RFC 3030 binary-safe bulk transfer.
func (c *Conn) BDAT(params string) (int, string) {
	fields := strings.Fields(params)
	if len(fields) == 0 {
		return 501, "5.5.4 BDAT requires a byte count"
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || n < 0 {
		return 501, "5.5.4 BDAT byte count malformed"
	}
	last := len(fields) == 2 && strings.EqualFold(fields[1], "LAST")

	if err := c.checkTransactionStart(); err != "" {
		return 503, err
	}
	if int64(len(c.data))+n > c.cfg.MaxDataSize {
		return 552, "5.3.4 Message size exceeds maximum permitted"
	}

	c.conn.SetDeadline(c.deadline)
	if n > 0 {
		chunk, err := c.readChunk(n)
		if err != nil {
			return 554, fmt.Sprintf("5.4.0 error reading BDAT chunk: %v", err)
		}
		c.data = append(c.data, chunk...)
	}

	if !last {
		return 250, fmt.Sprintf("2.0.0 %d octets received", n)
	}

	ct := "8bit"
	if c.binaryMime {
		ct = "binarymime"
	}
	return c.finishMessage(ct)
}

func (c *Conn) checkTransactionStart() string {
	if c.ehloDomain == "" {
		return "5.5.1 send HELO/EHLO first"
	}
	if c.mailFrom == "" {
		return "5.5.1 sender not yet given"
	}
	if len(c.rcptTo) == 0 {
		return "5.5.1 need an address to send to"
	}
	return ""
}

// finishMessage runs loop detection, the post-data hook, and stores the
// accepted message, invoking the filter-pipeline hook before resetting the
// transaction.
func (c *Conn) finishMessage(contentType string) (int, string) {
	c.tr.Debugf("-> ... %d bytes of data", len(c.data))

	if err := checkData(c.data, c.cfg.MaxReceivedHeaders); err != nil {
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, err.Error())
		return 554, err.Error()
	}

	c.addReceivedHeader()

	hookOut, permanent, err := c.runPostDataHook(c.data)
	if err != nil {
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, err.Error())
		if permanent {
			return 554, err.Error()
		}
		return 451, err.Error()
	}
	c.data = append(hookOut, c.data...)

	id := store.NewID()
	env := c.buildEnvelope(contentType)
	if err := c.cfg.Store.Put(id, env, bytes.NewReader(c.data)); err != nil {
		return 451, fmt.Sprintf("4.3.0 failed to queue message: %v", err)
	}

	c.tr.Printf("queued from %s to %s - %s", c.mailFrom, c.rcptTo, id)
	maillog.Queued(c.remoteAddr, c.mailFrom, c.rcptTo, string(id))

	if c.cfg.OnAccepted != nil {
		c.cfg.OnAccepted(c.tr, id, env)
	}

	c.resetEnvelope()
	return 250, "2.0.0 queued as " + string(id)
}

func (c *Conn) buildEnvelope(contentType string) *envelopefile.Envelope {
	env := &envelopefile.Envelope{
		Content: envelopefile.ContentType(contentType),
		From:    c.mailFrom,
		Client:  netaddr.FromNetAddr(c.remoteAddr).DisplayString(),
	}
	for _, r := range c.rcptTo {
		if envelope.DomainIn(r, c.cfg.LocalDomains) {
			env.ToLocal = append(env.ToLocal, r)
		} else {
			env.ToRemote = append(env.ToRemote, r)
			if env.ForwardTo == "" {
				env.ForwardTo = envelope.DomainOf(r)
			}
		}
	}
	if c.completedAuth {
		env.ClientAccountSelector = c.authUser + "@" + c.authDomain
	}
	if c.tlsConnState != nil && len(c.tlsConnState.PeerCertificates) > 0 {
		env.ClientCertificate = pemEncodeCert(c.tlsConnState.PeerCertificates[0].Raw)
	}
	env.Utf8MailboxNames = c.mailFromRaw.Class != smtpaddr.AsciiOnly
	return env
}

func (c *Conn) addReceivedHeader() {
	var v string
	if c.completedAuth {
		v += fmt.Sprintf("from %s\n", c.ehloDomain)
	} else {
		v += fmt.Sprintf("from [%s] (%s)\n", addrLiteral(c.remoteAddr), c.ehloDomain)
	}
	v += fmt.Sprintf("by %s (E-MailRelay) ", c.cfg.Hostname)

	with := "SMTP"
	if c.isESMTP {
		with = "ESMTP"
	}
	if c.onTLS {
		with += "S"
	}
	if c.completedAuth {
		with += "A"
	}
	v += fmt.Sprintf("with %s\n", with)

	if c.tlsConnState != nil {
		v += fmt.Sprintf("tls %s\n", tlsconst.CipherSuiteName(c.tlsConnState.CipherSuite))
	}

	v += fmt.Sprintf("(over %s, ", c.mode)
	if c.tlsConnState != nil {
		v += fmt.Sprintf("%s, ", tlsconst.VersionName(c.tlsConnState.Version))
	} else {
		v += "plain text, "
	}
	v += fmt.Sprintf("envelope from %q)\n", c.mailFrom)
	v += fmt.Sprintf("; %s\n", time.Now().Format(time.RFC1123Z))

	c.data = envelope.AddHeader(c.data, "Received", v)
}

func addrLiteral(addr net.Addr) string {
	a := netaddr.FromNetAddr(addr)
	if a.Family == netaddr.IPv6 {
		return "IPv6:" + a.IP.String()
	}
	if a.IP != nil {
		return a.IP.String()
	}
	return addr.String()
}

func checkData(data []byte, maxReceived int) error {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("5.6.0 error parsing message: %v", err)
	}
	if maxReceived <= 0 {
		maxReceived = 50
	}
	if len(msg.Header["Received"]) > maxReceived {
		metrics.LoopsDetected.Inc()
		return fmt.Errorf("5.4.6 loop detected (%d hops)", maxReceived)
	}
	return nil
}

func (c *Conn) runPostDataHook(data []byte) ([]byte, bool, error) {
	if c.cfg.PostDataHook == "" {
		return nil, false, nil
	}
	if _, err := os.Stat(c.cfg.PostDataHook); os.IsNotExist(err) {
		metrics.HookResults.WithLabelValues("skip").Inc()
		return nil, false, nil
	}

	tr := trace.New("Hook.Post-DATA", c.remoteAddr.String())
	defer tr.Finish()

	env := []string{}
	for _, v := range strings.Fields("USER PWD SHELL PATH") {
		env = append(env, v+"="+os.Getenv(v))
	}
	env = append(env,
		"REMOTE_ADDR="+c.remoteAddr.String(),
		"EHLO_DOMAIN="+sanitizeEHLODomain(c.ehloDomain),
		"MAIL_FROM="+c.mailFrom,
		"RCPT_TO="+strings.Join(c.rcptTo, " "),
		"ON_TLS="+boolToStr(c.onTLS),
	)
	if c.completedAuth {
		env = append(env, "AUTH_AS="+c.authUser+"@"+c.authDomain)
	}

	task := taskrunner.Task{
		Path:    c.cfg.PostDataHook,
		Stdin:   data,
		Env:     env,
		Timeout: time.Minute,
	}
	res := task.Run(context.Background())
	tr.Debugf("stdout: %q", res.Stdout)
	if res.Err != nil {
		metrics.HookResults.WithLabelValues("fail").Inc()
		tr.Error(res.Err)
		permanent := res.ExitCode == 20
		return nil, permanent, fmt.Errorf("%s", lastLine(string(res.Stdout)))
	}
	if !isHeader(res.Stdout) {
		metrics.HookResults.WithLabelValues("badoutput").Inc()
		return nil, false, nil
	}
	metrics.HookResults.WithLabelValues("success").Inc()
	return res.Stdout, false, nil
}

func sanitizeEHLODomain(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '.', r == '[', r == ']', r == ':':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isHeader(b []byte) bool {
	s := string(b)
	if len(s) == 0 {
		return true
	}
	if s == "\n" || strings.Contains(s, "\n\n") {
		return false
	}
	if s[len(s)-1] != '\n' {
		return false
	}
	seen := false
	for _, line := range strings.SplitAfter(s, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if !seen {
				return false
			}
			continue
		}
		if !strings.Contains(line, ":") {
			return false
		}
		seen = true
	}
	return true
}

func lastLine(s string) string {
	l := strings.Split(s, "\n")
	if len(l) < 2 {
		return ""
	}
	return l[len(l)-2]
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// STARTTLS handler.
func (c *Conn) STARTTLS(params string) (int, string) {
	if c.onTLS {
		return 503, "5.5.1 already in TLS mode"
	}
	if err := c.writeResponse(220, "2.0.0 go ahead"); err != nil {
		return 554, fmt.Sprintf("5.4.0 error writing STARTTLS response: %v", err)
	}

	server := tls.Server(c.conn, c.cfg.TLSConfig)
	if err := server.Handshake(); err != nil {
		return 554, fmt.Sprintf("5.5.0 error in TLS handshake: %v", err)
	}

	c.conn = server
	c.lb = linebuf.New(linebuf.Auto, maxCommandLine)
	c.writer = bufio.NewWriter(c.conn)
	cstate := server.ConnectionState()
	c.tlsConnState = &cstate

	// Post-STARTTLS, the session must forget everything learned pre-TLS:
	// HELO/EHLO must be re-sent and trusted only from here on.
	c.resetEnvelope()
	c.ehloDomain = ""
	c.isESMTP = false
	c.onTLS = true

	if name := c.tlsConnState.ServerName; name != "" {
		c.cfg.Hostname = name
	}
	return 0, ""
}

// AUTH handler, driving a go-sasl Server across one or more response
// round-trips.
func (c *Conn) AUTH(params string) (int, string) {
	if !c.onTLS {
		return 503, "5.7.10 AUTH requires TLS"
	}
	if c.completedAuth {
		return 503, "5.5.1 already authenticated"
	}

	fields := strings.SplitN(params, " ", 2)
	mech := strings.ToUpper(fields[0])
	if !c.mechanismOffered(mech) {
		return 504, "5.5.4 unrecognized authentication mechanism"
	}

	adapter := &authAdapter{authr: c.cfg.Authr}
	srv, err := sasl.NewServer(mech, adapter)
	if err != nil {
		return 504, "5.5.4 unrecognized authentication mechanism"
	}

	var resp []byte
	if len(fields) == 2 {
		resp, err = base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return 501, "5.5.2 invalid base64"
		}
	}

	for {
		if len(resp) == 1 && resp[0] == '*' {
			return 501, "5.0.0 AUTH cancelled"
		}
		challenge, done, err := srv.Next(resp)
		if done {
			if err != nil {
				maillog.Auth(c.remoteAddr, mech, false)
				return 535, "5.7.8 authentication failed"
			}
			c.authUser, c.authDomain = adapter.user, adapter.domain
			c.completedAuth = true
			maillog.Auth(c.remoteAddr, c.authUser+"@"+c.authDomain, true)
			return 235, "2.7.0 authentication successful"
		}
		if err != nil {
			maillog.Auth(c.remoteAddr, mech, false)
			return 535, "5.7.8 authentication failed"
		}

		if err := c.writeResponse(334, base64.StdEncoding.EncodeToString(challenge)); err != nil {
			return 554, fmt.Sprintf("5.4.0 error writing AUTH challenge: %v", err)
		}
		line, err := c.readLine()
		if err != nil {
			return 554, fmt.Sprintf("5.4.0 error reading AUTH response: %v", err)
		}
		if line == "*" {
			return 501, "5.0.0 AUTH cancelled"
		}
		resp, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return 501, "5.5.2 invalid base64"
		}
	}
}

func (c *Conn) mechanismOffered(mech string) bool {
	for _, m := range c.cfg.SaslMechanisms {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

func (c *Conn) resetEnvelope() {
	c.mailFrom = ""
	c.mailFromRaw = smtpaddr.Address{}
	c.rcptTo = nil
	c.data = nil
	c.binaryMime = false
	c.eightBit = false
}

func (c *Conn) readCommand() (cmd, params string, err error) {
	msg, err := c.readLine()
	if err != nil {
		return "", "", err
	}
	sp := strings.SplitN(msg, " ", 2)
	cmd = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}
	return cmd, params, nil
}

func (c *Conn) readLine() (string, error) {
	line, tooLong, err := c.readRawLine(maxCommandLine)
	if err != nil {
		return "", err
	}
	if tooLong {
		return "", fmt.Errorf("line too long")
	}
	return string(line), nil
}

// readRawLine pulls the next line out of the connection's linebuf.Buffer,
// reading more bytes off the wire as needed. It reports tooLong rather than
// erroring so callers reading a DATA body can resync by draining to the
// terminator instead of aborting the connection outright.
func (c *Conn) readRawLine(maxLen int) (line []byte, tooLong bool, err error) {
	scratch := make([]byte, 4096)
	for {
		if c.lb.More() {
			data := c.lb.Data()
			line = append([]byte(nil), data...)
			c.lb.Consolidate()
			return line, len(line) > maxLen, nil
		}
		n, rerr := c.conn.Read(scratch)
		if n > 0 {
			c.lb.Add(scratch[:n])
		}
		if rerr != nil {
			return nil, false, rerr
		}
	}
}

// readChunk reads exactly n bytes for a BDAT chunk, via the same
// linebuf.Buffer command lines are read through, so pipelined bytes that
// arrived ahead of the BDAT response are not lost.
func (c *Conn) readChunk(n int64) ([]byte, error) {
	c.lb.Expect(n)
	scratch := make([]byte, 4096)
	for {
		if c.lb.More() {
			data := append([]byte(nil), c.lb.Data()...)
			c.lb.Consolidate()
			return data, nil
		}
		m, err := c.conn.Read(scratch)
		if m > 0 {
			c.lb.Add(scratch[:m])
		}
		if err != nil {
			return nil, err
		}
	}
}

// readDotBody reads a classic dot-stuffed DATA body: lines up to a lone "."
// terminator, with a single leading dot stripped from any line that starts
// with one. It reports tooBig rather than erroring when maxSize is
// exceeded, after draining the remaining lines so the connection resyncs
// on the next command.
func (c *Conn) readDotBody(maxSize int64) (data []byte, tooBig bool, err error) {
	var buf bytes.Buffer
	var total int64
	for {
		line, _, rerr := c.readRawLine(maxCommandLine)
		if rerr != nil {
			return nil, false, rerr
		}
		if len(line) == 1 && line[0] == '.' {
			return buf.Bytes(), false, nil
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		if !tooBig {
			total += int64(len(line)) + 2
			if total > maxSize {
				tooBig = true
			} else {
				buf.Write(line)
				buf.WriteString("\r\n")
			}
		}
	}
}

func (c *Conn) writeResponse(code int, msg string) error {
	defer c.writer.Flush()
	metrics.ResponseCodeCount.WithLabelValues(strconv.Itoa(code)).Inc()
	return writeResponse(c.writer, code, msg)
}

func (c *Conn) printfLine(format string, args ...any) {
	fmt.Fprintf(c.writer, format+"\r\n", args...)
	c.writer.Flush()
}

// writeResponse writes a (possibly multi-line) SMTP reply.
func writeResponse(w io.Writer, code int, msg string) error {
	lines := strings.Split(msg, "\n")
	var i int
	for i = 0; i < len(lines)-1; i++ {
		if _, err := fmt.Fprintf(w, "%d-%s\r\n", code, lines[i]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d %s\r\n", code, lines[i])
	return err
}

func pemEncodeCert(der []byte) string {
	var b bytes.Buffer
	_ = pem.Encode(&b, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	return b.String()
}

// authAdapter bridges the sasl package's (user, domain, password)
// Authenticate contract to auth.Authenticator, and remembers the account
// selector the last successful call validated so the caller can record it
// against the connection.
type authAdapter struct {
	authr  *auth.Authenticator
	user   string
	domain string
}

func (a *authAdapter) Authenticate(user, domain, password string) (bool, error) {
	ok, err := a.authr.Authenticate(user, domain, password)
	if ok {
		a.user, a.domain = user, domain
	}
	return ok, err
}
