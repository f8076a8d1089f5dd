package smtpserver

import (
	"crypto/tls"
	"flag"
	"net"
	"time"

	"blitiri.com.ar/go/log"

	"go.emailrelay.dev/relay/internal/auth"
	"go.emailrelay.dev/relay/internal/dnsbl"
	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/listeners"
	"go.emailrelay.dev/relay/internal/maillog"
	"go.emailrelay.dev/relay/internal/set"
	"go.emailrelay.dev/relay/internal/store"
	"go.emailrelay.dev/relay/internal/trace"
)

// Reload frequency for the account store; test-only knob.
var reloadEvery = flag.Duration("testing__reload_every", 30*time.Second,
	"how often to reload the account store, ONLY FOR TESTING")

// Server accepts SMTP connections on one or more addresses/listeners and
// hands each to a Conn built from the server's shared Config.
type Server struct {
	Hostname           string
	MaxDataSize        int64
	MaxReceivedHeaders int
	HAProxyEnabled     bool
	HookPath           string

	// DNSBL, when non-empty, is consulted in order for every accepted
	// connection's remote address before the SMTP dialog begins; the first
	// Deny/TimeoutDeny verdict closes the connection outright.
	DNSBL []*dnsbl.Checker

	fw *listeners.Framework

	tlsConfig *tls.Config

	localDomains *set.String
	authr        *auth.Authenticator

	connTimeout    time.Duration
	commandTimeout time.Duration

	store *store.Store

	// OnAccepted runs once a message has been written to the store,
	// typically to hand the id off to a filter pipeline.
	OnAccepted func(tr *trace.Trace, id store.MessageID, env *envelopefile.Envelope)
}

// NewServer returns a new empty Server.
func NewServer(st *store.Store) *Server {
	return &Server{
		fw:        listeners.New(),
		tlsConfig: &tls.Config{
			SessionTicketsDisabled: true,
		},
		connTimeout:    20 * time.Minute,
		commandTimeout: 1 * time.Minute,
		localDomains:   &set.String{},
		authr:          auth.NewAuthenticator(),
		store:          st,
	}
}

// Authenticator returns the server's account store, for registering
// per-domain backends before ListenAndServe.
func (s *Server) Authenticator() *auth.Authenticator { return s.authr }

// AddCerts loads a certificate/key pair for TLS and STARTTLS.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// AddAddr adds an address for the server to listen on in the given mode.
func (s *Server) AddAddr(a string, m SocketMode) {
	s.fw.Add(m.String(), a)
}

// AddListeners adds already-open listeners (e.g. from socket activation).
func (s *Server) AddListeners(ls []net.Listener, m SocketMode) {
	s.fw.AddListeners(m.String(), ls...)
}

// UseSystemdActivation pulls in any listeners systemd handed down via
// socket activation, keyed by FileDescriptorName, which must match one of
// the SocketMode strings ("SMTP", "submission", "submission+TLS").
func (s *Server) UseSystemdActivation() error {
	return s.fw.FromSystemd()
}

// EnableHAProxy makes every listener expect an HAProxy protocol v1
// preamble before the SMTP dialog begins.
func (s *Server) EnableHAProxy(enabled bool) {
	s.HAProxyEnabled = enabled
	s.fw.HAProxy = enabled
}

// AddDomain registers a domain this server is authoritative for.
func (s *Server) AddDomain(d string) { s.localDomains.Add(d) }

// SetAuthFallback sets the backend used when no domain-specific one
// matches.
func (s *Server) SetAuthFallback(be auth.Backend) { s.authr.Fallback = be }

func (s *Server) periodicallyReload() {
	if reloadEvery == nil {
		return
	}
	for range time.Tick(*reloadEvery) {
		if err := s.authr.Reload(); err != nil {
			log.Errorf("error reloading account store: %v", err)
		}
	}
}

// ListenAndServe on the addresses and listeners previously added. Does not
// return.
func (s *Server) ListenAndServe() {
	if len(s.tlsConfig.Certificates) == 0 {
		log.Errorf("No SSL/TLS certificates found")
		log.Errorf("Ideally there should be a certificate for each MX this host acts as")
		log.Fatalf("At least one valid certificate is needed")
	}

	go s.periodicallyReload()

	if err := s.fw.Serve(s.handleConn); err != nil {
		log.Fatalf("%v", err)
	}
}

// handleConn is the listeners.Handler for every label this Server
// registers; label is always a SocketMode's String().
func (s *Server) handleConn(label string, conn net.Conn) {
	mode, ok := socketModeFromString(label)
	if !ok {
		log.Errorf("unknown listener label %q, closing connection", label)
		conn.Close()
		return
	}
	if len(s.DNSBL) > 0 && s.checkDNSBL(conn) {
		return
	}

	if mode.TLS {
		conn = tls.Server(conn, s.tlsConfig)
	}

	sc := NewConn(&Config{
		Hostname:           s.Hostname,
		MaxDataSize:        s.MaxDataSize,
		MaxReceivedHeaders: s.MaxReceivedHeaders,
		PostDataHook:       s.HookPath + "/post-data",
		CommandTimeout:     s.commandTimeout,
		TLSConfig:          s.tlsConfig,
		LocalDomains:       s.localDomains,
		Authr:              s.authr,
		SaslMechanisms:     []string{"PLAIN", "LOGIN"},
		Store:              s.store,
		OnAccepted:         s.OnAccepted,
	}, conn, mode)
	sc.deadline = time.Now().Add(s.connTimeout)
	sc.Handle()
}

// checkDNSBL consults s.DNSBL for conn's remote address and, if the verdict
// denies it, logs the rejection and closes conn. It reports whether the
// connection was closed.
func (s *Server) checkDNSBL(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	tr := trace.New("Server.DNSBL", conn.RemoteAddr().String())
	defer tr.Finish()

	for _, checker := range s.DNSBL {
		result := checker.Check(tr, ip)
		if msg := result.Warn(); msg != "" {
			tr.Printf("%s", msg)
		}
		if result.Type.AllowedBy() {
			continue
		}
		maillog.Rejected(conn.RemoteAddr(), "", nil, "rejected by dnsbl: "+result.Warn())
		conn.Close()
		return true
	}
	return false
}

func socketModeFromString(s string) (SocketMode, bool) {
	switch s {
	case ModeSMTP.String():
		return ModeSMTP, true
	case ModeSubmission.String():
		return ModeSubmission, true
	case ModeSubmissionTLS.String():
		return ModeSubmissionTLS, true
	default:
		return SocketMode{}, false
	}
}
