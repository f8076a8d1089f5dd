// Package listeners provides a small multi-listener framework: a Group of
// named listeners (TCP addresses to bind, or already-open listeners handed
// down via socket activation) that accept loops dispatch to a handler,
// optionally unwrapping an HAProxy protocol v1 preamble first so the
// handler sees the real client address instead of the proxy's.
package listeners

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"

	"go.emailrelay.dev/relay/internal/haproxy"
	"go.emailrelay.dev/relay/internal/maillog"
)

// Framework collects listeners under string labels (the teacher's
// SocketMode, stringified, in this tree's usage) and runs accept loops for
// each, handing accepted connections to a per-label handler.
type Framework struct {
	HAProxy bool

	addrs     map[string][]string
	listeners map[string][]net.Listener
}

// New returns an empty Framework.
func New() *Framework {
	return &Framework{
		addrs:     map[string][]string{},
		listeners: map[string][]net.Listener{},
	}
}

// Add registers an address to be opened (via net.Listen) under label when
// Serve runs.
func (f *Framework) Add(label, addr string) {
	f.addrs[label] = append(f.addrs[label], addr)
}

// AddListeners registers already-open listeners (e.g. wrapped in TLS by the
// caller) under label.
func (f *Framework) AddListeners(label string, ls ...net.Listener) {
	f.listeners[label] = append(f.listeners[label], ls...)
}

// FromSystemd pulls any file-descriptor-passed listeners systemd socket
// activation handed us and adds them under their FileDescriptorName, which
// callers are expected to have set to match one of their labels.
func (f *Framework) FromSystemd() error {
	named, err := systemd.Listeners()
	if err != nil {
		return fmt.Errorf("listeners: socket activation: %w", err)
	}
	for label, ls := range named {
		f.AddListeners(label, ls...)
	}
	return nil
}

// Labels returns the distinct labels with at least one address or listener
// registered.
func (f *Framework) Labels() []string {
	seen := map[string]bool{}
	var out []string
	for l := range f.addrs {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	for l := range f.listeners {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

// Handler is called once per accepted connection, in its own goroutine.
type Handler func(label string, conn net.Conn)

// Serve opens every registered address, then runs an accept loop per
// listener (both opened-here and handed-down), dispatching each connection
// to handle. It does not return unless every accept loop has failed.
func (f *Framework) Serve(handle Handler) error {
	var opened []struct {
		label string
		l     net.Listener
	}

	for label, addrs := range f.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listeners: listening on %s (%s): %w", addr, label, err)
			}
			log.Infof("listening on %s (%s)", addr, label)
			maillog.Listening(addr)
			opened = append(opened, struct {
				label string
				l     net.Listener
			}{label, l})
		}
	}
	for label, ls := range f.listeners {
		for _, l := range ls {
			log.Infof("listening on %s (%s, via socket activation)", l.Addr(), label)
			maillog.Listening(l.Addr().String())
			opened = append(opened, struct {
				label string
				l     net.Listener
			}{label, l})
		}
	}

	if len(opened) == 0 {
		return fmt.Errorf("listeners: nothing to listen on")
	}

	done := make(chan error, len(opened))
	for _, o := range opened {
		go func(label string, l net.Listener) {
			done <- f.acceptLoop(label, l, handle)
		}(o.label, o.l)
	}

	var firstErr error
	for range opened {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Framework) acceptLoop(label string, l net.Listener, handle Handler) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return fmt.Errorf("listeners: accept on %s (%s): %w", l.Addr(), label, err)
		}
		go func() {
			if f.HAProxy {
				conn, err = wrapHAProxy(conn)
				if err != nil {
					log.Errorf("haproxy handshake from %v failed: %v", conn.RemoteAddr(), err)
					conn.Close()
					return
				}
			}
			handle(label, conn)
		}()
	}
}

// wrapHAProxy reads and strips the HAProxy protocol v1 preamble, returning
// a net.Conn whose RemoteAddr reflects the original client rather than the
// proxy.
func wrapHAProxy(conn net.Conn) (net.Conn, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	br := bufio.NewReader(conn)
	src, _, err := haproxy.Handshake(br)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, err
	}
	return &proxiedConn{Conn: conn, r: br, src: src}, nil
}

// proxiedConn overrides RemoteAddr with the address the HAProxy preamble
// reported, and reads through the buffered reader left over from parsing
// that preamble so no bytes are lost.
type proxiedConn struct {
	net.Conn
	r   *bufio.Reader
	src net.Addr
}

func (c *proxiedConn) Read(b []byte) (int, error)  { return c.r.Read(b) }
func (c *proxiedConn) RemoteAddr() net.Addr        { return c.src }
