package spamfilter

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/store"
	"go.emailrelay.dev/relay/internal/trace"
)

func mustStore(t *testing.T) *store.Store {
	dir, err := os.MkdirTemp("", "spamfilter_test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return store.NewStore(dir)
}

// fakeSpamd answers exactly one PROCESS/CHECK request with a canned
// Spam/Content-length response, mimicking just enough of SPAMC/1.4 to drive
// Filter.Run.
func fakeSpamd(t *testing.T, spam bool, score, threshold float64, body string) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(2 * time.Second))

		br := bufio.NewReader(conn)
		if _, err := br.ReadString('\n'); err != nil { // request line
			return
		}
		for {
			line, err := br.ReadString('\n')
			if err != nil || strings.TrimRight(line, "\r\n") == "" {
				break
			}
		}

		flag := "False"
		if spam {
			flag = "True"
		}
		fmt.Fprintf(conn, "SPAMD/1.1 0 EX_OK\r\n")
		fmt.Fprintf(conn, "Spam: %s ; %.1f / %.1f\r\n", flag, score, threshold)
		fmt.Fprintf(conn, "Content-length: %d\r\n\r\n", len(body))
		conn.Write([]byte(body))
	}()

	return ln.Addr().String()
}

func TestRunRejectsSpam(t *testing.T) {
	st := mustStore(t)
	addr := fakeSpamd(t, true, 15.0, 5.0, "spammy content")

	env := &envelopefile.Envelope{}
	id := store.NewID()
	if err := st.Put(id, env, strings.NewReader("original content")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Lock(id); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	f := &Filter{Addr: addr, RejectScore: 5.0, Timeout: time.Second}
	tr := trace.New("test", "spamfilter")
	defer tr.Finish()

	res, err := f.Run(tr, st, id, env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Code != 1 { // filters.Fail
		t.Fatalf("Code = %v, want Fail", res.Code)
	}
	if res.ResponseCode != 550 {
		t.Fatalf("ResponseCode = %d, want 550", res.ResponseCode)
	}
}

func TestRunPassesHamAndRewritesContent(t *testing.T) {
	st := mustStore(t)
	addr := fakeSpamd(t, false, 1.0, 5.0, "tagged content")

	env := &envelopefile.Envelope{}
	id := store.NewID()
	if err := st.Put(id, env, strings.NewReader("original content")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Lock(id); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	f := &Filter{Addr: addr, RejectScore: 5.0, Timeout: time.Second}
	tr := trace.New("test", "spamfilter")
	defer tr.Finish()

	res, err := f.Run(tr, st, id, env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Code != 0 { // filters.OK
		t.Fatalf("Code = %v, want OK", res.Code)
	}

	got, err := os.ReadFile(st.ContentPath(id))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "tagged content" {
		t.Fatalf("content = %q, want rewritten body", got)
	}
}

func TestRunFailsOpenWhenUnreachable(t *testing.T) {
	st := mustStore(t)

	env := &envelopefile.Envelope{}
	id := store.NewID()
	if err := st.Put(id, env, strings.NewReader("original content")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Lock(id); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	f := &Filter{Addr: "127.0.0.1:1", Timeout: 200 * time.Millisecond}
	tr := trace.New("test", "spamfilter")
	defer tr.Finish()

	res, err := f.Run(tr, st, id, env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Code != 0 { // filters.OK
		t.Fatalf("Code = %v, want OK (fail-open)", res.Code)
	}
}

func TestParseSpamHeader(t *testing.T) {
	isSpam, score, threshold := parseSpamHeader("Spam: True ; 15.0 / 5.0")
	if !isSpam || score != 15.0 || threshold != 5.0 {
		t.Fatalf("got isSpam=%v score=%v threshold=%v", isSpam, score, threshold)
	}
}
