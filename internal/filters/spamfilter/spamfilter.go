// Package spamfilter streams a message's content to a SpamAssassin spamd
// daemon over the SPAMC/1.4 line protocol, rejecting mail the daemon flags
// as spam and optionally replacing the content with whatever body spamd
// returns (e.g. with X-Spam-* headers added).
package spamfilter

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/filters"
	"go.emailrelay.dev/relay/internal/store"
	"go.emailrelay.dev/relay/internal/trace"
)

// Filter implements filters.Filter.
type Filter struct {
	// Addr is the spamd "host:port" to dial.
	Addr string
	// Timeout bounds the whole SPAMC exchange.
	Timeout time.Duration
	// RejectScore rejects a message flagged spam only once its score
	// reaches this value; 0 rejects on the flag alone.
	RejectScore float64
	// ReadOnly skips PROCESS (body rewrite) in favor of CHECK, so the
	// content file is never modified.
	ReadOnly bool
}

// Run implements filters.Filter.
func (f *Filter) Run(tr *trace.Trace, st *store.Store, id store.MessageID, env *envelopefile.Envelope) (filters.Result, error) {
	data, err := os.ReadFile(st.ContentPath(id))
	if err != nil {
		return filters.Result{}, err
	}

	conn, err := net.DialTimeout("tcp", f.Addr, f.timeout())
	if err != nil {
		// Fail open: an unreachable spam checker should not hold up mail
		// that would otherwise be deliverable.
		tr.Errorf("spamfilter: could not reach %s: %v", f.Addr, err)
		return filters.Result{Code: filters.OK}, nil
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(f.timeout()))

	cmd := "PROCESS"
	if f.ReadOnly {
		cmd = "CHECK"
	}
	fmt.Fprintf(conn, "%s SPAMC/1.4\r\nContent-length: %d\r\n\r\n", cmd, len(data))
	if _, err := conn.Write(data); err != nil {
		tr.Errorf("spamfilter: writing message: %v", err)
		return filters.Result{Code: filters.OK}, nil
	}

	br := bufio.NewReader(conn)
	if _, err := br.ReadString('\n'); err != nil { // "SPAMD/1.1 0 EX_OK"
		tr.Errorf("spamfilter: reading response line: %v", err)
		return filters.Result{Code: filters.OK}, nil
	}

	var spamHeader string
	contentLength := -1
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" || err != nil {
			break
		}
		switch {
		case strings.HasPrefix(line, "Spam:"):
			spamHeader = line
		case strings.HasPrefix(line, "Content-length:"):
			n, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-length:")))
			contentLength = n
		}
	}

	isSpam, score, threshold := parseSpamHeader(spamHeader)

	var body []byte
	if contentLength >= 0 {
		body = make([]byte, contentLength)
		if _, err := io.ReadFull(br, body); err != nil {
			body = nil
		}
	}

	if isSpam && (f.RejectScore <= 0 || score >= f.RejectScore) {
		return filters.Result{
			Code:         filters.Fail,
			Response:     fmt.Sprintf("rejected as spam (score %.1f / %.1f)", score, threshold),
			ResponseCode: 550,
		}, nil
	}

	if len(body) > 0 {
		if err := os.WriteFile(st.ContentPath(id), body, 0640); err != nil {
			return filters.Result{}, err
		}
	}

	return filters.Result{Code: filters.OK}, nil
}

func (f *Filter) timeout() time.Duration {
	if f.Timeout <= 0 {
		return 30 * time.Second
	}
	return f.Timeout
}

// parseSpamHeader parses a "Spam: True ; 15.0 / 5.0" response header.
func parseSpamHeader(h string) (isSpam bool, score, threshold float64) {
	h = strings.TrimPrefix(h, "Spam:")
	parts := strings.SplitN(h, ";", 2)
	if len(parts) != 2 {
		return false, 0, 0
	}
	isSpam = strings.TrimSpace(parts[0]) == "True"
	nums := strings.SplitN(parts[1], "/", 2)
	if len(nums) == 2 {
		score, _ = strconv.ParseFloat(strings.TrimSpace(nums[0]), 64)
		threshold, _ = strconv.ParseFloat(strings.TrimSpace(nums[1]), 64)
	}
	return isSpam, score, threshold
}
