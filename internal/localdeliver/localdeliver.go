// Package localdeliver hands accepted mail to a local delivery agent
// (maildrop, procmail, or similar) over stdin, the way the teacher's
// courier.MDA did, rewritten onto taskrunner so the timeout/exit-code
// handling is shared with the rest of the tree instead of being a second
// os/exec callsite.
package localdeliver

import (
	"bytes"
	"context"
	"strings"
	"time"
	"unicode"

	"go.emailrelay.dev/relay/internal/envelope"
	"go.emailrelay.dev/relay/internal/normalize"
	"go.emailrelay.dev/relay/internal/taskrunner"
	"go.emailrelay.dev/relay/internal/trace"
)

// Agent delivers local mail by executing a binary that reads the message on
// stdin and exits with EX_TEMPFAIL (75) for transient failures.
type Agent struct {
	Binary  string
	Args    []string
	Timeout time.Duration
}

// Deliver attempts delivery of one message to every recipient in rcpts,
// invoking the delivery agent once per recipient since each invocation's
// %to% substitution names exactly one mailbox. binaryMime plays no role
// here: normalize.ToCRLF always runs before data reaches the agent's
// stdin, regardless of how the message arrived.
//
// It returns one error and one permanence flag per recipient, in the same
// order as rcpts.
func (a *Agent) Deliver(from string, rcpts []string, data []byte, binaryMime bool) ([]error, []bool) {
	errs := make([]error, len(rcpts))
	permanents := make([]bool, len(rcpts))
	for i, to := range rcpts {
		errs[i], permanents[i] = a.deliverOne(from, to, data)
	}
	return errs, permanents
}

// deliverOne delivers to a single local recipient. It returns an error and
// whether that error is permanent (should not be retried).
func (a *Agent) deliverOne(from, to string, data []byte) (error, bool) {
	tr := trace.New("LocalDeliver.Agent", to)
	defer tr.Finish()

	from = sanitize(from)
	to = sanitize(to)
	tr.Debugf("%s -> %s", from, to)

	replacer := strings.NewReplacer(
		"%from%", from,
		"%from_user%", envelope.UserOf(from),
		"%from_domain%", envelope.DomainOf(from),
		"%to%", to,
		"%to_user%", envelope.UserOf(to),
		"%to_domain%", envelope.DomainOf(to),
	)
	args := make([]string, len(a.Args))
	for i, arg := range a.Args {
		args[i] = replacer.Replace(arg)
	}
	tr.Debugf("%s %q", a.Binary, args)

	task := taskrunner.Task{
		Path:    a.Binary,
		Args:    args,
		Stdin:   normalize.ToCRLF(data),
		Timeout: a.Timeout,
	}
	res := task.Run(context.Background())
	if res.TimedOut {
		return tr.Errorf("local delivery timed out"), false
	}
	if res.Err != nil {
		permanent := !taskrunner.TransientSysexit(res.ExitCode)
		return tr.Errorf("local delivery failed: %v - %q", res.Err, bytes.TrimSpace(res.Stdout)), permanent
	}
	tr.Debugf("delivered")
	return nil, false
}

// sanitize strips characters that would be problematic passed to a shelled
// out command; filtering proper happens elsewhere, this is defense in depth.
func sanitize(s string) string {
	valid := func(r rune) rune {
		switch {
		case unicode.IsSpace(r), unicode.IsControl(r),
			strings.ContainsRune("/;\"'\\|*&$%()[]{}`!", r):
			return rune(-1)
		default:
			return r
		}
	}
	return strings.Map(valid, s)
}
