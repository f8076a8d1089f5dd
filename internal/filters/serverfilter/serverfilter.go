// Package serverfilter is the first pipeline stage after a message is
// stored: it runs an external program with the same kind of per-message
// environment the listener's old post-DATA hook exposed, but reconstructed
// from the envelope rather than from live connection state, since the
// pipeline runs after the connection that accepted the message may already
// be gone.
package serverfilter

import (
	"strings"
	"time"

	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/filters"
	"go.emailrelay.dev/relay/internal/filters/execfilter"
	"go.emailrelay.dev/relay/internal/store"
	"go.emailrelay.dev/relay/internal/trace"
)

// Filter wraps execfilter.Filter with an envelope-derived environment.
// Path, Args and Timeout are passed straight through.
type Filter struct {
	Path    string
	Args    []string
	Timeout time.Duration

	inner execfilter.Filter
}

// Run implements filters.Filter.
func (f *Filter) Run(tr *trace.Trace, st *store.Store, id store.MessageID, env *envelopefile.Envelope) (filters.Result, error) {
	f.inner.Path = f.Path
	f.inner.Args = f.Args
	f.inner.Timeout = f.Timeout
	f.inner.BuildEnv = buildEnv
	return f.inner.Run(tr, st, id, env)
}

// buildEnv reconstructs the subset of the connection-time post-DATA hook
// environment that survives into the envelope: REMOTE_ADDR, MAIL_FROM,
// RCPT_TO and, if the sender authenticated, AUTH_AS. EHLO_DOMAIN and ON_TLS
// are not recorded in the envelope format and are omitted rather than
// faked.
func buildEnv(env *envelopefile.Envelope) []string {
	rcpt := append(append([]string{}, env.ToLocal...), env.ToRemote...)
	out := []string{
		"REMOTE_ADDR=" + env.Client,
		"MAIL_FROM=" + env.From,
		"RCPT_TO=" + strings.Join(rcpt, " "),
	}
	if env.ClientAccountSelector != "" {
		out = append(out, "AUTH_AS="+env.ClientAccountSelector)
	}
	return out
}
