// Package execfilter runs an external program as a pipeline filter, feeding
// it the message content on stdin and translating its exit code per the
// reference table (internal/filters.ExitCodeResult).
package execfilter

import (
	"context"
	"os"
	"strings"
	"time"

	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/filters"
	"go.emailrelay.dev/relay/internal/store"
	"go.emailrelay.dev/relay/internal/taskrunner"
	"go.emailrelay.dev/relay/internal/trace"
)

// Filter implements filters.Filter by executing Path with Args, the
// message content on stdin, and Env appended to its environment.
type Filter struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration

	// BuildEnv, when set, is called for every message to compute
	// additional environment variables from the envelope, letting callers
	// (e.g. serverfilter) expose per-message context to the child.
	BuildEnv func(env *envelopefile.Envelope) []string
}

// Run implements filters.Filter.
func (f *Filter) Run(tr *trace.Trace, st *store.Store, id store.MessageID, env *envelopefile.Envelope) (filters.Result, error) {
	data, err := readContent(st, id)
	if err != nil {
		return filters.Result{}, err
	}

	childEnv := append([]string{}, f.Env...)
	if f.BuildEnv != nil {
		childEnv = append(childEnv, f.BuildEnv(env)...)
	}

	task := taskrunner.Task{
		Path:    f.Path,
		Args:    f.Args,
		Stdin:   data,
		Env:     childEnv,
		Timeout: f.Timeout,
	}
	res := task.Run(context.Background())
	if res.TimedOut {
		return filters.Result{Code: filters.Fail, Response: "filter timed out", ResponseCode: 450}, nil
	}
	return filters.ExitCodeResult(res.ExitCode, strings.TrimSpace(string(res.Stdout))), nil
}

func readContent(st *store.Store, id store.MessageID) ([]byte, error) {
	return os.ReadFile(st.ContentPath(id))
}
