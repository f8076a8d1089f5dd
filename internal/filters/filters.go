// Package filters defines the post-acceptance filter pipeline: a sequence
// of Filter steps run against a just-stored message before the forwarder
// ever sees it, each able to edit the envelope, reject the message, or fan
// it out into sibling messages. Concrete filters live in the serverfilter,
// mxfilter, splitfilter, spamfilter, and execfilter subpackages.
package filters

import (
	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/store"
	"go.emailrelay.dev/relay/internal/trace"
)

// Code is the outcome of running one filter.
type Code int

const (
	// OK means the message passed and the pipeline should continue.
	OK Code = iota
	// Fail means the message is rejected; Response/ResponseCode explain why.
	Fail
	// Abandon means processing should stop without rejecting the message
	// outright (e.g. a rescan is needed later).
	Abandon
)

// Result is what a Filter's Run reports back to the pipeline.
type Result struct {
	Code         Code
	Response     string
	ResponseCode int
	Quiet        bool // true if Response should not be logged/surfaced
}

// Filter processes one stored message, optionally editing its envelope via
// store.Store.EditEnvelope or splitting it into siblings via
// store.Store.Hardlink.
type Filter interface {
	Run(tr *trace.Trace, st *store.Store, id store.MessageID, env *envelopefile.Envelope) (Result, error)
}

// Pipeline runs a fixed ordered list of Filters against a message, stopping
// at the first one that doesn't return OK.
type Pipeline struct {
	Filters []Filter
	Store   *store.Store
}

// Run executes every filter in order, re-reading the envelope from Locked
// state before each step so a prior filter's edits are visible to the next.
func (p *Pipeline) Run(tr *trace.Trace, id store.MessageID) (Result, error) {
	for _, f := range p.Filters {
		env, err := p.Store.ReadEnvelope(id, store.Locked)
		if err != nil {
			return Result{}, err
		}
		res, err := f.Run(tr, p.Store, id, env)
		if err != nil {
			return Result{}, err
		}
		if res.Code != OK {
			return res, nil
		}
	}
	return Result{Code: OK}, nil
}

// Process runs the pipeline against a freshly-stored (New-state) message:
// it locks the message, runs every filter, and leaves it Unlocked back to
// New on OK or Abandon (for the forwarder, or a later rescan, to pick up)
// or moves it to .bad on Fail. It is the OnAccepted callback
// internal/smtpserver.Server invokes once a message has been written to the
// store.
func (p *Pipeline) Process(tr *trace.Trace, id store.MessageID) error {
	if err := p.Store.Lock(id); err != nil {
		return err
	}
	res, err := p.Run(tr, id)
	if err != nil {
		p.Store.Unlock(id, store.Locked)
		return err
	}
	switch res.Code {
	case Fail:
		return p.Store.Fail(id, store.Locked)
	default:
		return p.Store.Unlock(id, store.Locked)
	}
}

// ExitCodeResult translates an exec-type filter's exit code per the
// reference translation table: 0=ok, 1..99=fail, 100=abandon, 101=ok
// (a historical alias of 0, kept visible as its own case rather than folded
// into the 0 case, since the original preserves it as a distinct protocol
// version marker), 102-104=special (treated here as Abandon, since none of
// this tree's filters implement the client-side stop-scanning variant).
func ExitCodeResult(code int, output string) Result {
	switch {
	case code == 0:
		return Result{Code: OK}
	case code == 101:
		return Result{Code: OK}
	case code >= 1 && code <= 99:
		return Result{Code: Fail, Response: output, ResponseCode: 550}
	case code == 100:
		return Result{Code: Abandon}
	case code >= 102 && code <= 104:
		return Result{Code: Abandon, Quiet: true}
	default:
		return Result{Code: Fail, Response: output, ResponseCode: 550}
	}
}
