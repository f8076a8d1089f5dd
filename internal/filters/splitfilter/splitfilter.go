// Package splitfilter groups an envelope's remote recipients by domain,
// keeping the first group on the original message and hardlinking the
// content into a new message per additional domain, so the forwarder (and
// the MX filter ahead of it) only ever has to deal with one next-hop per
// message.
package splitfilter

import (
	"sort"
	"strconv"
	"strings"

	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/filters"
	"go.emailrelay.dev/relay/internal/store"
	"go.emailrelay.dev/relay/internal/trace"
)

// Filter implements filters.Filter.
type Filter struct {
	// Raw disables case-folding of domains before grouping.
	Raw bool
	// Port, when set, is appended to every generated forward-to as ":port".
	Port string
}

// Run groups env.ToRemote by domain. If there is at most one distinct
// domain, it only sets ForwardTo and returns. Otherwise it hardlinks the
// content file into a new message per extra domain, writes each a
// standalone envelope carrying just that domain's recipients, and narrows
// the original envelope down to the first domain's recipients -- so every
// resulting message ends up with recipients in a single remote domain.
func (f *Filter) Run(tr *trace.Trace, st *store.Store, id store.MessageID, env *envelopefile.Envelope) (filters.Result, error) {
	if len(env.ToRemote) == 0 {
		return filters.Result{Code: filters.OK}, nil
	}

	groups := map[string][]string{}
	var domains []string
	for _, to := range env.ToRemote {
		d := f.domainKey(to)
		if _, ok := groups[d]; !ok {
			domains = append(domains, d)
		}
		groups[d] = append(groups[d], to)
	}
	sort.Strings(domains)

	if len(domains) <= 1 {
		return filters.Result{Code: filters.OK}, st.EditEnvelope(id, store.Locked, func(e *envelopefile.Envelope) {
			e.ForwardTo = f.forwardTo(groups[domains[0]][0])
		})
	}

	ids := make([]store.MessageID, len(domains))
	ids[0] = id
	for i := 1; i < len(domains); i++ {
		ids[i] = store.NewID()
	}

	var traceHeaders []envelopefile.KV
	traceHeaders = append(traceHeaders, envelopefile.KV{Key: "SplitGroupCount", Value: strconv.Itoa(len(ids))})
	for _, sid := range ids {
		traceHeaders = append(traceHeaders, envelopefile.KV{Key: "SplitGroup", Value: string(sid)})
	}

	for i := 1; i < len(domains); i++ {
		recipients := groups[domains[i]]
		sibling := *env
		sibling.ToLocal = nil
		sibling.ToRemote = recipients
		sibling.ForwardTo = f.forwardTo(recipients[0])
		sibling.Extra = append(append([]envelopefile.KV{}, env.Extra...), traceHeaders...)

		if err := st.Hardlink(id, ids[i]); err != nil {
			return filters.Result{}, err
		}
		if err := st.WriteEnvelope(ids[i], store.New, &sibling); err != nil {
			return filters.Result{}, err
		}
	}

	first := groups[domains[0]]
	err := st.EditEnvelope(id, store.Locked, func(e *envelopefile.Envelope) {
		e.ToRemote = first
		e.ForwardTo = f.forwardTo(first[0])
		e.Extra = append(e.Extra, traceHeaders...)
	})
	return filters.Result{Code: filters.OK}, err
}

func (f *Filter) domainKey(addr string) string {
	d := addr
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		d = addr[i+1:]
	}
	if !f.Raw {
		d = strings.ToLower(d)
	}
	return d
}

func (f *Filter) forwardTo(recipient string) string {
	d := f.domainKey(recipient)
	if f.Port != "" {
		return d + ":" + f.Port
	}
	return d
}
