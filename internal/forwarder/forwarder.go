// Package forwarder periodically scans the store for messages in the New
// state and attempts delivery. Unlike the teacher's queue package, which
// keeps one persistent goroutine per in-flight message with an in-memory
// backoff timer, this package mirrors the reference forward model: a
// message is locked, tried once per scan, and either completed, requeued to
// New for the next scan (transient failure), or failed permanently
// (".bad"). There is no separate in-memory item table; the store's file
// states ARE the retry queue.
//
// A message's age is derived from the timestamp embedded in its
// store.MessageID rather than a dedicated envelope field, since the id is
// already defined to sort and encode by creation time.
package forwarder

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.emailrelay.dev/relay/internal/envelope"
	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/maillog"
	"go.emailrelay.dev/relay/internal/set"
	"go.emailrelay.dev/relay/internal/store"
)

// Courier delivers mail to a batch of recipients that share a destination,
// in as few connections/sessions as the underlying transport allows. It
// returns one error and one permanence flag per recipient, in the same
// order as rcpts; binaryMime signals the message should be sent via a
// binary-safe transfer rather than dot-stuffed DATA, where the transport
// supports it. Both localdeliver.Agent and smtpclient.Client implement it.
type Courier interface {
	Deliver(from string, rcpts []string, data []byte, binaryMime bool) (errs []error, permanents []bool)
}

// RemoteCourier additionally supports bypassing MX lookup for a fixed
// forward-to smart host. smtpclient.Client implements it.
type RemoteCourier interface {
	Courier
	DeliverToHost(host, from string, rcpts []string, data []byte, binaryMime bool) (errs []error, permanents []bool)
}

// Forwarder drives store.Store New messages to completion.
type Forwarder struct {
	Store *store.Store

	// Local delivers to ToLocal recipients.
	Local Courier

	// Remote delivers to ToRemote recipients, or to a forward-to smart host
	// when an envelope's ForwardToAddress is set.
	Remote RemoteCourier

	// LocalDomains is informational only here (the split/MX filters are
	// responsible for sorting recipients into ToLocal/ToRemote); kept so
	// diagnostics can tell whether a surprising address should have been
	// local.
	LocalDomains *set.String

	// GiveUpAfter bounds how long a message may keep cycling through
	// New -> Locked -> New before it is given up on as permanently failed.
	GiveUpAfter time.Duration

	// ScanEvery is the delay between store scans.
	ScanEvery time.Duration
}

// New returns a Forwarder with a 10 second default scan interval.
func New(st *store.Store, local Courier, remote RemoteCourier) *Forwarder {
	return &Forwarder{
		Store:     st,
		Local:     local,
		Remote:    remote,
		ScanEvery: 10 * time.Second,
	}
}

// Run scans the store every ScanEvery until stop is closed.
func (f *Forwarder) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(f.scanEvery())
	defer ticker.Stop()
	for {
		f.Scan()
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (f *Forwarder) scanEvery() time.Duration {
	if f.ScanEvery <= 0 {
		return 10 * time.Second
	}
	return f.ScanEvery
}

// Scan locks and attempts every message currently in state New, one at a
// time, returning once the list taken at the start of the call has been
// worked through (messages accepted mid-scan are picked up next time).
func (f *Forwarder) Scan() {
	ids, err := f.Store.ListNew()
	if err != nil {
		return
	}
	for _, id := range ids {
		f.attempt(id)
	}
}

func (f *Forwarder) attempt(id store.MessageID) {
	if err := f.Store.Lock(id); err != nil {
		// Already claimed by another scan, or gone.
		return
	}

	env, err := f.Store.ReadEnvelope(id, store.Locked)
	if err != nil {
		f.Store.Unlock(id, store.Locked)
		return
	}

	if f.giveUpAfter() > 0 && f.age(id) > f.giveUpAfter() {
		maillog.SendAttempt(string(id), env.From, "", errGiveUp, true)
		f.Store.Fail(id, store.Locked)
		return
	}

	if err := f.Store.ToBusy(id); err != nil {
		f.Store.Unlock(id, store.Locked)
		return
	}

	content, err := readContent(f.Store, id)
	if err != nil {
		f.Store.Fail(id, store.Busy)
		return
	}

	remaining, anyPermanent := f.deliverAll(id, env, content)

	if anyPermanent && !hasPending(remaining) {
		// Nothing left to retry and at least one recipient failed
		// permanently: the original envelope, with its full recipient list,
		// becomes ".bad".
		f.Store.Fail(id, store.Busy)
		return
	}

	if len(remaining.ToLocal) == 0 && len(remaining.ToRemote) == 0 {
		f.Store.Complete(id, store.Busy)
		return
	}

	// Transiently failed recipients remain for the next scan; recipients
	// that failed permanently have already been dropped by deliverAll.
	if err := f.Store.WriteEnvelope(id, store.Busy, remaining); err != nil {
		f.Store.Fail(id, store.Busy)
		return
	}
	f.Store.Unlock(id, store.Busy)
}

var errGiveUp = errors.New("forwarder: gave up after exceeding configured retry window")

// hasPending reports whether remaining still has recipients worth retrying
// (as opposed to ones kept only because their permanent failure hasn't been
// converted into a removal yet -- deliverAll never leaves those in, so a
// nonempty list here is always transient-pending).
func hasPending(e *envelopefile.Envelope) bool {
	return len(e.ToLocal) > 0 || len(e.ToRemote) > 0
}

// deliverAll attempts delivery to every recipient still listed in env,
// returning an envelope with delivered and permanently-failed recipients
// removed (only transient-failed recipients remain, for the next scan) and
// whether any recipient failed permanently.
func (f *Forwarder) deliverAll(id store.MessageID, env *envelopefile.Envelope, data []byte) (*envelopefile.Envelope, bool) {
	out := &envelopefile.Envelope{
		Format:                env.Format,
		Content:               env.Content,
		From:                  env.From,
		Authentication:        env.Authentication,
		Client:                env.Client,
		ClientCertificate:     env.ClientCertificate,
		MailFromAuthIn:        env.MailFromAuthIn,
		MailFromAuthOut:       env.MailFromAuthOut,
		ForwardTo:             env.ForwardTo,
		ForwardToAddress:      env.ForwardToAddress,
		ClientAccountSelector: env.ClientAccountSelector,
		Utf8MailboxNames:      env.Utf8MailboxNames,
		Extra:                 env.Extra,
	}

	anyPermanent := false
	binaryMime := env.Content == envelopefile.ContentBinaryMime

	if f.Local != nil && len(env.ToLocal) > 0 {
		errs, permanents := f.Local.Deliver(env.From, env.ToLocal, data, binaryMime)
		if f.collect(id, env.From, env.ToLocal, errs, permanents, &out.ToLocal) {
			anyPermanent = true
		}
	}

	if len(env.ToRemote) > 0 {
		if env.ForwardToAddress != "" {
			errs, permanents := f.Remote.DeliverToHost(
				env.ForwardToAddress, env.From, env.ToRemote, data, binaryMime)
			if f.collect(id, env.From, env.ToRemote, errs, permanents, &out.ToRemote) {
				anyPermanent = true
			}
		} else {
			for _, group := range groupByDomain(env.ToRemote) {
				errs, permanents := f.Remote.Deliver(env.From, group, data, binaryMime)
				if f.collect(id, env.From, group, errs, permanents, &out.ToRemote) {
					anyPermanent = true
				}
			}
		}
	}

	return out, anyPermanent
}

// collect logs each recipient's outcome and appends the transiently-failed
// ones to remaining, returning whether any recipient in this batch failed
// permanently.
func (f *Forwarder) collect(id store.MessageID, from string, rcpts []string, errs []error, permanents []bool, remaining *[]string) bool {
	anyPermanent := false
	for i, to := range rcpts {
		err := errs[i]
		permanent := permanents[i]
		f.logAttempt(id, from, to, err, permanent)
		if err != nil && !permanent {
			*remaining = append(*remaining, to)
		}
		if err != nil && permanent {
			anyPermanent = true
		}
	}
	return anyPermanent
}

// groupByDomain buckets remote recipients sharing a destination domain
// together, preserving the order domains were first seen, so a single MX
// lookup and connection can serve every recipient at that domain (see
// internal/smtpclient's PIPELINING batching).
func groupByDomain(rcpts []string) [][]string {
	var order []string
	groups := map[string][]string{}
	for _, to := range rcpts {
		d := envelope.DomainOf(to)
		if _, ok := groups[d]; !ok {
			order = append(order, d)
		}
		groups[d] = append(groups[d], to)
	}
	out := make([][]string, len(order))
	for i, d := range order {
		out[i] = groups[d]
	}
	return out
}

func (f *Forwarder) logAttempt(id store.MessageID, from, to string, err error, permanent bool) {
	maillog.SendAttempt(string(id), from, to, err, permanent)
}

func (f *Forwarder) giveUpAfter() time.Duration { return f.GiveUpAfter }

// age returns how long ago id was created, derived from the timestamp
// embedded as the first dot-separated field of the id (nanoseconds since
// the epoch, per store.NewID).
func (f *Forwarder) age(id store.MessageID) time.Duration {
	created, ok := createdAt(id)
	if !ok {
		return 0
	}
	return time.Since(created)
}

func createdAt(id store.MessageID) (time.Time, bool) {
	parts := strings.SplitN(string(id), ".", 2)
	if len(parts) == 0 {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func readContent(st *store.Store, id store.MessageID) ([]byte, error) {
	return os.ReadFile(st.ContentPath(id))
}
