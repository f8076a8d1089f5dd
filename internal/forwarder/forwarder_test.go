package forwarder

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/store"
)

// fakeCourier records every delivery attempt and answers according to a
// per-recipient script, the way the teacher's queue tests drive a
// ChanCourier/TestCourier by hand instead of over the network.
type fakeCourier struct {
	results map[string]struct {
		err       error
		permanent bool
	}
	calls []string
}

func (f *fakeCourier) Deliver(from string, rcpts []string, data []byte, binaryMime bool) ([]error, []bool) {
	errs := make([]error, len(rcpts))
	permanents := make([]bool, len(rcpts))
	for i, to := range rcpts {
		f.calls = append(f.calls, to)
		if r, ok := f.results[to]; ok {
			errs[i], permanents[i] = r.err, r.permanent
		}
	}
	return errs, permanents
}

func (f *fakeCourier) DeliverToHost(host, from string, rcpts []string, data []byte, binaryMime bool) ([]error, []bool) {
	return f.Deliver(from, rcpts, data, binaryMime)
}

func newFakeCourier() *fakeCourier {
	return &fakeCourier{results: map[string]struct {
		err       error
		permanent bool
	}{}}
}

func (f *fakeCourier) fail(to string, permanent bool) {
	f.results[to] = struct {
		err       error
		permanent bool
	}{fmt.Errorf("delivery to %s failed", to), permanent}
}

func mustStore(t *testing.T) *store.Store {
	dir, err := os.MkdirTemp("", "forwarder_test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return store.NewStore(dir)
}

func putMessage(t *testing.T, st *store.Store, env *envelopefile.Envelope, body string) store.MessageID {
	id := store.NewID()
	if err := st.Put(id, env, strings.NewReader(body)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return id
}

func TestScanDeliversSuccessfully(t *testing.T) {
	st := mustStore(t)
	local := newFakeCourier()
	remote := newFakeCourier()
	fw := New(st, local, remote)

	env := &envelopefile.Envelope{From: "a@example.com", ToLocal: []string{"b@local"}, ToRemote: []string{"c@remote.com"}}
	id := putMessage(t, st, env, "hello")

	fw.Scan()

	if _, err := st.ReadEnvelope(id, store.New); err == nil {
		t.Fatalf("message still in New after successful delivery")
	}
	if len(local.calls) != 1 || len(remote.calls) != 1 {
		t.Fatalf("unexpected call counts: local=%v remote=%v", local.calls, remote.calls)
	}
}

func TestScanRequeuesOnTransientFailure(t *testing.T) {
	st := mustStore(t)
	remote := newFakeCourier()
	remote.fail("c@remote.com", false)
	fw := New(st, nil, remote)

	env := &envelopefile.Envelope{From: "a@example.com", ToRemote: []string{"c@remote.com"}}
	id := putMessage(t, st, env, "hello")

	fw.Scan()

	got, err := st.ReadEnvelope(id, store.New)
	if err != nil {
		t.Fatalf("message not requeued to New: %v", err)
	}
	if len(got.ToRemote) != 1 || got.ToRemote[0] != "c@remote.com" {
		t.Fatalf("unexpected remaining recipients: %+v", got.ToRemote)
	}
}

func TestScanFailsPermanently(t *testing.T) {
	st := mustStore(t)
	remote := newFakeCourier()
	remote.fail("c@remote.com", true)
	fw := New(st, nil, remote)

	putMessage(t, st, &envelopefile.Envelope{From: "a@example.com", ToRemote: []string{"c@remote.com"}}, "hello")

	fw.Scan()

	ids, err := st.ListNew()
	if err != nil {
		t.Fatalf("ListNew: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("message still in New after permanent failure: %v", ids)
	}
}

func TestGiveUpAfterAge(t *testing.T) {
	st := mustStore(t)
	remote := newFakeCourier()
	remote.fail("c@remote.com", false)
	fw := New(st, nil, remote)
	fw.GiveUpAfter = time.Nanosecond

	putMessage(t, st, &envelopefile.Envelope{From: "a@example.com", ToRemote: []string{"c@remote.com"}}, "hello")
	time.Sleep(time.Millisecond)

	fw.Scan()

	if len(remote.calls) != 0 {
		t.Fatalf("delivery was attempted on an aged-out message")
	}
	ids, _ := st.ListNew()
	if len(ids) != 0 {
		t.Fatalf("aged-out message was not failed: %v", ids)
	}
}

// batchCourier records how many separate Deliver calls it received and the
// recipient list each call carried, so tests can assert recipients sharing
// a domain were batched onto one call instead of one call per recipient.
type batchCourier struct {
	batches [][]string
}

func (b *batchCourier) Deliver(from string, rcpts []string, data []byte, binaryMime bool) ([]error, []bool) {
	cp := append([]string(nil), rcpts...)
	b.batches = append(b.batches, cp)
	return make([]error, len(rcpts)), make([]bool, len(rcpts))
}

func (b *batchCourier) DeliverToHost(host, from string, rcpts []string, data []byte, binaryMime bool) ([]error, []bool) {
	return b.Deliver(from, rcpts, data, binaryMime)
}

func TestScanBatchesRemoteRecipientsByDomain(t *testing.T) {
	st := mustStore(t)
	remote := &batchCourier{}
	fw := New(st, nil, remote)

	env := &envelopefile.Envelope{
		From: "a@example.com",
		ToRemote: []string{
			"b@one.example", "c@two.example", "d@one.example",
		},
	}
	putMessage(t, st, env, "hello")

	fw.Scan()

	if len(remote.batches) != 2 {
		t.Fatalf("expected 2 batches (one per domain), got %d: %v", len(remote.batches), remote.batches)
	}
	for _, batch := range remote.batches {
		switch batch[0] {
		case "b@one.example":
			if len(batch) != 2 || batch[1] != "d@one.example" {
				t.Fatalf("one.example batch = %v, want [b@one.example d@one.example]", batch)
			}
		case "c@two.example":
			if len(batch) != 1 {
				t.Fatalf("two.example batch = %v, want [c@two.example]", batch)
			}
		default:
			t.Fatalf("unexpected batch: %v", batch)
		}
	}
}

func TestScanUsesOneBatchForForwardToAddress(t *testing.T) {
	st := mustStore(t)
	remote := &batchCourier{}
	fw := New(st, nil, remote)

	env := &envelopefile.Envelope{
		From:             "a@example.com",
		ToRemote:         []string{"b@one.example", "c@two.example"},
		ForwardToAddress: "smarthost.example:25",
	}
	putMessage(t, st, env, "hello")

	fw.Scan()

	if len(remote.batches) != 1 || len(remote.batches[0]) != 2 {
		t.Fatalf("expected a single 2-recipient batch via the smart host, got %v", remote.batches)
	}
}

func TestCreatedAtRoundTrips(t *testing.T) {
	id := store.NewID()
	before := time.Now()
	created, ok := createdAt(id)
	if !ok {
		t.Fatalf("createdAt failed to parse %q", id)
	}
	if created.After(before.Add(time.Second)) || created.Before(before.Add(-time.Minute)) {
		t.Fatalf("createdAt(%q) = %v, want close to %v", id, created, before)
	}
}
