package splitfilter

import (
	"os"
	"strings"
	"testing"

	"go.emailrelay.dev/relay/internal/envelopefile"
	"go.emailrelay.dev/relay/internal/store"
	"go.emailrelay.dev/relay/internal/trace"
)

func mustStore(t *testing.T) *store.Store {
	dir, err := os.MkdirTemp("", "splitfilter_test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return store.NewStore(dir)
}

func TestRunSingleDomainSetsForwardToOnly(t *testing.T) {
	st := mustStore(t)
	f := &Filter{}

	env := &envelopefile.Envelope{From: "a@x", ToRemote: []string{"b@example.com", "c@example.com"}}
	id := store.NewID()
	if err := st.Put(id, env, strings.NewReader("body")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Lock(id); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	tr := trace.New("test", "splitfilter")
	defer tr.Finish()

	if _, err := f.Run(tr, st, id, env); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.ReadEnvelope(id, store.Locked)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.ForwardTo != "example.com" {
		t.Fatalf("ForwardTo = %q, want example.com", got.ForwardTo)
	}
	ids, err := st.ListNew()
	if err != nil {
		t.Fatalf("ListNew: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("unexpected sibling messages created: %v", ids)
	}
}

func TestRunMultiDomainSplitsIntoSiblings(t *testing.T) {
	st := mustStore(t)
	f := &Filter{}

	env := &envelopefile.Envelope{
		From:     "a@x",
		ToRemote: []string{"b@aaa.com", "c@bbb.com"},
	}
	id := store.NewID()
	if err := st.Put(id, env, strings.NewReader("body")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Lock(id); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	tr := trace.New("test", "splitfilter")
	defer tr.Finish()

	if _, err := f.Run(tr, st, id, env); err != nil {
		t.Fatalf("Run: %v", err)
	}

	original, err := st.ReadEnvelope(id, store.Locked)
	if err != nil {
		t.Fatalf("ReadEnvelope(original): %v", err)
	}
	if len(original.ToRemote) != 1 || original.ToRemote[0] != "b@aaa.com" {
		t.Fatalf("original.ToRemote = %v, want [b@aaa.com]", original.ToRemote)
	}
	if original.ForwardTo != "aaa.com" {
		t.Fatalf("original.ForwardTo = %q, want aaa.com", original.ForwardTo)
	}

	// Unlock so the sibling shows up in ListNew alongside it.
	if err := st.Unlock(id, store.Locked); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	ids, err := st.ListNew()
	if err != nil {
		t.Fatalf("ListNew: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ListNew = %v, want 2 messages (original + sibling)", ids)
	}

	var sibling store.MessageID
	for _, sid := range ids {
		if sid != id {
			sibling = sid
		}
	}
	if sibling == "" {
		t.Fatal("no sibling message found")
	}
	sib, err := st.ReadEnvelope(sibling, store.New)
	if err != nil {
		t.Fatalf("ReadEnvelope(sibling): %v", err)
	}
	if len(sib.ToRemote) != 1 || sib.ToRemote[0] != "c@bbb.com" {
		t.Fatalf("sibling.ToRemote = %v, want [c@bbb.com]", sib.ToRemote)
	}
	if sib.ForwardTo != "bbb.com" {
		t.Fatalf("sibling.ForwardTo = %q, want bbb.com", sib.ForwardTo)
	}
	if len(sib.Extra) == 0 {
		t.Fatal("sibling envelope missing SplitGroup trace headers")
	}
}

func TestDomainKeyCaseFolding(t *testing.T) {
	f := &Filter{}
	if got := f.domainKey("user@Example.COM"); got != "example.com" {
		t.Fatalf("domainKey = %q, want example.com", got)
	}
	fr := &Filter{Raw: true}
	if got := fr.domainKey("user@Example.COM"); got != "Example.COM" {
		t.Fatalf("domainKey(Raw) = %q, want Example.COM", got)
	}
}
