// Package store is the message file store: a content file and a
// companion envelope file per message id, with the envelope's filename
// suffix encoding which subsystem currently owns the message (New, Locked,
// or Busy) and rename-over as the sole linearization point.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.emailrelay.dev/relay/internal/envelopefile"
)

// State names the lock held on an envelope.
type State int

const (
	New State = iota
	Locked
	Busy
)

func (s State) suffix() string {
	switch s {
	case Locked:
		return ".locked"
	case Busy:
		return ".busy"
	default:
		return ""
	}
}

// MessageID is an opaque, stably-sortable identifier.
type MessageID string

var seqCounter uint64

// NewID derives an id from (timestamp, sequence, randomness): it sorts
// stably by creation order and collides only catastrophically.
func NewID() MessageID {
	seq := atomic.AddUint64(&seqCounter, 1)
	var r [4]byte
	_, _ = rand.Read(r[:])
	return MessageID(fmt.Sprintf("%016x.%06x.%s",
		time.Now().UnixNano(), seq&0xffffff, hex.EncodeToString(r[:])))
}

// Store manages content+envelope file pairs under one directory.
type Store struct {
	Dir string
}

// NewStore returns a Store rooted at dir. dir must already exist.
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) ContentPath(id MessageID) string {
	return filepath.Join(s.Dir, string(id)+".content")
}

func (s *Store) EnvelopePath(id MessageID, st State) string {
	return filepath.Join(s.Dir, string(id)+".envelope"+st.suffix())
}

// BadPath is where a permanently-failed envelope is left for inspection;
// its companion content file is removed.
func (s *Store) BadPath(id MessageID) string {
	return filepath.Join(s.Dir, string(id)+".envelope.bad")
}

// Put atomically creates a new message: content is written first (so a
// reader can never observe an envelope without its body), then the
// envelope, both via write-temp-then-rename, landing in state New.
func (s *Store) Put(id MessageID, env *envelopefile.Envelope, content io.Reader) error {
	if err := writeFileAtomic(s.ContentPath(id), 0640, func(w io.Writer) error {
		_, err := io.Copy(w, content)
		return err
	}); err != nil {
		return err
	}
	return s.WriteEnvelope(id, New, env)
}

// WriteEnvelope (re)writes the envelope file for id in state st. The write
// is all-or-nothing: a reader never observes a file without the final
// "End: 1" line because the temp file is only renamed into place after
// Write succeeds in full.
func (s *Store) WriteEnvelope(id MessageID, st State, env *envelopefile.Envelope) error {
	return writeFileAtomic(s.EnvelopePath(id, st), 0640, func(w io.Writer) error {
		return envelopefile.Write(w, env)
	})
}

// ReadEnvelope reads and parses the envelope for id in state st.
func (s *Store) ReadEnvelope(id MessageID, st State) (*envelopefile.Envelope, error) {
	f, err := os.Open(s.EnvelopePath(id, st))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return envelopefile.Read(f)
}

// EditEnvelope reads the envelope in state st, applies fn, and writes it
// back in the same state -- the rename-over is still the linearization
// point, so a concurrent reader sees either the old or the new envelope,
// never a mix.
func (s *Store) EditEnvelope(id MessageID, st State, fn func(*envelopefile.Envelope)) error {
	env, err := s.ReadEnvelope(id, st)
	if err != nil {
		return err
	}
	fn(env)
	return s.WriteEnvelope(id, st, env)
}

// Lock renames the New envelope to Locked, the linearization point by which
// exactly one subsystem (server accepting a filter run, or the client
// forwarding) claims ownership of the message. Returns os.ErrNotExist if
// another owner already has it locked or it does not exist.
func (s *Store) Lock(id MessageID) error {
	return os.Rename(s.EnvelopePath(id, New), s.EnvelopePath(id, Locked))
}

// ToBusy promotes a Locked envelope to Busy, used while a filter or the
// client protocol is actively working the message rather than merely
// having claimed it.
func (s *Store) ToBusy(id MessageID) error {
	return os.Rename(s.EnvelopePath(id, Locked), s.EnvelopePath(id, Busy))
}

// Unlock reverses Lock/ToBusy, returning the message to New for a later
// retry after a transient failure.
func (s *Store) Unlock(id MessageID, from State) error {
	return os.Rename(s.EnvelopePath(id, from), s.EnvelopePath(id, New))
}

// Fail marks id as permanently failed: the content file is removed and the
// envelope (from state `from`) is renamed to ".bad" for operator
// inspection.
func (s *Store) Fail(id MessageID, from State) error {
	if err := os.Rename(s.EnvelopePath(id, from), s.BadPath(id)); err != nil {
		return err
	}
	return os.Remove(s.ContentPath(id))
}

// Complete removes both files after a fully successful delivery.
func (s *Store) Complete(id MessageID, from State) error {
	if err := os.Remove(s.EnvelopePath(id, from)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Remove(s.ContentPath(id))
}

// Hardlink links id's content file under newID's content path without
// duplicating the body, used by the split filter to fan a message out to
// several per-domain envelopes.
func (s *Store) Hardlink(id, newID MessageID) error {
	return os.Link(s.ContentPath(id), s.ContentPath(newID))
}

// ListNew scans the store directory and returns every message id currently
// in state New, sorted for stable, deterministic delivery order; envelopes
// written but never completed (missing "End: 1") are garbage-collected.
func (s *Store) ListNew() ([]MessageID, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var ids []MessageID
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".envelope") {
			continue
		}
		id := MessageID(strings.TrimSuffix(name, ".envelope"))
		if _, err := s.ReadEnvelope(id, New); err != nil {
			if errors.Is(err, envelopefile.ErrIncomplete) {
				os.Remove(s.EnvelopePath(id, New))
				os.Remove(s.ContentPath(id))
			}
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
