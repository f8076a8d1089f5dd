// Package linebuf extracts lines (or fixed-size chunks, for BDAT) out of a
// byte stream with as few copies as possible, generalizing the dot-reader
// and line-splitting helpers scattered through a typical SMTP connection
// handler into one reusable accumulator.
package linebuf

import "bytes"

// EOLMode selects how line terminators are recognized.
type EOLMode int

const (
	// Auto picks the first terminator style seen (CRLF or bare LF) and
	// sticks with it for the rest of the stream.
	Auto EOLMode = iota
	LF
	CRLF
)

// Buffer accumulates bytes added via Add and yields lines (or, in size
// mode, fixed-length chunks) via More. Add copies each fragment into the
// buffer's own storage once; Data returns a view into that storage rather
// than a further copy.
type Buffer struct {
	store []byte // owned residue, consolidated between callbacks
	eol   EOLMode
	resolved string // "" until Auto has picked CRLF or LF

	warn int // soft size limit; 0 disables
	warned bool

	expecting bool // size-mode active (BDAT)
	expectN   int64
	expectAll bool // true when expectN == -1, pass-through mode

	cur      []byte
	curEOL   int
	first    bool
	lastSeen bool
}

// New returns an empty Buffer using the given eol policy. warn is a soft
// byte limit that, once crossed, sets the flag reported by Warned; 0
// disables it.
func New(eol EOLMode, warn int) *Buffer {
	return &Buffer{eol: eol, warn: warn, first: true}
}

// Expect switches the buffer into size-mode: the next n bytes (n == -1
// means "unbounded pass-through") form a single unit regardless of any
// embedded line terminator, as BDAT requires.
func (b *Buffer) Expect(n int64) {
	b.expecting = true
	b.expectAll = n < 0
	b.expectN = n
}

// Add appends a fragment of newly-received bytes to the residue.
func (b *Buffer) Add(p []byte) {
	if len(p) == 0 {
		return
	}
	b.store = append(b.store, p...)
	if b.warn > 0 && !b.warned && len(b.store) > b.warn {
		b.warned = true
	}
}

// Warned reports whether the soft size limit has been crossed since the
// last Reset, logged once by the caller.
func (b *Buffer) Warned() bool { return b.warned }

// More advances to the next unit (line or, in size-mode, chunk). It
// returns false when no complete unit is currently available; the caller
// should Add more data and retry.
func (b *Buffer) More() bool {
	if b.expecting {
		return b.moreSized()
	}
	return b.moreLine()
}

func (b *Buffer) moreSized() bool {
	if b.expectAll {
		if len(b.store) == 0 {
			return false
		}
		b.cur = b.store
		b.store = nil
		b.curEOL = 0
		return true
	}
	if int64(len(b.store)) < b.expectN {
		return false
	}
	b.cur = b.store[:b.expectN]
	b.store = b.store[b.expectN:]
	b.curEOL = 0
	b.expecting = false
	return true
}

func (b *Buffer) moreLine() bool {
	sep, sepLen := b.findEOL(b.store)
	if sep < 0 {
		return false
	}
	b.cur = b.store[:sep]
	b.curEOL = sepLen
	b.store = b.store[sep+sepLen:]
	wasFirst := b.first
	b.first = false
	_ = wasFirst
	return true
}

// findEOL locates the terminator per the configured mode, resolving Auto on
// first sight and remembering the choice for the rest of the stream.
func (b *Buffer) findEOL(p []byte) (idx, width int) {
	switch b.eol {
	case CRLF:
		i := bytes.Index(p, []byte("\r\n"))
		if i < 0 {
			return -1, 0
		}
		return i, 2
	case LF:
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			return -1, 0
		}
		return i, 1
	default: // Auto
		if b.resolved == "crlf" {
			i := bytes.Index(p, []byte("\r\n"))
			if i < 0 {
				return -1, 0
			}
			return i, 2
		}
		if b.resolved == "lf" {
			i := bytes.IndexByte(p, '\n')
			if i < 0 {
				return -1, 0
			}
			return i, 1
		}
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			return -1, 0
		}
		if i > 0 && p[i-1] == '\r' {
			b.resolved = "crlf"
			return i - 1, 2
		}
		b.resolved = "lf"
		return i, 1
	}
}

// Data returns the current unit's bytes (excluding the terminator).
func (b *Buffer) Data() []byte { return b.cur }

// Size returns len(Data()).
func (b *Buffer) Size() int { return len(b.cur) }

// EOLSize returns the width of the terminator consumed for this unit (0 in
// size-mode).
func (b *Buffer) EOLSize() int { return b.curEOL }

// Residue returns the bytes not yet consumed into a unit. The slice aliases
// the buffer's internal store, which Add fills by copying, so it never
// aliases a caller's receive buffer.
func (b *Buffer) Residue() []byte { return b.store }

// Consolidate copies the residue into freshly allocated storage, releasing
// the array it shared with already-returned units; safe to call at the end
// of every read-event.
func (b *Buffer) Consolidate() {
	if len(b.store) == 0 {
		return
	}
	owned := make([]byte, len(b.store))
	copy(owned, b.store)
	b.store = owned
}

// Reset clears all accumulated state including the soft-limit warning.
func (b *Buffer) Reset() {
	b.store = nil
	b.resolved = ""
	b.warned = false
	b.expecting = false
	b.first = true
}
