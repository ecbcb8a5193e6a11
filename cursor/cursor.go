// Package cursor implements the Cursor identifier of spec.md §3: a totally
// ordered (number, hash) pair naming the last block a consumer has observed.
package cursor

import "bytes"

// Cursor identifies a specific block on a specific fork. An empty Hash means
// "any block at this height" — used only for a starting-from-genesis
// request — and is considered equivalent to any Cursor at the same Number.
type Cursor struct {
	Number uint64
	Hash   []byte
}

// New builds a Cursor, copying hash so callers can reuse their buffer.
func New(number uint64, hash []byte) Cursor {
	var h []byte
	if len(hash) > 0 {
		h = append([]byte(nil), hash...)
	}
	return Cursor{Number: number, Hash: h}
}

// IsWildcard reports whether c has an empty hash.
func (c Cursor) IsWildcard() bool { return len(c.Hash) == 0 }

// Equivalent reports whether c and other name the same block, treating an
// empty hash on either side as matching any hash at that height (spec.md §3).
func (c Cursor) Equivalent(other Cursor) bool {
	if c.Number != other.Number {
		return false
	}
	if c.IsWildcard() || other.IsWildcard() {
		return true
	}
	return bytes.Equal(c.Hash, other.Hash)
}

// Equal is strict (number, hash) equality with no wildcard handling.
func (c Cursor) Equal(other Cursor) bool {
	return c.Number == other.Number && bytes.Equal(c.Hash, other.Hash)
}

// Compare orders cursors lexicographically by (number, hash), per spec.md §3.
// It does not apply wildcard semantics: use Equivalent for that.
func Compare(a, b Cursor) int {
	if a.Number < b.Number {
		return -1
	}
	if a.Number > b.Number {
		return 1
	}
	return bytes.Compare(a.Hash, b.Hash)
}

// Less reports whether a sorts strictly before b under Compare.
func Less(a, b Cursor) bool { return Compare(a, b) < 0 }

func (c Cursor) String() string {
	if c.IsWildcard() {
		return fmtNumber(c.Number) + "/*"
	}
	return fmtNumber(c.Number) + "/" + fmtHash(c.Hash)
}

func fmtNumber(n uint64) string {
	// avoid importing strconv twice across the package for a one-liner
	return uintToString(n)
}

func uintToString(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func fmtHash(h []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2+len(h)*2)
	out[0], out[1] = '0', 'x'
	for i, b := range h {
		out[2+i*2] = hextable[b>>4]
		out[2+i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// CanonicalCursor is the result of resolving a block number to the canonical
// chain (spec.md §4.4 ChainView.get_canonical).
type CanonicalCursor struct {
	// Kind discriminates the three outcomes.
	Kind CanonicalKind
	// First is set for KindBeforeAvailable: the first available block.
	First Cursor
	// Last is set for KindAfterAvailable: the last available block (head).
	Last Cursor
	// Canonical is set for KindCanonical: the resolved canonical cursor.
	Canonical Cursor
}

type CanonicalKind int

const (
	KindBeforeAvailable CanonicalKind = iota
	KindAfterAvailable
	KindCanonical
)

// ValidatedCursor is the result of validating a client-supplied starting
// cursor (spec.md §4.4 ChainView.validate_cursor).
type ValidatedCursor struct {
	Valid bool
	// Normalized is set when Valid is true.
	Normalized Cursor
	// Canonical and Siblings are set when Valid is false: the canonical
	// cursor at that height plus any known non-canonical siblings, so the
	// caller can build a descriptive InvalidArgument message.
	Canonical Cursor
	Siblings  []Cursor
}

// NextCursorKind discriminates the outcomes of ChainView.get_next_cursor
// (spec.md §4.4).
type NextCursorKind int

const (
	NextContinue NextCursorKind = iota
	NextInvalidate
	NextAtHead
)

// NextCursor is the driver result used by the stream server's steady-state
// loop (spec.md §4.8 step 1).
type NextCursor struct {
	Kind NextCursorKind
	// Cursor and IsHead are set for NextContinue.
	Cursor Cursor
	IsHead bool
	// Target is set for NextInvalidate.
	Target Cursor
}

// ReconnectAction discriminates the outcomes of offline reorg detection
// (spec.md §4.2 reconnect, §4.5).
type ReconnectAction int

const (
	ReconnectContinue ReconnectAction = iota
	ReconnectOfflineReorg
	ReconnectUnknown
)

// ReconnectResult carries a ReconnectAction plus, for ReconnectOfflineReorg,
// the target cursor to resume from.
type ReconnectResult struct {
	Action ReconnectAction
	Target Cursor
}
