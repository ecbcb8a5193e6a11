// Package streamserver implements the per-client streaming state machine of
// spec.md §4.8: validates a starting cursor against the chain view, then
// drives a steady-state loop emitting data/invalidate/heartbeat messages
// until the client disconnects.
package streamserver

import (
	"time"

	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/filter"
)

// Finality selects which blocks a stream should consider (spec.md §4.8).
type Finality int

const (
	FinalityAccepted Finality = iota
	FinalityFinalized
	FinalityPending
)

// Request is a stream_data call's parameters (spec.md §4.8 "Request
// fields"). Filter is already-decoded filter.Filter values: the wire codec
// turning client-supplied filter bytes into this type is a chain-specific,
// out-of-scope external collaborator (spec.md §1), mirroring chainstore's
// Codec boundary.
type Request struct {
	StartingCursor    *cursor.Cursor
	Finality          Finality
	HeartbeatInterval time.Duration
	Filters           []filter.Filter
}

// ResponseKind discriminates the four message variants of spec.md §4.8.
type ResponseKind int

const (
	RespData ResponseKind = iota
	RespInvalidate
	RespHeartbeat
	RespSystemMessage
)

// FilterData is one filter's matched output for one block, with entries
// already materialized from the block payload by a Materializer.
type FilterData struct {
	FilterID     int
	Header       []byte
	Transactions [][]byte
	Events       [][]byte
}

// DataPayload is the body of a RespData message.
type DataPayload struct {
	// Cursor is the client's previous cursor; nil means "start of stream".
	Cursor    *cursor.Cursor
	EndCursor cursor.Cursor
	Finality  Finality
	PerFilter []FilterData
}

// Response is the single message type sent over a stream_data call. Exactly
// one of the Kind-specific fields is populated.
type Response struct {
	Kind ResponseKind
	// Data is set for RespData.
	Data *DataPayload
	// InvalidateTarget is set for RespInvalidate (spec.md §4.5 OfflineReorg
	// target, or a forward reorg discovered live).
	InvalidateTarget cursor.Cursor
	// SystemMessage is set for RespSystemMessage: an out-of-band notice
	// that does not advance cursors (spec.md §4.8 "System messages").
	SystemMessage string
}

// Materializer extracts header/transaction/event bytes from a block's
// opaque payload at the positions the filter engine matched. The payload
// encoding is chain-specific and out of scope (spec.md §9); a deployment
// supplies the Materializer that understands its own archived format.
type Materializer interface {
	Header(payload []byte) []byte
	Transaction(payload []byte, pos uint32) []byte
	Event(payload []byte, pos uint32) []byte
}
