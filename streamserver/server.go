package streamserver

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/dna-network/dna/blockstore"
	"github.com/dna-network/dna/chainview"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/dnaerr"
	"github.com/dna-network/dna/filter"
)

// Status is the status() RPC's response (spec.md §4.8).
type Status struct {
	Ready bool
	Head  cursor.Cursor
}

// Server implements status() and stream_data() over an already-bootstrapped
// ChainView and block store.
type Server struct {
	view         *chainview.View
	blocks       *blockstore.Store
	materializer Materializer
	cfg          Config
	sem          *semaphore.Weighted
	logger       zerolog.Logger
}

// New builds a Server. cfg is normalized with WithDefaults and validated.
func New(view *chainview.View, blocks *blockstore.Store, materializer Materializer, cfg Config) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		view:         view,
		blocks:       blocks,
		materializer: materializer,
		cfg:          cfg,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrentStreams)),
		logger:       log.Logger,
	}, nil
}

// WithLogger overrides the default logger.
func (s *Server) WithLogger(l zerolog.Logger) *Server {
	s.logger = l
	return s
}

// Status implements spec.md §4.8's status() RPC.
func (s *Server) Status(ctx context.Context) (Status, error) {
	if !s.view.IsInitialized() {
		return Status{Ready: false}, nil
	}
	head, err := s.view.GetHead()
	if err != nil {
		return Status{}, err
	}
	return Status{Ready: true, Head: head}, nil
}

// Send is called once per outbound message. Implementations must apply
// back-pressure by blocking until the message is accepted (spec.md §4.8
// "Back-pressure ... No silent message drops") — e.g. a bounded channel
// send, or a blocking grpc ServerStream.Send.
type Send func(Response) error

// StreamData implements spec.md §4.8's stream_data(): the start sequence
// (steps 1-4) followed by the steady-state loop, returning when ctx is
// canceled (clean shutdown, spec.md §4.8 "Cancellation") or a non-recoverable
// error occurs.
func (s *Server) StreamData(ctx context.Context, req Request, send Send) error {
	if !s.view.IsInitialized() {
		return dnaerr.Unavailable("streamserver: chain view not yet initialized")
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		return dnaerr.ResourceExhausted("streamserver: max_concurrent_streams exceeded")
	}
	defer s.sem.Release(1)

	heartbeat := req.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = s.cfg.DefaultHeartbeatInterval
	}
	if heartbeat < s.cfg.MinHeartbeatInterval || heartbeat > s.cfg.MaxHeartbeatInterval {
		return dnaerr.InvalidArgument("streamserver: heartbeat_interval %s out of range [%s,%s]", heartbeat, s.cfg.MinHeartbeatInterval, s.cfg.MaxHeartbeatInterval)
	}

	prev, err := s.validateStart(ctx, req.StartingCursor)
	if err != nil {
		return err
	}

	timer := time.NewTimer(heartbeat)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		limit, err := s.finalityLimit(req.Finality)
		if err != nil {
			return err
		}
		next, err := s.view.GetNextCursor(ctx, prev, limit)
		if err != nil {
			return err
		}

		switch next.Kind {
		case cursor.NextContinue:
			if err := s.emitData(ctx, req, prev, next.Cursor, send); err != nil {
				return err
			}
			prev = cursorPtr(next.Cursor)
			resetTimer(timer, heartbeat)
			if next.IsHead {
				if err := s.awaitProgress(ctx, timer, heartbeat, send); err != nil {
					return err
				}
			}
		case cursor.NextInvalidate:
			if err := send(Response{Kind: RespInvalidate, InvalidateTarget: next.Target}); err != nil {
				return err
			}
			prev = cursorPtr(next.Target)
		case cursor.NextAtHead:
			if err := s.awaitProgress(ctx, timer, heartbeat, send); err != nil {
				return err
			}
		}
	}
}

// finalityLimit returns the ceiling GetNextCursor may advance to for the
// given request finality: a Finalized stream must never run ahead of the
// provider's actual finalized cursor (spec.md §4.8 "finality"), while
// Accepted and Pending both follow the recent segment's tip — this repo's
// ChainProvider surface (spec.md §9) exposes no cursor deeper than head, so
// Pending has nothing further to advance into and is treated like Accepted.
func (s *Server) finalityLimit(finality Finality) (cursor.Cursor, error) {
	if finality == FinalityFinalized {
		return s.view.GetFinalizedCursor()
	}
	return s.view.GetHead()
}

// validateStart implements spec.md §4.8 step 3.
func (s *Server) validateStart(ctx context.Context, starting *cursor.Cursor) (*cursor.Cursor, error) {
	if starting == nil {
		return nil, nil
	}
	validated, err := s.view.ValidateCursor(ctx, *starting)
	if err != nil {
		return nil, err
	}
	if !validated.Valid {
		if len(validated.Siblings) > 0 {
			return nil, dnaerr.InvalidArgument("streamserver: starting_cursor %s names a known non-canonical fork", starting)
		}
		return nil, dnaerr.OutOfRange("streamserver: starting_cursor %s is out of the available range", starting)
	}
	return cursorPtr(validated.Normalized), nil
}

func (s *Server) emitData(ctx context.Context, req Request, prev *cursor.Cursor, next cursor.Cursor, send Send) error {
	block, err := s.blocks.Get(ctx, next.Number, next.Hash)
	if err != nil {
		return err
	}
	matches := filter.EvaluateBlock(block.Index, req.Filters)
	perFilter := make([]FilterData, 0, len(matches))
	for _, m := range matches {
		fd := FilterData{FilterID: m.FilterID}
		if m.IncludeHeader {
			fd.Header = s.materializer.Header(block.Payload)
		}
		it := m.TransactionPositions.Iterator()
		for it.HasNext() {
			fd.Transactions = append(fd.Transactions, s.materializer.Transaction(block.Payload, it.Next()))
		}
		it = m.EventPositions.Iterator()
		for it.HasNext() {
			fd.Events = append(fd.Events, s.materializer.Event(block.Payload, it.Next()))
		}
		perFilter = append(perFilter, fd)
	}
	return send(Response{Kind: RespData, Data: &DataPayload{
		Cursor:    prev,
		EndCursor: next,
		Finality:  req.Finality,
		PerFilter: perFilter,
	}})
}

// awaitProgress implements spec.md §4.8 step 4: wait for a new head,
// finalized-cursor change, or heartbeat expiry, whichever comes first.
func (s *Server) awaitProgress(ctx context.Context, timer *time.Timer, heartbeat time.Duration, send Send) error {
	headSig := s.view.HeadSignal()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-headSig:
		resetTimer(timer, heartbeat)
		return nil
	case <-timer.C:
		if err := send(Response{Kind: RespHeartbeat}); err != nil {
			return err
		}
		timer.Reset(heartbeat)
		return nil
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

func cursorPtr(c cursor.Cursor) *cursor.Cursor {
	out := c
	return &out
}
