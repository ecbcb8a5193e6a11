package ingestion

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/dna-network/dna/chainprovider"
)

// fetchFunc fetches and indexes the block at number.
type fetchFunc func(ctx context.Context, number uint64) (chainprovider.IngestedBlock, error)

// orderedResult is one slot of the future queue: either a successfully
// fetched block or the error that fetching it produced.
type orderedResult struct {
	number uint64
	block  chainprovider.IngestedBlock
	err    error
}

// orderedFutureQueue drives up to maxConcurrent fetches in flight at once
// but yields results strictly in ascending block-number order (spec.md
// §4.3's "ordered future queue"): a fast fetch for number N+1 completing
// before N's fetch is held back until N is delivered, so the canonical
// chain builder only ever sees Grow calls in order.
type orderedFutureQueue struct {
	fetch fetchFunc
	sem   *semaphore.Weighted

	mu      sync.Mutex
	pending map[uint64]orderedResult
	cond    *sync.Cond
}

func newOrderedFutureQueue(fetch fetchFunc, maxConcurrent int) *orderedFutureQueue {
	q := &orderedFutureQueue{
		fetch:   fetch,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		pending: make(map[uint64]orderedResult),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// launch starts a fetch for number in the background, respecting the
// concurrency bound. It must be called with strictly increasing numbers in
// a single producer goroutine; Acquire blocks once maxConcurrent fetches
// are already outstanding.
func (q *orderedFutureQueue) launch(ctx context.Context, number uint64) error {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer q.sem.Release(1)
		block, err := q.fetch(ctx, number)
		q.mu.Lock()
		q.pending[number] = orderedResult{number: number, block: block, err: err}
		q.cond.Broadcast()
		q.mu.Unlock()
	}()
	return nil
}

// take blocks until the result for number is available, then removes and
// returns it. Numbers must be requested in the same ascending order they
// were launched in.
func (q *orderedFutureQueue) take(ctx context.Context, number uint64) (orderedResult, error) {
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()
	}
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if res, ok := q.pending[number]; ok {
			delete(q.pending, number)
			return res, nil
		}
		if ctx != nil && ctx.Err() != nil {
			return orderedResult{}, ctx.Err()
		}
		q.cond.Wait()
	}
}
