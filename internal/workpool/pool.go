// Package workpool bounds concurrent work with a weighted semaphore.
package workpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent operations using a weighted semaphore.
// A single Pool may be shared by several sessions so the configured bound
// holds process-wide.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool that allows at most limit concurrent operations.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Each runs fn(i) for every i in [0, n), at most the pool limit at a time,
// and waits for all dispatched calls to return.
//
// stop is consulted after a slot is acquired and before each dispatch. Once it
// reports true, or ctx is done while waiting for a slot, no further items are
// started; calls already running are left to finish. Each returns the indices
// that were never dispatched, in ascending order.
func (p *Pool) Each(ctx context.Context, n int, stop func() bool, fn func(i int)) []int {
	if p == nil || p.sem == nil {
		p = NewPool(n)
	}

	var wg sync.WaitGroup
	var skipped []int
	for i := range n {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			skipped = appendRange(skipped, i, n)
			break
		}
		if stop != nil && stop() {
			p.sem.Release(1)
			skipped = appendRange(skipped, i, n)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release(1)
			fn(i)
		}()
	}
	wg.Wait()
	return skipped
}

func appendRange(dst []int, from, to int) []int {
	for i := from; i < to; i++ {
		dst = append(dst, i)
	}
	return dst
}
