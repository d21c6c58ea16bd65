// Package bufpool lends large byte buffers to notification sessions so the
// steady-state send loop does not allocate.
package bufpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gridcredit/accounting/internal/metrics"
)

// Pool is a fixed set of buffers. A borrowed buffer belongs to the borrower
// until it is recycled.
type Pool struct {
	size   int
	tokens chan struct{}
	// gate serializes multi-buffer borrows so two borrowers can never each
	// hold part of what the other waits for.
	gate chan struct{}

	mu   sync.Mutex
	free [][]byte
}

// New creates a pool of count buffers of size bytes each. Buffers are
// allocated on first use.
func New(count, size int) *Pool {
	if count < 1 {
		count = 1
	}
	p := &Pool{
		size:   size,
		tokens: make(chan struct{}, count),
		gate:   make(chan struct{}, 1),
	}
	for i := 0; i < count; i++ {
		p.tokens <- struct{}{}
	}
	return p
}

// Borrow takes n buffers, waiting while the pool is exhausted. Every buffer
// has length zero and capacity of at least the pool's buffer size.
func (p *Pool) Borrow(ctx context.Context, n int) ([][]byte, error) {
	if n < 1 || n > cap(p.tokens) {
		return nil, fmt.Errorf("bufpool: cannot borrow %d of %d buffers", n, cap(p.tokens))
	}
	start := time.Now()

	select {
	case p.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	got := 0
	for got < n {
		select {
		case <-p.tokens:
			got++
		case <-ctx.Done():
			for ; got > 0; got-- {
				p.tokens <- struct{}{}
			}
			<-p.gate
			return nil, ctx.Err()
		}
	}
	<-p.gate
	metrics.BufferPoolWaitSeconds.Observe(time.Since(start).Seconds())
	metrics.BufferPoolInUse.Add(float64(n))

	bufs := make([][]byte, n)
	p.mu.Lock()
	for i := range bufs {
		if last := len(p.free) - 1; last >= 0 {
			bufs[i] = p.free[last]
			p.free = p.free[:last]
		} else {
			bufs[i] = make([]byte, 0, p.size)
		}
	}
	p.mu.Unlock()
	return bufs, nil
}

// Recycle returns buffers to the pool with their position cleared. Buffers
// that grew past their original capacity are kept at the larger size.
func (p *Pool) Recycle(bufs ...[]byte) {
	p.mu.Lock()
	for _, b := range bufs {
		if cap(b) < p.size {
			b = make([]byte, 0, p.size)
		}
		p.free = append(p.free, b[:0])
	}
	p.mu.Unlock()

	for range bufs {
		select {
		case p.tokens <- struct{}{}:
			metrics.BufferPoolInUse.Dec()
		default:
			panic("bufpool: recycled more buffers than were borrowed")
		}
	}
}

// Available reports how many buffers can be borrowed without waiting.
func (p *Pool) Available() int {
	return len(p.tokens)
}

// Size is the capacity each new buffer is allocated with.
func (p *Pool) Size() int {
	return p.size
}
