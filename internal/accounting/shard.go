package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/gridcredit/accounting/internal/metrics"
)

type job func(s *shard)

// shard owns a disjoint slice of the wallets. Its maps are only touched by
// its worker goroutine, or by a caller that has parked the worker through
// withShards.
type shard struct {
	index        int
	queue        chan job
	wallets      map[WalletKey]*Wallet
	byOwner      map[Owner][]*Wallet
	updates      map[string]*updateLog
	reservations map[string]*Reservation
}

func newShard(index, queueSize int) *shard {
	return &shard{
		index:        index,
		queue:        make(chan job, queueSize),
		wallets:      make(map[WalletKey]*Wallet),
		byOwner:      make(map[Owner][]*Wallet),
		updates:      make(map[string]*updateLog),
		reservations: make(map[string]*Reservation),
	}
}

func (s *shard) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for j := range s.queue {
		j(s)
	}
}

// put stores a committed wallet, inserting it when new. It reports whether
// the wallet was created. Every wallet write goes through put so the update
// logs stay in step.
func (s *shard) put(w Wallet) bool {
	if cur, ok := s.wallets[w.Key()]; ok {
		prev := cur.LastSignificantUpdateAt
		*cur = w
		s.track(cur, prev)
		return false
	}
	p := &w
	s.wallets[w.Key()] = p
	s.byOwner[w.Owner] = append(s.byOwner[w.Owner], p)
	s.track(p, -1)
	return true
}

func (s *shard) providersOf(owner Owner) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range s.byOwner[owner] {
		if _, ok := seen[w.Category.Provider]; ok {
			continue
		}
		seen[w.Category.Provider] = struct{}{}
		out = append(out, w.Category.Provider)
	}
	sort.Strings(out)
	return out
}

type result[T any] struct {
	val T
	err error
}

// enqueue hands a job to the shard worker, blocking while the queue is full.
func (l *Ledger) enqueue(ctx context.Context, s *shard, j job) error {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	if l.stopped {
		return ErrClosed
	}
	select {
	case s.queue <- j:
		metrics.LedgerQueueDepth.WithLabelValues(strconv.Itoa(s.index)).Set(float64(len(s.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the shard worker and waits for its result. A job whose
// caller has already gone away is skipped.
func call[T any](ctx context.Context, l *Ledger, s *shard, fn func(*shard) (T, error)) (T, error) {
	var zero T
	done := make(chan result[T], 1)

	err := l.enqueue(ctx, s, func(s *shard) {
		if ctx.Err() != nil {
			done <- result[T]{err: ctx.Err()}
			return
		}
		defer func() {
			if r := recover(); r != nil {
				slog.Error("ledger: request panicked", "shard", s.index, "panic", r)
				done <- result[T]{err: fmt.Errorf("ledger request panicked: %v", r)}
			}
		}()
		v, err := fn(s)
		done <- result[T]{val: v, err: err}
	})
	if err != nil {
		return zero, err
	}

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// withShards parks the workers of every listed shard, in ascending index
// order, and runs fn on the calling goroutine while they are held. fn may
// read and write the maps of the parked shards only. It must not call back
// into the Ledger.
func (l *Ledger) withShards(ctx context.Context, indexes []int, fn func() error) error {
	idx := uniqueSorted(indexes)

	release := make(chan struct{})
	defer close(release)

	for _, i := range idx {
		parked := make(chan struct{})
		err := l.enqueue(ctx, l.shards[i], func(*shard) {
			select {
			case parked <- struct{}{}:
				<-release
			case <-release:
			}
		})
		if err != nil {
			return err
		}
		select {
		case <-parked:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fn()
}

func (l *Ledger) allShards() []int {
	idx := make([]int, len(l.shards))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func uniqueSorted(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	n := 0
	for i, v := range out {
		if i == 0 || v != out[n-1] {
			out[n] = v
			n++
		}
	}
	return out[:n]
}
