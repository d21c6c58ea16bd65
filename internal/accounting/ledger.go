package accounting

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridcredit/accounting/internal/config"
	"github.com/gridcredit/accounting/internal/metrics"
)

// settledRetention bounds how long a settled reservation without an explicit
// expiry is kept for job id deduplication.
const settledRetention = 24 * time.Hour

// Catalog resolves product category metadata.
type Catalog interface {
	Category(ctx context.Context, id CategoryID) (ProductCategory, error)
	Categories(ctx context.Context, provider string) ([]ProductCategory, error)
}

// ProjectTree resolves project hierarchy.
type ProjectTree interface {
	Descendants(ctx context.Context, projectID string) ([]string, error)
}

// EventSink receives committed transactions for publication.
type EventSink interface {
	PublishTransactions(ctx context.Context, txs []Transaction) error
}

// Ledger is the accounting engine. Requests for one owner are applied in
// submission order by a single shard worker; requests spanning shards park
// every shard involved before touching any wallet.
type Ledger struct {
	shards    []*shard
	store     Store
	catalog   Catalog
	projects  ProjectTree
	relevance *RelevanceIndex
	clock     clock

	sink          EventSink
	events        chan []Transaction
	sweepInterval time.Duration

	resMu    sync.Mutex
	resIndex map[string]int

	stateMu sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// Open loads the durable state into memory and starts the shard workers.
// sink may be nil.
func Open(ctx context.Context, cfg config.LedgerConfig, store Store, catalog Catalog, projects ProjectTree, sink EventSink) (*Ledger, error) {
	shards := cfg.Shards
	if shards < 1 {
		shards = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading ledger snapshot: %w", err)
	}

	l := &Ledger{
		shards:        make([]*shard, shards),
		store:         store,
		catalog:       catalog,
		projects:      projects,
		relevance:     NewRelevanceIndex(),
		sink:          sink,
		events:        make(chan []Transaction, 256),
		sweepInterval: cfg.SweepInterval,
		resIndex:      make(map[string]int),
	}
	for i := range l.shards {
		l.shards[i] = newShard(i, queueSize)
	}

	for _, w := range snap.Wallets {
		l.shardFor(w.Owner).put(w)
		l.clock.observe(w.LastSignificantUpdateAt)
	}
	for i := range snap.Reservations {
		r := snap.Reservations[i]
		s := l.shardFor(r.Wallet.Owner)
		s.reservations[r.JobID] = &r
		l.resIndex[r.JobID] = s.index
	}
	for _, s := range l.shards {
		for owner := range s.byOwner {
			l.relevance.Set(owner, s.providersOf(owner))
		}
	}

	for _, s := range l.shards {
		l.wg.Add(1)
		go s.run(&l.wg)
	}

	slog.Info("ledger loaded",
		"shards", shards,
		"wallets", len(snap.Wallets),
		"reservations", len(snap.Reservations),
	)
	return l, nil
}

// Relevance exposes the shared relevance index so project-change listeners
// can invalidate entries.
func (l *Ledger) Relevance() *RelevanceIndex {
	return l.relevance
}

// Run publishes committed transactions and sweeps expired reservations until
// ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	interval := l.sweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case txs := <-l.events:
			l.publish(ctx, txs)
		case now := <-ticker.C:
			if n, err := l.SweepExpired(ctx, now); err != nil {
				slog.Error("ledger: sweeping reservations", "error", err)
			} else if n > 0 {
				slog.Info("ledger: swept reservations", "count", n)
			}
		}
	}
}

// Close stops accepting requests and waits for queued ones to finish.
func (l *Ledger) Close() {
	l.stateMu.Lock()
	if l.stopped {
		l.stateMu.Unlock()
		return
	}
	l.stopped = true
	for _, s := range l.shards {
		close(s.queue)
	}
	l.stateMu.Unlock()
	l.wg.Wait()
}

func (l *Ledger) shardFor(owner Owner) *shard {
	h := fnv.New32a()
	h.Write([]byte(owner.String()))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// claimReservation reserves a job id for shard idx. It fails when the id is
// already taken anywhere in the ledger.
func (l *Ledger) claimReservation(name string, idx int) bool {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	if _, ok := l.resIndex[name]; ok {
		return false
	}
	l.resIndex[name] = idx
	return true
}

func (l *Ledger) releaseReservation(names ...string) {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	for _, n := range names {
		delete(l.resIndex, n)
	}
}

func (l *Ledger) reservationShard(name string) (int, bool) {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	idx, ok := l.resIndex[name]
	return idx, ok
}

func (l *Ledger) newTransaction(t TransactionType, key WalletKey, change int64, ref string, actor Actor, at time.Time) Transaction {
	return Transaction{
		ID:          uuid.New(),
		Type:        t,
		Wallet:      key,
		Change:      change,
		Reference:   ref,
		InitiatedBy: actor.Username,
		CreatedAt:   at,
	}
}

// emit queues transactions for publication without blocking the worker. The
// store is the system of record, so a full queue drops the event.
func (l *Ledger) emit(txs []Transaction) {
	if l.sink == nil || len(txs) == 0 {
		return
	}
	select {
	case l.events <- txs:
	default:
		metrics.TransactionEventsDroppedTotal.Add(float64(len(txs)))
		slog.Warn("ledger: transaction event queue full, dropping", "count", len(txs))
	}
}

func (l *Ledger) publish(ctx context.Context, txs []Transaction) {
	if err := l.sink.PublishTransactions(ctx, txs); err != nil {
		slog.Error("ledger: publishing transactions", "error", err, "count", len(txs))
		return
	}
	metrics.TransactionEventsPublishedTotal.Add(float64(len(txs)))
}

func observe(op string, start time.Time, err error) {
	metrics.LedgerRequestsTotal.WithLabelValues(op, outcome(err)).Inc()
	metrics.LedgerRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func validateKey(k WalletKey) error {
	if k.Owner.ID == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidArgument)
	}
	if _, err := ParseOwnerType(string(k.Owner.Type)); err != nil {
		return err
	}
	if k.Category.Provider == "" || k.Category.Name == "" {
		return fmt.Errorf("%w: product category is required", ErrInvalidArgument)
	}
	return nil
}

func walletLess(a, b *Wallet) bool {
	if a.Owner.Type != b.Owner.Type {
		return a.Owner.Type < b.Owner.Type
	}
	if a.Owner.ID != b.Owner.ID {
		return a.Owner.ID < b.Owner.ID
	}
	if a.Category.Provider != b.Category.Provider {
		return a.Category.Provider < b.Category.Provider
	}
	return a.Category.Name < b.Category.Name
}

func sortWallets(ws []Wallet) {
	sort.Slice(ws, func(i, j int) bool { return walletLess(&ws[i], &ws[j]) })
}
