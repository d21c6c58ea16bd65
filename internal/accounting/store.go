package accounting

import (
	"context"
	"sort"
	"sync"
)

// Snapshot is the durable state loaded into the shards at startup.
type Snapshot struct {
	Wallets      []Wallet
	Reservations []Reservation
}

// Batch is the set of row changes produced by one ledger request. A Store
// must apply a batch atomically.
type Batch struct {
	Wallets             []Wallet
	Reservations        []Reservation
	DeletedReservations []string
	Transactions        []Transaction
}

func (b *Batch) empty() bool {
	return len(b.Wallets) == 0 && len(b.Reservations) == 0 &&
		len(b.DeletedReservations) == 0 && len(b.Transactions) == 0
}

// Store is the durable wallet store. Only the Ledger calls it.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, b *Batch) error
}

// MemoryStore keeps rows in process memory. It backs tests and local runs
// without a database.
type MemoryStore struct {
	mu           sync.Mutex
	wallets      map[WalletKey]Wallet
	reservations map[string]Reservation
	transactions []Transaction
	failNext     error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[WalletKey]Wallet),
		reservations: make(map[string]Reservation),
	}
}

// Seed inserts rows directly, bypassing the ledger.
func (m *MemoryStore) Seed(wallets ...Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range wallets {
		m.wallets[w.Key()] = w
	}
}

// FailNext makes the next Commit return err without applying anything.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Transactions returns a copy of the transaction log.
func (m *MemoryStore) Transactions() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transaction, len(m.transactions))
	copy(out, m.transactions)
	return out
}

func (m *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{}
	for _, w := range m.wallets {
		snap.Wallets = append(snap.Wallets, w)
	}
	for _, r := range m.reservations {
		snap.Reservations = append(snap.Reservations, r)
	}
	sort.Slice(snap.Wallets, func(i, j int) bool {
		return walletLess(&snap.Wallets[i], &snap.Wallets[j])
	})
	return snap, nil
}

func (m *MemoryStore) Commit(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	for _, w := range b.Wallets {
		m.wallets[w.Key()] = w
	}
	for _, r := range b.Reservations {
		m.reservations[r.JobID] = r
	}
	for _, name := range b.DeletedReservations {
		delete(m.reservations, name)
	}
	m.transactions = append(m.transactions, b.Transactions...)
	return nil
}
