package accounting

import (
	"context"
	"fmt"
	"time"
)

// AddToBalance grants credits, raising both balance and allocation. The
// wallet is created when missing.
func (l *Ledger) AddToBalance(ctx context.Context, actor Actor, req AddToBalanceRequest) (err error) {
	start := time.Now()
	defer func() { observe("add_to_balance", start, err) }()

	if req.Credits < 0 {
		return fmt.Errorf("%w: credits must not be negative", ErrInvalidArgument)
	}
	if err := validateKey(req.Wallet); err != nil {
		return err
	}
	cat, err := l.catalog.Category(ctx, req.Wallet.Category)
	if err != nil {
		return fmt.Errorf("resolving category %s: %w", req.Wallet.Category, err)
	}

	_, err = call(ctx, l, l.shardFor(req.Wallet.Owner), func(s *shard) (struct{}, error) {
		w, exists := s.wallets[req.Wallet]
		staged := Wallet{Owner: req.Wallet.Owner, Category: cat}
		if exists {
			staged = *w
		}
		staged.Balance += req.Credits
		staged.Allocated += req.Credits
		staged.refreshLock()
		staged.LastSignificantUpdateAt = l.clock.next()

		batch := &Batch{
			Wallets: []Wallet{staged},
			Transactions: []Transaction{
				l.newTransaction(TransactionGifted, req.Wallet, req.Credits, "", actor, time.Now()),
			},
		}
		if err := l.store.Commit(ctx, batch); err != nil {
			return struct{}{}, fmt.Errorf("committing grant: %w", err)
		}
		if s.put(staged) {
			l.relevance.Add(staged.Owner, staged.Category.Provider)
		}
		l.emit(batch.Transactions)
		return struct{}{}, nil
	})
	return err
}

// AddToBalanceBulk applies each grant independently and in order.
func (l *Ledger) AddToBalanceBulk(ctx context.Context, actor Actor, reqs []AddToBalanceRequest) []error {
	errs := make([]error, len(reqs))
	for i := range reqs {
		errs[i] = l.AddToBalance(ctx, actor, reqs[i])
	}
	return errs
}

// SetBalance replaces the balance when it still equals LastKnownBalance. The
// allocation moves by the same delta. The new balance must cover the pending
// holds, so a later charge of those holds cannot overdraw the wallet.
func (l *Ledger) SetBalance(ctx context.Context, actor Actor, req SetBalanceRequest) (err error) {
	start := time.Now()
	defer func() { observe("set_balance", start, err) }()

	if req.NewBalance < 0 {
		return fmt.Errorf("%w: balance must not be negative", ErrInvalidArgument)
	}
	if err := validateKey(req.Wallet); err != nil {
		return err
	}

	_, err = call(ctx, l, l.shardFor(req.Wallet.Owner), func(s *shard) (struct{}, error) {
		w, ok := s.wallets[req.Wallet]
		if !ok {
			return struct{}{}, fmt.Errorf("%w: wallet %s %s", ErrNotFound, req.Wallet.Owner, req.Wallet.Category)
		}
		if w.Balance != req.LastKnownBalance {
			return struct{}{}, fmt.Errorf("%w: balance is %d, expected %d", ErrConflict, w.Balance, req.LastKnownBalance)
		}

		if req.NewBalance < w.Reserved {
			return struct{}{}, fmt.Errorf("%w: balance %d is below pending holds of %d", ErrLimitExceeded, req.NewBalance, w.Reserved)
		}

		delta := req.NewBalance - w.Balance
		staged := *w
		staged.Balance = req.NewBalance
		staged.Allocated += delta
		staged.refreshLock()
		staged.LastSignificantUpdateAt = l.clock.next()

		batch := &Batch{
			Wallets: []Wallet{staged},
			Transactions: []Transaction{
				l.newTransaction(TransactionGifted, req.Wallet, delta, "", actor, time.Now()),
			},
		}
		if err := l.store.Commit(ctx, batch); err != nil {
			return struct{}{}, fmt.Errorf("committing balance: %w", err)
		}
		s.put(staged)
		l.emit(batch.Transactions)
		return struct{}{}, nil
	})
	return err
}

// TransferToPersonal moves unused allocation from a wallet into a personal
// wallet of the same category. Both sides commit together or not at all.
func (l *Ledger) TransferToPersonal(ctx context.Context, actor Actor, req TransferToPersonalRequest) (err error) {
	start := time.Now()
	defer func() { observe("transfer_to_personal", start, err) }()

	if req.Amount < 0 {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidArgument)
	}
	if err := validateKey(req.Source); err != nil {
		return err
	}
	if err := validateKey(req.Destination); err != nil {
		return err
	}
	if req.Destination.Owner.Type != OwnerUser {
		return fmt.Errorf("%w: destination must be a personal workspace", ErrInvalidArgument)
	}
	if req.Source.Category != req.Destination.Category {
		return fmt.Errorf("%w: source and destination categories differ", ErrInvalidArgument)
	}
	if req.Source == req.Destination {
		return fmt.Errorf("%w: source and destination are the same wallet", ErrInvalidArgument)
	}
	initiatedBy := actor
	if req.InitiatedBy != "" {
		initiatedBy.Username = req.InitiatedBy
	}

	srcShard := l.shardFor(req.Source.Owner)
	dstShard := l.shardFor(req.Destination.Owner)

	return l.withShards(ctx, []int{srcShard.index, dstShard.index}, func() error {
		src, ok := srcShard.wallets[req.Source]
		if !ok {
			return fmt.Errorf("%w: wallet %s %s", ErrNotFound, req.Source.Owner, req.Source.Category)
		}
		if req.Amount > src.Available() {
			return fmt.Errorf("%w: transferring %d, available %d", ErrLimitExceeded, req.Amount, src.Available())
		}

		ts := l.clock.next()
		srcStaged := *src
		srcStaged.Allocated -= req.Amount
		srcStaged.Balance -= req.Amount
		srcStaged.refreshLock()
		srcStaged.LastSignificantUpdateAt = ts

		dstStaged := Wallet{Owner: req.Destination.Owner, Category: src.Category}
		if dst, ok := dstShard.wallets[req.Destination]; ok {
			dstStaged = *dst
		}
		dstStaged.Allocated += req.Amount
		dstStaged.Balance += req.Amount
		dstStaged.refreshLock()
		dstStaged.LastSignificantUpdateAt = ts

		now := time.Now()
		batch := &Batch{
			Wallets: []Wallet{srcStaged, dstStaged},
			Transactions: []Transaction{
				l.newTransaction(TransactionTransferredToPersonal, req.Source, -req.Amount, "", initiatedBy, now),
				l.newTransaction(TransactionTransferredToPersonal, req.Destination, req.Amount, "", initiatedBy, now),
			},
		}
		if err := l.store.Commit(ctx, batch); err != nil {
			return fmt.Errorf("committing transfer: %w", err)
		}
		srcShard.put(srcStaged)
		if dstShard.put(dstStaged) {
			l.relevance.Add(dstStaged.Owner, dstStaged.Category.Provider)
		}
		l.emit(batch.Transactions)
		return nil
	})
}

// FillUpPersonalProviderProject makes sure projectID holds a wallet for every
// category the provider offers, each seeded with baseline credits. Existing
// wallets are left untouched, so repeated calls are no-ops. It returns the
// number of wallets created.
func (l *Ledger) FillUpPersonalProviderProject(ctx context.Context, projectID, provider string, baseline int64) (created int, err error) {
	start := time.Now()
	defer func() { observe("fill_up_provider_project", start, err) }()

	if projectID == "" || provider == "" {
		return 0, fmt.Errorf("%w: project and provider are required", ErrInvalidArgument)
	}
	if baseline < 0 {
		return 0, fmt.Errorf("%w: baseline must not be negative", ErrInvalidArgument)
	}
	categories, err := l.catalog.Categories(ctx, provider)
	if err != nil {
		return 0, fmt.Errorf("listing categories of %s: %w", provider, err)
	}
	owner := Owner{ID: projectID, Type: OwnerProject}

	return call(ctx, l, l.shardFor(owner), func(s *shard) (int, error) {
		batch := &Batch{}
		now := time.Now()
		for _, cat := range categories {
			key := WalletKey{Owner: owner, Category: cat.ID()}
			if _, ok := s.wallets[key]; ok {
				continue
			}
			w := Wallet{Owner: owner, Category: cat, Balance: baseline, Allocated: baseline}
			w.refreshLock()
			w.LastSignificantUpdateAt = l.clock.next()
			batch.Wallets = append(batch.Wallets, w)
			if baseline > 0 {
				batch.Transactions = append(batch.Transactions,
					l.newTransaction(TransactionGifted, key, baseline, "", SystemActor, now))
			}
		}
		if batch.empty() {
			return 0, nil
		}
		if err := l.store.Commit(ctx, batch); err != nil {
			return 0, fmt.Errorf("committing provider project wallets: %w", err)
		}
		for _, w := range batch.Wallets {
			if s.put(w) {
				l.relevance.Add(w.Owner, w.Category.Provider)
			}
		}
		l.emit(batch.Transactions)
		return len(batch.Wallets), nil
	})
}
