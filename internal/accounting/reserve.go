package accounting

import (
	"context"
	"fmt"
	"time"
)

// ReserveCredits creates a reservation named req.JobID against the wallet of
// req.Account for the product's category.
func (l *Ledger) ReserveCredits(ctx context.Context, actor Actor, req ReserveCreditsRequest) (err error) {
	start := time.Now()
	defer func() { observe("reserve_credits", start, err) }()

	if err := validateReserve(&req); err != nil {
		return err
	}
	_, err = call(ctx, l, l.shardFor(req.Account), func(s *shard) (struct{}, error) {
		return struct{}{}, l.reserve(ctx, s, actor, &req)
	})
	return err
}

// ReserveCreditsBulk applies each request independently and in order. The
// returned slice holds one error (or nil) per request.
func (l *Ledger) ReserveCreditsBulk(ctx context.Context, actor Actor, reqs []ReserveCreditsRequest) []error {
	errs := make([]error, len(reqs))
	for i := range reqs {
		errs[i] = l.ReserveCredits(ctx, actor, reqs[i])
	}
	return errs
}

func validateReserve(req *ReserveCreditsRequest) error {
	if req.JobID == "" {
		return fmt.Errorf("%w: jobId is required", ErrInvalidArgument)
	}
	if req.Amount < 0 {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidArgument)
	}
	if req.ProductUnits < 0 {
		return fmt.Errorf("%w: productUnits must not be negative", ErrInvalidArgument)
	}
	if req.DiscardAfterLimitCheck && req.ChargeImmediately {
		return fmt.Errorf("%w: discardAfterLimitCheck and chargeImmediately are mutually exclusive", ErrInvalidArgument)
	}
	if req.TransactionType == "" {
		req.TransactionType = TransactionPayment
	}
	if !req.TransactionType.valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidArgument, req.TransactionType)
	}
	return validateKey(WalletKey{Owner: req.Account, Category: req.Product.CategoryID()})
}

func (l *Ledger) reserve(ctx context.Context, s *shard, actor Actor, req *ReserveCreditsRequest) error {
	if !l.claimReservation(req.JobID, s.index) {
		if req.SkipIfExists {
			return nil
		}
		return fmt.Errorf("%w: reservation %q already exists", ErrConflict, req.JobID)
	}
	committed := false
	defer func() {
		if !committed {
			l.releaseReservation(req.JobID)
		}
	}()

	key := WalletKey{Owner: req.Account, Category: req.Product.CategoryID()}
	w, ok := s.wallets[key]
	if !ok {
		return fmt.Errorf("%w: wallet %s %s", ErrNotFound, key.Owner, key.Category)
	}
	if !req.SkipLimitCheck && w.Used+w.Reserved+req.Amount > w.Allocated {
		return fmt.Errorf("%w: requested %d, available %d", ErrLimitExceeded, req.Amount, w.Available())
	}
	if req.DiscardAfterLimitCheck {
		return nil
	}

	now := time.Now()
	res := Reservation{
		JobID:           req.JobID,
		Wallet:          key,
		Amount:          req.Amount,
		ProductID:       req.Product.ID,
		ProductUnits:    req.ProductUnits,
		TransactionType: req.TransactionType,
		SkipLimitCheck:  req.SkipLimitCheck,
		ExpiresAt:       req.ExpiresAt,
		CreatedAt:       now,
	}
	staged := *w
	batch := &Batch{}

	if req.ChargeImmediately {
		res.Settled = true
		staged.Used += req.Amount
		staged.Balance -= req.Amount
		staged.refreshLock()
		staged.LastSignificantUpdateAt = l.clock.next()
		batch.Transactions = append(batch.Transactions,
			l.newTransaction(req.TransactionType, key, -req.Amount, req.JobID, actor, now))
	} else {
		staged.Reserved += req.Amount
	}
	batch.Wallets = []Wallet{staged}
	batch.Reservations = []Reservation{res}

	if err := l.store.Commit(ctx, batch); err != nil {
		return fmt.Errorf("committing reservation: %w", err)
	}
	committed = true
	s.put(staged)
	s.reservations[res.JobID] = &res
	l.emit(batch.Transactions)
	return nil
}

// ChargeReservation commits a pending reservation. The charged amount may
// differ from the reserved one; the reservation's hold is released either way.
func (l *Ledger) ChargeReservation(ctx context.Context, actor Actor, req ChargeReservationRequest) (err error) {
	start := time.Now()
	defer func() { observe("charge_reservation", start, err) }()

	if req.Name == "" {
		return fmt.Errorf("%w: reservation name is required", ErrInvalidArgument)
	}
	if req.Amount < 0 || req.ProductUnits < 0 {
		return fmt.Errorf("%w: amount and productUnits must not be negative", ErrInvalidArgument)
	}
	idx, ok := l.reservationShard(req.Name)
	if !ok {
		return fmt.Errorf("%w: reservation %q", ErrNotFound, req.Name)
	}
	_, err = call(ctx, l, l.shards[idx], func(s *shard) (struct{}, error) {
		return struct{}{}, l.charge(ctx, s, actor, &req)
	})
	return err
}

func (l *Ledger) charge(ctx context.Context, s *shard, actor Actor, req *ChargeReservationRequest) error {
	res, ok := s.reservations[req.Name]
	if !ok || res.Settled {
		return fmt.Errorf("%w: no pending reservation %q", ErrNotFound, req.Name)
	}
	w, ok := s.wallets[res.Wallet]
	if !ok {
		return fmt.Errorf("%w: wallet %s %s", ErrNotFound, res.Wallet.Owner, res.Wallet.Category)
	}

	staged := *w
	staged.Reserved -= res.Amount
	if staged.Reserved < 0 {
		staged.Reserved = 0
	}
	if !res.SkipLimitCheck && staged.Used+staged.Reserved+req.Amount > staged.Allocated {
		return fmt.Errorf("%w: charging %d, available %d", ErrLimitExceeded, req.Amount, staged.Available())
	}
	staged.Used += req.Amount
	staged.Balance -= req.Amount
	staged.refreshLock()
	staged.LastSignificantUpdateAt = l.clock.next()

	now := time.Now()
	settled := *res
	settled.Settled = true
	settled.Amount = req.Amount
	settled.ProductUnits = req.ProductUnits

	batch := &Batch{
		Wallets:      []Wallet{staged},
		Reservations: []Reservation{settled},
		Transactions: []Transaction{
			l.newTransaction(res.TransactionType, res.Wallet, -req.Amount, res.JobID, actor, now),
		},
	}
	if err := l.store.Commit(ctx, batch); err != nil {
		return fmt.Errorf("committing charge: %w", err)
	}
	s.put(staged)
	*res = settled
	l.emit(batch.Transactions)
	return nil
}

// SweepExpired releases pending reservations whose expiry has passed and
// forgets settled ones past their retention. It returns how many
// reservations were removed.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, s := range l.shards {
		n, err := call(ctx, l, s, func(s *shard) (int, error) {
			return l.sweep(ctx, s, now)
		})
		if err != nil {
			return total, fmt.Errorf("sweeping shard %d: %w", s.index, err)
		}
		total += n
	}
	return total, nil
}

func (l *Ledger) sweep(ctx context.Context, s *shard, now time.Time) (int, error) {
	batch := &Batch{}
	staged := make(map[WalletKey]Wallet)

	for name, r := range s.reservations {
		expiry := r.ExpiresAt
		if expiry.IsZero() {
			if !r.Settled {
				continue
			}
			expiry = r.CreatedAt.Add(settledRetention)
		}
		if !now.After(expiry) {
			continue
		}
		if !r.Settled {
			if w, ok := s.wallets[r.Wallet]; ok {
				cur, seen := staged[r.Wallet]
				if !seen {
					cur = *w
				}
				cur.Reserved -= r.Amount
				if cur.Reserved < 0 {
					cur.Reserved = 0
				}
				staged[r.Wallet] = cur
			}
		}
		batch.DeletedReservations = append(batch.DeletedReservations, name)
	}
	if batch.empty() {
		return 0, nil
	}
	for _, w := range staged {
		batch.Wallets = append(batch.Wallets, w)
	}

	if err := l.store.Commit(ctx, batch); err != nil {
		return 0, fmt.Errorf("committing sweep: %w", err)
	}
	for _, w := range batch.Wallets {
		s.put(w)
	}
	for _, name := range batch.DeletedReservations {
		delete(s.reservations, name)
	}
	l.releaseReservation(batch.DeletedReservations...)
	return len(batch.DeletedReservations), nil
}
