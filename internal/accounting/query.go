package accounting

import (
	"context"
	"fmt"
	"time"
)

// RetrieveBalance lists the wallets of one owner, or of the actor's personal
// workspace when no owner is given. With IncludeChildren, wallets of every
// descendant project are included.
func (l *Ledger) RetrieveBalance(ctx context.Context, actor Actor, req RetrieveBalanceRequest) (wallets []Wallet, err error) {
	start := time.Now()
	defer func() { observe("retrieve_balance", start, err) }()

	if (req.ID == "") != (req.Type == "") {
		return nil, fmt.Errorf("%w: id and type must be supplied together", ErrInvalidArgument)
	}
	owner := Owner{ID: actor.Username, Type: OwnerUser}
	if req.ID != "" {
		t, err := ParseOwnerType(req.Type)
		if err != nil {
			return nil, err
		}
		owner = Owner{ID: req.ID, Type: t}
	}
	if owner.ID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidArgument)
	}

	owners := []Owner{owner}
	if req.IncludeChildren && owner.IsProject() {
		children, err := l.projects.Descendants(ctx, owner.ID)
		if err != nil {
			return nil, fmt.Errorf("resolving sub-projects of %s: %w", owner.ID, err)
		}
		for _, id := range children {
			owners = append(owners, Owner{ID: id, Type: OwnerProject})
		}
	}

	all, err := l.collect(ctx, owners)
	if err != nil {
		return nil, err
	}
	if req.ShowHidden {
		return all, nil
	}
	wallets = all[:0]
	for _, w := range all {
		if !w.Category.Hidden {
			wallets = append(wallets, w)
		}
	}
	return wallets, nil
}

// RetrieveWalletsFromProjects lists the wallets of every given project.
func (l *Ledger) RetrieveWalletsFromProjects(ctx context.Context, actor Actor, projectIDs []string) (wallets []Wallet, err error) {
	start := time.Now()
	defer func() { observe("retrieve_wallets_from_projects", start, err) }()

	owners := make([]Owner, 0, len(projectIDs))
	for _, id := range projectIDs {
		if id == "" {
			return nil, fmt.Errorf("%w: empty project id", ErrInvalidArgument)
		}
		owners = append(owners, Owner{ID: id, Type: OwnerProject})
	}
	if len(owners) == 0 {
		return []Wallet{}, nil
	}
	return l.collect(ctx, owners)
}

// collect snapshots the wallets of owners across every shard involved.
func (l *Ledger) collect(ctx context.Context, owners []Owner) ([]Wallet, error) {
	idx := make([]int, 0, len(owners))
	for _, o := range owners {
		idx = append(idx, l.shardFor(o).index)
	}

	seen := make(map[Owner]struct{}, len(owners))
	wallets := []Wallet{}
	err := l.withShards(ctx, idx, func() error {
		for _, o := range owners {
			if _, dup := seen[o]; dup {
				continue
			}
			seen[o] = struct{}{}
			for _, w := range l.shardFor(o).byOwner[o] {
				wallets = append(wallets, *w)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortWallets(wallets)
	return wallets, nil
}

// FindRelevantProviders returns the providers holding at least one wallet
// under the owner, answering from the relevance index when it can.
func (l *Ledger) FindRelevantProviders(ctx context.Context, actor Actor, ownerID string, useProject bool) (providers []string, err error) {
	start := time.Now()
	defer func() { observe("find_relevant_providers", start, err) }()

	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidArgument)
	}
	owner := Owner{ID: ownerID, Type: OwnerUser}
	if useProject {
		owner.Type = OwnerProject
	}
	if providers, ok := l.relevance.Lookup(owner); ok {
		return providers, nil
	}

	return call(ctx, l, l.shardFor(owner), func(s *shard) ([]string, error) {
		providers := s.providersOf(owner)
		l.relevance.Set(owner, providers)
		return providers, nil
	})
}

// IsRelevant reports whether provider holds any wallet under the owner.
func (l *Ledger) IsRelevant(ctx context.Context, actor Actor, ownerID string, useProject bool, provider string) (bool, error) {
	providers, err := l.FindRelevantProviders(ctx, actor, ownerID, useProject)
	if err != nil {
		return false, err
	}
	for _, p := range providers {
		if p == provider {
			return true, nil
		}
	}
	return false, nil
}

// ForEachUpdatedWallet calls fn for every wallet of providerID's categories
// updated after since. All shards are held for the duration, so the result
// is a consistent cut: any wallet updated later carries a newer timestamp
// than every wallet passed to fn. Each shard walks only its update log for
// the provider, from since onwards. fn must not block on I/O or call back
// into the Ledger.
func (l *Ledger) ForEachUpdatedWallet(ctx context.Context, actor Actor, providerID string, since int64, fn func(Wallet)) (err error) {
	start := time.Now()
	defer func() { observe("for_each_updated_wallet", start, err) }()

	if providerID == "" {
		return fmt.Errorf("%w: provider id is required", ErrInvalidArgument)
	}
	return l.withShards(ctx, l.allShards(), func() error {
		for _, s := range l.shards {
			s.updatedSince(providerID, since, func(w *Wallet) { fn(*w) })
		}
		return nil
	})
}
