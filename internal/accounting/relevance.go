package accounting

import (
	"sort"
	"sync"
)

// RelevanceIndex memoizes which providers hold wallets under an owner. It is
// shared by every notification session; entries are dropped explicitly when
// the project directory reports a change, so memory stays bounded by the
// number of owners that have wallets.
type RelevanceIndex struct {
	mu      sync.RWMutex
	entries map[Owner]map[string]struct{}
}

func NewRelevanceIndex() *RelevanceIndex {
	return &RelevanceIndex{entries: make(map[Owner]map[string]struct{})}
}

// Lookup returns the memoized provider set. ok is false when the owner has no
// authoritative entry and the caller must recompute it.
func (ri *RelevanceIndex) Lookup(owner Owner) (providers []string, ok bool) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	set, ok := ri.entries[owner]
	if !ok {
		return nil, false
	}
	providers = make([]string, 0, len(set))
	for p := range set {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers, true
}

// Set replaces the entry for owner with an authoritative provider set.
func (ri *RelevanceIndex) Set(owner Owner, providers []string) {
	set := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		set[p] = struct{}{}
	}
	ri.mu.Lock()
	ri.entries[owner] = set
	ri.mu.Unlock()
}

// Add records a new provider for owner. Owners without an authoritative entry
// are left alone; the next lookup rebuilds them in full.
func (ri *RelevanceIndex) Add(owner Owner, provider string) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if set, ok := ri.entries[owner]; ok {
		set[provider] = struct{}{}
	}
}

func (ri *RelevanceIndex) Invalidate(owner Owner) {
	ri.mu.Lock()
	delete(ri.entries, owner)
	ri.mu.Unlock()
}

func (ri *RelevanceIndex) Len() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.entries)
}
