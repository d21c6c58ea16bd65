package accounting

import "sort"

// compactAfter is the number of superseded entries a provider's update log
// tolerates before it is rebuilt.
const compactAfter = 256

type updateEntry struct {
	at  int64
	key WalletKey
}

// updateLog lists a shard's wallets of one provider ordered by
// LastSignificantUpdateAt. A wallet that moves forward gets a new entry; its
// old one is skipped on read and dropped on compaction.
type updateLog struct {
	entries []updateEntry
	stale   int
}

// track records that w now carries stamp w.LastSignificantUpdateAt. prev is
// the stamp it carried before, or -1 for a new wallet.
func (s *shard) track(w *Wallet, prev int64) {
	if prev == w.LastSignificantUpdateAt {
		return
	}
	log := s.updates[w.Category.Provider]
	if log == nil {
		log = &updateLog{}
		s.updates[w.Category.Provider] = log
	}
	if prev >= 0 {
		log.stale++
	}

	e := updateEntry{at: w.LastSignificantUpdateAt, key: w.Key()}
	// Stamps are issued in increasing order, so this is an append except
	// while loading a snapshot.
	if n := len(log.entries); n == 0 || log.entries[n-1].at <= e.at {
		log.entries = append(log.entries, e)
	} else {
		i := sort.Search(n, func(i int) bool { return log.entries[i].at > e.at })
		log.entries = append(log.entries, updateEntry{})
		copy(log.entries[i+1:], log.entries[i:])
		log.entries[i] = e
	}

	if log.stale > compactAfter && log.stale > len(log.entries)/2 {
		s.compact(log)
	}
}

func (s *shard) compact(log *updateLog) {
	live := log.entries[:0]
	for _, e := range log.entries {
		if s.current(e) {
			live = append(live, e)
		}
	}
	clear(log.entries[len(live):])
	log.entries = live
	log.stale = 0
}

func (s *shard) current(e updateEntry) bool {
	w, ok := s.wallets[e.key]
	return ok && w.LastSignificantUpdateAt == e.at
}

// updatedSince calls fn for each wallet of provider stamped after since, in
// stamp order.
func (s *shard) updatedSince(provider string, since int64, fn func(*Wallet)) {
	log := s.updates[provider]
	if log == nil {
		return
	}
	i := sort.Search(len(log.entries), func(i int) bool { return log.entries[i].at > since })
	for _, e := range log.entries[i:] {
		if s.current(e) {
			fn(s.wallets[e.key])
		}
	}
}
