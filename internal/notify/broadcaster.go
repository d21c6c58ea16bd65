package notify

import (
	"sort"
	"sync"
)

// Broadcaster fans project-change notifications out to every session.
// Publishing never blocks: each subscriber accumulates a pending set and is
// woken through a one-slot signal channel.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

type Subscription struct {
	b      *Broadcaster
	mu     sync.Mutex
	queued map[string]struct{}
	signal chan struct{}
}

func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		b:      b,
		queued: make(map[string]struct{}),
		signal: make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish marks projectIDs as changed for every current subscriber.
func (b *Broadcaster) Publish(projectIDs ...string) {
	if len(projectIDs) == 0 {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.add(projectIDs)
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *Subscription) add(ids []string) {
	s.mu.Lock()
	for _, id := range ids {
		s.queued[id] = struct{}{}
	}
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// C is signalled when new project ids are pending.
func (s *Subscription) C() <-chan struct{} {
	return s.signal
}

// Drain returns and clears the pending project ids in sorted order.
func (s *Subscription) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queued) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.queued))
	for id := range s.queued {
		ids = append(ids, id)
	}
	clear(s.queued)
	sort.Strings(ids)
	return ids
}

func (s *Subscription) Close() {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
}
