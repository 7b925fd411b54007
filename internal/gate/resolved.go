package gate

import (
	"container/list"
	"time"
)

// resolvedSet remembers recently resolved keys, bounded by age and count.
// Entries are kept in insertion order, so expired keys are always at the
// front. Callers must hold the gate's mutex.
type resolvedSet struct {
	seen    map[string]*list.Element
	order   *list.List // of resolvedKey, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type resolvedKey struct {
	key string
	at  time.Time
}

func newResolvedSet(ttl time.Duration, maxSize int) *resolvedSet {
	return &resolvedSet{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (s *resolvedSet) contains(key string) bool {
	s.prune()
	_, ok := s.seen[key]
	return ok
}

func (s *resolvedSet) add(key string) {
	s.prune()
	if elem, ok := s.seen[key]; ok {
		s.order.Remove(elem)
	}
	for len(s.seen) >= s.maxSize && s.order.Len() > 0 {
		s.evict(s.order.Front())
	}
	s.seen[key] = s.order.PushBack(resolvedKey{key: key, at: s.now()})
}

func (s *resolvedSet) remove(key string) {
	if elem, ok := s.seen[key]; ok {
		s.evict(elem)
	}
}

func (s *resolvedSet) prune() {
	cutoff := s.now().Add(-s.ttl)
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		if front.Value.(resolvedKey).at.After(cutoff) {
			return
		}
		s.evict(front)
	}
}

func (s *resolvedSet) evict(elem *list.Element) {
	s.order.Remove(elem)
	delete(s.seen, elem.Value.(resolvedKey).key)
}
