// -----------------------------------------------------------------------
// Canceled set - bounded memory of killed logical queries
// -----------------------------------------------------------------------

package engine

import "sync"

// canceledCapacity bounds the memory; old entries age out in insertion
// order once the cap is reached.
const canceledCapacity = 99999

// CanceledSet remembers which logical queries the server process killed,
// so late-arriving progress payloads for them are dropped instead of
// forwarded or continued. The set is process-local: each server instance
// only suppresses what it canceled itself.
type CanceledSet struct {
	mu      sync.Mutex
	members map[string]struct{}
	order   []string
}

// NewCanceledSet allocates an empty set.
func NewCanceledSet() *CanceledSet {
	return &CanceledSet{members: make(map[string]struct{})}
}

// Add records a killed query.
func (s *CanceledSet) Add(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[id]; ok {
		return
	}
	s.members[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > canceledCapacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
}

// Contains reports whether any of the ids was canceled here.
func (s *CanceledSet) Contains(ids ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.members[id]; ok {
			return true
		}
	}
	return false
}

// Len reports the current membership size.
func (s *CanceledSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}
