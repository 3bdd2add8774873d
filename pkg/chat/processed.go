package chat

import "sync"

// ProcessedSet records message and thread ids already routed to the engine.
// With a limit of 0 it grows for the lifetime of the process; otherwise the
// oldest ids are evicted first once the limit is reached.
type ProcessedSet struct {
	mu    sync.Mutex
	limit int
	ids   map[string]struct{}
	ring  []string
	next  int
}

func NewProcessedSet(limit int) *ProcessedSet {
	if limit < 0 {
		limit = 0
	}
	return &ProcessedSet{
		limit: limit,
		ids:   make(map[string]struct{}),
	}
}

// Add inserts id and reports whether it was absent.
func (p *ProcessedSet) Add(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.ids[id]; ok {
		return false
	}
	p.ids[id] = struct{}{}

	if p.limit == 0 {
		return true
	}
	if len(p.ring) < p.limit {
		p.ring = append(p.ring, id)
		return true
	}
	delete(p.ids, p.ring[p.next])
	p.ring[p.next] = id
	p.next = (p.next + 1) % p.limit
	return true
}

func (p *ProcessedSet) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ids[id]
	return ok
}

func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}
