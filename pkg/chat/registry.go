package chat

import "sync"

// Registry tracks the channels the bot is subscribed to. Server-side
// subscription state does not survive a reconnect, so the Manager replays
// Channels() against every new Session.
type Registry struct {
	mu    sync.RWMutex
	index map[string]struct{}
	order []Channel
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]struct{})}
}

// Register adds a direct channel. It returns false for non-direct channels
// and for channels already present.
func (r *Registry) Register(ch Channel) bool {
	if !ch.IsDirect() || ch.ID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[ch.ID]; ok {
		return false
	}
	r.index[ch.ID] = struct{}{}
	r.order = append(r.order, ch)
	return true
}

func (r *Registry) IsSubscribed(channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[channelID]
	return ok
}

// Channels returns the registered channels in registration order.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
