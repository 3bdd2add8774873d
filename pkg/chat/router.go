package chat

import (
	"sync"

	"github.com/tinyland-inc/txtchat/pkg/logger"
	"github.com/tinyland-inc/txtchat/pkg/metrics"
)

// Drop reasons reported to metrics.
const (
	dropSelf      = "self"
	dropQualifier = "qualifier"
	dropDenied    = "not_allowed"
	dropDuplicate = "duplicate"
	dropEmpty     = "empty"
)

// Router decides whether an inbound message is a genuine new message from
// another user. Accepted ids are marked processed before the engine runs, so
// delivery to the engine is at most once.
type Router struct {
	processed *ProcessedSet
	allow     AllowList

	mu     sync.RWMutex
	selfID string
}

func NewRouter(processed *ProcessedSet, allow AllowList) *Router {
	if processed == nil {
		processed = NewProcessedSet(0)
	}
	return &Router{processed: processed, allow: allow}
}

// SetSelf records the bot's user id for self-echo detection.
func (r *Router) SetSelf(userID string) {
	r.mu.Lock()
	r.selfID = userID
	r.mu.Unlock()
}

func (r *Router) self() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfID
}

// Accept reports whether msg should be answered.
func (r *Router) Accept(msg *InboundMessage) bool {
	if msg == nil {
		return false
	}

	// Threads are recorded so that a reply into a thread started before a
	// restart is not treated as an unseen conversation root.
	if msg.ThreadID != "" {
		r.processed.Add(msg.ThreadID)
	}

	reason := ""
	switch {
	case msg.SenderID != "" && msg.SenderID == r.self():
		reason = dropSelf
	case msg.SelfEcho || msg.Qualifier != "":
		reason = dropQualifier
	case msg.MessageID == "" || msg.ChannelID == "" || msg.Text == "":
		reason = dropEmpty
	case !r.allow.Allows(msg.SenderID, msg.SenderName):
		reason = dropDenied
	case !r.processed.Add(msg.MessageID):
		reason = dropDuplicate
	}

	if reason != "" {
		metrics.MessagesDropped.WithLabelValues(reason).Inc()
		logger.DebugCF("chat", "Dropped inbound message", map[string]any{
			"message_id": msg.MessageID,
			"channel_id": msg.ChannelID,
			"reason":     reason,
		})
		return false
	}

	metrics.MessagesAccepted.Inc()
	return true
}

// Processed exposes the underlying set.
func (r *Router) Processed() *ProcessedSet {
	return r.processed
}
