package chat

import (
	"context"
	"sync"
	"time"

	"github.com/tinyland-inc/txtchat/pkg/logger"
	"github.com/tinyland-inc/txtchat/pkg/metrics"
)

// PendingDelivery holds at most one response whose send failed because the
// transport went away. A newer failure overwrites the held item.
type PendingDelivery struct {
	mu   sync.Mutex
	item *Outbound
	seq  uint64
}

// Set parks msg, replacing anything already pending.
func (p *PendingDelivery) Set(msg Outbound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.item != nil {
		logger.WarnCF("chat", "Overwriting pending response", map[string]any{
			"dropped_channel_id": p.item.ChannelID,
			"channel_id":         msg.ChannelID,
		})
	}
	p.item = &msg
	p.seq++
}

// Take removes and returns the pending item.
func (p *PendingDelivery) Take() (Outbound, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.item == nil {
		return Outbound{}, p.seq, false
	}
	msg := *p.item
	p.item = nil
	return msg, p.seq, true
}

// restore puts msg back unless a newer item was parked since seq.
func (p *PendingDelivery) restore(msg Outbound, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seq != seq || p.item != nil {
		return
	}
	p.item = &msg
}

// Peek returns the pending item without clearing it.
func (p *PendingDelivery) Peek() (Outbound, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.item == nil {
		return Outbound{}, false
	}
	return *p.item, true
}

// Delivery sends typing indicators and engine responses for accepted
// messages.
type Delivery struct {
	adapter       Adapter
	engine        Engine
	pending       *PendingDelivery
	replyInThread bool
}

func NewDelivery(adapter Adapter, engine Engine, replyInThread bool) *Delivery {
	return &Delivery{
		adapter:       adapter,
		engine:        engine,
		pending:       &PendingDelivery{},
		replyInThread: replyInThread,
	}
}

// Pending exposes the retry slot.
func (d *Delivery) Pending() *PendingDelivery {
	return d.pending
}

// Deliver answers msg on s: typing indicator, engine call, send. The channel
// id is the engine session key.
func (d *Delivery) Deliver(ctx context.Context, s *Session, msg *InboundMessage) {
	if err := d.adapter.SendTyping(ctx, s, msg.ChannelID); err != nil {
		logger.DebugCF("chat", "Typing indicator failed", map[string]any{
			"channel_id": msg.ChannelID,
			"error":      err.Error(),
		})
	}

	start := time.Now()
	answer := d.engine.Generate(ctx, msg.Text, msg.ChannelID)
	elapsed := metrics.ObserveSince(metrics.EngineDuration, start)

	out := Outbound{ChannelID: msg.ChannelID, Text: answer}
	if d.replyInThread {
		out.ThreadID = msg.ThreadID
		if out.ThreadID == "" {
			out.ThreadID = msg.MessageID
		}
	}

	logger.DebugCF("chat", "Response generated", map[string]any{
		"channel_id": msg.ChannelID,
		"message_id": msg.MessageID,
		"elapsed_ms": elapsed.Milliseconds(),
	})

	d.send(ctx, s, out)
}

// Flush sends the pending response, if any. It runs as the first outbound
// action once a session is listening.
func (d *Delivery) Flush(ctx context.Context, s *Session) {
	msg, seq, ok := d.pending.Take()
	if !ok {
		return
	}

	logger.InfoCF("chat", "Flushing pending response", map[string]any{
		"channel_id": msg.ChannelID,
	})

	if _, err := d.adapter.SendMessage(ctx, s, msg); err != nil {
		if IsRetryableDelivery(err) {
			d.pending.restore(msg, seq)
			metrics.Deliveries.WithLabelValues("pending").Inc()
		} else {
			metrics.Deliveries.WithLabelValues("dropped").Inc()
		}
		logger.WarnCF("chat", "Pending response flush failed", map[string]any{
			"channel_id": msg.ChannelID,
			"error":      err.Error(),
		})
		return
	}
	metrics.Deliveries.WithLabelValues("flushed").Inc()
}

func (d *Delivery) send(ctx context.Context, s *Session, out Outbound) {
	receipt, err := d.adapter.SendMessage(ctx, s, out)
	if err == nil {
		metrics.Deliveries.WithLabelValues("sent").Inc()
		fields := map[string]any{"channel_id": out.ChannelID}
		if receipt != nil {
			fields["message_id"] = receipt.MessageID
		}
		logger.InfoCF("chat", "Sent response", fields)
		return
	}

	if IsRetryableDelivery(err) {
		d.pending.Set(out)
		metrics.Deliveries.WithLabelValues("pending").Inc()
		logger.WarnCF("chat", "Send failed, response parked for retry", map[string]any{
			"channel_id": out.ChannelID,
			"error":      err.Error(),
		})
		return
	}

	metrics.Deliveries.WithLabelValues("dropped").Inc()
	logger.ErrorCF("chat", "Send rejected, response dropped", map[string]any{
		"channel_id": out.ChannelID,
		"error":      err.Error(),
	})
}
