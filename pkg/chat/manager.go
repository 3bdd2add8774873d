package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tinyland-inc/txtchat/pkg/logger"
	"github.com/tinyland-inc/txtchat/pkg/metrics"
)

// State is a Manager lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateAuthenticating State = "authenticating"
	StateDiscovering    State = "discovering"
	StateSubscribing    State = "subscribing"
	StateListening      State = "listening"
	StateReconnecting   State = "reconnecting"
)

// DispatchMode selects how accepted messages are handed to delivery.
type DispatchMode int

const (
	// DispatchSequential answers messages inline in the receive loop.
	DispatchSequential DispatchMode = iota
	// DispatchConcurrent answers each message on its own goroutine so a slow
	// engine call does not hold back the next message.
	DispatchConcurrent
)

func (d DispatchMode) String() string {
	if d == DispatchConcurrent {
		return "concurrent"
	}
	return "sequential"
}

const (
	DefaultMinReconnectDelay = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
)

// Options configures a Manager.
type Options struct {
	Credentials Credentials
	Dispatch    DispatchMode

	// MinReconnectDelay is the floor between attempts; MaxReconnectDelay caps
	// the exponential growth. The backoff resets once a session is listening.
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration

	// DedupLimit bounds the processed-id set; 0 keeps every id.
	DedupLimit    int
	AllowFrom     []string
	ReplyInThread bool

	OnStateChange func(State)
}

// Manager drives an Adapter through login, discovery, subscription and the
// receive loop, reconnecting until its context is canceled.
type Manager struct {
	adapter Adapter
	opts    Options

	registry *Registry
	router   *Router
	delivery *Delivery
	backoff  *backoff.ExponentialBackOff

	mu    sync.RWMutex
	state State

	wg sync.WaitGroup
}

func NewManager(adapter Adapter, engine Engine, opts Options) *Manager {
	if opts.MinReconnectDelay <= 0 {
		opts.MinReconnectDelay = DefaultMinReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.MinReconnectDelay {
		opts.MaxReconnectDelay = max(DefaultMaxReconnectDelay, opts.MinReconnectDelay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.MinReconnectDelay
	b.MaxInterval = opts.MaxReconnectDelay

	return &Manager{
		adapter:  adapter,
		opts:     opts,
		registry: NewRegistry(),
		router:   NewRouter(NewProcessedSet(opts.DedupLimit), AllowList(opts.AllowFrom)),
		delivery: NewDelivery(adapter, engine, opts.ReplyInThread),
		backoff:  b,
		state:    StateDisconnected,
	}
}

func (m *Manager) Registry() *Registry    { return m.registry }
func (m *Manager) Router() *Router        { return m.router }
func (m *Manager) Delivery() *Delivery    { return m.delivery }
func (m *Manager) Adapter() Adapter       { return m.adapter }
func (m *Manager) Dispatch() DispatchMode { return m.opts.Dispatch }

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if prev == s {
		return
	}

	metrics.ConnectionState.WithLabelValues(m.adapter.Name(), string(prev)).Set(0)
	metrics.ConnectionState.WithLabelValues(m.adapter.Name(), string(s)).Set(1)
	logger.DebugCF("chat", "State change", map[string]any{
		"provider": m.adapter.Name(),
		"from":     string(prev),
		"to":       string(s),
	})

	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(s)
	}
}

// Run blocks until ctx is canceled. Every session failure is followed by a
// fresh login after the backoff delay. In-flight responses are drained
// before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(StateDisconnected)
	defer m.wg.Wait()

	logger.InfoCF("chat", "Starting chat provider", map[string]any{
		"provider": m.adapter.Name(),
		"dispatch": m.opts.Dispatch.String(),
	})

	for {
		err := m.runSession(ctx)
		if ctx.Err() != nil {
			logger.InfoCF("chat", "Chat provider stopped", map[string]any{
				"provider": m.adapter.Name(),
			})
			return nil
		}

		m.setState(StateReconnecting)
		m.reportTeardown(err)

		delay := max(m.backoff.NextBackOff(), m.opts.MinReconnectDelay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (m *Manager) runSession(ctx context.Context) error {
	m.setState(StateAuthenticating)
	s, err := m.adapter.Authenticate(ctx, m.opts.Credentials)
	if err != nil {
		return err
	}

	// Closing the session unblocks Receive on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = m.adapter.Close(s) })
	defer func() {
		stop()
		_ = m.adapter.Close(s)
	}()

	m.router.SetSelf(s.UserID)
	logger.InfoCF("chat", "Logged in", map[string]any{
		"provider": m.adapter.Name(),
		"username": s.Username,
		"user_id":  s.UserID,
	})

	m.setState(StateDiscovering)
	channels, err := m.adapter.ListDirectChannels(ctx, s)
	if err != nil {
		return err
	}

	m.setState(StateSubscribing)
	for _, ch := range channels {
		if m.registry.Register(ch) {
			logger.InfoCF("chat", "Tracking direct channel", map[string]any{
				"channel_id": ch.ID,
				"name":       ch.Name,
			})
		}
	}
	for _, ch := range m.registry.Channels() {
		if err := m.adapter.Subscribe(ctx, s, ch); err != nil {
			return err
		}
	}
	metrics.SubscribedChannels.Set(float64(m.registry.Len()))

	if err := m.adapter.SubscribeChannelChanges(ctx, s); err != nil {
		return err
	}

	m.delivery.Flush(ctx, s)

	m.setState(StateListening)
	m.backoff.Reset()
	logger.InfoCF("chat", "Listening for messages", map[string]any{
		"provider": m.adapter.Name(),
		"channels": m.registry.Len(),
	})

	return m.listen(ctx, s)
}

func (m *Manager) listen(ctx context.Context, s *Session) error {
	for {
		raw, err := m.adapter.Receive(ctx, s)
		if err != nil {
			return err
		}

		ev, err := m.adapter.Decode(ctx, s, raw)
		if err != nil {
			metrics.ProtocolErrors.Inc()
			logger.DebugCF("chat", "Dropped frame", map[string]any{
				"provider": m.adapter.Name(),
				"error":    err.Error(),
			})
			continue
		}

		switch e := ev.(type) {
		case nil:
		case *InboundMessage:
			metrics.MessagesReceived.Inc()
			m.dispatch(ctx, s, e)
		case *ChannelChange:
			if err := m.onChannelChange(ctx, s, e); err != nil {
				return err
			}
		case KeepAlive:
			if err := m.adapter.Pong(ctx, s); err != nil {
				return &ConnectionLostError{Err: err}
			}
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, s *Session, msg *InboundMessage) {
	if !m.router.Accept(msg) {
		return
	}

	logger.InfoCF("chat", "Received direct message", map[string]any{
		"channel_id": msg.ChannelID,
		"message_id": msg.MessageID,
		"sender_id":  msg.SenderID,
	})

	// Engine calls are not canceled by shutdown once started.
	hctx := context.WithoutCancel(ctx)

	if m.opts.Dispatch == DispatchConcurrent {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.delivery.Deliver(hctx, s, msg)
		}()
		return
	}
	m.delivery.Deliver(hctx, s, msg)
}

func (m *Manager) onChannelChange(ctx context.Context, s *Session, change *ChannelChange) error {
	if change.Removed {
		logger.InfoCF("chat", "Channel removed", map[string]any{
			"channel_id": change.Channel.ID,
		})
		return nil
	}
	if !m.registry.Register(change.Channel) {
		return nil
	}

	logger.InfoCF("chat", "Subscribing to new direct channel", map[string]any{
		"channel_id": change.Channel.ID,
	})
	metrics.SubscribedChannels.Set(float64(m.registry.Len()))
	return m.adapter.Subscribe(ctx, s, change.Channel)
}

func (m *Manager) reportTeardown(err error) {
	var (
		authErr *AuthError
		lost    *ConnectionLostError
		cause   string
	)
	fields := map[string]any{"provider": m.adapter.Name()}
	if err != nil {
		fields["error"] = err.Error()
	}

	switch {
	case errors.As(err, &authErr) && authErr.Rejected:
		cause = "auth_rejected"
		logger.WarnCF("chat", "Credentials rejected, retrying", fields)
	case errors.As(err, &authErr):
		cause = "auth_failed"
		logger.WarnCF("chat", "Login failed, retrying", fields)
	case errors.As(err, &lost):
		cause = "connection_lost"
		logger.WarnCF("chat", "WebSocket connection closed, reconnecting", fields)
	default:
		cause = "transport"
		logger.ErrorCF("chat", "Session failed, reconnecting", fields)
	}
	metrics.Reconnects.WithLabelValues(cause).Inc()
}
