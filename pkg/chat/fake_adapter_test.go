package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeFrame is one scripted Receive result. err short-circuits Receive;
// decodeErr is returned from Decode instead of ev.
type fakeFrame struct {
	ev        Event
	err       error
	decodeErr error
}

type fakeAdapter struct {
	mu sync.Mutex

	authErrs     []error
	authAttempts int
	channels     []Channel
	scripts      [][]fakeFrame
	failSessions map[int]bool

	sessions   map[*Session]int
	frames     map[string]fakeFrame
	frameSeq   int
	subscribes []string
	changeSubs int
	pongs      int
	typing     []string
	attempts   []Outbound
	sent       []Outbound
}

func newFakeAdapter(channels ...Channel) *fakeAdapter {
	return &fakeAdapter{
		channels:     channels,
		failSessions: make(map[int]bool),
		sessions:     make(map[*Session]int),
		frames:       make(map[string]fakeFrame),
	}
}

// script queues frames for the n-th successful session.
func (a *fakeAdapter) script(n int, frames ...fakeFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.scripts) <= n {
		a.scripts = append(a.scripts, nil)
	}
	a.scripts[n] = append(a.scripts[n], frames...)
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Authenticate(_ context.Context, _ Credentials) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authAttempts++
	if len(a.authErrs) > 0 {
		err := a.authErrs[0]
		a.authErrs = a.authErrs[1:]
		return nil, err
	}
	s := NewSession("bot-id", "bot", "token", nil)
	a.sessions[s] = len(a.sessions)
	return s, nil
}

func (a *fakeAdapter) ListDirectChannels(_ context.Context, _ *Session) ([]Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Channel(nil), a.channels...), nil
}

func (a *fakeAdapter) Subscribe(_ context.Context, _ *Session, ch Channel) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribes = append(a.subscribes, ch.ID)
	return nil
}

func (a *fakeAdapter) SubscribeChannelChanges(_ context.Context, _ *Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.changeSubs++
	return nil
}

func (a *fakeAdapter) Receive(ctx context.Context, s *Session) (WireEvent, error) {
	a.mu.Lock()
	idx := a.sessions[s]
	var (
		frame fakeFrame
		ok    bool
	)
	if idx < len(a.scripts) && len(a.scripts[idx]) > 0 {
		frame, ok = a.scripts[idx][0], true
		a.scripts[idx] = a.scripts[idx][1:]
	}
	key := ""
	if ok && frame.err == nil {
		a.frameSeq++
		key = fmt.Sprintf("frame-%d", a.frameSeq)
		a.frames[key] = frame
	}
	a.mu.Unlock()

	if ok {
		if frame.err != nil {
			return WireEvent{}, frame.err
		}
		return WireEvent{Data: []byte(key), ReceivedAt: time.Now()}, nil
	}

	select {
	case <-s.Done():
		return WireEvent{}, &ConnectionLostError{Err: ErrSessionClosed}
	case <-ctx.Done():
		return WireEvent{}, &ConnectionLostError{Err: ctx.Err()}
	}
}

func (a *fakeAdapter) Decode(_ context.Context, _ *Session, ev WireEvent) (Event, error) {
	a.mu.Lock()
	frame, ok := a.frames[string(ev.Data)]
	delete(a.frames, string(ev.Data))
	a.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if frame.decodeErr != nil {
		return nil, frame.decodeErr
	}
	return frame.ev, nil
}

func (a *fakeAdapter) Pong(_ context.Context, _ *Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pongs++
	return nil
}

func (a *fakeAdapter) SendTyping(_ context.Context, _ *Session, channelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.typing = append(a.typing, channelID)
	return nil
}

func (a *fakeAdapter) SendMessage(_ context.Context, s *Session, msg Outbound) (*Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts = append(a.attempts, msg)
	if s.IsClosed() || a.failSessions[a.sessions[s]] {
		return nil, &DeliveryError{ChannelID: msg.ChannelID, Retryable: true, Err: ErrSessionClosed}
	}
	a.sent = append(a.sent, msg)
	return &Receipt{MessageID: fmt.Sprintf("sent-%d", len(a.sent)), SentAt: time.Now()}, nil
}

func (a *fakeAdapter) Close(s *Session) error {
	return s.Close()
}

func (a *fakeAdapter) snapshot() fakeSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fakeSnapshot{
		authAttempts: a.authAttempts,
		sessions:     len(a.sessions),
		subscribes:   append([]string(nil), a.subscribes...),
		changeSubs:   a.changeSubs,
		pongs:        a.pongs,
		typing:       append([]string(nil), a.typing...),
		attempts:     append([]Outbound(nil), a.attempts...),
		sent:         append([]Outbound(nil), a.sent...),
	}
}

type fakeSnapshot struct {
	authAttempts int
	sessions     int
	subscribes   []string
	changeSubs   int
	pongs        int
	typing       []string
	attempts     []Outbound
	sent         []Outbound
}

// recordingEngine answers "re: <text>" and records every call.
type recordingEngine struct {
	mu    sync.Mutex
	calls []string
	gate  chan struct{}
}

func (e *recordingEngine) Generate(_ context.Context, text, session string) string {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	e.calls = append(e.calls, session+":"+text)
	e.mu.Unlock()
	return "re: " + text
}

func (e *recordingEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func direct(id string) Channel { return Channel{ID: id, Kind: KindDirect} }

func inbound(channelID, messageID, text string) *InboundMessage {
	return &InboundMessage{
		ChannelID:  channelID,
		SenderID:   "user-1",
		SenderName: "alice",
		MessageID:  messageID,
		Text:       text,
	}
}
