package chat

import (
	"encoding/json"
	"sync"
	"time"
)

// ChannelKind classifies a conversation. Only direct channels are subscribed.
type ChannelKind string

const (
	KindDirect ChannelKind = "direct"
	KindGroup  ChannelKind = "group"
	KindPublic ChannelKind = "public"
)

// Channel is a conversation the bot may receive messages on.
type Channel struct {
	ID   string      `json:"id"`
	Name string      `json:"name,omitempty"`
	Kind ChannelKind `json:"kind"`
}

func (c Channel) IsDirect() bool {
	return c.Kind == KindDirect
}

// Credentials are the connection parameters handed to Adapter.Authenticate.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// WireEvent is one raw frame read from the websocket.
type WireEvent struct {
	Data       []byte
	ReceivedAt time.Time
}

// Event is a decoded WireEvent: *InboundMessage, *ChannelChange or KeepAlive.
type Event interface {
	isEvent()
}

// InboundMessage is a user message decoded from the platform.
type InboundMessage struct {
	ChannelID  string `json:"channel_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	MessageID  string `json:"message_id"`
	ThreadID   string `json:"thread_id,omitempty"`
	Text       string `json:"text"`
	// Qualifier is the platform marker for system, edit or bot-originated
	// events. Empty for a plain new user message.
	Qualifier string `json:"qualifier,omitempty"`
	SelfEcho  bool   `json:"self_echo,omitempty"`
}

// ChannelChange reports a channel created, changed or removed for the bot user.
type ChannelChange struct {
	Channel Channel
	Removed bool
}

// KeepAlive is a protocol-level ping that needs a protocol-level reply.
type KeepAlive struct{}

func (*InboundMessage) isEvent() {}
func (*ChannelChange) isEvent()  {}
func (KeepAlive) isEvent()       {}

// Outbound is a rendered response ready for delivery.
type Outbound struct {
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	Text      string `json:"text"`
}

// Receipt acknowledges a delivered message.
type Receipt struct {
	MessageID string
	SentAt    time.Time
}

// Conn is the websocket surface a Session needs. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// textMessage mirrors websocket.TextMessage so this package does not depend
// on a transport.
const textMessage = 1

// Session is one authenticated connection to a chat platform. It is created
// by Adapter.Authenticate on every (re)connect and discarded on teardown.
type Session struct {
	UserID   string
	Username string
	Token    string
	Conn     Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession returns a session bound to conn. conn may be nil for adapters
// that open the websocket after the REST handshake; set it with Attach.
func NewSession(userID, username, token string, conn Conn) *Session {
	return &Session{
		UserID:   userID,
		Username: username,
		Token:    token,
		Conn:     conn,
		closed:   make(chan struct{}),
	}
}

// Attach binds the websocket to the session.
func (s *Session) Attach(conn Conn) {
	s.writeMu.Lock()
	s.Conn = conn
	s.writeMu.Unlock()
}

// WriteJSON encodes v and writes it as a single text frame. Writes are
// serialized because concurrent dispatch may send typing frames while the
// receive loop answers pings.
func (s *Session) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.IsClosed() || s.Conn == nil {
		return ErrSessionClosed
	}
	return s.Conn.WriteMessage(textMessage, data)
}

// Close closes the websocket once. Safe to call from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		conn := s.Conn
		s.writeMu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}
