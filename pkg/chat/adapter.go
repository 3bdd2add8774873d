// Package chat implements the chat provider integration layer: the
// connection lifecycle, subscription bookkeeping, inbound de-duplication and
// outbound delivery shared by every platform adapter.
//
// A platform is plugged in by implementing Adapter. The Manager drives it
// through login, channel discovery, subscription and the receive loop, and
// reconnects forever when the transport drops.
package chat

import "context"

// Adapter speaks one chat platform's wire protocol. Implementations own the
// REST client and create one websocket per Session.
type Adapter interface {
	// Name returns the provider identifier used in logs and metrics.
	Name() string

	// Authenticate performs the platform login handshake and opens the
	// websocket. Failures are *AuthError.
	Authenticate(ctx context.Context, creds Credentials) (*Session, error)

	// ListDirectChannels enumerates channels visible to the bot user. The
	// Registry filters out anything that is not direct.
	ListDirectChannels(ctx context.Context, s *Session) ([]Channel, error)

	// Subscribe registers server-side interest in a channel's messages.
	Subscribe(ctx context.Context, s *Session, ch Channel) error

	// SubscribeChannelChanges registers for channel created/changed events.
	// They arrive through Receive and decode to *ChannelChange.
	SubscribeChannelChanges(ctx context.Context, s *Session) error

	// Receive blocks for the next frame. Any close, clean or not, is a
	// *ConnectionLostError.
	Receive(ctx context.Context, s *Session) (WireEvent, error)

	// Decode classifies a frame. Unknown frames return nil, nil; malformed
	// frames return a *ProtocolError.
	Decode(ctx context.Context, s *Session, ev WireEvent) (Event, error)

	// Pong answers a KeepAlive.
	Pong(ctx context.Context, s *Session) error

	// SendTyping is best effort.
	SendTyping(ctx context.Context, s *Session, channelID string) error

	// SendMessage delivers a response. Failures are *DeliveryError.
	SendMessage(ctx context.Context, s *Session, msg Outbound) (*Receipt, error)

	// Close tears down the session transport.
	Close(s *Session) error
}

// Engine turns inbound text into a reply. Generate must not fail: callers
// map internal errors to a fallback string before it reaches delivery.
type Engine interface {
	Generate(ctx context.Context, text, session string) string
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, text, session string) string

func (f EngineFunc) Generate(ctx context.Context, text, session string) string {
	return f(ctx, text, session)
}
