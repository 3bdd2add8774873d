// Package rocketchat connects to Rocket.Chat over the DDP realtime API.
// Login and message delivery go through the REST API; subscriptions, typing
// indicators and inbound events travel over a single websocket per session.
package rocketchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/txtchat/pkg/chat"
	"github.com/tinyland-inc/txtchat/pkg/logger"
)

const (
	Name = "rocketchat"

	DefaultTimeout = 30 * time.Second
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the REST client timeout and websocket handshake timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.rest.SetTimeout(d)
		a.dialer.HandshakeTimeout = d
	}
}

// WithClock overrides the clock used for typing indicator ids.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter implements chat.Adapter for Rocket.Chat.
type Adapter struct {
	baseURL string
	wsURL   string
	rest    *resty.Client
	dialer  *websocket.Dialer
	now     func() time.Time
}

var _ chat.Adapter = (*Adapter)(nil)

func New(baseURL string, opts ...Option) (*Adapter, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	wsURL, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		baseURL: baseURL,
		wsURL:   wsURL,
		rest: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(DefaultTimeout).
			SetHeader("Accept", "application/json"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultTimeout,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("rocketchat: invalid url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("rocketchat: unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/websocket"
	return u.String(), nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) request(ctx context.Context, s *chat.Session) *resty.Request {
	req := a.rest.R().
		SetContext(ctx).
		ForceContentType("application/json")
	if s != nil {
		req.SetHeaders(map[string]string{
			"X-Auth-Token": s.Token,
			"X-User-Id":    s.UserID,
		})
	}
	return req
}

// Authenticate logs in over REST, opens the websocket and completes the DDP
// connect and resume-login handshake.
func (a *Adapter) Authenticate(ctx context.Context, creds chat.Credentials) (*chat.Session, error) {
	var login loginResponse
	resp, err := a.request(ctx, nil).
		SetBody(loginRequest{Username: creds.Username, Password: creds.Password}).
		SetResult(&login).
		SetError(&login).
		Post("/api/v1/login")
	if err != nil {
		return nil, &chat.AuthError{Provider: Name, Err: err}
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return nil, &chat.AuthError{Provider: Name, Rejected: true, Err: fmt.Errorf("login: %s", resp.Status())}
	}
	if resp.IsError() {
		return nil, &chat.AuthError{Provider: Name, Err: fmt.Errorf("login: %s", resp.Status())}
	}
	if login.Data.UserID == "" || login.Data.AuthToken == "" {
		return nil, &chat.AuthError{Provider: Name, Rejected: true, Err: errors.New("login response carried no token")}
	}

	username := login.Data.Me.Username
	if username == "" {
		username = creds.Username
	}

	logger.InfoCF(Name, "Connecting to WebSocket", map[string]any{"url": a.wsURL})
	conn, _, err := a.dialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		return nil, &chat.AuthError{Provider: Name, Err: fmt.Errorf("dial websocket: %w", err)}
	}

	s := chat.NewSession(login.Data.UserID, username, login.Data.AuthToken, conn)
	if err := a.handshake(ctx, s, conn); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (a *Adapter) handshake(ctx context.Context, s *chat.Session, conn *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := s.WriteJSON(newConnect()); err != nil {
		return &chat.AuthError{Provider: Name, Err: err}
	}
	for {
		f, err := a.readHandshakeFrame(s, conn)
		if err != nil {
			return err
		}
		if f.Msg == msgConnected {
			break
		}
		if f.Msg == msgFailed {
			return &chat.AuthError{Provider: Name, Err: errors.New("server rejected DDP version")}
		}
	}

	if err := s.WriteJSON(newResumeLogin(s.Token)); err != nil {
		return &chat.AuthError{Provider: Name, Err: err}
	}
	for {
		f, err := a.readHandshakeFrame(s, conn)
		if err != nil {
			return err
		}
		if f.Msg != msgResult || f.ID != loginMethodID {
			continue
		}
		if f.Error != nil {
			return &chat.AuthError{Provider: Name, Rejected: true, Err: fmt.Errorf("resume login: %s", f.Error)}
		}
		return nil
	}
}

// readHandshakeFrame reads the next frame, answering pings along the way.
func (a *Adapter) readHandshakeFrame(s *chat.Session, conn *websocket.Conn) (*inboundFrame, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, &chat.AuthError{Provider: Name, Err: fmt.Errorf("handshake: %w", err)}
		}

		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.DebugCF(Name, "Skipping malformed handshake frame", map[string]any{"error": err.Error()})
			continue
		}
		if f.Msg == msgPing {
			if err := s.WriteJSON(pongFrame{Msg: msgPong}); err != nil {
				return nil, &chat.AuthError{Provider: Name, Err: err}
			}
			continue
		}
		return &f, nil
	}
}

// ListDirectChannels returns every room the user belongs to, tagged with its
// kind.
func (a *Adapter) ListDirectChannels(ctx context.Context, s *chat.Session) ([]chat.Channel, error) {
	var rooms roomsResponse
	resp, err := a.request(ctx, s).SetResult(&rooms).Get("/api/v1/rooms.get")
	if err != nil {
		return nil, fmt.Errorf("rocketchat: list rooms: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, &chat.AuthError{Provider: Name, Rejected: true, Err: fmt.Errorf("list rooms: %s", resp.Status())}
	}
	if resp.IsError() {
		return nil, fmt.Errorf("rocketchat: list rooms: %s", resp.Status())
	}

	channels := make([]chat.Channel, 0, len(rooms.Update))
	for _, r := range rooms.Update {
		if r.ID == "" {
			continue
		}
		channels = append(channels, toChannel(r))
	}
	logger.DebugCF(Name, "Listed rooms", map[string]any{"count": len(channels)})
	return channels, nil
}

func toChannel(r room) chat.Channel {
	name := r.Name
	if name == "" {
		name = r.FName
	}
	kind := chat.KindPublic
	switch r.T {
	case roomDirect:
		kind = chat.KindDirect
	case roomPrivate:
		kind = chat.KindGroup
	}
	return chat.Channel{ID: r.ID, Name: name, Kind: kind}
}

func (a *Adapter) Subscribe(_ context.Context, s *chat.Session, ch chat.Channel) error {
	if err := s.WriteJSON(newRoomSub(ch.ID)); err != nil {
		return &chat.ConnectionLostError{Err: err}
	}
	logger.InfoCF(Name, "Subscribed to room", map[string]any{
		"room_id": ch.ID,
		"name":    ch.Name,
	})
	return nil
}

func (a *Adapter) SubscribeChannelChanges(_ context.Context, s *chat.Session) error {
	if err := s.WriteJSON(newChannelChangesSub(s.UserID)); err != nil {
		return &chat.ConnectionLostError{Err: err}
	}
	logger.InfoC(Name, "Subscribed to channel changes")
	return nil
}

func (a *Adapter) Receive(ctx context.Context, s *chat.Session) (chat.WireEvent, error) {
	if err := ctx.Err(); err != nil {
		return chat.WireEvent{}, &chat.ConnectionLostError{Err: err}
	}
	if s.Conn == nil {
		return chat.WireEvent{}, &chat.ConnectionLostError{Err: chat.ErrSessionClosed}
	}
	_, data, err := s.Conn.ReadMessage()
	if err != nil {
		return chat.WireEvent{}, &chat.ConnectionLostError{Err: err}
	}
	return chat.WireEvent{Data: data, ReceivedAt: time.Now()}, nil
}

// Decode maps a DDP frame to a chat event. Frames other than pings and
// subscription changes are ignored.
func (a *Adapter) Decode(_ context.Context, s *chat.Session, ev chat.WireEvent) (chat.Event, error) {
	var f inboundFrame
	if err := json.Unmarshal(ev.Data, &f); err != nil {
		return nil, &chat.ProtocolError{Reason: "invalid json", Err: err}
	}

	switch f.Msg {
	case msgPing:
		return chat.KeepAlive{}, nil
	case msgNoSub:
		if f.Error != nil {
			return nil, &chat.ProtocolError{Reason: "subscription " + f.ID + " rejected: " + f.Error.String()}
		}
		return nil, nil
	case msgChanged:
	default:
		return nil, nil
	}

	switch f.Collection {
	case streamRoomMessages:
		return decodeRoomMessage(s, f.Fields.Args)
	case streamNotifyUser:
		return decodeRoomChange(f.Fields.Args)
	}
	return nil, nil
}

func decodeRoomMessage(s *chat.Session, args []json.RawMessage) (chat.Event, error) {
	if len(args) == 0 {
		return nil, &chat.ProtocolError{Reason: "room message without args"}
	}

	var m roomMessage
	if err := json.Unmarshal(args[0], &m); err != nil {
		return nil, &chat.ProtocolError{Reason: "invalid room message", Err: err}
	}

	qualifier := m.T
	if qualifier == "" && m.edited() {
		qualifier = "edited"
	}

	return &chat.InboundMessage{
		ChannelID:  m.RID,
		SenderID:   m.U.ID,
		SenderName: m.U.Username,
		MessageID:  m.ID,
		ThreadID:   m.TMID,
		Text:       strings.TrimSpace(m.Msg),
		Qualifier:  qualifier,
		SelfEcho:   s != nil && m.U.ID != "" && m.U.ID == s.UserID,
	}, nil
}

func decodeRoomChange(args []json.RawMessage) (chat.Event, error) {
	if len(args) < 2 {
		return nil, nil
	}

	var etype string
	if err := json.Unmarshal(args[0], &etype); err != nil {
		return nil, &chat.ProtocolError{Reason: "invalid rooms-changed event type", Err: err}
	}
	var r room
	if err := json.Unmarshal(args[1], &r); err != nil {
		return nil, &chat.ProtocolError{Reason: "invalid rooms-changed room", Err: err}
	}
	if r.ID == "" {
		return nil, nil
	}

	return &chat.ChannelChange{Channel: toChannel(r), Removed: etype == "removed"}, nil
}

func (a *Adapter) Pong(_ context.Context, s *chat.Session) error {
	return s.WriteJSON(pongFrame{Msg: msgPong})
}

func (a *Adapter) SendTyping(_ context.Context, s *chat.Session, channelID string) error {
	return s.WriteJSON(newTyping(channelID, s.Username, a.now()))
}

// SendMessage posts over REST so a reply can still go out while the
// websocket is being re-established.
func (a *Adapter) SendMessage(ctx context.Context, s *chat.Session, msg chat.Outbound) (*chat.Receipt, error) {
	body := sendMessageRequest{Message: outgoingMessage{
		ID:   uuid.NewString(),
		RID:  msg.ChannelID,
		Msg:  msg.Text,
		TMID: msg.ThreadID,
	}}

	var out sendMessageResponse
	resp, err := a.request(ctx, s).SetBody(body).SetResult(&out).Post("/api/v1/chat.sendMessage")
	if err != nil {
		return nil, &chat.DeliveryError{ChannelID: msg.ChannelID, Retryable: true, Err: err}
	}
	if resp.IsError() {
		return nil, &chat.DeliveryError{
			ChannelID: msg.ChannelID,
			Retryable: chat.RetryableStatus(resp.StatusCode()),
			Err:       fmt.Errorf("chat.sendMessage: %s", resp.Status()),
		}
	}

	id := out.Message.ID
	if id == "" {
		id = body.Message.ID
	}
	return &chat.Receipt{MessageID: id, SentAt: time.Now()}, nil
}

func (a *Adapter) Close(s *chat.Session) error {
	if s == nil {
		return nil
	}
	return s.Close()
}
