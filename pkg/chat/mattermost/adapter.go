// Package mattermost connects to Mattermost through the v4 REST API and its
// event websocket. The server pushes every event for the bot user, so
// subscriptions are bookkeeping only.
package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/tinyland-inc/txtchat/pkg/chat"
	"github.com/tinyland-inc/txtchat/pkg/logger"
)

const (
	Name = "mattermost"

	DefaultTimeout = 30 * time.Second
)

// Websocket events.
const (
	eventPosted      = "posted"
	eventDirectAdded = "direct_added"
)

// Channel types.
const (
	channelDirect  = "D"
	channelGroup   = "G"
	channelPrivate = "P"
)

type Option func(*Adapter)

// WithTimeout sets the REST client timeout and websocket handshake timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.timeout = d
		a.dialer.HandshakeTimeout = d
	}
}

// WithTransport sets the base round tripper under the bearer token
// transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) { a.transport = rt }
}

// Adapter implements chat.Adapter for Mattermost.
type Adapter struct {
	baseURL   string
	wsURL     string
	timeout   time.Duration
	transport http.RoundTripper
	dialer    *websocket.Dialer

	mu     sync.RWMutex
	api    *resty.Client
	direct map[string]struct{}
}

var _ chat.Adapter = (*Adapter)(nil)

func New(baseURL string, opts ...Option) (*Adapter, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	wsURL, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		baseURL:   baseURL,
		wsURL:     wsURL,
		timeout:   DefaultTimeout,
		transport: http.DefaultTransport,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultTimeout,
		},
		direct: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("mattermost: invalid url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("mattermost: unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v4/websocket"
	return u.String(), nil
}

func (a *Adapter) Name() string { return Name }

// newClient returns a REST client. A non-empty token is attached as a
// bearer token by the oauth2 transport.
func (a *Adapter) newClient(token string) *resty.Client {
	rt := a.transport
	if token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   a.transport,
		}
	}
	return resty.New().
		SetBaseURL(a.baseURL).
		SetTimeout(a.timeout).
		SetTransport(rt).
		SetHeader("Accept", "application/json")
}

func (a *Adapter) request(ctx context.Context) *resty.Request {
	a.mu.RLock()
	api := a.api
	a.mu.RUnlock()
	if api == nil {
		api = a.newClient("")
	}
	return api.R().SetContext(ctx).ForceContentType("application/json")
}

// Authenticate resolves a token (configured, or from a password login),
// verifies it against users/me and opens the event websocket.
func (a *Adapter) Authenticate(ctx context.Context, creds chat.Credentials) (*chat.Session, error) {
	token := creds.Token
	if token == "" {
		if creds.Username == "" || creds.Password == "" {
			return nil, &chat.AuthError{Provider: Name, Rejected: true, Err: errors.New("no token or password configured")}
		}
		var err error
		if token, err = a.login(ctx, creds); err != nil {
			return nil, err
		}
	}

	api := a.newClient(token)
	var me user
	resp, err := api.R().SetContext(ctx).ForceContentType("application/json").SetResult(&me).Get("/api/v4/users/me")
	if err != nil {
		return nil, &chat.AuthError{Provider: Name, Err: err}
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return nil, &chat.AuthError{Provider: Name, Rejected: true, Err: fmt.Errorf("users/me: %s", resp.Status())}
	}
	if resp.IsError() || me.ID == "" {
		return nil, &chat.AuthError{Provider: Name, Err: fmt.Errorf("users/me: %s", resp.Status())}
	}

	a.mu.Lock()
	a.api = api
	a.mu.Unlock()

	tok := &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
	header := http.Header{}
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)

	logger.InfoCF(Name, "Connecting to WebSocket", map[string]any{"url": a.wsURL})
	conn, _, err := a.dialer.DialContext(ctx, a.wsURL, header)
	if err != nil {
		return nil, &chat.AuthError{Provider: Name, Err: fmt.Errorf("dial websocket: %w", err)}
	}

	s := chat.NewSession(me.ID, me.Username, token, conn)
	if err := s.WriteJSON(authChallenge{
		Seq:    1,
		Action: "authentication_challenge",
		Data:   map[string]string{"token": token},
	}); err != nil {
		_ = s.Close()
		return nil, &chat.AuthError{Provider: Name, Err: err}
	}
	return s, nil
}

func (a *Adapter) login(ctx context.Context, creds chat.Credentials) (string, error) {
	resp, err := a.newClient("").R().
		SetContext(ctx).
		SetBody(loginRequest{LoginID: creds.Username, Password: creds.Password}).
		Post("/api/v4/users/login")
	if err != nil {
		return "", &chat.AuthError{Provider: Name, Err: err}
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return "", &chat.AuthError{Provider: Name, Rejected: true, Err: fmt.Errorf("login: %s", resp.Status())}
	}
	if resp.IsError() {
		return "", &chat.AuthError{Provider: Name, Err: fmt.Errorf("login: %s", resp.Status())}
	}
	token := resp.Header().Get("Token")
	if token == "" {
		return "", &chat.AuthError{Provider: Name, Rejected: true, Err: errors.New("login response carried no token")}
	}
	return token, nil
}

// ListDirectChannels returns the bot user's channels tagged with their kind.
func (a *Adapter) ListDirectChannels(ctx context.Context, _ *chat.Session) ([]chat.Channel, error) {
	var list []channel
	resp, err := a.request(ctx).SetResult(&list).Get("/api/v4/users/me/channels")
	if err != nil {
		return nil, fmt.Errorf("mattermost: list channels: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, &chat.AuthError{Provider: Name, Rejected: true, Err: fmt.Errorf("list channels: %s", resp.Status())}
	}
	if resp.IsError() {
		return nil, fmt.Errorf("mattermost: list channels: %s", resp.Status())
	}

	channels := make([]chat.Channel, 0, len(list))
	for _, ch := range list {
		if ch.ID == "" {
			continue
		}
		channels = append(channels, ch.toChannel())
	}
	return channels, nil
}

// Subscribe records ch as direct. Mattermost needs no subscription frame.
func (a *Adapter) Subscribe(_ context.Context, _ *chat.Session, ch chat.Channel) error {
	if ch.IsDirect() {
		a.rememberDirect(ch.ID)
	}
	logger.DebugCF(Name, "Tracking channel", map[string]any{"channel_id": ch.ID})
	return nil
}

func (a *Adapter) SubscribeChannelChanges(_ context.Context, _ *chat.Session) error {
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

// Decode maps websocket events. Posts outside direct channels decode to nil.
func (a *Adapter) Decode(ctx context.Context, s *chat.Session, ev chat.WireEvent) (chat.Event, error) {
	var e wsEvent
	if err := json.Unmarshal(ev.Data, &e); err != nil {
		return nil, &chat.ProtocolError{Reason: "invalid json", Err: err}
	}

	switch e.Event {
	case eventPosted:
		return a.decodePosted(ctx, s, e.Data)
	case eventDirectAdded:
		if e.Broadcast.ChannelID == "" {
			return nil, nil
		}
		return &chat.ChannelChange{Channel: chat.Channel{ID: e.Broadcast.ChannelID, Kind: chat.KindDirect}}, nil
	}
	return nil, nil
}

func (a *Adapter) decodePosted(ctx context.Context, s *chat.Session, raw json.RawMessage) (chat.Event, error) {
	var data postedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, &chat.ProtocolError{Reason: "invalid posted data", Err: err}
	}
	p, err := data.decodePost()
	if err != nil {
		return nil, &chat.ProtocolError{Reason: "invalid post", Err: err}
	}

	msg := &chat.InboundMessage{
		ChannelID:  p.ChannelID,
		SenderID:   p.UserID,
		SenderName: strings.TrimPrefix(data.SenderName, "@"),
		MessageID:  p.ID,
		ThreadID:   p.RootID,
		Text:       strings.TrimSpace(p.Message),
		Qualifier:  p.Type,
		SelfEcho:   s != nil && p.UserID != "" && p.UserID == s.UserID,
	}
	if msg.SelfEcho || msg.ChannelID == "" {
		return msg, nil
	}

	direct, err := a.isDirect(ctx, msg.ChannelID)
	if err != nil {
		return nil, &chat.ProtocolError{Reason: "channel lookup failed", Err: err}
	}
	if !direct {
		return nil, nil
	}
	return msg, nil
}

func (a *Adapter) rememberDirect(channelID string) {
	a.mu.Lock()
	a.direct[channelID] = struct{}{}
	a.mu.Unlock()
}

// isDirect resolves a channel's type. Only positive answers are cached.
func (a *Adapter) isDirect(ctx context.Context, channelID string) (bool, error) {
	a.mu.RLock()
	_, ok := a.direct[channelID]
	a.mu.RUnlock()
	if ok {
		return true, nil
	}

	var ch channel
	resp, err := a.request(ctx).
		SetPathParam("id", channelID).
		SetResult(&ch).
		Get("/api/v4/channels/{id}")
	if err != nil {
		return false, err
	}
	if resp.IsError() {
		return false, fmt.Errorf("channels/%s: %s", channelID, resp.Status())
	}

	if ch.Type != channelDirect {
		return false, nil
	}
	a.rememberDirect(channelID)
	return true, nil
}

// Pong is a no-op: Mattermost keep-alives are websocket control frames,
// answered by the transport.
func (a *Adapter) Pong(_ context.Context, _ *chat.Session) error {
	return nil
}

func (a *Adapter) SendTyping(ctx context.Context, _ *chat.Session, channelID string) error {
	resp, err := a.request(ctx).SetBody(typingRequest{ChannelID: channelID}).Post("/api/v4/users/me/typing")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("typing: %s", resp.Status())
	}
	return nil
}

func (a *Adapter) SendMessage(ctx context.Context, _ *chat.Session, msg chat.Outbound) (*chat.Receipt, error) {
	var created post
	resp, err := a.request(ctx).
		SetBody(createPostRequest{ChannelID: msg.ChannelID, Message: msg.Text, RootID: msg.ThreadID}).
		SetResult(&created).
		Post("/api/v4/posts")
	if err != nil {
		return nil, &chat.DeliveryError{ChannelID: msg.ChannelID, Retryable: true, Err: err}
	}
	if resp.IsError() {
		return nil, &chat.DeliveryError{
			ChannelID: msg.ChannelID,
			Retryable: chat.RetryableStatus(resp.StatusCode()),
			Err:       fmt.Errorf("create post: %s", resp.Status()),
		}
	}
	return &chat.Receipt{MessageID: created.ID, SentAt: time.Now()}, nil
}

func (a *Adapter) Close(s *chat.Session) error {
	if s == nil {
		return nil
	}
	return s.Close()
}
