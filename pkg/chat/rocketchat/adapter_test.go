package rocketchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/txtchat/pkg/chat"
)

// ddpServer is a minimal Rocket.Chat: REST login, rooms.get and
// chat.sendMessage plus a DDP websocket that completes the connect and
// resume-login handshake and then hands the connection to the test.
type ddpServer struct {
	t   *testing.T
	srv *httptest.Server

	loginStatus int
	sendStatus  int
	resumeError bool
	rooms       []map[string]any

	mu        sync.Mutex
	handshake []map[string]any
	sent      []map[string]any
	conns     chan *websocket.Conn
}

func newDDPServer(t *testing.T) *ddpServer {
	t.Helper()
	d := &ddpServer{t: t, conns: make(chan *websocket.Conn, 4)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/login", d.login)
	mux.HandleFunc("GET /api/v1/rooms.get", d.roomsGet)
	mux.HandleFunc("POST /api/v1/chat.sendMessage", d.sendMessage)
	mux.HandleFunc("/websocket", d.websocket)

	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (d *ddpServer) login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	if d.loginStatus != 0 {
		writeJSON(w, d.loginStatus, map[string]any{"status": "error", "message": "Unauthorized"})
		return
	}
	if body.Username != "bot" || body.Password != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": "error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data": map[string]any{
			"userId":    "bot-id",
			"authToken": "tok",
			"me":        map[string]any{"username": "bot"},
		},
	})
}

func (d *ddpServer) authorized(r *http.Request) bool {
	return r.Header.Get("X-Auth-Token") == "tok" && r.Header.Get("X-User-Id") == "bot-id"
}

func (d *ddpServer) roomsGet(w http.ResponseWriter, r *http.Request) {
	if !d.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"update": d.rooms, "success": true})
}

func (d *ddpServer) sendMessage(w http.ResponseWriter, r *http.Request) {
	if !d.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false})
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	d.mu.Lock()
	d.sent = append(d.sent, body)
	d.mu.Unlock()

	if d.sendStatus != 0 {
		writeJSON(w, d.sendStatus, map[string]any{"success": false})
		return
	}
	msg, _ := body["message"].(map[string]any)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": map[string]any{"_id": msg["_id"]},
		"success": true,
	})
}

func (d *ddpServer) websocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	record := func() map[string]any {
		var f map[string]any
		if err := conn.ReadJSON(&f); err != nil {
			return nil
		}
		d.mu.Lock()
		d.handshake = append(d.handshake, f)
		d.mu.Unlock()
		return f
	}

	record() // connect
	_ = conn.WriteJSON(map[string]any{"server_id": "0"})
	_ = conn.WriteJSON(map[string]any{"msg": "ping"})
	_ = conn.WriteJSON(map[string]any{"msg": "connected", "session": "s1"})

	record() // pong
	record() // login
	_ = conn.WriteJSON(map[string]any{"msg": "updated", "methods": []string{"1"}})
	if d.resumeError {
		_ = conn.WriteJSON(map[string]any{
			"msg":   "result",
			"id":    "1",
			"error": map[string]any{"error": 403, "reason": "You've been logged out by the server", "message": "You've been logged out by the server [403]"},
		})
		_ = conn.Close()
		return
	}
	_ = conn.WriteJSON(map[string]any{"msg": "result", "id": "1", "result": map[string]any{"id": "bot-id", "token": "tok"}})

	d.conns <- conn
}

func (d *ddpServer) adapter(opts ...Option) *Adapter {
	d.t.Helper()
	a, err := New(d.srv.URL+"/", opts...)
	require.NoError(d.t, err)
	return a
}

// session authenticates and returns the client session with the server end
// of its websocket.
func (d *ddpServer) session(a *Adapter) (*chat.Session, *websocket.Conn) {
	d.t.Helper()
	s, err := a.Authenticate(context.Background(), chat.Credentials{Username: "bot", Password: "secret"})
	require.NoError(d.t, err)
	d.t.Cleanup(func() { _ = a.Close(s) })

	select {
	case conn := <-d.conns:
		d.t.Cleanup(func() { _ = conn.Close() })
		return s, conn
	case <-time.After(2 * time.Second):
		d.t.Fatal("websocket not handed over")
		return nil, nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f map[string]any
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"http://chat.local:3000", "ws://chat.local:3000/websocket", false},
		{"https://chat.example.com", "wss://chat.example.com/websocket", false},
		{"https://example.com/rocket", "wss://example.com/rocket/websocket", false},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestAuthenticate_Handshake(t *testing.T) {
	d := newDDPServer(t)
	s, _ := d.session(d.adapter())

	assert.Equal(t, "bot-id", s.UserID)
	assert.Equal(t, "bot", s.Username)
	assert.Equal(t, "tok", s.Token)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.handshake, 3)
	assert.Equal(t, map[string]any{"msg": "connect", "version": "1", "support": []any{"1"}}, d.handshake[0])
	assert.Equal(t, map[string]any{"msg": "pong"}, d.handshake[1])
	assert.Equal(t, map[string]any{
		"msg":    "method",
		"method": "login",
		"id":     "1",
		"params": []any{map[string]any{"resume": "tok"}},
	}, d.handshake[2])
}

func TestAuthenticate_Rejected(t *testing.T) {
	d := newDDPServer(t)
	d.loginStatus = http.StatusUnauthorized

	_, err := d.adapter().Authenticate(context.Background(), chat.Credentials{Username: "bot", Password: "bad"})
	var authErr *chat.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Rejected)
	assert.Equal(t, Name, authErr.Provider)
}

func TestAuthenticate_ServerError(t *testing.T) {
	d := newDDPServer(t)
	d.loginStatus = http.StatusBadGateway

	_, err := d.adapter().Authenticate(context.Background(), chat.Credentials{Username: "bot", Password: "secret"})
	var authErr *chat.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, authErr.Rejected)
}

func TestAuthenticate_ResumeLoginError(t *testing.T) {
	d := newDDPServer(t)
	d.resumeError = true

	_, err := d.adapter().Authenticate(context.Background(), chat.Credentials{Username: "bot", Password: "secret"})
	var authErr *chat.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Rejected)
	assert.Contains(t, err.Error(), "logged out")
}

func TestAuthenticate_Unreachable(t *testing.T) {
	a, err := New("http://127.0.0.1:1", WithTimeout(time.Second))
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), chat.Credentials{Username: "bot", Password: "secret"})
	var authErr *chat.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, authErr.Rejected)
}

func TestListDirectChannels(t *testing.T) {
	d := newDDPServer(t)
	d.rooms = []map[string]any{
		{"_id": "d1", "t": "d"},
		{"_id": "general", "t": "c", "name": "general"},
		{"_id": "p1", "t": "p", "fname": "Team"},
		{"t": "d"},
	}
	a := d.adapter()
	s, _ := d.session(a)

	channels, err := a.ListDirectChannels(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []chat.Channel{
		{ID: "d1", Kind: chat.KindDirect},
		{ID: "general", Name: "general", Kind: chat.KindPublic},
		{ID: "p1", Name: "Team", Kind: chat.KindGroup},
	}, channels)
}

func TestSubscribeFrames(t *testing.T) {
	d := newDDPServer(t)
	a := d.adapter()
	s, conn := d.session(a)

	require.NoError(t, a.Subscribe(context.Background(), s, chat.Channel{ID: "d1", Kind: chat.KindDirect}))
	assert.Equal(t, map[string]any{
		"msg":    "sub",
		"id":     "sub_d1",
		"name":   "stream-room-messages",
		"params": []any{"d1", false},
	}, readFrame(t, conn))

	require.NoError(t, a.SubscribeChannelChanges(context.Background(), s))
	assert.Equal(t, map[string]any{
		"msg":    "sub",
		"id":     "channel_changes_sub",
		"name":   "stream-notify-user",
		"params": []any{"bot-id/rooms-changed", false},
	}, readFrame(t, conn))
}

func TestPingAnsweredWithPong(t *testing.T) {
	d := newDDPServer(t)
	a := d.adapter()
	s, conn := d.session(a)

	require.NoError(t, conn.WriteJSON(map[string]any{"msg": "ping"}))

	ev, err := a.Receive(context.Background(), s)
	require.NoError(t, err)
	decoded, err := a.Decode(context.Background(), s, ev)
	require.NoError(t, err)
	require.IsType(t, chat.KeepAlive{}, decoded)

	require.NoError(t, a.Pong(context.Background(), s))
	assert.Equal(t, map[string]any{"msg": "pong"}, readFrame(t, conn))
}

func TestSendTyping(t *testing.T) {
	d := newDDPServer(t)
	at := time.UnixMilli(1700000000123)
	a := d.adapter(WithClock(func() time.Time { return at }))
	s, conn := d.session(a)

	require.NoError(t, a.SendTyping(context.Background(), s, "d1"))
	assert.Equal(t, map[string]any{
		"msg":    "method",
		"method": "stream-notify-room",
		"id":     "typing_1700000000123",
		"params": []any{"d1/user-activity", "bot", []any{"user-typing"}},
	}, readFrame(t, conn))
}

func TestReceive_ConnectionLost(t *testing.T) {
	d := newDDPServer(t)
	a := d.adapter()
	s, conn := d.session(a)

	require.NoError(t, conn.Close())

	_, err := a.Receive(context.Background(), s)
	var lost *chat.ConnectionLostError
	assert.ErrorAs(t, err, &lost)
}

func TestReceive_UnblocksOnClose(t *testing.T) {
	d := newDDPServer(t)
	a := d.adapter()
	s, _ := d.session(a)

	errc := make(chan error, 1)
	go func() {
		_, err := a.Receive(context.Background(), s)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close(s))

	select {
	case err := <-errc:
		var lost *chat.ConnectionLostError
		assert.ErrorAs(t, err, &lost)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestSendMessage(t *testing.T) {
	d := newDDPServer(t)
	a := d.adapter()
	s, _ := d.session(a)

	receipt, err := a.SendMessage(context.Background(), s, chat.Outbound{ChannelID: "d1", ThreadID: "m1", Text: "hello"})
	require.NoError(t, err)

	d.mu.Lock()
	require.Len(t, d.sent, 1)
	msg := d.sent[0]["message"].(map[string]any)
	d.mu.Unlock()

	assert.Equal(t, "d1", msg["rid"])
	assert.Equal(t, "hello", msg["msg"])
	assert.Equal(t, "m1", msg["tmid"])
	assert.NotEmpty(t, msg["_id"])
	assert.Equal(t, msg["_id"], receipt.MessageID)
}

func TestSendMessage_OmitsEmptyThread(t *testing.T) {
	d := newDDPServer(t)
	a := d.adapter()
	s, _ := d.session(a)

	_, err := a.SendMessage(context.Background(), s, chat.Outbound{ChannelID: "d1", Text: "hi"})
	require.NoError(t, err)

	d.mu.Lock()
	defer d.mu.Unlock()
	msg := d.sent[0]["message"].(map[string]any)
	_, hasThread := msg["tmid"]
	assert.False(t, hasThread)
}

func TestSendMessage_AfterSessionClosed(t *testing.T) {
	d := newDDPServer(t)
	a := d.adapter()
	s, _ := d.session(a)
	_ = a.Close(s)
	require.True(t, s.IsClosed())

	// Sends go over REST and do not depend on the websocket.
	_, err := a.SendMessage(context.Background(), s, chat.Outbound{ChannelID: "d1", Text: "late"})
	require.NoError(t, err)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.sent, 1)
	assert.Equal(t, "late", d.sent[0]["message"].(map[string]any)["msg"])
}

func TestSendMessage_Failures(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		d := newDDPServer(t)
		d.sendStatus = tt.status
		a := d.adapter()
		s, _ := d.session(a)

		_, err := a.SendMessage(context.Background(), s, chat.Outbound{ChannelID: "d1", Text: "x"})
		var de *chat.DeliveryError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, tt.retryable, de.Retryable, "status %d", tt.status)
		assert.Equal(t, "d1", de.ChannelID)
	}
}

func TestSendMessage_NetworkErrorRetryable(t *testing.T) {
	a, err := New("http://127.0.0.1:1", WithTimeout(time.Second))
	require.NoError(t, err)
	s := chat.NewSession("bot-id", "bot", "tok", nil)

	_, err = a.SendMessage(context.Background(), s, chat.Outbound{ChannelID: "d1", Text: "x"})
	assert.True(t, chat.IsRetryableDelivery(err))
}

func TestDecode(t *testing.T) {
	a, err := New("http://chat.local")
	require.NoError(t, err)
	s := chat.NewSession("bot-id", "bot", "tok", nil)

	decode := func(frame string) (chat.Event, error) {
		return a.Decode(context.Background(), s, chat.WireEvent{Data: []byte(frame)})
	}

	t.Run("room message", func(t *testing.T) {
		ev, err := decode(`{"msg":"changed","collection":"stream-room-messages","id":"id","fields":{"eventName":"d1","args":[{"_id":"m1","rid":"d1","msg":"  hello  ","u":{"_id":"u1","username":"alice"}}]}}`)
		require.NoError(t, err)
		assert.Equal(t, &chat.InboundMessage{
			ChannelID:  "d1",
			SenderID:   "u1",
			SenderName: "alice",
			MessageID:  "m1",
			Text:       "hello",
		}, ev)
	})

	t.Run("thread reply", func(t *testing.T) {
		ev, err := decode(`{"msg":"changed","collection":"stream-room-messages","fields":{"args":[{"_id":"m2","rid":"d1","msg":"more","tmid":"m1","u":{"_id":"u1"}}]}}`)
		require.NoError(t, err)
		assert.Equal(t, "m1", ev.(*chat.InboundMessage).ThreadID)
	})

	t.Run("edited", func(t *testing.T) {
		ev, err := decode(`{"msg":"changed","collection":"stream-room-messages","fields":{"args":[{"_id":"m1","rid":"d1","msg":"fixed","editedAt":{"$date":1},"u":{"_id":"u1"}}]}}`)
		require.NoError(t, err)
		assert.Equal(t, "edited", ev.(*chat.InboundMessage).Qualifier)
	})

	t.Run("system message", func(t *testing.T) {
		ev, err := decode(`{"msg":"changed","collection":"stream-room-messages","fields":{"args":[{"_id":"m1","rid":"d1","msg":"alice","t":"uj","u":{"_id":"u1"}}]}}`)
		require.NoError(t, err)
		assert.Equal(t, "uj", ev.(*chat.InboundMessage).Qualifier)
	})

	t.Run("self echo", func(t *testing.T) {
		ev, err := decode(`{"msg":"changed","collection":"stream-room-messages","fields":{"args":[{"_id":"m1","rid":"d1","msg":"mine","u":{"_id":"bot-id"}}]}}`)
		require.NoError(t, err)
		assert.True(t, ev.(*chat.InboundMessage).SelfEcho)
	})

	t.Run("new direct channel", func(t *testing.T) {
		ev, err := decode(`{"msg":"changed","collection":"stream-notify-user","fields":{"eventName":"bot-id/rooms-changed","args":["inserted",{"_id":"d9","t":"d"}]}}`)
		require.NoError(t, err)
		assert.Equal(t, &chat.ChannelChange{Channel: chat.Channel{ID: "d9", Kind: chat.KindDirect}}, ev)
	})

	t.Run("removed channel", func(t *testing.T) {
		ev, err := decode(`{"msg":"changed","collection":"stream-notify-user","fields":{"args":["removed",{"_id":"d9","t":"d"}]}}`)
		require.NoError(t, err)
		assert.True(t, ev.(*chat.ChannelChange).Removed)
	})

	t.Run("short rooms-changed", func(t *testing.T) {
		ev, err := decode(`{"msg":"changed","collection":"stream-notify-user","fields":{"args":["updated"]}}`)
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("ignored frames", func(t *testing.T) {
		for _, frame := range []string{
			`{"msg":"ready","subs":["sub_d1"]}`,
			`{"msg":"added","collection":"users","id":"bot-id"}`,
			`{"msg":"changed","collection":"stream-notify-logged","fields":{"args":[]}}`,
			`{"msg":"nosub","id":"sub_x"}`,
		} {
			ev, err := decode(frame)
			require.NoError(t, err, frame)
			assert.Nil(t, ev, frame)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		for _, frame := range []string{
			`{not json`,
			`{"msg":"changed","collection":"stream-room-messages","fields":{"args":[]}}`,
			`{"msg":"changed","collection":"stream-room-messages","fields":{"args":["oops"]}}`,
			`{"msg":"nosub","id":"sub_x","error":{"error":"not-allowed","reason":"Not allowed"}}`,
		} {
			_, err := decode(frame)
			var pe *chat.ProtocolError
			assert.True(t, errors.As(err, &pe), frame)
		}
	})
}
