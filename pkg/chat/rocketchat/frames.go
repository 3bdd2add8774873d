package rocketchat

import (
	"encoding/json"
	"strconv"
	"time"
)

// DDP message types.
const (
	msgConnect   = "connect"
	msgConnected = "connected"
	msgFailed    = "failed"
	msgPing      = "ping"
	msgPong      = "pong"
	msgMethod    = "method"
	msgResult    = "result"
	msgSub       = "sub"
	msgNoSub     = "nosub"
	msgChanged   = "changed"
)

// Stream collections.
const (
	streamRoomMessages = "stream-room-messages"
	streamNotifyUser   = "stream-notify-user"
	streamNotifyRoom   = "stream-notify-room"
)

const (
	loginMethodID       = "1"
	channelChangesSubID = "channel_changes_sub"
)

// Room types as reported by rooms.get and rooms-changed.
const (
	roomDirect  = "d"
	roomPrivate = "p"
	roomPublic  = "c"
)

type connectFrame struct {
	Msg     string   `json:"msg"`
	Version string   `json:"version"`
	Support []string `json:"support"`
}

type methodFrame struct {
	Msg    string `json:"msg"`
	Method string `json:"method"`
	ID     string `json:"id"`
	Params []any  `json:"params"`
}

type subFrame struct {
	Msg    string `json:"msg"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Params []any  `json:"params"`
}

type pongFrame struct {
	Msg string `json:"msg"`
}

type resumeParam struct {
	Resume string `json:"resume"`
}

func newConnect() connectFrame {
	return connectFrame{Msg: msgConnect, Version: "1", Support: []string{"1"}}
}

func newResumeLogin(token string) methodFrame {
	return methodFrame{
		Msg:    msgMethod,
		Method: "login",
		ID:     loginMethodID,
		Params: []any{resumeParam{Resume: token}},
	}
}

func newRoomSub(rid string) subFrame {
	return subFrame{
		Msg:    msgSub,
		ID:     "sub_" + rid,
		Name:   streamRoomMessages,
		Params: []any{rid, false},
	}
}

func newChannelChangesSub(userID string) subFrame {
	return subFrame{
		Msg:    msgSub,
		ID:     channelChangesSubID,
		Name:   streamNotifyUser,
		Params: []any{userID + "/rooms-changed", false},
	}
}

func newTyping(rid, username string, at time.Time) methodFrame {
	return methodFrame{
		Msg:    msgMethod,
		Method: streamNotifyRoom,
		ID:     "typing_" + strconv.FormatInt(at.UnixMilli(), 10),
		Params: []any{rid + "/user-activity", username, []string{"user-typing"}},
	}
}

// inboundFrame is the union of the server frames the adapter reads.
type inboundFrame struct {
	Msg        string    `json:"msg"`
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Fields     frameArgs `json:"fields"`
	Error      *ddpError `json:"error"`
}

type frameArgs struct {
	EventName string            `json:"eventName"`
	Args      []json.RawMessage `json:"args"`
}

type ddpError struct {
	Error   any    `json:"error"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (e *ddpError) String() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Reason != "":
		return e.Reason
	default:
		b, _ := json.Marshal(e.Error)
		return string(b)
	}
}

type roomMessage struct {
	ID       string          `json:"_id"`
	RID      string          `json:"rid"`
	Msg      string          `json:"msg"`
	TMID     string          `json:"tmid"`
	T        string          `json:"t"`
	EditedAt json.RawMessage `json:"editedAt"`
	U        struct {
		ID       string `json:"_id"`
		Username string `json:"username"`
	} `json:"u"`
}

func (m roomMessage) edited() bool {
	return len(m.EditedAt) > 0 && string(m.EditedAt) != "null"
}

type room struct {
	ID    string `json:"_id"`
	T     string `json:"t"`
	Name  string `json:"name"`
	FName string `json:"fname"`
}

// REST payloads.

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Status string `json:"status"`
	Data   struct {
		UserID    string `json:"userId"`
		AuthToken string `json:"authToken"`
		Me        struct {
			Username string `json:"username"`
		} `json:"me"`
	} `json:"data"`
	Message string `json:"message"`
}

type roomsResponse struct {
	Update  []room `json:"update"`
	Success bool   `json:"success"`
}

type sendMessageRequest struct {
	Message outgoingMessage `json:"message"`
}

type outgoingMessage struct {
	ID   string `json:"_id"`
	RID  string `json:"rid"`
	Msg  string `json:"msg"`
	TMID string `json:"tmid,omitempty"`
}

type sendMessageResponse struct {
	Message struct {
		ID string `json:"_id"`
	} `json:"message"`
	Success bool `json:"success"`
}
