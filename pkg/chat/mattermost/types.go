package mattermost

import (
	"encoding/json"
	"errors"

	"github.com/tinyland-inc/txtchat/pkg/chat"
)

type authChallenge struct {
	Seq    int64             `json:"seq"`
	Action string            `json:"action"`
	Data   map[string]string `json:"data"`
}

type loginRequest struct {
	LoginID  string `json:"login_id"`
	Password string `json:"password"`
}

type typingRequest struct {
	ChannelID string `json:"channel_id"`
}

type createPostRequest struct {
	ChannelID string `json:"channel_id"`
	Message   string `json:"message"`
	RootID    string `json:"root_id,omitempty"`
}

type user struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type channel struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

func (c channel) toChannel() chat.Channel {
	name := c.DisplayName
	if name == "" {
		name = c.Name
	}
	kind := chat.KindPublic
	switch c.Type {
	case channelDirect:
		kind = chat.KindDirect
	case channelGroup, channelPrivate:
		kind = chat.KindGroup
	}
	return chat.Channel{ID: c.ID, Name: name, Kind: kind}
}

type post struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	RootID    string `json:"root_id"`
	Message   string `json:"message"`
	Type      string `json:"type"`
}

type wsEvent struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Broadcast struct {
		ChannelID string `json:"channel_id"`
		UserID    string `json:"user_id"`
	} `json:"broadcast"`
	Seq int64 `json:"seq"`
}

type postedData struct {
	// Post is a JSON-encoded string on current servers; older servers
	// send the object itself.
	Post        json.RawMessage `json:"post"`
	ChannelType string          `json:"channel_type"`
	SenderName  string          `json:"sender_name"`
}

func (d postedData) decodePost() (post, error) {
	var p post
	if len(d.Post) == 0 {
		return p, errors.New("missing post")
	}

	raw := []byte(d.Post)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return p, err
		}
		raw = []byte(s)
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}
