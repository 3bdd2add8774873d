package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouter_AcceptOnce(t *testing.T) {
	r := NewRouter(NewProcessedSet(0), nil)
	r.SetSelf("bot-id")

	msg := inbound("c1", "m1", "hello")
	assert.True(t, r.Accept(msg))
	assert.False(t, r.Accept(msg))
}

func TestRouter_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*InboundMessage)
	}{
		{"self", func(m *InboundMessage) { m.SenderID = "bot-id" }},
		{"edited", func(m *InboundMessage) { m.Qualifier = "edited" }},
		{"system", func(m *InboundMessage) { m.Qualifier = "uj" }},
		{"self echo", func(m *InboundMessage) { m.SelfEcho = true }},
		{"empty text", func(m *InboundMessage) { m.Text = "" }},
		{"missing id", func(m *InboundMessage) { m.MessageID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(NewProcessedSet(0), nil)
			r.SetSelf("bot-id")

			msg := inbound("c1", "m1", "hello")
			tt.mutate(msg)
			assert.False(t, r.Accept(msg))
		})
	}
}

func TestRouter_RejectedMessageNotRecorded(t *testing.T) {
	r := NewRouter(NewProcessedSet(0), nil)
	r.SetSelf("bot-id")

	msg := inbound("c1", "m1", "hello")
	msg.SenderID = "bot-id"
	assert.False(t, r.Accept(msg))
	assert.False(t, r.Processed().Contains("m1"))
}

func TestRouter_ThreadIDRecordedWithoutRejecting(t *testing.T) {
	r := NewRouter(NewProcessedSet(0), nil)

	reply := inbound("c1", "m2", "follow up")
	reply.ThreadID = "m1"
	assert.True(t, r.Accept(reply))
	assert.True(t, r.Processed().Contains("m1"))
	assert.True(t, r.Processed().Contains("m2"))

	// A second reply into the same thread is still a new message.
	again := inbound("c1", "m3", "and another")
	again.ThreadID = "m1"
	assert.True(t, r.Accept(again))

	// The thread root itself now counts as processed.
	assert.False(t, r.Accept(inbound("c1", "m1", "root")))
}

func TestRouter_ThreadRecordedEvenWhenDropped(t *testing.T) {
	r := NewRouter(NewProcessedSet(0), nil)
	r.SetSelf("bot-id")

	msg := inbound("c1", "m2", "mine")
	msg.SenderID = "bot-id"
	msg.ThreadID = "t1"
	assert.False(t, r.Accept(msg))
	assert.True(t, r.Processed().Contains("t1"))
}

func TestRouter_AllowList(t *testing.T) {
	r := NewRouter(NewProcessedSet(0), AllowList{"@bob"})

	assert.False(t, r.Accept(inbound("c1", "m1", "from alice")))
	assert.False(t, r.Processed().Contains("m1"))

	bob := inbound("c1", "m2", "from bob")
	bob.SenderID = "user-2"
	bob.SenderName = "bob"
	assert.True(t, r.Accept(bob))
}

func TestRouter_NilMessage(t *testing.T) {
	assert.False(t, NewRouter(nil, nil).Accept(nil))
}
