package chronochat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/chronochat/types"
)

func TestParseMessage_TrustsTheName(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	payload := ChatMessage{SeqNo: 99, From: types.ParticipantID{Username: "mallory"}, ScreenName: "al", Kind: KindChat, Text: "hi", Timestamp: at}
	name := ChatPrefix("/ndn/chronochat", "alice", "lobby", 100).AppendSeq(3)

	msg, err := ParseMessage(Data{Name: name, Content: payload.Encode()})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), msg.SeqNo)
	assert.Equal(t, types.ParticipantID{Username: "alice", Session: 100}, msg.From)
	assert.Equal(t, "al", msg.ScreenName)
	assert.Equal(t, "hi", msg.Text)
	assert.True(t, msg.Timestamp.Equal(at))
}

func TestParseMessage_TextOnlyForChat(t *testing.T) {
	payload := ChatMessage{Kind: KindHello, Text: "sneaky", Timestamp: time.Now()}
	name := ChatPrefix("/ndn/chronochat", "alice", "lobby", 100).AppendSeq(1)

	msg, err := ParseMessage(Data{Name: name, Content: payload.Encode()})
	require.NoError(t, err)
	assert.Equal(t, KindHello, msg.Kind)
	assert.Empty(t, msg.Text)
}

func TestParseMessage_Rejects(t *testing.T) {
	name := ChatPrefix("/ndn/chronochat", "alice", "lobby", 100).AppendSeq(1)

	_, err := ParseMessage(Data{Name: name, Content: []byte("{not json")})
	assert.Error(t, err)

	_, err = ParseMessage(Data{Name: name, Content: []byte(`{"msgType":"SHOUT"}`)})
	assert.Error(t, err)

	_, err = ParseMessage(Data{Name: "/elsewhere/1", Content: ChatMessage{Kind: KindJoin}.Encode()})
	assert.ErrorIs(t, err, ErrNotChatName)
}

func TestUnmarshalData_RequiresName(t *testing.T) {
	_, err := UnmarshalData([]byte(`{"content":"aGk="}`))
	assert.Error(t, err)

	d := Data{Name: "/a/1", Content: []byte("hi"), FreshnessMs: 10}
	b, err := d.Marshal()
	require.NoError(t, err)
	back, err := UnmarshalData(b)
	require.NoError(t, err)
	assert.Equal(t, d, back)
}
