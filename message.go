package chronochat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eljojo/chronochat/types"
)

// MessageKind is what a published chat message means for the room
type MessageKind string

const (
	KindJoin  MessageKind = "JOIN"
	KindChat  MessageKind = "CHAT"
	KindHello MessageKind = "HELLO" // heartbeat
	KindLeave MessageKind = "LEAVE"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindJoin, KindChat, KindHello, KindLeave:
		return true
	}
	return false
}

// ChatMessage is one immutable message published by a participant.
type ChatMessage struct {
	SeqNo      uint64
	From       types.ParticipantID
	ScreenName string
	Kind       MessageKind
	Text       string // empty unless Kind is CHAT
	Timestamp  time.Time
}

// chatMessageWire is the JSON layout of a message inside Data.Content
type chatMessageWire struct {
	SeqNo          uint64      `json:"seqNo"`
	FromUsername   string      `json:"fromUsername"`
	FromScreenName string      `json:"fromScreenName"`
	MsgType        MessageKind `json:"msgType"`
	Timestamp      int64       `json:"timestamp"` // unix millis
	Data           string      `json:"data"`
}

// Encode serializes the message payload.
func (m ChatMessage) Encode() []byte {
	bytes, _ := json.Marshal(chatMessageWire{
		SeqNo:          m.SeqNo,
		FromUsername:   m.From.Username.String(),
		FromScreenName: m.ScreenName,
		MsgType:        m.Kind,
		Timestamp:      m.Timestamp.UnixMilli(),
		Data:           m.Text,
	})
	return bytes
}

// DecodeChatMessage reads a payload produced by Encode. The session is not
// part of the payload; callers take it from the content name.
func DecodeChatMessage(b []byte) (ChatMessage, error) {
	var w chatMessageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return ChatMessage{}, fmt.Errorf("decode chat message: %w", err)
	}
	if !w.MsgType.Valid() {
		return ChatMessage{}, fmt.Errorf("decode chat message: unknown type %q", w.MsgType)
	}
	return ChatMessage{
		SeqNo:      w.SeqNo,
		From:       types.ParticipantID{Username: types.Username(w.FromUsername)},
		ScreenName: w.FromScreenName,
		Kind:       w.MsgType,
		Text:       w.Data,
		Timestamp:  time.UnixMilli(w.Timestamp),
	}, nil
}

// Data is a named, signed piece of content: the unit a fetch returns.
type Data struct {
	Name        Name   `json:"name"`
	Content     []byte `json:"content"`
	FreshnessMs int64  `json:"freshness_ms,omitempty"`
	PublicKey   []byte `json:"public_key,omitempty"`
	Signature   []byte `json:"signature,omitempty"`
}

// SignableContent returns the canonical bytes covered by the signature.
func (d *Data) SignableContent() []byte {
	bytes, _ := json.Marshal(struct {
		Name        Name   `json:"name"`
		Content     []byte `json:"content"`
		FreshnessMs int64  `json:"freshness_ms"`
	}{d.Name, d.Content, d.FreshnessMs})
	return bytes
}

// Marshal serializes Data for the wire and for storage.
func (d *Data) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalData is the inverse of Data.Marshal.
func UnmarshalData(b []byte) (Data, error) {
	var d Data
	if err := json.Unmarshal(b, &d); err != nil {
		return Data{}, fmt.Errorf("decode data: %w", err)
	}
	if d.Name == "" {
		return Data{}, fmt.Errorf("decode data: missing name")
	}
	return d, nil
}

// ParseMessage decodes the chat message carried by d. Sequence number and
// participant are read off the name, never trusted from the payload.
func ParseMessage(d Data) (ChatMessage, error) {
	cn, err := ParseChatName(d.Name)
	if err != nil {
		return ChatMessage{}, err
	}
	msg, err := DecodeChatMessage(d.Content)
	if err != nil {
		return ChatMessage{}, err
	}
	msg.SeqNo = cn.Seq
	msg.From = cn.Participant
	if msg.Kind != KindChat {
		msg.Text = ""
	}
	return msg, nil
}
