package chronochat

import (
	"time"

	"github.com/eljojo/chronochat/types"
)

// MessageLog is the bounded history of messages this session published.
// It answers other participants' fetches. Not safe for concurrent use; the
// coordinator's event loop owns it.
type MessageLog struct {
	self       types.ParticipantID
	screenName string
	capacity   int
	lastSeq    uint64
	messages   []ChatMessage // oldest first
}

func NewMessageLog(self types.ParticipantID, screenName string, capacity int) *MessageLog {
	if capacity < 1 {
		capacity = 1
	}
	return &MessageLog{
		self:       self,
		screenName: screenName,
		capacity:   capacity,
		messages:   make([]ChatMessage, 0, capacity),
	}
}

// Append records a message under seq, the number the sync just announced,
// and evicts the oldest ones past capacity. seq must be above LastSeq.
func (l *MessageLog) Append(seq uint64, kind MessageKind, text string, at time.Time) ChatMessage {
	l.lastSeq = seq
	if kind != KindChat {
		text = ""
	}
	msg := ChatMessage{
		SeqNo:      l.lastSeq,
		From:       l.self,
		ScreenName: l.screenName,
		Kind:       kind,
		Text:       text,
		Timestamp:  at,
	}
	l.messages = append(l.messages, msg)
	if over := len(l.messages) - l.capacity; over > 0 {
		// copy down so the backing array doesn't grow forever
		n := copy(l.messages, l.messages[over:])
		for i := n; i < len(l.messages); i++ {
			l.messages[i] = ChatMessage{}
		}
		l.messages = l.messages[:n]
	}
	return msg
}

// Lookup finds a message by sequence number, newest first since recent
// messages are what peers ask for.
func (l *MessageLog) Lookup(seq uint64) (ChatMessage, bool) {
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].SeqNo == seq {
			return l.messages[i], true
		}
		if l.messages[i].SeqNo < seq {
			break
		}
	}
	return ChatMessage{}, false
}

func (l *MessageLog) LastSeq() uint64 {
	return l.lastSeq
}

func (l *MessageLog) Len() int {
	return len(l.messages)
}

// Oldest returns the sequence number of the oldest retained message, 0 if empty.
func (l *MessageLog) Oldest() uint64 {
	if len(l.messages) == 0 {
		return 0
	}
	return l.messages[0].SeqNo
}
