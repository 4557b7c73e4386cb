package chronochat

import (
	"bytes"
	"testing"
	"time"

	"github.com/enescakir/emoji"
	"github.com/stretchr/testify/assert"
)

func TestConsoleDisplay_ChatLines(t *testing.T) {
	var out bytes.Buffer
	d := NewConsoleDisplay(&out)
	at := time.Date(2024, 1, 2, 15, 4, 5, 0, time.Local)

	d.OnChatMessage(ChatEvent{ScreenName: "bob", Text: "hi", Timestamp: at, Verified: true})
	assert.Equal(t, "15:04:05 <bob> hi\n", out.String())

	out.Reset()
	d.OnChatMessage(ChatEvent{ScreenName: "bob", Text: "old", Timestamp: at, Replay: true, Verified: true})
	assert.Contains(t, out.String(), "<bob> old")
	assert.NotEqual(t, "15:04:05 <bob> old\n", out.String(), "replays are marked")

	out.Reset()
	d.OnChatMessage(ChatEvent{ScreenName: "bob", Kind: KindJoin, Timestamp: at, Replay: true, Verified: true})
	assert.Contains(t, out.String(), "bob joined")
	assert.Contains(t, out.String(), emoji.Videocassette.String())

	out.Reset()
	d.OnChatMessage(ChatEvent{ScreenName: "bob", Kind: KindLeave, Timestamp: at, Replay: true, Verified: true})
	assert.Contains(t, out.String(), "bob left")
	assert.NotContains(t, out.String(), "<bob>")
}

func TestConsoleDisplay_Roster(t *testing.T) {
	var out bytes.Buffer
	d := NewConsoleDisplay(&out)
	now := time.Now()

	bob := RosterMember{Participant: peerBob, ScreenName: "bob", LastSeq: 3}
	d.OnJoin(bob, now)
	assert.Contains(t, out.String(), "bob joined")

	d.OnRosterChanged([]RosterMember{bob, {Participant: selfID, ScreenName: "me", Self: true}})
	out.Reset()
	d.PrintRoster()
	assert.Contains(t, out.String(), "bob")
	assert.Contains(t, out.String(), "200")

	out.Reset()
	d.OnLeave(bob, now)
	assert.Contains(t, out.String(), "bob left")
}
