package chronochat

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/eljojo/chronochat/types"
)

// Name is a hierarchical content name such as
// /ndn/chronochat/alice/CHAT/CHANNEL/lobby/SESSION/1420070400/7
type Name string

const (
	componentChat    = "CHAT"
	componentChannel = "CHANNEL"
	componentSession = "SESSION"
)

var ErrNotChatName = errors.New("not a chat name")

// ChatName is a parsed chat prefix, optionally with a sequence number
type ChatName struct {
	Hub         Name
	Participant types.ParticipantID
	Room        string
	Seq         uint64 // 0 when the name is a bare prefix
}

// ChatPrefix builds the prefix a participant publishes its messages under.
func ChatPrefix(hub string, user types.Username, room string, session types.Session) Name {
	return Name(strings.TrimRight(hub, "/")).
		Append(user.String()).
		Append(componentChat).
		Append(componentChannel).
		Append(room).
		Append(componentSession).
		Append(session.String())
}

// Append adds one escaped component.
func (n Name) Append(component string) Name {
	return Name(string(n) + "/" + url.PathEscape(component))
}

// AppendSeq adds a sequence number component.
func (n Name) AppendSeq(seq uint64) Name {
	return n.Append(strconv.FormatUint(seq, 10))
}

// Components returns the unescaped components.
func (n Name) Components() []string {
	raw := strings.Split(strings.Trim(string(n), "/"), "/")
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(c); err == nil {
			c = unescaped
		}
		out = append(out, c)
	}
	return out
}

// HasPrefix reports whether prefix is a component-wise prefix of n.
func (n Name) HasPrefix(prefix Name) bool {
	p := strings.TrimRight(string(prefix), "/")
	s := string(n)
	return s == p || strings.HasPrefix(s, p+"/")
}

func (n Name) String() string {
	return string(n)
}

// ParseChatPrefix parses a name ending in .../SESSION/<session>.
func ParseChatPrefix(n Name) (ChatName, error) {
	return parseChatComponents(n, n.Components())
}

// ParseChatName parses a name ending in .../SESSION/<session>/<seq>.
func ParseChatName(n Name) (ChatName, error) {
	comps := n.Components()
	if len(comps) == 0 {
		return ChatName{}, fmt.Errorf("%w: %s", ErrNotChatName, n)
	}
	seq, err := strconv.ParseUint(comps[len(comps)-1], 10, 64)
	if err != nil || seq == 0 {
		return ChatName{}, fmt.Errorf("%w: bad sequence in %s", ErrNotChatName, n)
	}
	cn, err := parseChatComponents(n, comps[:len(comps)-1])
	if err != nil {
		return ChatName{}, err
	}
	cn.Seq = seq
	return cn, nil
}

func parseChatComponents(n Name, comps []string) (ChatName, error) {
	// <hub...>/<user>/CHAT/CHANNEL/<room>/SESSION/<session>
	if len(comps) < 6 {
		return ChatName{}, fmt.Errorf("%w: %s", ErrNotChatName, n)
	}
	l := len(comps)
	if comps[l-2] != componentSession || comps[l-4] != componentChannel || comps[l-5] != componentChat {
		return ChatName{}, fmt.Errorf("%w: %s", ErrNotChatName, n)
	}
	session, err := types.ParseSession(comps[l-1])
	if err != nil {
		return ChatName{}, fmt.Errorf("%w: %v", ErrNotChatName, err)
	}
	hub := Name("")
	for _, c := range comps[:l-6] {
		hub = hub.Append(c)
	}
	return ChatName{
		Hub:         hub,
		Participant: types.ParticipantID{Username: types.Username(comps[l-6]), Session: session},
		Room:        comps[l-3],
	}, nil
}

// Prefix rebuilds the participant's chat prefix.
func (c ChatName) Prefix() Name {
	return ChatPrefix(string(c.Hub), c.Participant.Username, c.Room, c.Participant.Session)
}
