package types

import (
	"fmt"
	"strconv"
)

// Username is a type-safe wrapper for the stable user name part of a participant
type Username string

// Session identifies one launch of a participant, usually the unix time it started at
type Session int64

// String converts Username to string
func (u Username) String() string {
	return string(u)
}

// String converts Session to its decimal form, which is also how it appears in names
func (s Session) String() string {
	return strconv.FormatInt(int64(s), 10)
}

// ParseSession reads a session from its decimal form
func ParseSession(s string) (Session, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid session %q: %w", s, err)
	}
	return Session(v), nil
}

// ParticipantID identifies one live publishing session of one user.
// Two sessions of the same username are different participants.
type ParticipantID struct {
	Username Username
	Session  Session
}

func (p ParticipantID) String() string {
	return fmt.Sprintf("%s@%s", p.Username, p.Session)
}

// IsZero reports whether the id is unset
func (p ParticipantID) IsZero() bool {
	return p.Username == "" && p.Session == 0
}
