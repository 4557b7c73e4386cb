package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipantID_DistinctSessions(t *testing.T) {
	a := ParticipantID{Username: "alice", Session: 100}
	b := ParticipantID{Username: "alice", Session: 101}

	assert.NotEqual(t, a, b)
	assert.Equal(t, "alice@100", a.String())

	seen := map[ParticipantID]bool{a: true}
	assert.False(t, seen[b], "sessions of the same user are separate keys")
}

func TestParseSession(t *testing.T) {
	s, err := ParseSession("1420070400")
	require.NoError(t, err)
	assert.Equal(t, Session(1420070400), s)
	assert.Equal(t, "1420070400", s.String())

	_, err = ParseSession("yesterday")
	assert.Error(t, err)
}
