package chronochat

import (
	"context"
	"time"

	"github.com/eljojo/chronochat/types"
)

// SyncState is one entry of the group summary: a participant's latest sequence number.
type SyncState struct {
	Prefix      Name
	Participant types.ParticipantID
	Seq         uint64
}

// SyncHandler receives callbacks from a GroupSync.
type SyncHandler interface {
	// OnSummaryChanged may repeat, overlap or supersede earlier calls.
	OnSummaryChanged(states []SyncState, isRecovery bool)
	// OnInitialized is called once, after the first round trip completes.
	OnInitialized()
}

// GroupSync turns "I published a new sequence number" into a shared summary.
type GroupSync interface {
	PublishNextSequenceNo() (uint64, error)
	SequenceNo() uint64
	Start(ctx context.Context, handler SyncHandler) error
	Stop() error
}

// ServeHandler answers a request for a locally owned name. respond may be
// called later from any goroutine, at most once; not calling it means "absent".
type ServeHandler func(name Name, respond func(Data))

// Transport is the named request/response network.
type Transport interface {
	// Fetch expresses a request for name. Exactly one of onData or onTimeout
	// is called, from a transport goroutine.
	Fetch(name Name, lifetime time.Duration, onData func(Data), onTimeout func(Name)) error
	Serve(prefix Name, handler ServeHandler) error
	Close() error
}

// Record is one stored piece of data.
type Record struct {
	Name      Name
	Content   []byte // Data.Marshal()
	Timestamp time.Time
}

// Storage is the durable message store. Store ignores names it already has.
type Storage interface {
	Store(ctx context.Context, rec Record) error
	Get(ctx context.Context, name Name) (Record, bool, error)
	LoadAll(ctx context.Context) ([]Record, error) // ordered by timestamp
	Close() error
}

// RosterMember is a read-only view of one present participant.
type RosterMember struct {
	Participant types.ParticipantID
	ScreenName  string
	LastSeq     uint64
	Self        bool
}

// ChatEvent is a chat line ready for display. Kind is KindChat for live
// traffic; replayed history also carries its JOIN and LEAVE lines.
type ChatEvent struct {
	From       types.ParticipantID
	ScreenName string
	Kind       MessageKind
	Text       string
	Timestamp  time.Time
	Replay     bool
	Verified   bool
}

// Display is a one-way event sink. Implementations must not block.
type Display interface {
	OnChatMessage(ev ChatEvent)
	OnJoin(member RosterMember, at time.Time)
	OnLeave(member RosterMember, at time.Time)
	OnRosterChanged(members []RosterMember)
}

// NopDisplay discards everything.
type NopDisplay struct{}

func (NopDisplay) OnChatMessage(ChatEvent) {}
func (NopDisplay) OnJoin(RosterMember, time.Time) {}
func (NopDisplay) OnLeave(RosterMember, time.Time) {}
func (NopDisplay) OnRosterChanged([]RosterMember) {}
