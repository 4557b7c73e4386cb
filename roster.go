package chronochat

import (
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/chronochat/types"
)

// ScheduleFunc arms fn to run on the owner's event loop after d.
type ScheduleFunc func(d time.Duration, fn func()) clockwork.Timer

// RosterEvents receives presence changes.
type RosterEvents interface {
	OnJoin(member RosterMember, at time.Time)
	OnLeave(member RosterMember, at time.Time)
	OnRosterChanged(members []RosterMember)
}

type rosterEntry struct {
	screenName string
	lastSeq    uint64
	timer      clockwork.Timer // pending liveness check, nil if none
	armedSeq   uint64          // lastSeq captured by timer
	self       bool
}

// RosterTracker knows who is in the room. Participants join on first
// activity and leave on an explicit LEAVE or after staying silent for the
// liveness wait. Not safe for concurrent use; the coordinator's event loop owns it.
type RosterTracker struct {
	self     types.ParticipantID
	wait     time.Duration
	clock    clockwork.Clock
	schedule ScheduleFunc
	events   RosterEvents

	entries map[types.ParticipantID]*rosterEntry
	// departed remembers the last seq of participants that left, so late
	// stragglers from a departed session don't bring it back.
	departed *lru.Cache[types.ParticipantID, uint64]
}

func NewRosterTracker(self types.ParticipantID, wait time.Duration, clock clockwork.Clock, schedule ScheduleFunc, events RosterEvents, maxDeparted int) (*RosterTracker, error) {
	departed, err := lru.New[types.ParticipantID, uint64](maxDeparted)
	if err != nil {
		return nil, fmt.Errorf("roster tombstones: %w", err)
	}
	if events == nil {
		events = NopDisplay{}
	}
	return &RosterTracker{
		self:     self,
		wait:     wait,
		clock:    clock,
		schedule: schedule,
		events:   events,
		entries:  make(map[types.ParticipantID]*rosterEntry),
		departed: departed,
	}, nil
}

// Join adds this session to the roster. Our own presence is never subject
// to liveness checks.
func (r *RosterTracker) Join(screenName string) bool {
	if _, ok := r.entries[r.self]; ok {
		logrus.Warnf("roster already has %s, not joining twice", r.self)
		return false
	}
	e := &rosterEntry{screenName: screenName, self: true}
	r.entries[r.self] = e
	r.events.OnJoin(r.member(r.self, e), r.clock.Now())
	r.events.OnRosterChanged(r.Members())
	return true
}

// RecordActivity notes that pid published seq. With suppressTimerRearm the
// activity only moves lastSeq forward: it neither creates presence nor
// re-arms the liveness timer, since replayed history says nothing about now.
func (r *RosterTracker) RecordActivity(pid types.ParticipantID, screenName string, seq uint64, suppressTimerRearm bool) {
	e, ok := r.entries[pid]
	if !ok {
		if suppressTimerRearm {
			return
		}
		if goneAt, departed := r.departed.Get(pid); departed {
			if seq <= goneAt {
				logrus.Debugf("ignoring straggler #%d from departed %s", seq, pid)
				return
			}
			r.departed.Remove(pid)
		}
		e = &rosterEntry{screenName: screenName, lastSeq: seq, self: pid == r.self}
		r.entries[pid] = e
		logrus.Infof("👋 %s (%s) joined", screenName, pid)
		r.events.OnJoin(r.member(pid, e), r.clock.Now())
		r.events.OnRosterChanged(r.Members())
		r.arm(pid, e)
		return
	}

	if seq <= e.lastSeq {
		return
	}
	e.lastSeq = seq
	if screenName != "" {
		e.screenName = screenName
	}
	if !suppressTimerRearm {
		r.arm(pid, e)
	}
}

// arm replaces any pending liveness timer with a fresh one for e.lastSeq.
func (r *RosterTracker) arm(pid types.ParticipantID, e *rosterEntry) {
	if e.self {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	seq := e.lastSeq
	e.armedSeq = seq
	e.timer = r.schedule(r.wait, func() {
		r.OnLivenessTimeout(pid, seq)
	})
}

// OnLivenessTimeout runs when a liveness timer fires. The participant is
// gone only if nothing newer than seqAtArm arrived meanwhile.
func (r *RosterTracker) OnLivenessTimeout(pid types.ParticipantID, seqAtArm uint64) {
	e, ok := r.entries[pid]
	if !ok || e.self {
		return
	}
	if e.armedSeq == seqAtArm {
		e.timer = nil
	}
	if e.lastSeq != seqAtArm {
		if e.timer == nil {
			// newer activity came in without re-arming
			r.arm(pid, e)
		}
		return
	}
	logrus.Infof("💤 %s (%s) went quiet, marking absent", e.screenName, pid)
	r.remove(pid, e)
}

// MarkLeft removes pid right away, whatever its timers say. seq is the
// LEAVE's sequence number: anything older from pid arriving afterwards is a
// straggler, even when the LEAVE overtook the JOIN.
func (r *RosterTracker) MarkLeft(pid types.ParticipantID, seq uint64) {
	e, ok := r.entries[pid]
	if !ok {
		if goneAt, departed := r.departed.Get(pid); !departed || seq > goneAt {
			r.departed.Add(pid, seq)
		}
		logrus.Debugf("%s left before we saw them join (#%d)", pid, seq)
		return
	}
	if seq > e.lastSeq {
		e.lastSeq = seq
	}
	logrus.Infof("🚪 %s (%s) left", e.screenName, pid)
	r.remove(pid, e)
}

func (r *RosterTracker) remove(pid types.ParticipantID, e *rosterEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(r.entries, pid)
	r.departed.Add(pid, e.lastSeq)
	r.events.OnLeave(r.member(pid, e), r.clock.Now())
	r.events.OnRosterChanged(r.Members())
}

// Stop cancels every pending liveness timer.
func (r *RosterTracker) Stop() {
	for _, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

func (r *RosterTracker) member(pid types.ParticipantID, e *rosterEntry) RosterMember {
	return RosterMember{Participant: pid, ScreenName: e.screenName, LastSeq: e.lastSeq, Self: e.self}
}

// Members returns a copy of the roster sorted by screen name.
func (r *RosterTracker) Members() []RosterMember {
	members := make([]RosterMember, 0, len(r.entries))
	for pid, e := range r.entries {
		members = append(members, r.member(pid, e))
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].ScreenName != members[j].ScreenName {
			return members[i].ScreenName < members[j].ScreenName
		}
		return members[i].Participant.String() < members[j].Participant.String()
	})
	return members
}

// Present reports whether pid is in the roster.
func (r *RosterTracker) Present(pid types.ParticipantID) bool {
	_, ok := r.entries[pid]
	return ok
}

// LastSeq is the highest sequence number seen from pid.
func (r *RosterTracker) LastSeq(pid types.ParticipantID) (uint64, bool) {
	e, ok := r.entries[pid]
	if !ok {
		return 0, false
	}
	return e.lastSeq, true
}

// hasTimer reports whether a liveness timer is pending for pid.
func (r *RosterTracker) hasTimer(pid types.ParticipantID) bool {
	e, ok := r.entries[pid]
	return ok && e.timer != nil
}
