package chronochat

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/chronochat/types"
)

// resolved marks a sequence number that was delivered or abandoned
const resolved = -1

// fetchRecord is the per-participant fetch state.
// Everything at or below finishedSeq is resolved; seqs holds what's above it.
type fetchRecord struct {
	finishedSeq uint64
	latestSeq   uint64
	seqs        map[uint64]int // retry count, or resolved
}

// FetchFunc expresses one fetch for (participant, seq). attempt is 0 for the
// first request and counts up on every retry.
type FetchFunc func(pid types.ParticipantID, seq uint64, attempt int)

// FetchScheduler turns "participant X is at sequence N" into the minimal set
// of fetches, retrying each a bounded number of times.
// Not safe for concurrent use; the coordinator's event loop owns it.
type FetchScheduler struct {
	depth      uint64
	maxRetries int
	records    *lru.Cache[types.ParticipantID, *fetchRecord]
	issue      FetchFunc
}

// NewFetchScheduler creates a scheduler. depth bounds how far back a single
// reconcile reaches, maxParticipants bounds how many records are kept.
func NewFetchScheduler(depth uint64, maxRetries, maxParticipants int, issue FetchFunc) (*FetchScheduler, error) {
	if depth == 0 {
		return nil, fmt.Errorf("%w: backfill depth must be at least 1", ErrInvalidConfig)
	}
	records, err := lru.NewWithEvict(maxParticipants, func(pid types.ParticipantID, rec *fetchRecord) {
		logrus.Debugf("🧹 dropping fetch state for %s (watermark %d, %d pending)", pid, rec.finishedSeq, len(rec.seqs))
	})
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	return &FetchScheduler{
		depth:      depth,
		maxRetries: maxRetries,
		records:    records,
		issue:      issue,
	}, nil
}

func (s *FetchScheduler) record(pid types.ParticipantID) *fetchRecord {
	rec, ok := s.records.Get(pid)
	if !ok {
		rec = &fetchRecord{seqs: make(map[uint64]int)}
		s.records.Add(pid, rec)
	}
	return rec
}

// Reconcile issues fetches for everything between the watermark and
// latestSeq that isn't already outstanding. Returns how many were issued.
func (s *FetchScheduler) Reconcile(pid types.ParticipantID, latestSeq uint64) int {
	rec := s.record(pid)
	if latestSeq > rec.latestSeq {
		rec.latestSeq = latestSeq
	}
	latest := rec.latestSeq

	if latest-rec.finishedSeq > s.depth {
		skipped := latest - s.depth - rec.finishedSeq
		rec.finishedSeq = latest - s.depth
		for seq := range rec.seqs {
			if seq <= rec.finishedSeq {
				delete(rec.seqs, seq)
			}
		}
		logrus.Debugf("⏩ %s: backfill capped at %d, skipping %d old messages", pid, s.depth, skipped)
	}

	issued := 0
	for seq := rec.finishedSeq + 1; seq <= latest; seq++ {
		if _, known := rec.seqs[seq]; known {
			continue
		}
		rec.seqs[seq] = 0
		issued++
		s.issue(pid, seq, 0)
	}

	s.sweep(rec)
	return issued
}

// OnTimeout retries an outstanding fetch or gives up on it once the retry
// budget is spent.
func (s *FetchScheduler) OnTimeout(pid types.ParticipantID, seq uint64) {
	rec, ok := s.records.Get(pid)
	if !ok {
		return
	}
	count, outstanding := rec.seqs[seq]
	if !outstanding || count == resolved {
		return
	}
	if count < s.maxRetries {
		rec.seqs[seq] = count + 1
		logrus.Debugf("🔁 retrying %s #%d (attempt %d)", pid, seq, count+2)
		s.issue(pid, seq, count+1)
		return
	}
	logrus.Debugf("🕳️  giving up on %s #%d after %d attempts", pid, seq, count+1)
	rec.seqs[seq] = resolved
	s.sweep(rec)
}

// OnDelivered resolves seq. It also accepts sequence numbers that were never
// requested, e.g. history replayed from storage, so they won't be fetched.
func (s *FetchScheduler) OnDelivered(pid types.ParticipantID, seq uint64) {
	rec := s.record(pid)
	if seq <= rec.finishedSeq {
		return
	}
	rec.seqs[seq] = resolved
	s.sweep(rec)
}

// sweep advances the watermark over contiguous resolved sequence numbers,
// never past the latest sequence number reported for the participant.
func (s *FetchScheduler) sweep(rec *fetchRecord) {
	for rec.finishedSeq < rec.latestSeq {
		next := rec.finishedSeq + 1
		if count, ok := rec.seqs[next]; !ok || count != resolved {
			return
		}
		delete(rec.seqs, next)
		rec.finishedSeq = next
	}
}

// Forget drops all state for pid.
func (s *FetchScheduler) Forget(pid types.ParticipantID) {
	s.records.Remove(pid)
}

// Watermark returns the participant's finishedSeq (0 if unknown).
func (s *FetchScheduler) Watermark(pid types.ParticipantID) uint64 {
	if rec, ok := s.records.Peek(pid); ok {
		return rec.finishedSeq
	}
	return 0
}

// Outstanding lists sequence numbers still being fetched for pid, ascending.
func (s *FetchScheduler) Outstanding(pid types.ParticipantID) []uint64 {
	rec, ok := s.records.Peek(pid)
	if !ok {
		return nil
	}
	var out []uint64
	for seq, count := range rec.seqs {
		if count != resolved {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tracked is the number of participants with fetch state.
func (s *FetchScheduler) Tracked() int {
	return s.records.Len()
}
