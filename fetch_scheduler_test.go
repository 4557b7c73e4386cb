package chronochat

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/chronochat/types"
)

type issuedFetch struct {
	pid     types.ParticipantID
	seq     uint64
	attempt int
}

// fetchRecorder captures what a scheduler asks the network for
type fetchRecorder struct {
	issued []issuedFetch
}

func (r *fetchRecorder) issue(pid types.ParticipantID, seq uint64, attempt int) {
	r.issued = append(r.issued, issuedFetch{pid, seq, attempt})
}

func (r *fetchRecorder) seqs() []uint64 {
	out := make([]uint64, 0, len(r.issued))
	for _, f := range r.issued {
		out = append(out, f.seq)
	}
	return out
}

func newTestScheduler(t *testing.T, depth uint64, maxRetries int) (*FetchScheduler, *fetchRecorder) {
	t.Helper()
	rec := &fetchRecorder{}
	s, err := NewFetchScheduler(depth, maxRetries, 16, rec.issue)
	require.NoError(t, err)
	return s, rec
}

var peerP = types.ParticipantID{Username: "p", Session: 42}

func TestFetchScheduler_FetchesEachMissingSeq(t *testing.T) {
	s, rec := newTestScheduler(t, 100, 2)

	issued := s.Reconcile(peerP, 2)

	assert.Equal(t, 2, issued)
	assert.Equal(t, []uint64{1, 2}, rec.seqs())
	assert.Equal(t, uint64(0), s.Watermark(peerP))

	s.OnDelivered(peerP, 1)
	s.OnDelivered(peerP, 2)
	assert.Equal(t, uint64(2), s.Watermark(peerP))
	assert.Empty(t, s.Outstanding(peerP))
}

func TestFetchScheduler_OverlappingSummariesDontDuplicate(t *testing.T) {
	s, rec := newTestScheduler(t, 100, 2)

	s.Reconcile(peerP, 3)
	s.Reconcile(peerP, 3)
	s.Reconcile(peerP, 5)
	s.Reconcile(peerP, 4) // stale

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, rec.seqs())
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, s.Outstanding(peerP))
}

func TestFetchScheduler_OutOfOrderDelivery(t *testing.T) {
	s, _ := newTestScheduler(t, 100, 2)
	s.Reconcile(peerP, 3)

	s.OnDelivered(peerP, 3)
	s.OnDelivered(peerP, 2)
	assert.Equal(t, uint64(0), s.Watermark(peerP), "gap at 1 holds the watermark")

	s.OnDelivered(peerP, 1)
	assert.Equal(t, uint64(3), s.Watermark(peerP))

	// duplicates and stragglers are absorbed
	s.OnDelivered(peerP, 2)
	s.OnTimeout(peerP, 2)
	assert.Equal(t, uint64(3), s.Watermark(peerP))
}

func TestFetchScheduler_AbandonsAfterMaxRetries(t *testing.T) {
	const maxRetries = 3
	s, rec := newTestScheduler(t, 100, maxRetries)
	s.Reconcile(peerP, 5)
	for seq := uint64(1); seq <= 4; seq++ {
		s.OnDelivered(peerP, seq)
	}
	require.Equal(t, uint64(4), s.Watermark(peerP))

	for i := 1; i <= maxRetries; i++ {
		s.OnTimeout(peerP, 5)
		last := rec.issued[len(rec.issued)-1]
		assert.Equal(t, uint64(5), last.seq)
		assert.Equal(t, i, last.attempt)
	}
	issuedBefore := len(rec.issued)

	// the last retry times out too
	s.OnTimeout(peerP, 5)

	assert.Equal(t, issuedBefore, len(rec.issued), "no more retries")
	assert.Equal(t, uint64(5), s.Watermark(peerP), "abandoned seq no longer holds the watermark")
	assert.Empty(t, s.Outstanding(peerP))

	s.OnTimeout(peerP, 5)
	assert.Equal(t, issuedBefore, len(rec.issued))
}

func TestFetchScheduler_AbandonedSeqRefetchedOnlyWhenNewlyMissing(t *testing.T) {
	s, rec := newTestScheduler(t, 100, 0)
	s.Reconcile(peerP, 1)
	s.OnTimeout(peerP, 1)
	require.Equal(t, uint64(1), s.Watermark(peerP))

	s.Reconcile(peerP, 1)
	assert.Len(t, rec.issued, 1)

	s.Reconcile(peerP, 2)
	assert.Equal(t, []uint64{1, 2}, rec.seqs())
}

func TestFetchScheduler_BackfillDepthCapsFetches(t *testing.T) {
	s, rec := newTestScheduler(t, 100, 2)

	issued := s.Reconcile(peerP, 500)

	assert.Equal(t, 100, issued)
	assert.Equal(t, uint64(401), rec.issued[0].seq)
	assert.Equal(t, uint64(500), rec.issued[99].seq)
	assert.Equal(t, uint64(400), s.Watermark(peerP))
}

func TestFetchScheduler_BackfillDropsStaleOutstanding(t *testing.T) {
	s, rec := newTestScheduler(t, 10, 2)
	s.Reconcile(peerP, 5)
	require.Len(t, rec.issued, 5)

	s.Reconcile(peerP, 40)
	assert.Equal(t, uint64(30), s.Watermark(peerP))
	assert.Len(t, s.Outstanding(peerP), 10)

	// a timeout for something below the watermark doesn't retry
	before := len(rec.issued)
	s.OnTimeout(peerP, 3)
	assert.Equal(t, before, len(rec.issued))
}

func TestFetchScheduler_ReplayedSeqsAreNotFetched(t *testing.T) {
	s, rec := newTestScheduler(t, 100, 2)
	s.OnDelivered(peerP, 1)
	s.OnDelivered(peerP, 2)
	assert.Equal(t, uint64(0), s.Watermark(peerP), "watermark waits for a summary")

	s.Reconcile(peerP, 3)
	assert.Equal(t, []uint64{3}, rec.seqs())
	assert.Equal(t, uint64(2), s.Watermark(peerP))
}

func TestFetchScheduler_EvictsLeastRecentlyUsedRecords(t *testing.T) {
	rec := &fetchRecorder{}
	s, err := NewFetchScheduler(100, 2, 2, rec.issue)
	require.NoError(t, err)

	a := types.ParticipantID{Username: "a", Session: 1}
	b := types.ParticipantID{Username: "b", Session: 1}
	c := types.ParticipantID{Username: "c", Session: 1}
	s.Reconcile(a, 1)
	s.Reconcile(b, 1)
	s.Reconcile(a, 1) // touch a
	s.Reconcile(c, 1)

	assert.Equal(t, 2, s.Tracked())
	assert.Nil(t, s.Outstanding(b))
	assert.NotNil(t, s.Outstanding(a))

	// a late timeout for the evicted record is ignored
	before := len(rec.issued)
	s.OnTimeout(b, 1)
	assert.Equal(t, before, len(rec.issued))
}

func TestFetchScheduler_RejectsZeroDepth(t *testing.T) {
	_, err := NewFetchScheduler(0, 1, 1, func(types.ParticipantID, uint64, int) {})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestFetchScheduler_WatermarkInvariants drives random summaries, deliveries
// and timeouts and checks the watermark only moves forward and never passes
// the latest reported sequence number.
func TestFetchScheduler_WatermarkInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		s, rec := newTestScheduler(t, uint64(1+rng.Intn(20)), rng.Intn(3))
		var latest, prev uint64

		for step := 0; step < 200; step++ {
			switch rng.Intn(4) {
			case 0:
				latest += uint64(rng.Intn(15))
				s.Reconcile(peerP, latest)
			case 1, 2:
				if len(rec.issued) > 0 {
					f := rec.issued[rng.Intn(len(rec.issued))]
					s.OnDelivered(peerP, f.seq)
				}
			case 3:
				if len(rec.issued) > 0 {
					f := rec.issued[rng.Intn(len(rec.issued))]
					s.OnTimeout(peerP, f.seq)
				}
			}

			w := s.Watermark(peerP)
			require.GreaterOrEqual(t, w, prev, "watermark went backwards")
			require.LessOrEqual(t, w, latest, "watermark passed latest seq")
			prev = w
		}

		// no seq is outstanding twice
		seen := map[uint64]bool{}
		for _, seq := range s.Outstanding(peerP) {
			require.False(t, seen[seq])
			seen[seq] = true
		}
	}
}
