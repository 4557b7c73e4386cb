package chronochat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/chronochat/types"
)

// loopQueue collects dispatched completions so the test runs them on its own goroutine
type loopQueue chan func()

func (q loopQueue) dispatch(fn func()) { q <- fn }

func (q loopQueue) drain() {
	for {
		select {
		case fn := <-q:
			fn()
		default:
			return
		}
	}
}

// flakyStorage counts writes and fails them while failing is set
type flakyStorage struct {
	*MemoryStorage
	stores  atomic.Int32
	failing atomic.Bool
}

func (f *flakyStorage) Store(ctx context.Context, rec Record) error {
	f.stores.Add(1)
	if f.failing.Load() {
		return errors.New("disk on fire")
	}
	return f.MemoryStorage.Store(ctx, rec)
}

var alice = types.ParticipantID{Username: "alice", Session: 100}

func chatData(t *testing.T, from types.ParticipantID, seq uint64, kind MessageKind, text string, at time.Time) (Data, ChatMessage) {
	t.Helper()
	msg := ChatMessage{SeqNo: seq, From: from, ScreenName: "al", Kind: kind, Text: text, Timestamp: at}
	name := ChatPrefix("/ndn/chronochat", from.Username, "lobby", from.Session).AppendSeq(seq)
	return Data{Name: name, Content: msg.Encode()}, msg
}

func newTestReconciler(storage Storage) (*PersistentReconciler, loopQueue) {
	q := make(loopQueue, 64)
	return NewPersistentReconciler(context.Background(), storage, q.dispatch), q
}

func TestPersistentReconciler_MaybeStoreIsIdempotent(t *testing.T) {
	storage := &flakyStorage{MemoryStorage: NewMemoryStorage()}
	p, q := newTestReconciler(storage)
	data, msg := chatData(t, alice, 1, KindChat, "hi", time.Now())

	assert.True(t, p.MaybeStore(data, msg))
	assert.False(t, p.MaybeStore(data, msg))
	p.Wait()
	q.drain()

	assert.Equal(t, int32(1), storage.stores.Load())
	assert.Equal(t, 1, storage.Len())
}

func TestPersistentReconciler_NeverStoresHeartbeats(t *testing.T) {
	storage := NewMemoryStorage()
	p, _ := newTestReconciler(storage)
	data, msg := chatData(t, alice, 1, KindHello, "", time.Now())

	assert.False(t, p.MaybeStore(data, msg))
	p.Wait()
	assert.Equal(t, 0, storage.Len())
}

func TestPersistentReconciler_FailedStoreCanBeRetried(t *testing.T) {
	storage := &flakyStorage{MemoryStorage: NewMemoryStorage()}
	storage.failing.Store(true)
	p, q := newTestReconciler(storage)
	data, msg := chatData(t, alice, 1, KindChat, "hi", time.Now())

	require.True(t, p.MaybeStore(data, msg))
	p.Wait()
	q.drain()
	assert.False(t, p.Known(data.Name))

	storage.failing.Store(false)
	require.True(t, p.MaybeStore(data, msg))
	p.Wait()
	q.drain()
	assert.Equal(t, 1, storage.Len())
	assert.True(t, p.Known(data.Name))
}

func TestPersistentReconciler_ReplayInTimestampOrder(t *testing.T) {
	storage := NewMemoryStorage()
	base := time.UnixMilli(1_700_000_000_000)
	for _, seq := range []uint64{3, 1, 2} {
		data, _ := chatData(t, alice, seq, KindChat, "x", base)
		content, err := data.Marshal()
		require.NoError(t, err)
		at := base.Add(time.Duration(seq) * time.Second)
		require.NoError(t, storage.Store(context.Background(), Record{Name: data.Name, Content: content, Timestamp: at}))
	}

	p, q := newTestReconciler(storage)
	var replayed []Name
	done := false
	p.LoadAndReplay(func(d Data) { replayed = append(replayed, d.Name) }, func() { done = true })
	p.Wait()
	q.drain()

	require.True(t, done)
	require.Len(t, replayed, 3)
	for i, name := range replayed {
		cn, err := ParseChatName(name)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), cn.Seq)
	}

	// replayed names are never written back
	data, msg := chatData(t, alice, 2, KindChat, "x", base)
	assert.False(t, p.MaybeStore(data, msg))
}

func TestPersistentReconciler_LoadFailureStillCompletes(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Close())
	p, q := newTestReconciler(storage)

	done := false
	p.LoadAndReplay(func(Data) { t.Fatal("nothing to replay") }, func() { done = true })
	p.Wait()
	q.drain()
	assert.True(t, done)
}

func TestPersistentReconciler_Lookup(t *testing.T) {
	storage := NewMemoryStorage()
	p, q := newTestReconciler(storage)
	data, msg := chatData(t, alice, 7, KindChat, "old", time.Now())
	require.True(t, p.StoreLocal(data, msg))
	p.Wait()
	q.drain()

	var got Data
	var ok bool
	p.Lookup(data.Name, func(d Data, found bool) { got, ok = d, found })
	p.Wait()
	q.drain()
	require.True(t, ok)
	assert.Equal(t, data.Name, got.Name)

	p.Lookup("/missing/1", func(d Data, found bool) { ok = found })
	p.Wait()
	q.drain()
	assert.False(t, ok)
}
