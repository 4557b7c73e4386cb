package chronochat

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// PersistentReconciler merges locally stored history with what arrives from
// the network. Storage calls run on their own goroutines; their results come
// back through dispatch so that known is only touched by the owner's loop.
type PersistentReconciler struct {
	ctx      context.Context
	storage  Storage
	dispatch func(func())

	// names that are stored, being stored or were replayed
	known   map[Name]struct{}
	pending sync.WaitGroup
}

func NewPersistentReconciler(ctx context.Context, storage Storage, dispatch func(func())) *PersistentReconciler {
	return &PersistentReconciler{
		ctx:      ctx,
		storage:  storage,
		dispatch: dispatch,
		known:    make(map[Name]struct{}),
	}
}

// LoadAndReplay reads the whole store and hands every record to replay, oldest
// first, then calls done. A failed load is logged and done still runs.
func (p *PersistentReconciler) LoadAndReplay(replay func(Data), done func()) {
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		records, err := p.storage.LoadAll(p.ctx)
		p.dispatch(func() {
			if err != nil {
				logrus.Warnf("📼 could not load chat history, starting without it: %v", err)
				done()
				return
			}
			replayed := 0
			for _, rec := range records {
				data, err := UnmarshalData(rec.Content)
				if err != nil {
					logrus.Warnf("📼 skipping unreadable record %s: %v", rec.Name, err)
					continue
				}
				p.known[data.Name] = struct{}{}
				replay(data)
				replayed++
			}
			logrus.Infof("📼 replayed %d stored messages", replayed)
			done()
		})
	}()
}

// MaybeStore persists data unless it's a heartbeat or already known. Returns
// whether a write was started.
func (p *PersistentReconciler) MaybeStore(data Data, msg ChatMessage) bool {
	if msg.Kind == KindHello {
		return false
	}
	if _, ok := p.known[data.Name]; ok {
		return false
	}
	content, err := data.Marshal()
	if err != nil {
		logrus.Warnf("not storing %s: %v", data.Name, err)
		return false
	}
	p.known[data.Name] = struct{}{}

	rec := Record{Name: data.Name, Content: content, Timestamp: msg.Timestamp}
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		if err := p.storage.Store(p.ctx, rec); err != nil {
			p.dispatch(func() {
				logrus.Warnf("💾 failed to store %s: %v", rec.Name, err)
				// a later delivery of the same name may try again
				delete(p.known, rec.Name)
			})
		}
	}()
	return true
}

// StoreLocal persists a message this session published.
func (p *PersistentReconciler) StoreLocal(data Data, msg ChatMessage) bool {
	return p.MaybeStore(data, msg)
}

// Lookup reads name from storage and reports the result through found on the
// owner's loop. Used to serve our own messages evicted from the MessageLog.
func (p *PersistentReconciler) Lookup(name Name, found func(Data, bool)) {
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		rec, ok, err := p.storage.Get(p.ctx, name)
		var data Data
		if err != nil {
			logrus.Warnf("💾 lookup of %s failed: %v", name, err)
			ok = false
		} else if ok {
			if data, err = UnmarshalData(rec.Content); err != nil {
				logrus.Warnf("💾 stored %s is unreadable: %v", name, err)
				ok = false
			}
		}
		p.dispatch(func() { found(data, ok) })
	}()
}

// Known reports whether name was stored or replayed.
func (p *PersistentReconciler) Known(name Name) bool {
	_, ok := p.known[name]
	return ok
}

// Wait blocks until every storage call started so far has returned.
func (p *PersistentReconciler) Wait() {
	p.pending.Wait()
}
