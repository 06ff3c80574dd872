package state

import (
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Observer receives snapshots. It must not call Set or Reset.
type Observer func(State)

type subscription struct {
	fn      Observer
	removed atomic.Bool
}

// Store is the single source of truth for connection and protocol state.
// Reads are safe from any goroutine; writes come from the connection
// manager only.
type Store struct {
	log *zap.Logger

	mu        sync.RWMutex
	state     State
	observers []*subscription

	// notifyMu serialises change-then-notify so observers see snapshots in
	// the order they were produced.
	notifyMu sync.Mutex
}

// NewStore returns a store holding Default().
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{log: log.Named("state"), state: Default()}
}

// Get returns a copy of the current snapshot.
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Set applies mutate to a copy of the current state and stores the result.
// Observers run when the full snapshot differs from the previous one, or
// when force is set. It reports whether observers were notified.
func (s *Store) Set(mutate func(*State), force bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	old := s.state
	next := old.Clone()
	if mutate != nil {
		mutate(&next)
	}
	changed := !reflect.DeepEqual(old, next)
	s.state = next
	snap := next.Clone()
	subs := append([]*subscription(nil), s.observers...)
	s.mu.Unlock()

	if !changed && !force {
		return false
	}
	s.notify(subs, snap)
	return true
}

// Reset restores Default() and always notifies.
func (s *Store) Reset() {
	s.Set(func(st *State) { *st = Default() }, true)
}

// Subscribe registers fn and calls it once, synchronously, with the current
// snapshot. The returned func removes fn; it is safe to call from inside an
// observer and more than once.
func (s *Store) Subscribe(fn Observer) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	sub := &subscription{fn: fn}

	s.notifyMu.Lock()
	s.mu.Lock()
	s.observers = append(s.observers, sub)
	snap := s.state.Clone()
	s.mu.Unlock()
	s.call(sub, snap)
	s.notifyMu.Unlock()

	return func() { s.remove(sub) }
}

func (s *Store) remove(sub *subscription) {
	if sub.removed.Swap(true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.observers {
		if o == sub {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *Store) notify(subs []*subscription, snap State) {
	for _, sub := range subs {
		if sub.removed.Load() {
			continue
		}
		// each observer gets its own copy
		s.call(sub, snap.Clone())
	}
}

func (s *Store) call(sub *subscription, snap State) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("state: observer panicked", zap.Any("panic", r))
		}
	}()
	sub.fn(snap)
}
