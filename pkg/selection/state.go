/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: state.go
Description: Session selection state. The selected session list and its primary session are
published together as one immutable snapshot, so no reader or listener can observe a primary
that is missing from the list it came with. Listeners are held through revocable tokens and
dead registrations are purged while notifying.
*/

package selection

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrPrimaryNotSelected rejects a primary that is not part of the selection
var ErrPrimaryNotSelected = errors.New("selection: primary session is not selected")

// Snapshot is one published selection. Treat it as read-only.
type Snapshot struct {
	Version  uint64
	Sessions []string
	Primary  string
}

// Contains reports whether id is selected
func (s Snapshot) Contains(id string) bool {
	for _, v := range s.Sessions {
		if v == id {
			return true
		}
	}
	return false
}

// Listener receives every published snapshot
type Listener func(Snapshot)

// ListenerID identifies a registration
type ListenerID uint64

// Token keeps a listener registration alive until revoked. A panel owns one
// token and revokes it on disposal instead of deregistering.
type Token struct {
	revoked atomic.Bool
}

// NewToken returns a live token
func NewToken() *Token {
	return &Token{}
}

// Revoke marks the token dead
func (t *Token) Revoke() {
	t.revoked.Store(true)
}

// Alive reports whether the token has not been revoked
func (t *Token) Alive() bool {
	return t != nil && !t.revoked.Load()
}

type registration struct {
	id    ListenerID
	token *Token
	fn    Listener
}

// State holds the current selection
type State struct {
	current atomic.Pointer[Snapshot]

	mu         sync.Mutex // serializes Set and guards listeners
	listeners  []registration
	nextID     ListenerID
	dispatcher *Dispatcher
	logger     *logrus.Logger
}

// NewState creates an empty selection. Notifications are posted to
// dispatcher, or delivered synchronously when it is nil.
func NewState(dispatcher *Dispatcher, logger *logrus.Logger) *State {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &State{dispatcher: dispatcher, logger: logger}
	s.current.Store(&Snapshot{})
	return s
}

// Get returns the current snapshot
func (s *State) Get() Snapshot {
	return *s.current.Load()
}

// Set replaces the selection. Duplicate IDs are dropped. An empty primary
// defaults to the first selected session.
func (s *State) Set(ids []string, primary string) (Snapshot, error) {
	sessions := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		sessions = append(sessions, id)
	}
	if primary == "" && len(sessions) > 0 {
		primary = sessions[0]
	}
	if _, ok := seen[primary]; primary != "" && !ok {
		return s.Get(), fmt.Errorf("%w: %s", ErrPrimaryNotSelected, primary)
	}

	s.mu.Lock()
	snap := &Snapshot{
		Version:  s.current.Load().Version + 1,
		Sessions: sessions,
		Primary:  primary,
	}
	s.current.Store(snap)
	deliver := s.prepareLocked(*snap)
	posted := deliver == nil || (s.dispatcher != nil && s.dispatcher.Post(deliver))
	s.mu.Unlock()

	// without a dispatcher listeners run on the caller, outside the lock
	if !posted {
		deliver()
	}
	return *snap, nil
}

// AddListener registers fn for as long as token is alive. Registration never
// purges dead entries.
func (s *State) AddListener(token *Token, fn Listener) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.listeners = append(s.listeners, registration{id: s.nextID, token: token, fn: fn})
	return s.nextID
}

// RemoveListener drops a registration. It reports whether it was present.
func (s *State) RemoveListener(id ListenerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, reg := range s.listeners {
		if reg.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// ListenerCount returns the number of registrations, dead ones included
func (s *State) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// prepareLocked purges dead registrations and returns the delivery job for
// snap, nil when nobody is listening
func (s *State) prepareLocked(snap Snapshot) func() {
	live := s.listeners[:0]
	fns := make([]Listener, 0, len(s.listeners))
	purged := 0
	for _, reg := range s.listeners {
		if !reg.token.Alive() || reg.fn == nil {
			purged++
			continue
		}
		live = append(live, reg)
		fns = append(fns, reg.fn)
	}
	for i := len(live); i < len(s.listeners); i++ {
		s.listeners[i] = registration{}
	}
	s.listeners = live
	if purged > 0 {
		s.logger.WithField("purged", purged).Debug("Purged dead selection listeners")
	}
	if len(fns) == 0 {
		return nil
	}
	return func() {
		for _, fn := range fns {
			s.call(fn, snap)
		}
	}
}

func (s *State) call(fn Listener, snap Snapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.WithFields(logrus.Fields{
				"version": snap.Version,
				"panic":   rec,
			}).Error("Selection listener panicked")
		}
	}()
	fn(snap)
}
