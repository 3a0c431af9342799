/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: manager.go
Description: Session manager. Creates sessions under UUIDs and owns their lifecycle: start,
pause, stop and delete by ID, plus listing in creation order.
*/

package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

// SessionManager holds every session of the process
type SessionManager struct {
	mu        sync.RWMutex
	sessions  map[string]*Orchestrator
	logger    *logrus.Logger
	reporters []Reporter
	listeners []interfaces.SessionListener
}

// NewSessionManager creates an empty manager. Reporters are attached to every
// session it creates in addition to the session's own.
func NewSessionManager(logger *logrus.Logger, reporters ...Reporter) *SessionManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &SessionManager{
		sessions:  make(map[string]*Orchestrator),
		logger:    logger,
		reporters: reporters,
	}
}

// AddListener attaches l to every session, existing and future
func (m *SessionManager) AddListener(l interfaces.SessionListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	sessions := make([]*Orchestrator, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.AddListener(l)
	}
}

// CreateSession validates spec and registers a new session. With autoStart
// the session is started before returning; a failed start leaves it
// registered in NOT_STARTED.
func (m *SessionManager) CreateSession(ctx context.Context, spec SessionSpec, autoStart bool) (*Orchestrator, error) {
	spec.Reporters = append(append([]Reporter(nil), m.reporters...), spec.Reporters...)
	id := uuid.NewString()
	o, err := NewOrchestrator(id, spec, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, l := range m.listeners {
		o.AddListener(l)
	}
	m.sessions[id] = o
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"session_id": id,
		"name":       o.Name(),
	}).Info("Session created")

	if autoStart {
		if err := o.Start(ctx); err != nil {
			return o, err
		}
	}
	return o, nil
}

// Get returns the session with the given ID
func (m *SessionManager) Get(id string) (*Orchestrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return o, nil
}

// List returns every session in creation order
func (m *SessionManager) List() []*Orchestrator {
	m.mu.RLock()
	out := make([]*Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		out = append(out, o)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// IDs returns every session ID in creation order
func (m *SessionManager) IDs() []string {
	sessions := m.List()
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID()
	}
	return ids
}

// Snapshot returns the snapshot of one session
func (m *SessionManager) Snapshot(id string) (SessionSnapshot, error) {
	o, err := m.Get(id)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return o.Snapshot(), nil
}

// Start starts or resumes a session
func (m *SessionManager) Start(ctx context.Context, id string) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	return o.Start(ctx)
}

// Pause pauses a running session
func (m *SessionManager) Pause(id string) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	return o.Pause()
}

// Stop stops a session, retrying an incomplete earlier stop
func (m *SessionManager) Stop(ctx context.Context, id string) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	return o.Stop(ctx)
}

// Delete removes a session. Running sessions are refused; paused sessions and
// sessions whose stop did not complete are stopped first. A concurrent Start
// either wins and the delete is refused, or loses with ErrSessionDeleted.
func (m *SessionManager) Delete(ctx context.Context, id string) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}

	switch o.State() {
	case interfaces.StateRunning:
		return fmt.Errorf("%w: %s", ErrSessionRunning, id)
	case interfaces.StatePaused:
		if err := o.Stop(ctx); err != nil {
			return err
		}
	case interfaces.StateStopped:
		if !o.Deletable() {
			if err := o.Stop(ctx); err != nil {
				return err
			}
		}
	}
	if err := o.markDeleted(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.logger.WithField("session_id", id).Info("Session deleted")
	return nil
}

// Shutdown stops every active session. Errors are joined.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, o := range m.List() {
		if !o.State().IsActive() {
			continue
		}
		if err := o.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.ID(), err))
		}
	}
	return errors.Join(errs...)
}
