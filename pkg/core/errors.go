/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: errors.go
Description: Control and lifecycle errors raised by sessions, the session manager and the worker
pool. Callers match them with errors.Is.
*/

package core

import "errors"

var (
	// ErrInvalidTransition rejects a lifecycle call that the current state does not allow
	ErrInvalidTransition = errors.New("core: invalid state transition")
	// ErrSessionRunning rejects deletion of a running session
	ErrSessionRunning = errors.New("core: session is running, stop it first")
	// ErrSessionDeleted rejects starting a session that has been deleted
	ErrSessionDeleted = errors.New("core: session deleted")
	// ErrSessionNotFound is returned for unknown session IDs
	ErrSessionNotFound = errors.New("core: session not found")
	// ErrShutdownIncomplete means the worker pool did not terminate in time.
	// The session stays undeletable until a later stop succeeds.
	ErrShutdownIncomplete = errors.New("core: worker pool shutdown incomplete")
	// ErrInvalidSession rejects a session definition at creation time
	ErrInvalidSession = errors.New("core: invalid session definition")
	// ErrNoTemplate is returned when payloads are queued on a session without a template
	ErrNoTemplate = errors.New("core: session has no request template")
)
