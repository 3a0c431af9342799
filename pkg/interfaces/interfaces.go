/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: interfaces.go
Description: Collaborator contracts for the Akaylee HTTP Fuzzer. Defines the progress and
cancellation hooks consumed by bulk operations, session listeners notified by orchestrators,
and the aggregate summary returned to callers of bulk actions.
*/

package interfaces

import (
	"fmt"
	"sort"
	"strings"
)

// ProgressSink receives progress updates from long running operations.
// Implementations must tolerate calls from background goroutines.
type ProgressSink interface {
	UpdateProgress(done, total int, label string)
}

// ProgressFunc adapts a function to ProgressSink
type ProgressFunc func(done, total int, label string)

// UpdateProgress calls f
func (f ProgressFunc) UpdateProgress(done, total int, label string) {
	f(done, total, label)
}

// CancelSignal is polled by bulk operations between steps
type CancelSignal interface {
	IsCancelled() bool
}

// CancelFunc adapts a function to CancelSignal
type CancelFunc func() bool

// IsCancelled calls f
func (f CancelFunc) IsCancelled() bool {
	return f()
}

// NopProgress discards progress updates
var NopProgress ProgressSink = ProgressFunc(func(int, int, string) {})

// NeverCancelled is a CancelSignal that never fires
var NeverCancelled CancelSignal = CancelFunc(func() bool { return false })

// Counters is a point in time view of a session's task accounting
type Counters struct {
	Total         int64 `json:"total"`
	Progress      int64 `json:"progress"`
	Errors        int64 `json:"errors"`
	QueueComplete bool  `json:"queue_complete"`
	Completed     bool  `json:"completed"`
	Quarantined   bool  `json:"quarantined"`
}

// SessionListener observes session lifecycle and results
type SessionListener interface {
	OnStateChanged(sessionID string, from, to FuzzerState)
	OnResultAdded(sessionID string, result *Result)
	OnCountersUpdated(sessionID string, counters Counters)
}

// BulkAction names a bulk session operation
type BulkAction string

const (
	BulkStart  BulkAction = "start"
	BulkPause  BulkAction = "pause"
	BulkStop   BulkAction = "stop"
	BulkDelete BulkAction = "delete"
)

// BulkSummary aggregates the outcome of a bulk operation
type BulkSummary struct {
	Action    BulkAction       `json:"action"`
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Cancelled bool             `json:"cancelled"`
	Errors    map[string]error `json:"-"`
}

// Processed returns the number of sessions that were visited
func (s BulkSummary) Processed() int {
	return s.Succeeded + s.Failed + s.Skipped
}

// Message renders the terminal summary line shown to the operator
func (s BulkSummary) Message() string {
	var b strings.Builder
	if s.Cancelled {
		fmt.Fprintf(&b, "%s cancelled after %d of %d sessions: ", s.Action, s.Processed(), s.Total)
	} else {
		fmt.Fprintf(&b, "%s finished for %d sessions: ", s.Action, s.Total)
	}
	fmt.Fprintf(&b, "%d succeeded, %d failed, %d skipped", s.Succeeded, s.Failed, s.Skipped)
	if len(s.Errors) > 0 {
		ids := make([]string, 0, len(s.Errors))
		for id := range s.Errors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("%s: %v", id, s.Errors[id]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, "; "))
	}
	return b.String()
}
