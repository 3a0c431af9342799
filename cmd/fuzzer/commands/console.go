/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: console.go
Description: Console presentation for running sessions. Session events arrive on worker
goroutines and are marshaled onto the selection dispatcher so output lines never interleave.
*/

package commands

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/core"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/logging"
	"github.com/kleascm/akaylee-httpfuzz/pkg/selection"
	"github.com/sirupsen/logrus"
)

// consoleListener prints results and lifecycle changes of the selected sessions
type consoleListener struct {
	out        io.Writer
	dispatcher *selection.Dispatcher
	selection  *selection.State
}

var _ interfaces.SessionListener = (*consoleListener)(nil)

func newConsoleListener(out io.Writer, dispatcher *selection.Dispatcher, sel *selection.State) *consoleListener {
	return &consoleListener{out: out, dispatcher: dispatcher, selection: sel}
}

func (c *consoleListener) OnStateChanged(sessionID string, from, to interfaces.FuzzerState) {
	c.dispatcher.Post(func() {
		fmt.Fprintf(c.out, "🔁 [%s] %s -> %s\n", shortID(sessionID), from, to)
	})
}

func (c *consoleListener) OnResultAdded(sessionID string, result *interfaces.Result) {
	c.dispatcher.Post(func() {
		if !c.selection.Get().Contains(sessionID) {
			return
		}
		marker := "🎯"
		if result.Failed {
			marker = "💥"
		}
		fmt.Fprintf(c.out, "%s [%s] #%-6d %3d %7dB %8s  %s %s\n",
			marker, shortID(sessionID), result.ID, result.StatusCode, result.Length(),
			result.Elapsed.Round(time.Millisecond), result.Request.Method, result.Request.URL(result.Service))
	})
}

func (c *consoleListener) OnCountersUpdated(string, interfaces.Counters) {}

// statsReporter logs periodic statistics for the selected sessions
type statsReporter struct {
	logger  *logging.Logger
	manager *core.SessionManager

	mu   sync.Mutex
	last map[string]progressMark
}

type progressMark struct {
	progress int64
	at       time.Time
}

func newStatsReporter(logger *logging.Logger, manager *core.SessionManager) *statsReporter {
	return &statsReporter{
		logger:  logger,
		manager: manager,
		last:    make(map[string]progressMark),
	}
}

// report logs one statistics line per session and returns true once every
// session has completed or stopped
func (s *statsReporter) report(ids []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := true
	now := time.Now()
	for _, id := range ids {
		snap, err := s.manager.Snapshot(id)
		if err != nil {
			continue
		}
		var rate float64
		if prev, ok := s.last[id]; ok {
			if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 {
				rate = float64(snap.Counters.Progress-prev.progress) / elapsed
			}
		}
		s.last[id] = progressMark{progress: snap.Counters.Progress, at: now}

		fields := logrus.Fields{
			"name":  snap.Name,
			"state": snap.State.String(),
		}
		if snap.Counters.Quarantined {
			fields["quarantined"] = true
		}
		if snap.ScriptError != "" {
			fields["script_error"] = snap.ScriptError
		}
		s.logger.LogStats(id, snap.Counters.Total, snap.Counters.Progress, snap.Counters.Errors, rate, fields)

		if !snap.Counters.Completed && snap.State != interfaces.StateStopped {
			done = false
		}
	}
	return done
}
