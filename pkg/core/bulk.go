/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: bulk.go
Description: Bulk session operations. Each session is processed independently: failures are
tallied and never abort the batch, sessions for which the action is a no-op are skipped, and
the cancel signal is polled between sessions.
*/

package core

import (
	"context"
	"fmt"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

// bulkStep applies one action to one session. skip reports a no-op.
type bulkStep func(ctx context.Context, o *Orchestrator) (skip bool, err error)

// StartAll starts or resumes the sessions. Running and stopped sessions are skipped.
func (m *SessionManager) StartAll(ctx context.Context, ids []string, progress interfaces.ProgressSink, cancel interfaces.CancelSignal) interfaces.BulkSummary {
	return m.bulk(ctx, interfaces.BulkStart, ids, progress, cancel, func(ctx context.Context, o *Orchestrator) (bool, error) {
		switch o.State() {
		case interfaces.StateRunning, interfaces.StateStopped:
			return true, nil
		}
		return false, o.Start(ctx)
	})
}

// PauseAll pauses the sessions. Sessions that are not running are skipped.
func (m *SessionManager) PauseAll(ctx context.Context, ids []string, progress interfaces.ProgressSink, cancel interfaces.CancelSignal) interfaces.BulkSummary {
	return m.bulk(ctx, interfaces.BulkPause, ids, progress, cancel, func(ctx context.Context, o *Orchestrator) (bool, error) {
		if o.State() != interfaces.StateRunning {
			return true, nil
		}
		return false, o.Pause()
	})
}

// StopAll stops the sessions. Sessions never started or already fully
// stopped are skipped.
func (m *SessionManager) StopAll(ctx context.Context, ids []string, progress interfaces.ProgressSink, cancel interfaces.CancelSignal) interfaces.BulkSummary {
	return m.bulk(ctx, interfaces.BulkStop, ids, progress, cancel, func(ctx context.Context, o *Orchestrator) (bool, error) {
		switch o.State() {
		case interfaces.StateNotStarted:
			return true, nil
		case interfaces.StateStopped:
			if o.Deletable() {
				return true, nil
			}
		}
		return false, o.Stop(ctx)
	})
}

// DeleteAll deletes the sessions. Running sessions are refused and counted as failures.
func (m *SessionManager) DeleteAll(ctx context.Context, ids []string, progress interfaces.ProgressSink, cancel interfaces.CancelSignal) interfaces.BulkSummary {
	return m.bulk(ctx, interfaces.BulkDelete, ids, progress, cancel, func(ctx context.Context, o *Orchestrator) (bool, error) {
		return false, m.Delete(ctx, o.ID())
	})
}

func (m *SessionManager) bulk(ctx context.Context, action interfaces.BulkAction, ids []string, progress interfaces.ProgressSink, cancel interfaces.CancelSignal, step bulkStep) interfaces.BulkSummary {
	if progress == nil {
		progress = interfaces.NopProgress
	}
	if cancel == nil {
		cancel = interfaces.NeverCancelled
	}
	summary := interfaces.BulkSummary{
		Action: action,
		Total:  len(ids),
		Errors: make(map[string]error),
	}

	for i, id := range ids {
		if cancel.IsCancelled() || ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		skip, err := m.bulkOne(ctx, id, step)
		switch {
		case err != nil:
			summary.Failed++
			summary.Errors[id] = err
		case skip:
			summary.Skipped++
		default:
			summary.Succeeded++
		}
		progress.UpdateProgress(i+1, len(ids), fmt.Sprintf("%s %s", action, id))
	}

	entry := m.logger.WithFields(logrus.Fields{
		"action":    action,
		"total":     summary.Total,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
		"cancelled": summary.Cancelled,
	})
	if summary.Failed > 0 {
		entry.Warn(summary.Message())
	} else {
		entry.Info(summary.Message())
	}
	return summary
}

func (m *SessionManager) bulkOne(ctx context.Context, id string, step bulkStep) (skip bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("bulk step panicked: %v", rec)
		}
	}()
	o, err := m.Get(id)
	if err != nil {
		return false, err
	}
	return step(ctx, o)
}
