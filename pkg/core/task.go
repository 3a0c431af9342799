/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: task.go
Description: Fuzz task execution. Sends one request with retries, triages the response through
the learn-mode wildcard filter and WAF detection, routes it to the script handler and keeps the
session counters and quarantine state current.
*/

package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/analysis"
	"github.com/kleascm/akaylee-httpfuzz/pkg/execution"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

const (
	// RetryFailedStatus marks the synthetic result handed over once retries are exhausted
	RetryFailedStatus = 999
	retryFailedBody   = "Retry Failed: Maximum retries exceeded"
	retryBackoff      = 100 * time.Millisecond
)

// ErrRetriesExhausted is carried by the synthetic retry-failed result
var ErrRetriesExhausted = errors.New("core: maximum retries exceeded")

// FuzzTask is one queued request. It is discarded once the handler returns.
type FuzzTask struct {
	ID       int64
	Service  interfaces.Service
	Request  interfaces.Request
	Payloads []string
	Learn    int
}

// runTask is the executor task body for one FuzzTask
func (o *Orchestrator) runTask(ctx context.Context, task *FuzzTask) {
	result := o.sendWithRetries(ctx, task)

	if task.Learn > 0 && !result.Failed {
		result = result.WithTriage(task.ID, o.id, task.Payloads, task.Learn, false, false)
		o.wildcard.Learn(task.Learn, result)
		o.finishTask(result)
		return
	}

	blocked := analysis.IsBlocked(result)
	interesting := !result.Failed && !o.wildcard.Matches(result)
	result = result.WithTriage(task.ID, o.id, task.Payloads, task.Learn, interesting, blocked)

	o.trackHealth(result)
	if err := o.runtime.HandleResponse(ctx, result); err != nil {
		o.logger.WithFields(logrus.Fields{
			"session_id": o.id,
			"task_id":    task.ID,
		}).Debug("Handler failed for task")
	}
	o.finishTask(result)
}

// sendWithRetries sends the task up to 1+retries times. A cancelled send is
// returned as a plain failure marker; exhausted retries produce the synthetic
// retry-failed result.
func (o *Orchestrator) sendWithRetries(ctx context.Context, task *FuzzTask) *interfaces.Result {
	retries := o.options.Retries
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		result, err := o.transport.Send(ctx, task.Service, task.Request)
		if err == nil {
			return result
		}
		lastErr = err
		if execution.IsCancellation(err) || ctx.Err() != nil {
			return interfaces.NewFailedResult(task.Service, task.Request, time.Since(start), err)
		}
		o.logger.WithFields(logrus.Fields{
			"session_id": o.id,
			"task_id":    task.ID,
			"attempt":    attempt + 1,
		}).WithError(err).Debug("Send failed")

		if attempt == retries {
			break
		}
		timer := time.NewTimer(retryBackoff * time.Duration(attempt+1))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return interfaces.NewFailedResult(task.Service, task.Request, time.Since(start),
				fmt.Errorf("%w: %w", execution.ErrCancelled, ctx.Err()))
		}
	}

	failed := interfaces.NewFailedResult(task.Service, task.Request, time.Since(start),
		fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr))
	failed.StatusCode = RetryFailedStatus
	failed.StatusLine = fmt.Sprintf("HTTP/1.1 %d Retry Failed", RetryFailedStatus)
	failed.Header = http.Header{"Content-Type": {"text/plain"}}
	failed.Body = []byte(retryFailedBody)
	return failed
}

// trackHealth counts consecutive failed or blocked tasks, quarantining the
// session past the threshold and lifting quarantine on the next good response
func (o *Orchestrator) trackHealth(result *interfaces.Result) {
	if result.Failed || result.Blocked {
		if result.Failed && execution.IsCancellation(result.Err) {
			return
		}
		n := o.consecutiveBad.Add(1)
		if threshold := int64(o.options.QuarantineThreshold); threshold > 0 && n > threshold {
			o.quarantine(n)
		}
		return
	}
	o.consecutiveBad.Store(0)
	if o.quarantined.Load() {
		o.liftQuarantine()
	}
}

func (o *Orchestrator) finishTask(result *interfaces.Result) {
	if result.Failed {
		o.errors.Add(1)
	}
	o.progress.Add(1)
	for _, r := range o.reporters {
		r.OnTaskCompleted(o.id, result)
	}
}
