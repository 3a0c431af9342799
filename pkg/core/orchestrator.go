/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: orchestrator.go
Description: Fuzzer session orchestrator. Owns the transport, worker pool and script runtime of
one session and drives them through the NOT_STARTED, RUNNING, PAUSED and STOPPED lifecycle.
Every transition is a compare-and-set under the session mutex followed by listener notification.
*/

package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/analysis"
	"github.com/kleascm/akaylee-httpfuzz/pkg/config"
	"github.com/kleascm/akaylee-httpfuzz/pkg/execution"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/script"
	"github.com/kleascm/akaylee-httpfuzz/pkg/template"
	"github.com/sirupsen/logrus"
)

// SessionSpec defines a session. Exactly one of Template or RawList is set.
type SessionSpec struct {
	Name      string
	Template  *template.Template
	RawList   []interfaces.RawPair
	Wordlists [3][]string

	// Script is the user script source; Environment defaults to the bundled preamble
	Script      []byte
	Environment []byte

	Options   config.Options
	Sender    interfaces.HostSender
	Reporters []Reporter
}

// Validate rejects definitions that cannot produce a working session
func (s *SessionSpec) Validate() error {
	if s.Template == nil && len(s.RawList) == 0 {
		return fmt.Errorf("%w: a template or a raw request list is required", ErrInvalidSession)
	}
	if s.Template != nil && len(s.RawList) > 0 {
		return fmt.Errorf("%w: template and raw list are mutually exclusive", ErrInvalidSession)
	}
	for i, pair := range s.RawList {
		if err := pair.Service.Validate(); err != nil {
			return fmt.Errorf("%w: raw list entry %d: %v", ErrInvalidSession, i, err)
		}
	}
	if err := s.Options.Validate(); err != nil {
		return err
	}
	cfg, _ := s.Options.Transport()
	if cfg.Engine == execution.RequesterHost && s.Sender == nil {
		return fmt.Errorf("%w: %v", ErrInvalidSession, execution.ErrNoHostSender)
	}
	return nil
}

// SessionSnapshot is a point in time view of one session
type SessionSnapshot struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	State       interfaces.FuzzerState `json:"state"`
	Counters    interfaces.Counters    `json:"counters"`
	CreatedAt   time.Time              `json:"created_at"`
	ScriptError string                 `json:"script_error,omitempty"`
}

// Orchestrator runs one fuzzer session
type Orchestrator struct {
	id        string
	name      string
	createdAt time.Time
	spec      SessionSpec
	options   config.Options
	transCfg  execution.Config
	logger    *logrus.Logger
	reporters []Reporter

	mu      sync.Mutex
	state   interfaces.FuzzerState
	deleted bool

	ctx       context.Context
	cancel    context.CancelFunc
	transport interfaces.Transport
	executor  *ControllableExecutor
	runtime   *script.Runtime
	wildcard  *analysis.WildcardFilter
	runDone   chan struct{}

	listenersMu sync.RWMutex
	listeners   []interfaces.SessionListener

	nextID         atomic.Int64
	total          atomic.Int64
	progress       atomic.Int64
	errors         atomic.Int64
	queueComplete  atomic.Bool
	completed      atomic.Bool
	quarantined    atomic.Bool
	consecutiveBad atomic.Int64
	terminated     atomic.Bool

	scriptErr atomic.Value // string
}

// NewOrchestrator validates spec and creates a session in NOT_STARTED.
// Nothing is started until Start.
func NewOrchestrator(id string, spec SessionSpec, logger *logrus.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	transCfg, err := spec.Options.Transport()
	if err != nil {
		return nil, err
	}
	if spec.Environment == nil {
		spec.Environment = script.Environment()
	}
	name := spec.Name
	if name == "" {
		name = id
	}
	return &Orchestrator{
		id:        id,
		name:      name,
		createdAt: time.Now(),
		spec:      spec,
		options:   spec.Options,
		transCfg:  transCfg,
		logger:    logger,
		reporters: append([]Reporter(nil), spec.Reporters...),
		state:     interfaces.StateNotStarted,
		wildcard:  analysis.NewWildcardFilter(),
	}, nil
}

// ID returns the session ID
func (o *Orchestrator) ID() string {
	return o.id
}

// Name returns the display name
func (o *Orchestrator) Name() string {
	return o.name
}

// State returns the current lifecycle state
func (o *Orchestrator) State() interfaces.FuzzerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Wildcard returns the session's learn-mode filter
func (o *Orchestrator) Wildcard() *analysis.WildcardFilter {
	return o.wildcard
}

// Executor returns the session worker pool, nil before the first Start
func (o *Orchestrator) Executor() *ControllableExecutor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executor
}

// Counters returns the task accounting
func (o *Orchestrator) Counters() interfaces.Counters {
	return interfaces.Counters{
		Total:         o.total.Load(),
		Progress:      o.progress.Load(),
		Errors:        o.errors.Load(),
		QueueComplete: o.queueComplete.Load(),
		Completed:     o.completed.Load(),
		Quarantined:   o.quarantined.Load(),
	}
}

// Snapshot returns the state and counters
func (o *Orchestrator) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		ID:        o.id,
		Name:      o.name,
		State:     o.State(),
		Counters:  o.Counters(),
		CreatedAt: o.createdAt,
	}
	if msg, ok := o.scriptErr.Load().(string); ok {
		snap.ScriptError = msg
	}
	return snap
}

// AddListener registers a session listener
func (o *Orchestrator) AddListener(l interfaces.SessionListener) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.listeners = append(o.listeners, l)
}

// Start boots the session from NOT_STARTED or resumes it from PAUSED
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.deleted {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionDeleted, o.id)
	}
	from := o.state
	switch from {
	case interfaces.StateNotStarted:
		if err := o.boot(ctx); err != nil {
			o.mu.Unlock()
			return err
		}
	case interfaces.StatePaused:
		o.quarantined.Store(false)
		o.consecutiveBad.Store(0)
		o.executor.Resume()
	default:
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, from)
	}
	o.state = interfaces.StateRunning
	o.mu.Unlock()

	o.notifyState(from, interfaces.StateRunning)
	return nil
}

// boot builds the transport, pool and runtime. Called with o.mu held.
func (o *Orchestrator) boot(ctx context.Context) error {
	transport, err := execution.New(o.transCfg, o.spec.Sender, o.logger)
	if err != nil {
		return err
	}
	executor, err := NewControllableExecutor(ExecutorConfig{
		Name:      o.id,
		Workers:   o.options.Threads,
		QueueSize: o.options.QueueSize,
	}, o.logger)
	if err != nil {
		transport.Close()
		return err
	}

	o.ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.transport = transport
	o.executor = executor
	o.runtime = script.NewRuntime(script.RuntimeConfig{
		SessionID:   o.id,
		Environment: o.spec.Environment,
		Source:      o.spec.Script,
		Wordlists:   o.spec.Wordlists,
		RawList:     o.spec.RawList,
		MaxAllocs:   o.options.MaxAllocs,
	}, o, o.logger)
	o.runDone = make(chan struct{})

	go o.runScript()
	go o.monitor(o.ctx)

	o.logger.WithFields(logrus.Fields{
		"session_id": o.id,
		"threads":    o.options.Threads,
		"redirect":   o.transCfg.Policy.String(),
		"requester":  o.transCfg.Engine,
	}).Info("Session started")
	return nil
}

func (o *Orchestrator) runScript() {
	defer close(o.runDone)
	if err := o.runtime.Run(o.ctx); err != nil {
		o.scriptErr.Store(err.Error())
		// nothing more will be queued
		o.queueComplete.Store(true)
	}
}

// Pause holds the worker pool before its next task. Running tasks finish.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.state != interfaces.StateRunning {
		from := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, from)
	}
	o.executor.Pause()
	o.state = interfaces.StatePaused
	o.mu.Unlock()

	o.notifyState(interfaces.StateRunning, interfaces.StatePaused)
	return nil
}

// Stop tears the session down and always leaves it STOPPED. Teardown order:
// pool ShutdownNow, runtime Stop, await pool termination (bounded by ctx),
// transport Close. A pool that does not terminate in time yields
// ErrShutdownIncomplete; calling Stop again retries the wait.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	from := o.state
	switch {
	case from.CanTransitionTo(interfaces.StateStopped):
		o.state = interfaces.StateStopped
	case from == interfaces.StateStopped && o.executor != nil && !o.terminated.Load():
	default:
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidTransition, from)
	}
	o.mu.Unlock()

	if from != interfaces.StateStopped {
		o.notifyState(from, interfaces.StateStopped)
	}
	return o.teardown(ctx)
}

func (o *Orchestrator) teardown(ctx context.Context) error {
	dropped := o.executor.ShutdownNow()
	o.runtime.Stop()

	err := o.executor.AwaitTermination(ctx)
	o.cancel()
	if err == nil {
		select {
		case <-o.runDone:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if cerr := o.transport.Close(); cerr != nil {
		o.logger.WithError(cerr).WithField("session_id", o.id).Warn("Transport close failed")
	}

	entry := o.logger.WithFields(logrus.Fields{
		"session_id": o.id,
		"dropped":    dropped,
		"progress":   o.progress.Load(),
		"total":      o.total.Load(),
	})
	if err != nil {
		entry.WithError(err).Error("Session stop incomplete")
		return fmt.Errorf("%w: %v", ErrShutdownIncomplete, err)
	}
	o.terminated.Store(true)
	entry.Info("Session stopped")
	return nil
}

// Deletable reports whether the session may be removed
func (o *Orchestrator) Deletable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deletableLocked()
}

// markDeleted claims a deletable session for removal under the state lock.
// A claimed session can never be started.
func (o *Orchestrator) markDeleted() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deleted {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, o.id)
	}
	if !o.deletableLocked() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, o.id, o.state)
	}
	o.deleted = true
	return nil
}

func (o *Orchestrator) deletableLocked() bool {
	switch o.state {
	case interfaces.StateNotStarted:
		return true
	case interfaces.StateStopped:
		return o.terminated.Load()
	default:
		return false
	}
}

// quarantine pauses a running session after too many bad responses
func (o *Orchestrator) quarantine(consecutive int64) {
	o.mu.Lock()
	if o.state != interfaces.StateRunning {
		o.mu.Unlock()
		return
	}
	o.executor.Pause()
	o.state = interfaces.StatePaused
	o.quarantined.Store(true)
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"session_id":  o.id,
		"consecutive": consecutive,
		"threshold":   o.options.QuarantineThreshold,
	}).Warn("Session quarantined after consecutive failed or blocked responses")
	o.notifyState(interfaces.StateRunning, interfaces.StatePaused)
	o.notifyCounters()
}

// liftQuarantine resumes a session paused by quarantine
func (o *Orchestrator) liftQuarantine() {
	o.mu.Lock()
	if o.state != interfaces.StatePaused || !o.quarantined.Load() {
		o.mu.Unlock()
		return
	}
	o.quarantined.Store(false)
	o.executor.Resume()
	o.state = interfaces.StateRunning
	o.mu.Unlock()

	o.logger.WithField("session_id", o.id).Info("Quarantine lifted")
	o.notifyState(interfaces.StatePaused, interfaces.StateRunning)
	o.notifyCounters()
}

func (o *Orchestrator) notifyState(from, to interfaces.FuzzerState) {
	for _, r := range o.reporters {
		r.OnStateChanged(o.id, from, to)
	}
	o.eachListener(func(l interfaces.SessionListener) {
		l.OnStateChanged(o.id, from, to)
	})
}

func (o *Orchestrator) notifyCounters() {
	counters := o.Counters()
	o.eachListener(func(l interfaces.SessionListener) {
		l.OnCountersUpdated(o.id, counters)
	})
}

func (o *Orchestrator) eachListener(fn func(interfaces.SessionListener)) {
	o.listenersMu.RLock()
	listeners := append([]interfaces.SessionListener(nil), o.listeners...)
	o.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					o.logger.WithFields(logrus.Fields{
						"session_id": o.id,
						"panic":      rec,
					}).Error("Session listener panicked")
				}
			}()
			fn(l)
		}()
	}
}
