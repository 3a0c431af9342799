/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: executor.go
Description: Controllable worker pool for fuzz task execution. A fixed set of workers drains a
bounded queue; a shared pause gate holds workers before each new task while running tasks
continue undisturbed. Shutdown always forces the gate open so blocked workers can exit, and
termination listeners run once after the last worker is gone.
*/

package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrExecutorShutdown is the rejection returned by Submit once shutdown has begun
var ErrExecutorShutdown = errors.New("core: executor is shut down")

// Task is one unit of work. ctx is cancelled by ShutdownNow.
type Task func(ctx context.Context)

// TerminationListener is notified once the pool has fully terminated
type TerminationListener func()

// ListenerID identifies a registered termination listener
type ListenerID uint64

// ExecutorConfig sizes a ControllableExecutor
type ExecutorConfig struct {
	Name      string
	Workers   int
	QueueSize int // defaults to Workers*2
}

// ExecutorStats is a snapshot of pool activity
type ExecutorStats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Active    int64 `json:"active"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Dropped   int64 `json:"dropped"`
	Paused    bool  `json:"paused"`
}

type terminationEntry struct {
	id ListenerID
	fn TerminationListener
}

// ControllableExecutor is a bounded worker pool with pause/resume control
type ControllableExecutor struct {
	name    string
	workers int
	logger  *logrus.Logger

	queue   chan Task
	closing chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	// gate is closed while the pool is running and replaced by an open
	// channel on each false->true pause transition.
	mu     sync.Mutex
	gate   chan struct{}
	paused atomic.Bool

	submitMu     sync.RWMutex
	shutdown     atomic.Bool
	closeQueue   sync.Once
	closeClosing sync.Once

	wg         sync.WaitGroup
	terminated chan struct{}
	listeners  []terminationEntry
	nextID     ListenerID
	fired      bool

	active    atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	dropped   atomic.Int64
}

// NewControllableExecutor starts the workers and returns the pool
func NewControllableExecutor(cfg ExecutorConfig, logger *logrus.Logger) (*ControllableExecutor, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("executor workers must be positive, got %d", cfg.Workers)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	open := make(chan struct{})
	close(open)

	e := &ControllableExecutor{
		name:       cfg.Name,
		workers:    cfg.Workers,
		logger:     logger,
		queue:      make(chan Task, cfg.QueueSize),
		closing:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		gate:       open,
		terminated: make(chan struct{}),
	}

	e.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go e.worker(i)
	}
	go e.awaitWorkers()

	return e, nil
}

// Submit enqueues task, blocking while the queue is full. It fails with
// ErrExecutorShutdown once shutdown has begun and with ctx.Err() if ctx ends first.
func (e *ControllableExecutor) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return fmt.Errorf("nil task")
	}
	e.submitMu.RLock()
	defer e.submitMu.RUnlock()

	if e.shutdown.Load() {
		return ErrExecutorShutdown
	}
	select {
	case e.queue <- task:
		e.submitted.Add(1)
		return nil
	case <-e.closing:
		return ErrExecutorShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause closes the gate. Workers finish their current task and then wait.
// Calling Pause while paused, or after shutdown, does nothing.
func (e *ControllableExecutor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown.Load() {
		return
	}
	if e.paused.CompareAndSwap(false, true) {
		e.gate = make(chan struct{})
		e.logger.WithFields(logrus.Fields{"executor": e.name}).Debug("Executor paused")
	}
}

// Resume opens the gate. Calling Resume while running does nothing.
func (e *ControllableExecutor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.openGateLocked()
}

func (e *ControllableExecutor) openGateLocked() {
	if e.paused.CompareAndSwap(true, false) {
		close(e.gate)
		e.logger.WithFields(logrus.Fields{"executor": e.name}).Debug("Executor resumed")
	}
}

// IsPaused reports whether the gate is closed
func (e *ControllableExecutor) IsPaused() bool {
	return e.paused.Load()
}

// Shutdown stops accepting tasks and lets queued tasks drain. The gate is
// forced open first so paused workers can observe shutdown.
func (e *ControllableExecutor) Shutdown() {
	e.beginShutdown()
	e.submitMu.Lock()
	e.closeQueue.Do(func() { close(e.queue) })
	e.submitMu.Unlock()
}

// ShutdownNow stops accepting tasks, cancels running tasks through their
// context and abandons everything still queued. It returns the number of
// queued tasks that were dropped.
func (e *ControllableExecutor) ShutdownNow() int {
	// cancel before the gate opens so gated workers drop their task
	e.shutdown.Store(true)
	e.cancel()
	e.beginShutdown()

	e.submitMu.Lock()
	e.closeQueue.Do(func() { close(e.queue) })
	e.submitMu.Unlock()

	dropped := 0
	for range e.queue {
		dropped++
	}
	e.dropped.Add(int64(dropped))
	return dropped
}

func (e *ControllableExecutor) beginShutdown() {
	e.mu.Lock()
	e.shutdown.Store(true)
	e.openGateLocked()
	e.mu.Unlock()
	e.closeClosing.Do(func() { close(e.closing) })
}

// IsShutdown reports whether shutdown has begun
func (e *ControllableExecutor) IsShutdown() bool {
	return e.shutdown.Load()
}

// IsTerminated reports whether all workers have exited and listeners have run
func (e *ControllableExecutor) IsTerminated() bool {
	select {
	case <-e.terminated:
		return true
	default:
		return false
	}
}

// AwaitTermination blocks until the pool terminates or ctx ends
func (e *ControllableExecutor) AwaitTermination(ctx context.Context) error {
	select {
	case <-e.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddTerminationListener registers fn. Listeners run in registration order.
// A listener added after termination runs immediately.
func (e *ControllableExecutor) AddTerminationListener(fn TerminationListener) ListenerID {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	if e.fired {
		e.mu.Unlock()
		e.invokeListener(id, fn)
		return id
	}
	e.listeners = append(e.listeners, terminationEntry{id: id, fn: fn})
	e.mu.Unlock()
	return id
}

// RemoveTerminationListener unregisters a listener that has not fired yet
func (e *ControllableExecutor) RemoveTerminationListener(id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Stats returns a snapshot of pool counters
func (e *ControllableExecutor) Stats() ExecutorStats {
	return ExecutorStats{
		Workers:   e.workers,
		Queued:    len(e.queue),
		Active:    e.active.Load(),
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Dropped:   e.dropped.Load(),
		Paused:    e.paused.Load(),
	}
}

func (e *ControllableExecutor) currentGate() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate
}

// worker takes a task, waits at the gate, then runs it
func (e *ControllableExecutor) worker(id int) {
	defer e.wg.Done()
	for {
		var task Task
		var ok bool
		select {
		case task, ok = <-e.queue:
			if !ok {
				return
			}
		case <-e.ctx.Done():
			return
		}

		select {
		case <-e.currentGate():
		case <-e.ctx.Done():
			e.dropped.Add(1)
			return
		}
		if e.ctx.Err() != nil {
			e.dropped.Add(1)
			return
		}
		e.run(id, task)
	}
}

func (e *ControllableExecutor) run(workerID int, task Task) {
	e.active.Add(1)
	defer func() {
		e.active.Add(-1)
		e.completed.Add(1)
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			e.logger.WithFields(logrus.Fields{
				"executor": e.name,
				"worker":   workerID,
				"panic":    r,
				"stack":    string(buf[:n]),
			}).Error("Task panicked")
		}
	}()
	task(e.ctx)
}

func (e *ControllableExecutor) awaitWorkers() {
	e.wg.Wait()

	e.mu.Lock()
	e.fired = true
	listeners := e.listeners
	e.listeners = nil
	e.mu.Unlock()

	for _, l := range listeners {
		e.invokeListener(l.id, l.fn)
	}
	e.cancel()
	close(e.terminated)

	e.logger.WithFields(logrus.Fields{
		"executor":  e.name,
		"completed": e.completed.Load(),
		"dropped":   e.dropped.Load(),
	}).Debug("Executor terminated")
}

func (e *ControllableExecutor) invokeListener(id ListenerID, fn TerminationListener) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"executor": e.name,
				"listener": id,
				"panic":    r,
			}).Error("Termination listener failed")
		}
	}()
	fn()
}
