/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: dispatcher.go
Description: Single goroutine FIFO dispatcher. Every presentation callback is posted here so
that listeners run one at a time, in posting order, off the fuzzing goroutines.
*/

package selection

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Dispatcher runs posted jobs on one goroutine in FIFO order
type Dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	logger *logrus.Logger
}

// NewDispatcher starts the dispatch goroutine
func NewDispatcher(logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &Dispatcher{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go d.loop()
	return d
}

// Post queues fn. It returns false once the dispatcher is closed.
func (d *Dispatcher) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush waits until every job posted before the call has run
func (d *Dispatcher) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	if !d.Post(func() { close(reached) }) {
		select {
		case <-d.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, runs the ones already queued and waits for the
// dispatch goroutine to exit
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		jobs := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, job := range jobs {
			d.run(job)
		}
		if len(jobs) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *Dispatcher) run(job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.WithField("panic", rec).Error("Dispatched job panicked")
		}
	}()
	job()
}
