/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: monitor.go
Description: Session completion monitor. Publishes counter updates on a fixed interval and
marks the session completed once the script has finished queueing and every task is done.
*/

package core

import (
	"context"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

func (o *Orchestrator) monitor(ctx context.Context) {
	ticker := time.NewTicker(o.options.MonitorInterval)
	defer ticker.Stop()

	var last interfaces.Counters
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		counters := o.Counters()
		if counters != last {
			last = counters
			o.notifyCounters()
		}
		if counters.Completed || !counters.QueueComplete || counters.Progress < counters.Total {
			continue
		}
		if !o.completed.CompareAndSwap(false, true) {
			continue
		}

		o.logger.WithFields(logrus.Fields{
			"session_id": o.id,
			"total":      counters.Total,
			"errors":     counters.Errors,
		}).Info("Session completed")
		o.notifyCounters()

		if o.options.StopOnCompletion {
			go o.stopOnCompletion()
			return
		}
	}
}

func (o *Orchestrator) stopOnCompletion() {
	ctx, cancel := context.WithTimeout(context.Background(), o.options.StopTimeout)
	defer cancel()
	if err := o.Stop(ctx); err != nil {
		o.logger.WithError(err).WithField("session_id", o.id).Warn("Stop after completion failed")
	}
}
