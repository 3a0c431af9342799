/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: host.go
Description: Session side of the script bridge. Turns queue calls from the script runtime into
FuzzTasks on the worker pool and serves direct sends that bypass the queue and the handler.
*/

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/analysis"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/script"
	"github.com/kleascm/akaylee-httpfuzz/pkg/template"
	"github.com/sirupsen/logrus"
)

var _ script.Host = (*Orchestrator)(nil)

// QueueRequest submits a prepared request. A request without a service goes
// to the session's default service.
func (o *Orchestrator) QueueRequest(ctx context.Context, svc interfaces.Service, req interfaces.Request, learn int) (int64, error) {
	if svc.Host == "" {
		svc = o.defaultService()
	}
	if err := svc.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", template.ErrNoService, err)
	}
	return o.submit(ctx, &FuzzTask{Service: svc, Request: req.Clone(), Learn: learn})
}

// QueuePayloads renders the session template with payloads and submits it.
// A template without markers is reported and nothing is queued.
func (o *Orchestrator) QueuePayloads(ctx context.Context, payloads []string, learn int) (int64, error) {
	tmpl := o.spec.Template
	if tmpl == nil {
		return 0, ErrNoTemplate
	}
	if tmpl.MarkerCount() == 0 {
		o.logger.WithField("session_id", o.id).Errorf("Template has no %s marker, payloads not queued", template.Marker)
		return 0, nil
	}
	req, err := tmpl.Render(payloads)
	if err != nil {
		return 0, err
	}
	return o.submit(ctx, &FuzzTask{
		Service:  tmpl.Service(),
		Request:  req,
		Payloads: append([]string(nil), payloads...),
		Learn:    learn,
	})
}

// QueueRawTemplate renders an ad hoc template against the service named by rawURL
func (o *Orchestrator) QueueRawTemplate(ctx context.Context, rawURL, tmpl string, payloads []string, learn int) (int64, error) {
	svc, req, err := o.renderRaw(rawURL, tmpl, payloads)
	if err != nil {
		return 0, err
	}
	return o.submit(ctx, &FuzzTask{
		Service:  svc,
		Request:  req,
		Payloads: append([]string(nil), payloads...),
		Learn:    learn,
	})
}

// QueueURL submits a GET for an absolute URL
func (o *Orchestrator) QueueURL(ctx context.Context, rawURL string, learn int) (int64, error) {
	svc, req, err := template.FromURL(rawURL)
	if err != nil {
		return 0, err
	}
	return o.submit(ctx, &FuzzTask{Service: svc, Request: req, Learn: learn})
}

func (o *Orchestrator) submit(ctx context.Context, task *FuzzTask) (int64, error) {
	task.ID = o.nextID.Add(1)
	o.total.Add(1)
	err := o.executor.Submit(ctx, func(ctx context.Context) {
		o.runTask(ctx, task)
	})
	if err != nil {
		o.total.Add(-1)
		if !errors.Is(err, ErrExecutorShutdown) && !errors.Is(err, context.Canceled) {
			o.logger.WithError(err).WithField("session_id", o.id).Warn("Failed to queue task")
		}
		return 0, err
	}
	return task.ID, nil
}

// SendRequest sends immediately. Transport failures come back as failed results.
func (o *Orchestrator) SendRequest(ctx context.Context, svc interfaces.Service, req interfaces.Request) (*interfaces.Result, error) {
	if svc.Host == "" {
		svc = o.defaultService()
	}
	if err := svc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", template.ErrNoService, err)
	}
	return o.sendDirect(ctx, svc, req, nil), nil
}

// SendPayloads renders the session template and sends it immediately
func (o *Orchestrator) SendPayloads(ctx context.Context, payloads []string) (*interfaces.Result, error) {
	tmpl := o.spec.Template
	if tmpl == nil {
		return nil, ErrNoTemplate
	}
	req, err := tmpl.Render(payloads)
	if err != nil {
		return nil, err
	}
	return o.sendDirect(ctx, tmpl.Service(), req, payloads), nil
}

// SendRawTemplate renders an ad hoc template and sends it immediately
func (o *Orchestrator) SendRawTemplate(ctx context.Context, rawURL, tmpl string, payloads []string) (*interfaces.Result, error) {
	svc, req, err := o.renderRaw(rawURL, tmpl, payloads)
	if err != nil {
		return nil, err
	}
	return o.sendDirect(ctx, svc, req, payloads), nil
}

// SendURL sends a GET for an absolute URL immediately
func (o *Orchestrator) SendURL(ctx context.Context, rawURL string) (*interfaces.Result, error) {
	svc, req, err := template.FromURL(rawURL)
	if err != nil {
		return nil, err
	}
	return o.sendDirect(ctx, svc, req, nil), nil
}

func (o *Orchestrator) sendDirect(ctx context.Context, svc interfaces.Service, req interfaces.Request, payloads []string) *interfaces.Result {
	start := time.Now()
	result, err := o.transport.Send(ctx, svc, req)
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": o.id,
			"url":        req.URL(svc),
		}).Debug("Direct send failed")
		result = interfaces.NewFailedResult(svc, req, time.Since(start), err)
	}
	blocked := analysis.IsBlocked(result)
	interesting := !result.Failed && !o.wildcard.Matches(result)
	return result.WithTriage(0, o.id, payloads, 0, interesting, blocked)
}

func (o *Orchestrator) renderRaw(rawURL, tmpl string, payloads []string) (interfaces.Service, interfaces.Request, error) {
	req, err := template.RenderRaw(tmpl, payloads)
	if err != nil {
		return interfaces.Service{}, interfaces.Request{}, err
	}
	var svc interfaces.Service
	switch {
	case rawURL != "":
		svc, err = template.ServiceFromURL(rawURL)
	case req.Header.Get("Host") != "":
		svc, err = template.ServiceForRequest(req)
	default:
		svc = o.defaultService()
		if svc.Host == "" {
			err = template.ErrNoService
		}
	}
	return svc, req, err
}

// defaultService is the template service, or the first raw list entry's
func (o *Orchestrator) defaultService() interfaces.Service {
	if o.spec.Template != nil {
		return o.spec.Template.Service()
	}
	if len(o.spec.RawList) > 0 {
		return o.spec.RawList[0].Service
	}
	return interfaces.Service{}
}

// MarkQueueComplete records that the script will queue nothing more
func (o *Orchestrator) MarkQueueComplete() {
	if o.queueComplete.CompareAndSwap(false, true) {
		o.logger.WithFields(logrus.Fields{
			"session_id": o.id,
			"total":      o.total.Load(),
		}).Debug("Queue marked complete")
	}
}

// AddResult publishes a result to the results table
func (o *Orchestrator) AddResult(result *interfaces.Result) {
	if result == nil {
		return
	}
	if result.SessionID == "" {
		result = result.WithTriage(result.ID, o.id, nil, result.Learn, result.Interesting, result.Blocked)
	}
	for _, r := range o.reporters {
		r.OnResultAdded(o.id, result)
	}
	o.eachListener(func(l interfaces.SessionListener) {
		l.OnResultAdded(o.id, result)
	})
}

// CurrentTemplate returns the session template text, empty in raw list mode
func (o *Orchestrator) CurrentTemplate() string {
	if o.spec.Template == nil {
		return ""
	}
	return o.spec.Template.Raw()
}
