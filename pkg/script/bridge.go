/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: bridge.go
Description: The _host binding. Every function the environment preamble builds on is a Go
callback registered here that forwards to the session Host, the session store or the codec
helpers.
*/

package script

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

// Host is the session side of the bridge. Queue calls return the new task ID.
// Queue and send calls run with the script lock released and may block.
// Send calls bypass the queue and the handler; a transport failure comes back
// as a Failed result, an error means the request could not be built.
type Host interface {
	QueueRequest(ctx context.Context, svc interfaces.Service, req interfaces.Request, learn int) (int64, error)
	QueuePayloads(ctx context.Context, payloads []string, learn int) (int64, error)
	QueueRawTemplate(ctx context.Context, rawURL, tmpl string, payloads []string, learn int) (int64, error)
	QueueURL(ctx context.Context, rawURL string, learn int) (int64, error)

	SendRequest(ctx context.Context, svc interfaces.Service, req interfaces.Request) (*interfaces.Result, error)
	SendPayloads(ctx context.Context, payloads []string) (*interfaces.Result, error)
	SendRawTemplate(ctx context.Context, rawURL, tmpl string, payloads []string) (*interfaces.Result, error)
	SendURL(ctx context.Context, rawURL string) (*interfaces.Result, error)

	MarkQueueComplete()
	AddResult(result *interfaces.Result)
	CurrentTemplate() string
}

type hostFunc func(args ...tengo.Object) (tengo.Object, error)

func (r *Runtime) bindings() *tengo.ImmutableMap {
	funcs := map[string]hostFunc{
		"queue_url":      r.queueURL,
		"queue_payloads": r.queuePayloads,
		"queue_raw":      r.queueRaw,
		"queue_request":  r.queueRequest,

		"send_url":      r.sendURL,
		"send_payloads": r.sendPayloads,
		"send_raw":      r.sendRaw,
		"send_request":  r.sendRequest,

		"done":             r.done,
		"add_to_table":     r.addToTable,
		"current_template": r.currentTemplate,

		"session_get":       r.sessionGet,
		"session_set":       r.sessionSet,
		"session_increment": r.sessionIncrement,
		"session_contains":  r.sessionContains,
		"session_clear":     r.sessionClear,

		"encode":  codecFunc(Encode),
		"decode":  codecFunc(Decode),
		"hash":    codecFunc(Hash),
		"randstr": r.randstr,
		"sleep":   r.sleep,

		"should_stop":      r.shouldStopFn,
		"log":              r.logFn(logrus.InfoLevel),
		"log_err":          r.logFn(logrus.ErrorLevel),
		"request_from_url": r.requestFromURL,
	}

	values := make(map[string]tengo.Object, len(funcs))
	for name, fn := range funcs {
		values[name] = &tengo.UserFunction{Name: name, Value: tengo.CallableFunc(fn)}
	}
	return &tengo.ImmutableMap{Value: values}
}

// queue

func (r *Runtime) queueURL(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	if args[0] == tengo.UndefinedValue {
		r.log().Error("queue_url called without a url")
		return tengo.UndefinedValue, nil
	}
	u, err := stringArg(args, 0, "url")
	if err != nil {
		return nil, err
	}
	learn := learnArg(args, 1)
	var id int64
	r.unlocked(func() { id, err = r.host.QueueURL(r.ctx, u, learn) })
	return idObject(id, err)
}

func (r *Runtime) queuePayloads(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	if args[0] == tengo.UndefinedValue {
		r.log().Error("queue_payloads called without payloads")
		return tengo.UndefinedValue, nil
	}
	payloads, learn := payloadArg(args[0]), learnArg(args, 1)
	var (
		id  int64
		err error
	)
	r.unlocked(func() { id, err = r.host.QueuePayloads(r.ctx, payloads, learn) })
	return idObject(id, err)
}

func (r *Runtime) queueRaw(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 3 || len(args) > 4 {
		return nil, tengo.ErrWrongNumArguments
	}
	tmpl, err := stringArg(args, 1, "template")
	if err != nil {
		return nil, err
	}
	rawURL, payloads, learn := tengoString(args[0]), payloadArg(args[2]), learnArg(args, 3)
	var id int64
	r.unlocked(func() { id, err = r.host.QueueRawTemplate(r.ctx, rawURL, tmpl, payloads, learn) })
	return idObject(id, err)
}

func (r *Runtime) queueRequest(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	m, ok := mapValue(args[0])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "request", Expected: "map", Found: args[0].TypeName()}
	}
	svc, req, err := requestFromMap(m)
	if err != nil {
		return errorObject(err), nil
	}
	learn := learnArg(args, 1)
	var id int64
	r.unlocked(func() { id, err = r.host.QueueRequest(r.ctx, svc, req, learn) })
	return idObject(id, err)
}

// send

func (r *Runtime) sendURL(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	u, err := stringArg(args, 0, "url")
	if err != nil {
		return nil, err
	}
	var result *interfaces.Result
	r.unlocked(func() { result, err = r.host.SendURL(r.ctx, u) })
	return sendObject(result, err)
}

func (r *Runtime) sendPayloads(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	payloads := payloadArg(args[0])
	var (
		result *interfaces.Result
		err    error
	)
	r.unlocked(func() { result, err = r.host.SendPayloads(r.ctx, payloads) })
	return sendObject(result, err)
}

func (r *Runtime) sendRaw(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 3 {
		return nil, tengo.ErrWrongNumArguments
	}
	tmpl, err := stringArg(args, 1, "template")
	if err != nil {
		return nil, err
	}
	rawURL, payloads := tengoString(args[0]), payloadArg(args[2])
	var result *interfaces.Result
	r.unlocked(func() { result, err = r.host.SendRawTemplate(r.ctx, rawURL, tmpl, payloads) })
	return sendObject(result, err)
}

func (r *Runtime) sendRequest(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	m, ok := mapValue(args[0])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "request", Expected: "map", Found: args[0].TypeName()}
	}
	svc, req, err := requestFromMap(m)
	if err != nil {
		return errorObject(err), nil
	}
	var result *interfaces.Result
	r.unlocked(func() { result, err = r.host.SendRequest(r.ctx, svc, req) })
	return sendObject(result, err)
}

// session control

func (r *Runtime) done(args ...tengo.Object) (tengo.Object, error) {
	r.host.MarkQueueComplete()
	return tengo.UndefinedValue, nil
}

func (r *Runtime) addToTable(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	m, ok := mapValue(args[0])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "result", Expected: "map", Found: args[0].TypeName()}
	}
	if id := int64Field(m, "id"); id > 0 {
		if pending, ok := r.pending.Load(id); ok {
			r.host.AddResult(pending.(*interfaces.Result))
			return tengo.UndefinedValue, nil
		}
	}
	r.host.AddResult(resultFromMap(m))
	return tengo.UndefinedValue, nil
}

func (r *Runtime) currentTemplate(args ...tengo.Object) (tengo.Object, error) {
	return &tengo.String{Value: r.host.CurrentTemplate()}, nil
}

func (r *Runtime) shouldStopFn(args ...tengo.Object) (tengo.Object, error) {
	return boolObject(r.shouldStop.Load()), nil
}

func (r *Runtime) requestFromURL(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	u, err := stringArg(args, 0, "url")
	if err != nil {
		return nil, err
	}
	svc, req, err := requestFromMap(map[string]tengo.Object{"url": &tengo.String{Value: u}})
	if err != nil {
		return errorObject(err), nil
	}
	return requestToMap(req, svc), nil
}

// session store

func (r *Runtime) sessionGet(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	if v, ok := r.store.Get(key); ok {
		return tengo.FromInterface(v)
	}
	if len(args) == 2 {
		return args[1], nil
	}
	return tengo.UndefinedValue, nil
}

func (r *Runtime) sessionSet(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	r.store.Set(key, tengo.ToInterface(args[1]))
	return tengo.UndefinedValue, nil
}

func (r *Runtime) sessionIncrement(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	delta := int64(1)
	if len(args) == 2 {
		if n, ok := tengo.ToInt64(args[1]); ok {
			delta = n
		}
	}
	return &tengo.Int{Value: r.store.Increment(key, delta)}, nil
}

func (r *Runtime) sessionContains(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	key, err := stringArg(args, 0, "key")
	if err != nil {
		return nil, err
	}
	return boolObject(r.store.Contains(key)), nil
}

func (r *Runtime) sessionClear(args ...tengo.Object) (tengo.Object, error) {
	r.store.Clear()
	return tengo.UndefinedValue, nil
}

// utils

func codecFunc(fn func(kind, s string) (string, error)) hostFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		if len(args) != 2 {
			return nil, tengo.ErrWrongNumArguments
		}
		kind, err := stringArg(args, 0, "kind")
		if err != nil {
			return nil, err
		}
		out, err := fn(kind, tengoString(args[1]))
		if err != nil {
			return errorObject(err), nil
		}
		return &tengo.String{Value: out}, nil
	}
}

func (r *Runtime) randstr(args ...tengo.Object) (tengo.Object, error) {
	n := 12
	if len(args) > 0 {
		if v, ok := tengo.ToInt(args[0]); ok {
			n = v
		}
	}
	withDigits := true
	if len(args) > 1 {
		withDigits = !args[1].IsFalsy()
	}
	return &tengo.String{Value: RandString(n, withDigits)}, nil
}

func (r *Runtime) sleep(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	ms, ok := tengo.ToInt64(args[0])
	if !ok || ms <= 0 {
		return tengo.UndefinedValue, nil
	}
	r.unlocked(func() {
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.ctx.Done():
		}
	})
	return tengo.UndefinedValue, nil
}

func (r *Runtime) logFn(level logrus.Level) hostFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		var parts []string
		for _, a := range args {
			if items, ok := arrayValue(a); ok {
				for _, item := range items {
					parts = append(parts, tengoString(item))
				}
				continue
			}
			parts = append(parts, tengoString(a))
		}
		r.log().WithField("source", "script").Log(level, strings.Join(parts, " "))
		return tengo.UndefinedValue, nil
	}
}

// argument helpers

func stringArg(args []tengo.Object, idx int, name string) (string, error) {
	s, ok := tengo.ToString(args[idx])
	if !ok {
		return "", tengo.ErrInvalidArgumentType{Name: name, Expected: "string", Found: args[idx].TypeName()}
	}
	return s, nil
}

func learnArg(args []tengo.Object, idx int) int {
	if len(args) <= idx {
		return 0
	}
	n, ok := tengo.ToInt(args[idx])
	if !ok {
		return 0
	}
	return n
}

// payloadArg accepts a single value or an array of values
func payloadArg(o tengo.Object) []string {
	if o == nil || o == tengo.UndefinedValue {
		return nil
	}
	if items, ok := arrayValue(o); ok {
		out := make([]string, len(items))
		for i, item := range items {
			out[i] = tengoString(item)
		}
		return out
	}
	return []string{tengoString(o)}
}

func idObject(id int64, err error) (tengo.Object, error) {
	if err != nil {
		return errorObject(err), nil
	}
	return &tengo.Int{Value: id}, nil
}

func sendObject(result *interfaces.Result, err error) (tengo.Object, error) {
	if err != nil {
		return errorObject(err), nil
	}
	return resultToMap(result), nil
}

func errorObject(err error) tengo.Object {
	return &tengo.Error{Value: &tengo.String{Value: fmt.Sprint(err)}}
}
