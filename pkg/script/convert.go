/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: convert.go
Description: Conversion between fuzzer domain values and tengo objects. Results and requests are
handed to scripts as plain maps; request maps coming back from scripts are parsed into request
snapshots and target services.
*/

package script

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/kleascm/akaylee-httpfuzz/pkg/analysis"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/template"
)

func stringArray(items []string) *tengo.ImmutableArray {
	out := make([]tengo.Object, len(items))
	for i, s := range items {
		out[i] = &tengo.String{Value: s}
	}
	return &tengo.ImmutableArray{Value: out}
}

func serviceToMap(svc interfaces.Service) *tengo.Map {
	return &tengo.Map{Value: map[string]tengo.Object{
		"host":   &tengo.String{Value: svc.Host},
		"port":   &tengo.Int{Value: int64(svc.Port)},
		"secure": boolObject(svc.Secure),
	}}
}

func headersToMap(h http.Header) *tengo.Map {
	out := make(map[string]tengo.Object, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = &tengo.String{Value: strings.Join(values, ", ")}
	}
	return &tengo.Map{Value: out}
}

func requestToMap(req interfaces.Request, svc interfaces.Service) *tengo.Map {
	return &tengo.Map{Value: map[string]tengo.Object{
		"method":  &tengo.String{Value: req.Method},
		"target":  &tengo.String{Value: req.Target},
		"proto":   &tengo.String{Value: req.Proto},
		"headers": headersToMap(req.Header),
		"body":    &tengo.String{Value: string(req.Body)},
		"service": serviceToMap(svc),
		"url":     &tengo.String{Value: req.URL(svc)},
	}}
}

func rawListArray(pairs []interfaces.RawPair) *tengo.ImmutableArray {
	out := make([]tengo.Object, len(pairs))
	for i, p := range pairs {
		out[i] = &tengo.ImmutableMap{Value: map[string]tengo.Object{
			"request":  requestToMap(p.Request, p.Service),
			"response": &tengo.String{Value: string(p.Response)},
			"service":  serviceToMap(p.Service),
		}}
	}
	return &tengo.ImmutableArray{Value: out}
}

// resultToMap exposes a result to scripts. Mutating the map never touches the result.
func resultToMap(r *interfaces.Result) *tengo.Map {
	errText := ""
	if r.Err != nil {
		errText = r.Err.Error()
	}
	return &tengo.Map{Value: map[string]tengo.Object{
		"id":              &tengo.Int{Value: r.ID},
		"status":          &tengo.Int{Value: int64(r.StatusCode)},
		"text":            &tengo.String{Value: r.Text()},
		"length":          &tengo.Int{Value: int64(r.Length())},
		"time":            &tengo.Int{Value: r.Elapsed.Milliseconds()},
		"interesting":     boolObject(r.Interesting),
		"blocked":         boolObject(r.Blocked),
		"ok":              boolObject(r.OK()),
		"is_redirect":     boolObject(r.IsRedirect()),
		"is_client_error": boolObject(r.StatusCode >= 400 && r.StatusCode < 500),
		"is_server_error": boolObject(r.StatusCode >= 500 && r.StatusCode < 600),
		"failed":          boolObject(r.Failed),
		"error":           &tengo.String{Value: errText},
		"url":             &tengo.String{Value: r.Request.URL(r.Service)},
		"method":          &tengo.String{Value: r.Request.Method},
		"target":          &tengo.String{Value: r.Request.Target},
		"headers":         headersToMap(r.Header),
		"title":           &tengo.String{Value: analysis.PageTitle(r)},
		"payloads":        stringArray(r.Payloads),
		"learn":           &tengo.Int{Value: int64(r.Learn)},
		"request":         requestToMap(r.Request, r.Service),
	}}
}

// resultFromMap rebuilds a result from a script map that has no pending
// counterpart, such as the map returned by a synchronous send.
func resultFromMap(m map[string]tengo.Object) *interfaces.Result {
	r := &interfaces.Result{Header: make(http.Header)}
	r.ID = int64Field(m, "id")
	r.StatusCode = int(int64Field(m, "status"))
	r.Body = []byte(stringField(m, "text"))
	r.Elapsed = time.Duration(int64Field(m, "time")) * time.Millisecond
	r.Learn = int(int64Field(m, "learn"))
	r.Interesting = boolField(m, "interesting")
	r.Blocked = boolField(m, "blocked")
	r.Failed = boolField(m, "failed")
	if msg := stringField(m, "error"); msg != "" {
		r.Err = fmt.Errorf("%s", msg)
	}
	if h, ok := mapValue(m["headers"]); ok {
		for name, v := range h {
			r.Header.Set(name, tengoString(v))
		}
	}
	if arr, ok := arrayValue(m["payloads"]); ok {
		for _, p := range arr {
			r.Payloads = append(r.Payloads, tengoString(p))
		}
	}
	if req, ok := mapValue(m["request"]); ok {
		if svc, parsed, err := requestFromMap(req); err == nil {
			r.Service, r.Request = svc, parsed
		}
	}
	return r
}

// requestFromMap parses a script request map. The service comes from the
// service entry, then the url entry, then the Host header. A request with no
// derivable service returns a zero Service for the caller to fill in.
func requestFromMap(m map[string]tengo.Object) (interfaces.Service, interfaces.Request, error) {
	req := interfaces.Request{
		Method: strings.ToUpper(stringField(m, "method")),
		Target: stringField(m, "target"),
		Proto:  stringField(m, "proto"),
		Header: make(http.Header),
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Proto == "" || strings.HasPrefix(req.Proto, "HTTP/2") {
		req.Proto = "HTTP/1.1"
	}
	if body := stringField(m, "body"); body != "" {
		req.Body = []byte(body)
	}
	if h, ok := mapValue(m["headers"]); ok {
		for name, v := range h {
			if values, ok := arrayValue(v); ok {
				for _, item := range values {
					req.Header.Add(name, tengoString(item))
				}
				continue
			}
			req.Header.Set(name, tengoString(v))
		}
	}

	var svc interfaces.Service
	if sm, ok := mapValue(m["service"]); ok {
		svc = interfaces.Service{
			Host:   stringField(sm, "host"),
			Port:   int(int64Field(sm, "port")),
			Secure: boolField(sm, "secure"),
		}
	}
	if svc.Host == "" {
		if raw := stringField(m, "url"); raw != "" {
			fromURL, parsed, err := template.FromURL(raw)
			if err != nil {
				return interfaces.Service{}, interfaces.Request{}, err
			}
			svc = fromURL
			if req.Target == "" {
				req.Target = parsed.Target
			}
			if req.Header.Get("Host") == "" {
				req.Header.Set("Host", parsed.Header.Get("Host"))
			}
		}
	}
	if svc.Host == "" {
		if derived, err := template.ServiceForRequest(req); err == nil {
			svc = derived
		}
	}
	if req.Target == "" {
		req.Target = "/"
	}
	if svc.Host != "" {
		if err := svc.Validate(); err != nil {
			return interfaces.Service{}, interfaces.Request{}, err
		}
	}
	return svc, req, nil
}

func boolObject(b bool) tengo.Object {
	if b {
		return tengo.TrueValue
	}
	return tengo.FalseValue
}

func mapValue(o tengo.Object) (map[string]tengo.Object, bool) {
	switch v := o.(type) {
	case *tengo.Map:
		return v.Value, true
	case *tengo.ImmutableMap:
		return v.Value, true
	}
	return nil, false
}

func arrayValue(o tengo.Object) ([]tengo.Object, bool) {
	switch v := o.(type) {
	case *tengo.Array:
		return v.Value, true
	case *tengo.ImmutableArray:
		return v.Value, true
	}
	return nil, false
}

func tengoString(o tengo.Object) string {
	if o == nil || o == tengo.UndefinedValue {
		return ""
	}
	s, _ := tengo.ToString(o)
	return s
}

func stringField(m map[string]tengo.Object, key string) string {
	return tengoString(m[key])
}

func int64Field(m map[string]tengo.Object, key string) int64 {
	o, ok := m[key]
	if !ok {
		return 0
	}
	n, _ := tengo.ToInt64(o)
	return n
}

func boolField(m map[string]tengo.Object, key string) bool {
	o, ok := m[key]
	if !ok {
		return false
	}
	b, _ := tengo.ToBool(o)
	return b
}
