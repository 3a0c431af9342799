/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: api.go
Description: HTTP domain types shared across the Akaylee HTTP Fuzzer. Defines target services,
request snapshots, transport results, redirect policies and the transport contracts that every
sender implementation honours.
*/

package interfaces

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Service identifies the network endpoint a request is sent to
type Service struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	Secure bool   `json:"secure" yaml:"secure"`
}

// Scheme returns http or https depending on the service TLS setting
func (s Service) Scheme() string {
	if s.Secure {
		return "https"
	}
	return "http"
}

// Authority returns host[:port], omitting the port when it is the scheme default
func (s Service) Authority() string {
	if s.Port == 0 || (s.Secure && s.Port == 443) || (!s.Secure && s.Port == 80) {
		return s.Host
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BaseURL returns scheme://authority without a trailing slash
func (s Service) BaseURL() string {
	return s.Scheme() + "://" + s.Authority()
}

// Validate reports whether the service can be dialled
func (s Service) Validate() error {
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("service host must not be empty")
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("service port out of range: %d", s.Port)
	}
	return nil
}

func (s Service) String() string {
	return s.BaseURL()
}

// Request is a snapshot of an HTTP request as it will appear on the wire.
// Target is the raw request-target (path and query), kept verbatim so that
// payloads are not re-encoded.
type Request struct {
	Method string      `json:"method"`
	Target string      `json:"target"`
	Proto  string      `json:"proto"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body,omitempty"`
}

// Clone returns a deep copy of the request
func (r Request) Clone() Request {
	out := Request{
		Method: r.Method,
		Target: r.Target,
		Proto:  r.Proto,
		Header: r.Header.Clone(),
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// URL returns the absolute URL of the request against the given service
func (r Request) URL(s Service) string {
	target := r.Target
	if target == "" {
		target = "/"
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return s.BaseURL() + target
}

// RawPair is one request/response pair supplied in raw-list mode
type RawPair struct {
	Service  Service `json:"service" yaml:"service"`
	Request  Request `json:"request" yaml:"request"`
	Response []byte  `json:"response,omitempty" yaml:"response,omitempty"`
}

// Result is the immutable outcome of sending one request. It is either a
// response snapshot or a failure marker (Failed set, Err populated). Consumers
// must treat every field as read-only.
type Result struct {
	ID        int64
	SessionID string
	Service   Service
	Request   Request
	Payloads  []string
	Learn     int

	Proto      string
	StatusCode int
	StatusLine string
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration

	Failed bool
	Err    error

	Interesting bool
	Blocked     bool
}

// NewFailedResult builds a failure marker for a request that produced no response
func NewFailedResult(svc Service, req Request, elapsed time.Duration, err error) *Result {
	return &Result{
		Service: svc,
		Request: req.Clone(),
		Header:  make(http.Header),
		Elapsed: elapsed,
		Failed:  true,
		Err:     err,
	}
}

// Length returns the body length in bytes
func (r *Result) Length() int {
	return len(r.Body)
}

// Text returns the body decoded as a string
func (r *Result) Text() string {
	return string(r.Body)
}

// HeaderValue returns the first value of the named response header
func (r *Result) HeaderValue(name string) string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get(name)
}

// IsRedirect reports a 3xx status
func (r *Result) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// OK reports a 2xx status
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// WithTriage returns a copy of the result carrying triage flags and task metadata.
// The receiver is left untouched.
func (r *Result) WithTriage(id int64, sessionID string, payloads []string, learn int, interesting, blocked bool) *Result {
	out := *r
	out.ID = id
	out.SessionID = sessionID
	out.Learn = learn
	out.Interesting = interesting
	out.Blocked = blocked
	if payloads != nil {
		out.Payloads = append([]string(nil), payloads...)
	}
	return &out
}

// RedirectPolicy controls how a transport reacts to 3xx responses
type RedirectPolicy int

const (
	NoRedirect RedirectPolicy = iota
	FollowAll
	SameHost
)

func (p RedirectPolicy) String() string {
	switch p {
	case NoRedirect:
		return "never"
	case FollowAll:
		return "always"
	case SameHost:
		return "same-host"
	default:
		return fmt.Sprintf("RedirectPolicy(%d)", int(p))
	}
}

// ParseRedirectPolicy converts a configuration string into a RedirectPolicy
func ParseRedirectPolicy(s string) (RedirectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "never", "none", "no-redirect", "no_redirect", "":
		return NoRedirect, nil
	case "always", "follow-all", "follow_all", "all":
		return FollowAll, nil
	case "same-host", "same_host", "samehost":
		return SameHost, nil
	default:
		return NoRedirect, fmt.Errorf("unknown redirect policy %q", s)
	}
}

// Transport sends requests to a service. Implementations must be safe for
// concurrent use and Close must be idempotent.
type Transport interface {
	Send(ctx context.Context, svc Service, req Request) (*Result, error)
	Close() error
}

// RedirectMode is the redirect option understood by a host-provided sender
type RedirectMode int

const (
	RedirectNever RedirectMode = iota
	RedirectAlways
	RedirectSameHost
)

// SendOptions are passed to a HostSender on every call
type SendOptions struct {
	Redirect     RedirectMode
	MaxRedirects int
	Timeout      time.Duration
}

// HostSender is an HTTP sending capability provided by the embedding host
type HostSender interface {
	Send(ctx context.Context, svc Service, req Request, opts SendOptions) (*Result, error)
}

// HostSenderFunc adapts a function to the HostSender interface
type HostSenderFunc func(ctx context.Context, svc Service, req Request, opts SendOptions) (*Result, error)

// Send calls f
func (f HostSenderFunc) Send(ctx context.Context, svc Service, req Request, opts SendOptions) (*Result, error) {
	return f(ctx, svc, req, opts)
}
