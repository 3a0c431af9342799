/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: template.go
Description: Request templates for the Akaylee HTTP Fuzzer. A template is raw HTTP text with
%s payload markers bound to a target service. Rendering substitutes payloads marker by marker
and parses the result into a request snapshot ready for a transport.
*/

package template

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
)

// Marker is the payload placeholder recognised in templates
const Marker = "%s"

var (
	ErrMalformedTemplate = errors.New("template: malformed request")
	ErrNoService         = errors.New("template: no target service")
)

// Template is an immutable raw request with payload markers
type Template struct {
	raw     string
	service interfaces.Service
	markers int
}

// New validates raw and binds it to a service. When service has no host the
// target is derived from an absolute request-target or the Host header.
func New(raw string, service interfaces.Service) (*Template, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty template", ErrMalformedTemplate)
	}
	raw = normalizeProtocol(raw)

	// Markers are replaced by a neutral value so that validation does not
	// depend on the payloads that will be injected later.
	parsed, err := ParseRequest(strings.ReplaceAll(raw, Marker, "x"))
	if err != nil {
		return nil, err
	}

	if service.Host == "" {
		service, err = ServiceForRequest(parsed)
		if err != nil {
			return nil, err
		}
	}
	if err := service.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoService, err)
	}

	return &Template{
		raw:     raw,
		service: service,
		markers: strings.Count(raw, Marker),
	}, nil
}

// Raw returns the template text
func (t *Template) Raw() string {
	return t.raw
}

// Service returns the bound target service
func (t *Template) Service() interfaces.Service {
	return t.service
}

// MarkerCount returns the number of %s markers in the template
func (t *Template) MarkerCount() int {
	return t.markers
}

// Render substitutes payloads into the template and parses the result
func (t *Template) Render(payloads []string) (interfaces.Request, error) {
	return RenderRaw(t.raw, payloads)
}

// RenderRaw substitutes payloads into raw and parses the resulting request
func RenderRaw(raw string, payloads []string) (interfaces.Request, error) {
	return ParseRequest(Substitute(normalizeProtocol(raw), payloads))
}

// Substitute replaces markers left to right, one payload per marker. Surplus
// payloads are ignored and surplus markers are left in place. Text inserted by
// a payload is never rescanned for markers.
func Substitute(raw string, payloads []string) string {
	if len(payloads) == 0 {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw))
	rest := raw
	for _, p := range payloads {
		idx := strings.Index(rest, Marker)
		if idx < 0 {
			break
		}
		b.WriteString(rest[:idx])
		b.WriteString(p)
		rest = rest[idx+len(Marker):]
	}
	b.WriteString(rest)
	return b.String()
}

// normalizeProtocol rewrites an HTTP/2 request line to HTTP/1.1 since the
// transports speak HTTP/1.x on the wire.
func normalizeProtocol(raw string) string {
	end := strings.IndexAny(raw, "\r\n")
	if end < 0 {
		end = len(raw)
	}
	line := raw[:end]
	if strings.HasSuffix(line, " HTTP/2") || strings.HasSuffix(line, " HTTP/2.0") {
		idx := strings.LastIndex(line, " HTTP/2")
		return line[:idx] + " HTTP/1.1" + raw[end:]
	}
	return raw
}
