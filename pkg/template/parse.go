/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: parse.go
Description: Lenient raw HTTP request parsing. Splits request line, headers and body without
validating the request-target so that fuzz payloads reach the wire unmodified.
*/

package template

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
)

// ParseRequest parses raw HTTP/1.x request text. Both CRLF and bare LF line
// endings are accepted. An absolute request-target is reduced to its path and
// query, and its authority becomes the Host header when none is present.
func ParseRequest(raw string) (interfaces.Request, error) {
	head, body := splitHeadBody(raw)
	lines := strings.Split(strings.ReplaceAll(head, "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return interfaces.Request{}, fmt.Errorf("%w: missing request line", ErrMalformedTemplate)
	}

	method, target, proto, err := parseRequestLine(lines[0])
	if err != nil {
		return interfaces.Request{}, err
	}

	header := make(http.Header)
	for i, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return interfaces.Request{}, fmt.Errorf("%w: bad header on line %d: %q", ErrMalformedTemplate, i+2, line)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			if header.Get("Host") == "" {
				header.Set("Host", u.Host)
			}
			target = u.RequestURI()
		}
	}

	req := interfaces.Request{
		Method: method,
		Target: target,
		Proto:  proto,
		Header: header,
	}
	if body != "" {
		req.Body = []byte(body)
	}
	return req, nil
}

func splitHeadBody(raw string) (string, string) {
	if idx := strings.Index(raw, "\r\n\r\n"); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := strings.Index(raw, "\n\n"); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}
	return strings.TrimRight(raw, "\r\n"), ""
}

func parseRequestLine(line string) (method, target, proto string, err error) {
	line = strings.TrimSpace(line)
	first := strings.IndexByte(line, ' ')
	if first <= 0 {
		return "", "", "", fmt.Errorf("%w: bad request line %q", ErrMalformedTemplate, line)
	}
	method = line[:first]
	rest := strings.TrimSpace(line[first+1:])

	// The protocol is the last token when present; the target may itself
	// contain spaces injected by payloads.
	proto = "HTTP/1.1"
	if last := strings.LastIndexByte(rest, ' '); last > 0 && strings.HasPrefix(rest[last+1:], "HTTP/") {
		proto = rest[last+1:]
		rest = strings.TrimSpace(rest[:last])
	}
	if rest == "" {
		return "", "", "", fmt.Errorf("%w: missing request target in %q", ErrMalformedTemplate, line)
	}
	return method, rest, proto, nil
}

// ServiceForRequest derives the target service from the Host header. A Host
// without a port is assumed to be served over TLS on 443.
func ServiceForRequest(req interfaces.Request) (interfaces.Service, error) {
	host := req.Header.Get("Host")
	if host == "" {
		return interfaces.Service{}, fmt.Errorf("%w: request has no Host header", ErrNoService)
	}
	return serviceFromAuthority(host, "")
}

// ServiceFromURL derives a service from an absolute URL
func ServiceFromURL(raw string) (interfaces.Service, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return interfaces.Service{}, fmt.Errorf("%w: %v", ErrNoService, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return interfaces.Service{}, fmt.Errorf("%w: unsupported scheme %q", ErrNoService, u.Scheme)
	}
	return serviceFromAuthority(u.Host, u.Scheme)
}

// FromURL builds a GET request and its service from an absolute URL
func FromURL(raw string) (interfaces.Service, interfaces.Request, error) {
	svc, err := ServiceFromURL(raw)
	if err != nil {
		return interfaces.Service{}, interfaces.Request{}, err
	}
	u, _ := url.Parse(strings.TrimSpace(raw))
	header := make(http.Header)
	header.Set("Host", u.Host)
	header.Set("User-Agent", "akaylee-httpfuzz")
	header.Set("Accept", "*/*")
	return svc, interfaces.Request{
		Method: http.MethodGet,
		Target: u.RequestURI(),
		Proto:  "HTTP/1.1",
		Header: header,
	}, nil
}

func serviceFromAuthority(authority, scheme string) (interfaces.Service, error) {
	if authority == "" {
		return interfaces.Service{}, fmt.Errorf("%w: empty authority", ErrNoService)
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host, portStr = authority, ""
	}
	svc := interfaces.Service{Host: strings.Trim(host, "[]")}
	switch {
	case portStr != "":
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return interfaces.Service{}, fmt.Errorf("%w: bad port %q", ErrNoService, portStr)
		}
		svc.Port = port
		svc.Secure = scheme == "https" || (scheme == "" && port == 443)
	case scheme == "http":
		svc.Port = 80
	default:
		svc.Port = 443
		svc.Secure = true
	}
	return svc, svc.Validate()
}
