/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: assembly.go
Description: Converts request snapshots into net/http requests. Content-Length is never copied
from the template, empty bodies are omitted and unparsable content types fall back to text/plain.
*/

package execution

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
)

const defaultContentType = "text/plain"

// hop-by-hop and framing headers recomputed by net/http
var droppedHeaders = []string{"Content-Length", "Transfer-Encoding", "Connection"}

// PrepareRequest normalises a request snapshot before it is sent: framing
// headers are removed and the content type is sanitised.
func PrepareRequest(req interfaces.Request) interfaces.Request {
	out := req.Clone()
	for _, h := range droppedHeaders {
		out.Header.Del(h)
	}
	if len(out.Body) == 0 {
		out.Body = nil
		out.Header.Del("Content-Type")
		return out
	}
	if ct := out.Header.Get("Content-Type"); ct != "" {
		if _, _, err := mime.ParseMediaType(ct); err != nil {
			out.Header.Set("Content-Type", defaultContentType)
		}
	}
	return out
}

// BuildHTTPRequest assembles an *http.Request for svc from the snapshot
func BuildHTTPRequest(ctx context.Context, svc interfaces.Service, snapshot interfaces.Request) (*http.Request, error) {
	req := PrepareRequest(snapshot)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, svc.BaseURL()+"/", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.URL = targetURL(svc, req.Target)

	for name, values := range req.Header {
		if strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if host := req.Header.Get("Host"); host != "" {
		httpReq.Host = host
	}
	if req.Body == nil {
		httpReq.ContentLength = 0
		httpReq.Body = nil
		httpReq.GetBody = nil
	}
	return httpReq, nil
}

// targetURL sends the target verbatim through URL.Opaque so payload bytes
// reach the wire without percent-encoding.
func targetURL(svc interfaces.Service, target string) *url.URL {
	if target == "" {
		target = "/"
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	path, query, _ := strings.Cut(target, "?")
	return &url.URL{
		Scheme:   svc.Scheme(),
		Host:     svc.Authority(),
		Opaque:   path,
		RawQuery: query,
	}
}
