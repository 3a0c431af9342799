/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: http_transport.go
Description: Pooled net/http transport. Reuses connections per route, applies one timeout to
dial, TLS handshake, header wait and the overall exchange, enforces the redirect policy and
converts caller cancellation into an explicit error instead of a partial result.
*/

package execution

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

// HTTPTransport implements interfaces.Transport over a pooled http.Client
type HTTPTransport struct {
	client    *http.Client
	transport *http.Transport
	limiter   *rate.Limiter
	config    Config
	logger    *logrus.Logger

	mu       sync.Mutex
	closed   bool
	inFlight int
}

// NewHTTPTransport creates a pooled transport from a validated config
func NewHTTPTransport(cfg Config, logger *logrus.Logger) (*HTTPTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxTotalConns,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerRoute,
		MaxConnsPerHost:       cfg.MaxConnsPerRoute,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS10},
		ForceAttemptHTTP2:     false,
	}
	if cfg.InsecureTLS {
		transport.TLSClientConfig.InsecureSkipVerify = true
		logger.WithFields(logrus.Fields{
			"engine": RequesterDefault,
		}).Warn("TLS verification disabled: any certificate and hostname will be accepted")
	}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("%w: bad proxy url: %v", ErrInvalidConfig, err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	client := &http.Client{
		Transport:     transport,
		Timeout:       cfg.Timeout,
		CheckRedirect: checkRedirect(cfg.Policy, cfg.MaxRedirects),
	}
	if cfg.CookieJar {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		client.Jar = jar
	}

	return &HTTPTransport{
		client:    client,
		transport: transport,
		limiter:   newLimiter(cfg),
		config:    cfg,
		logger:    logger,
	}, nil
}

// Send executes one request and returns a response snapshot
func (t *HTTPTransport) Send(ctx context.Context, svc interfaces.Service, req interfaces.Request) (*interfaces.Result, error) {
	if !t.acquire() {
		return nil, ErrTransportClosed
	}
	defer t.release()
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	if err := waitLimiter(ctx, t.limiter); err != nil {
		return nil, err
	}

	httpReq, err := BuildHTTPRequest(ctx, svc, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		if cerr := cancelled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if cerr := cancelled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	return &interfaces.Result{
		Service:    svc,
		Request:    PrepareRequest(req),
		Proto:      resp.Proto,
		StatusCode: resp.StatusCode,
		StatusLine: resp.Proto + " " + resp.Status,
		Header:     resp.Header.Clone(),
		Body:       body,
		Elapsed:    time.Since(start),
	}, nil
}

func (t *HTTPTransport) acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.inFlight++
	return true
}

// release runs after the response body is closed, so the connection is
// already back in the pool when the last send after Close drops it.
func (t *HTTPTransport) release() {
	t.mu.Lock()
	t.inFlight--
	drain := t.closed && t.inFlight == 0
	t.mu.Unlock()
	if drain {
		t.transport.CloseIdleConnections()
	}
}

// Close releases pooled connections. Connections still used by sends in
// flight are released when the last of them completes. Safe to call more
// than once and from any goroutine.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.transport.CloseIdleConnections()
	return nil
}

// IsCancellation reports whether err came from caller cancellation
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled)
}
