/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: delegate_transport.go
Description: Transport that hands requests to an HTTP sending capability supplied by the
embedding host. Maps the redirect policy onto the host's redirect modes and enforces the same
timeout and cancellation contract as the pooled transport.
*/

package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DelegateTransport implements interfaces.Transport on top of a HostSender
type DelegateTransport struct {
	sender  interfaces.HostSender
	options interfaces.SendOptions
	limiter *rate.Limiter
	timeout time.Duration
	logger  *logrus.Logger

	mu     sync.RWMutex
	closed bool
}

// NewDelegateTransport wraps sender with the policy and timeout from cfg
func NewDelegateTransport(cfg Config, sender interfaces.HostSender, logger *logrus.Logger) (*DelegateTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, ErrNoHostSender
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.InsecureTLS {
		logger.Debug("insecure_tls is ignored by the host requester, TLS trust is owned by the host")
	}
	return &DelegateTransport{
		sender: sender,
		options: interfaces.SendOptions{
			Redirect:     redirectMode(cfg.Policy),
			MaxRedirects: cfg.MaxRedirects,
			Timeout:      cfg.Timeout,
		},
		limiter: newLimiter(cfg),
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Send forwards the prepared request to the host sender
func (t *DelegateTransport) Send(ctx context.Context, svc interfaces.Service, req interfaces.Request) (*interfaces.Result, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrTransportClosed
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	if err := waitLimiter(ctx, t.limiter); err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	prepared := PrepareRequest(req)
	start := time.Now()
	result, err := t.sender.Send(sendCtx, svc, prepared, t.options)
	if cerr := cancelled(ctx); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, fmt.Errorf("host sender failed: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("host sender returned no response")
	}

	out := *result
	out.Service = svc
	out.Request = prepared
	out.Header = result.Header.Clone()
	if out.Elapsed == 0 {
		out.Elapsed = time.Since(start)
	}
	return &out, nil
}

// Close marks the transport closed. The host owns the underlying connections.
func (t *DelegateTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
