/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: transport.go
Description: Transport construction for the Akaylee HTTP Fuzzer. Validates transport settings
once at build time and selects between the pooled net/http transport and the host-delegating
transport according to the configured requester engine.
*/

package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RequesterEngine selects the transport implementation
type RequesterEngine string

const (
	RequesterDefault RequesterEngine = "default"
	RequesterHost    RequesterEngine = "host"
)

// Config holds transport construction parameters
type Config struct {
	Engine           RequesterEngine           `json:"engine" yaml:"engine"`
	Policy           interfaces.RedirectPolicy `json:"policy" yaml:"policy"`
	Timeout          time.Duration             `json:"timeout" yaml:"timeout"`
	MaxConnsPerRoute int                       `json:"max_conns_per_route" yaml:"max_conns_per_route"`
	MaxTotalConns    int                       `json:"max_total_conns" yaml:"max_total_conns"`
	MaxRedirects     int                       `json:"max_redirects" yaml:"max_redirects"`

	// InsecureTLS accepts any certificate and hostname. Testing only.
	InsecureTLS bool `json:"insecure_tls" yaml:"insecure_tls"`

	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`
	CookieJar bool    `json:"cookie_jar" yaml:"cookie_jar"`
	ProxyURL  string  `json:"proxy_url" yaml:"proxy_url"`
}

// DefaultConfig returns the settings used when none are supplied
func DefaultConfig() Config {
	return Config{
		Engine:           RequesterDefault,
		Policy:           interfaces.NoRedirect,
		Timeout:          10 * time.Second,
		MaxConnsPerRoute: 20,
		MaxTotalConns:    100,
		MaxRedirects:     10,
	}
}

// Validate checks the configuration for values that cannot produce a working transport
func (c *Config) Validate() error {
	var errs []error
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive"))
	}
	if c.MaxConnsPerRoute <= 0 {
		errs = append(errs, fmt.Errorf("max_conns_per_route must be positive"))
	}
	if c.MaxTotalConns <= 0 {
		errs = append(errs, fmt.Errorf("max_total_conns must be positive"))
	}
	if c.MaxConnsPerRoute > c.MaxTotalConns && c.MaxTotalConns > 0 {
		errs = append(errs, fmt.Errorf("max_conns_per_route (%d) exceeds max_total_conns (%d)", c.MaxConnsPerRoute, c.MaxTotalConns))
	}
	if c.MaxRedirects < 0 {
		errs = append(errs, fmt.Errorf("max_redirects must not be negative"))
	}
	if c.Policy != interfaces.NoRedirect && c.MaxRedirects == 0 {
		errs = append(errs, fmt.Errorf("max_redirects must be positive when policy is %s", c.Policy))
	}
	switch c.Policy {
	case interfaces.NoRedirect, interfaces.FollowAll, interfaces.SameHost:
	default:
		errs = append(errs, fmt.Errorf("unknown redirect policy %d", int(c.Policy)))
	}
	switch c.Engine {
	case "", RequesterDefault, RequesterHost:
	default:
		errs = append(errs, fmt.Errorf("unknown requester engine %q", c.Engine))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// New builds the transport selected by cfg.Engine. sender is only required
// for the host engine.
func New(cfg Config, sender interfaces.HostSender, logger *logrus.Logger) (interfaces.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Engine {
	case RequesterHost:
		if sender == nil {
			return nil, ErrNoHostSender
		}
		return NewDelegateTransport(cfg, sender, logger)
	default:
		return NewHTTPTransport(cfg, logger)
	}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}

// waitLimiter blocks for a rate token, mapping context errors to ErrCancelled
func waitLimiter(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("rate limit wait failed: %w", err)
	}
	return nil
}

// cancelled wraps the context error when ctx is done
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}
