/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: options.go
Description: Engine options for one fuzzer session. Covers worker pool sizing, transport
settings, retries, quarantine and completion behaviour, with defaults and validation applied
before a session is created.
*/

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/execution"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
)

// ErrInvalidOptions is returned when options cannot produce a working session
var ErrInvalidOptions = errors.New("config: invalid options")

// Options configures one session
type Options struct {
	Threads   int `yaml:"threads" mapstructure:"threads"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`

	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Redirect         string        `yaml:"redirect" mapstructure:"redirect"`
	MaxRedirects     int           `yaml:"max_redirects" mapstructure:"max_redirects"`
	MaxConnsPerRoute int           `yaml:"max_conns_per_route" mapstructure:"max_conns_per_route"`
	MaxTotalConns    int           `yaml:"max_total_conns" mapstructure:"max_total_conns"`
	InsecureTLS      bool          `yaml:"insecure_tls" mapstructure:"insecure_tls"`
	RateLimit        float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst        int           `yaml:"rate_burst" mapstructure:"rate_burst"`
	CookieJar        bool          `yaml:"cookie_jar" mapstructure:"cookie_jar"`
	ProxyURL         string        `yaml:"proxy_url" mapstructure:"proxy_url"`
	Requester        string        `yaml:"requester" mapstructure:"requester"`

	Retries             int           `yaml:"retries" mapstructure:"retries"`
	QuarantineThreshold int           `yaml:"quarantine_threshold" mapstructure:"quarantine_threshold"`
	StopOnCompletion    bool          `yaml:"stop_on_completion" mapstructure:"stop_on_completion"`
	MonitorInterval     time.Duration `yaml:"monitor_interval" mapstructure:"monitor_interval"`
	StopTimeout         time.Duration `yaml:"stop_timeout" mapstructure:"stop_timeout"`

	// MaxAllocs bounds script VM allocations per evaluation, 0 for unlimited
	MaxAllocs int64 `yaml:"max_allocs" mapstructure:"max_allocs"`
}

// Defaults returns the options used when none are configured
func Defaults() Options {
	transport := execution.DefaultConfig()
	return Options{
		Threads:             10,
		Timeout:             transport.Timeout,
		Redirect:            transport.Policy.String(),
		MaxRedirects:        transport.MaxRedirects,
		MaxConnsPerRoute:    transport.MaxConnsPerRoute,
		MaxTotalConns:       transport.MaxTotalConns,
		Requester:           string(execution.RequesterDefault),
		Retries:             3,
		QuarantineThreshold: 25,
		MonitorInterval:     500 * time.Millisecond,
		StopTimeout:         10 * time.Second,
	}
}

// Validate checks every option and the transport settings they produce
func (o Options) Validate() error {
	var errs []error
	if o.Threads <= 0 {
		errs = append(errs, fmt.Errorf("threads must be positive"))
	}
	if o.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue_size must not be negative"))
	}
	if o.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative"))
	}
	if o.QuarantineThreshold < 0 {
		errs = append(errs, fmt.Errorf("quarantine_threshold must not be negative"))
	}
	if o.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("monitor_interval must be positive"))
	}
	if o.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive"))
	}
	if _, err := o.Transport(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, errors.Join(errs...))
	}
	return nil
}

// Transport converts the options into a validated transport config
func (o Options) Transport() (execution.Config, error) {
	policy, err := interfaces.ParseRedirectPolicy(o.Redirect)
	if err != nil {
		return execution.Config{}, err
	}
	cfg := execution.Config{
		Engine:           execution.RequesterEngine(o.Requester),
		Policy:           policy,
		Timeout:          o.Timeout,
		MaxConnsPerRoute: o.MaxConnsPerRoute,
		MaxTotalConns:    o.MaxTotalConns,
		MaxRedirects:     o.MaxRedirects,
		InsecureTLS:      o.InsecureTLS,
		RateLimit:        o.RateLimit,
		RateBurst:        o.RateBurst,
		CookieJar:        o.CookieJar,
		ProxyURL:         o.ProxyURL,
	}
	if cfg.Engine == "" {
		cfg.Engine = execution.RequesterDefault
	}
	if err := cfg.Validate(); err != nil {
		return execution.Config{}, err
	}
	return cfg, nil
}
