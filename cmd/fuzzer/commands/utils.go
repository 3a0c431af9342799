/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Shared utilities for the Akaylee HTTP Fuzzer commands. Provides configuration
loading, logger setup, engine option assembly and session file loading used across all
command implementations.
*/

package commands

import (
	"fmt"
	"strings"

	"github.com/kleascm/akaylee-httpfuzz/pkg/config"
	"github.com/kleascm/akaylee-httpfuzz/pkg/core"
	"github.com/kleascm/akaylee-httpfuzz/pkg/logging"
	"github.com/spf13/viper"
)

// Version is reported by --version and stamped into session reports
const Version = "1.0.0"

// LoadConfig loads configuration from files and environment
func LoadConfig() error {
	// Set config file if specified
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Set environment variable prefix
	viper.SetEnvPrefix("AKAYLEE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	return nil
}

// LoggerConfig builds the logger configuration from viper
func LoggerConfig() *logging.LoggerConfig {
	return &logging.LoggerConfig{
		Level:     logging.LogLevel(viper.GetString("log_level")),
		Format:    logging.LogFormat(viper.GetString("log_format")),
		OutputDir: viper.GetString("log_dir"),
		MaxFiles:  viper.GetInt("log_max_files"),
		MaxSize:   viper.GetInt64("log_max_size"),
		Timestamp: true,
		Caller:    viper.GetBool("log_caller"),
		Colors:    !viper.GetBool("no_color"),
		Compress:  viper.GetBool("log_compress"),
	}
}

// SetupLogging creates the fuzzer logger
func SetupLogging() (*logging.Logger, error) {
	logger, err := logging.NewLogger(LoggerConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	return logger, nil
}

// EngineOptions builds the base engine options. Keys missing from flags,
// config and environment keep their defaults.
func EngineOptions() config.Options {
	opts := config.Defaults()
	if viper.IsSet("engine.threads") {
		opts.Threads = viper.GetInt("engine.threads")
	}
	if viper.IsSet("engine.queue_size") {
		opts.QueueSize = viper.GetInt("engine.queue_size")
	}
	if viper.IsSet("engine.timeout") {
		opts.Timeout = viper.GetDuration("engine.timeout")
	}
	if viper.IsSet("engine.redirect") {
		opts.Redirect = viper.GetString("engine.redirect")
	}
	if viper.IsSet("engine.max_redirects") {
		opts.MaxRedirects = viper.GetInt("engine.max_redirects")
	}
	if viper.IsSet("engine.max_conns_per_route") {
		opts.MaxConnsPerRoute = viper.GetInt("engine.max_conns_per_route")
	}
	if viper.IsSet("engine.max_total_conns") {
		opts.MaxTotalConns = viper.GetInt("engine.max_total_conns")
	}
	if viper.IsSet("engine.insecure_tls") {
		opts.InsecureTLS = viper.GetBool("engine.insecure_tls")
	}
	if viper.IsSet("engine.rate_limit") {
		opts.RateLimit = viper.GetFloat64("engine.rate_limit")
	}
	if viper.IsSet("engine.rate_burst") {
		opts.RateBurst = viper.GetInt("engine.rate_burst")
	}
	if viper.IsSet("engine.cookie_jar") {
		opts.CookieJar = viper.GetBool("engine.cookie_jar")
	}
	if viper.IsSet("engine.proxy_url") {
		opts.ProxyURL = viper.GetString("engine.proxy_url")
	}
	if viper.IsSet("engine.retries") {
		opts.Retries = viper.GetInt("engine.retries")
	}
	if viper.IsSet("engine.quarantine_threshold") {
		opts.QuarantineThreshold = viper.GetInt("engine.quarantine_threshold")
	}
	if viper.IsSet("engine.requester") {
		opts.Requester = viper.GetString("engine.requester")
	}
	if viper.IsSet("engine.stop_on_completion") {
		opts.StopOnCompletion = viper.GetBool("engine.stop_on_completion")
	}
	if viper.IsSet("engine.monitor_interval") {
		opts.MonitorInterval = viper.GetDuration("engine.monitor_interval")
	}
	if viper.IsSet("engine.stop_timeout") {
		opts.StopTimeout = viper.GetDuration("engine.stop_timeout")
	}
	if viper.IsSet("engine.max_allocs") {
		opts.MaxAllocs = viper.GetInt64("engine.max_allocs")
	}
	return opts
}

// sessionEntry is one loaded session file
type sessionEntry struct {
	path      string
	spec      core.SessionSpec
	autoStart bool
}

// loadSessions loads and builds every session file
func loadSessions(paths []string, base config.Options) ([]sessionEntry, error) {
	entries := make([]sessionEntry, 0, len(paths))
	for _, path := range paths {
		sf, err := config.LoadSessionFile(path, base)
		if err != nil {
			return nil, err
		}
		spec, err := core.SpecFromFile(sf)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		entries = append(entries, sessionEntry{path: path, spec: spec, autoStart: sf.AutoStart})
	}
	return entries, nil
}

// shortID trims a session ID for console output
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
