/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: main.go
Description: Main command-line interface for the Akaylee HTTP Fuzzer. Defines the cobra command
tree, persistent logging flags and engine option flags, all bound to viper so they can also
come from a config file or AKAYLEE_ environment variables.
*/

package main

import (
	"fmt"
	"os"

	"github.com/kleascm/akaylee-httpfuzz/cmd/fuzzer/commands"
	"github.com/kleascm/akaylee-httpfuzz/pkg/config"
	"github.com/kleascm/akaylee-httpfuzz/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	defaults := config.Defaults()
	logDefaults := logging.DefaultConfig()

	rootCmd := &cobra.Command{
		Use:   "akaylee-httpfuzz",
		Short: "Akaylee HTTP Fuzzer - Scriptable, session-based HTTP fuzzing engine",
		Long: `Akaylee HTTP Fuzzer runs scripted fuzzing sessions against HTTP services. Each
session expands a request template or a list of raw requests with wordlist payloads, sends
them through a pausable worker pool and hands every response to a user script for triage.`,
		Version:       commands.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Configuration and logging
	rootCmd.PersistentFlags().String("config", "", "Configuration file path")
	rootCmd.PersistentFlags().String("log-level", string(logDefaults.Level), "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", string(logDefaults.Format), "Log format (text, json, custom)")
	rootCmd.PersistentFlags().String("log-dir", logDefaults.OutputDir, "Log output directory, empty for console only")
	rootCmd.PersistentFlags().Int("log-max-files", logDefaults.MaxFiles, "Maximum number of log files to keep")
	rootCmd.PersistentFlags().Int64("log-max-size", logDefaults.MaxSize, "Maximum log file size in bytes")
	rootCmd.PersistentFlags().Bool("log-compress", false, "Compress rotated log files")
	rootCmd.PersistentFlags().Bool("log-caller", false, "Include the calling file and line in log lines")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored console logs")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("log_max_files", rootCmd.PersistentFlags().Lookup("log-max-files"))
	viper.BindPFlag("log_max_size", rootCmd.PersistentFlags().Lookup("log-max-size"))
	viper.BindPFlag("log_compress", rootCmd.PersistentFlags().Lookup("log-compress"))
	viper.BindPFlag("log_caller", rootCmd.PersistentFlags().Lookup("log-caller"))
	viper.BindPFlag("no_color", rootCmd.PersistentFlags().Lookup("no-color"))

	// Run command
	runCmd := &cobra.Command{
		Use:   "run <session.yaml>...",
		Short: "Run one or more fuzzing sessions",
		Long: `Load the given session files, start every session and stream results until all
sessions complete or the process is interrupted. Interrupted sessions are stopped and
deleted before exit.`,
		Args: cobra.MinimumNArgs(1),
		RunE: commands.RunSessions,
	}

	// Engine options, overridden per session by the file's options block
	runCmd.Flags().Int("threads", defaults.Threads, "Number of concurrent workers per session")
	runCmd.Flags().Int("queue-size", defaults.QueueSize, "Task queue capacity per session (0 = unbounded)")
	runCmd.Flags().Duration("timeout", defaults.Timeout, "Request timeout")
	runCmd.Flags().String("redirect", defaults.Redirect, "Redirect policy (never, same-host, always)")
	runCmd.Flags().Int("max-redirects", defaults.MaxRedirects, "Maximum redirects followed per request")
	runCmd.Flags().Int("max-conns-per-route", defaults.MaxConnsPerRoute, "Maximum connections per host")
	runCmd.Flags().Int("max-total-conns", defaults.MaxTotalConns, "Maximum idle connections overall")
	runCmd.Flags().Bool("insecure-tls", defaults.InsecureTLS, "Skip TLS certificate verification")
	runCmd.Flags().Float64("rate-limit", defaults.RateLimit, "Requests per second per session (0 = unlimited)")
	runCmd.Flags().Int("rate-burst", defaults.RateBurst, "Rate limiter burst size")
	runCmd.Flags().Bool("cookie-jar", defaults.CookieJar, "Keep cookies between requests of a session")
	runCmd.Flags().String("proxy", defaults.ProxyURL, "Upstream proxy URL")
	runCmd.Flags().Int("retries", defaults.Retries, "Retries per failed request")
	runCmd.Flags().Int("quarantine-threshold", defaults.QuarantineThreshold, "Consecutive failed or blocked responses before a session auto-pauses (0 = off)")
	runCmd.Flags().Bool("stop-on-completion", defaults.StopOnCompletion, "Stop each session as soon as its queue drains")

	// Run-level flags
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().Duration("stats-interval", defaults.MonitorInterval*10, "Interval between statistics lines")
	runCmd.Flags().Bool("dry-run", false, "Validate the session files and exit without sending requests")
	runCmd.Flags().String("report-dir", "", "Write a JSON results report per session to this directory")
	runCmd.Flags().Int("report-limit", 10000, "Maximum results kept per session report (0 = unlimited)")

	viper.BindPFlag("engine.threads", runCmd.Flags().Lookup("threads"))
	viper.BindPFlag("engine.queue_size", runCmd.Flags().Lookup("queue-size"))
	viper.BindPFlag("engine.timeout", runCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("engine.redirect", runCmd.Flags().Lookup("redirect"))
	viper.BindPFlag("engine.max_redirects", runCmd.Flags().Lookup("max-redirects"))
	viper.BindPFlag("engine.max_conns_per_route", runCmd.Flags().Lookup("max-conns-per-route"))
	viper.BindPFlag("engine.max_total_conns", runCmd.Flags().Lookup("max-total-conns"))
	viper.BindPFlag("engine.insecure_tls", runCmd.Flags().Lookup("insecure-tls"))
	viper.BindPFlag("engine.rate_limit", runCmd.Flags().Lookup("rate-limit"))
	viper.BindPFlag("engine.rate_burst", runCmd.Flags().Lookup("rate-burst"))
	viper.BindPFlag("engine.cookie_jar", runCmd.Flags().Lookup("cookie-jar"))
	viper.BindPFlag("engine.proxy_url", runCmd.Flags().Lookup("proxy"))
	viper.BindPFlag("engine.retries", runCmd.Flags().Lookup("retries"))
	viper.BindPFlag("engine.quarantine_threshold", runCmd.Flags().Lookup("quarantine-threshold"))
	viper.BindPFlag("engine.stop_on_completion", runCmd.Flags().Lookup("stop-on-completion"))
	viper.BindPFlag("metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
	viper.BindPFlag("stats_interval", runCmd.Flags().Lookup("stats-interval"))
	viper.BindPFlag("dry_run", runCmd.Flags().Lookup("dry-run"))
	viper.BindPFlag("report_dir", runCmd.Flags().Lookup("report-dir"))
	viper.BindPFlag("report_limit", runCmd.Flags().Lookup("report-limit"))

	rootCmd.AddCommand(runCmd)

	// Check command for session file and environment validation
	rootCmd.AddCommand(&cobra.Command{
		Use:   "check [session.yaml]...",
		Short: "Validate session files and the logging setup",
		Long: `Parse and build every given session file without sending requests, then verify
that the log directory is writable and report its retention statistics. Useful in CI.`,
		RunE: commands.PerformSelfCheck,
	})

	// Scripts command
	scriptsCmd := &cobra.Command{
		Use:   "scripts [name]",
		Short: "List the bundled scripts or print one of them",
		Long: `List the scripts embedded in the fuzzer. Pass a name to print its source; bundled
scripts are referenced from session files as "builtin:<name>".`,
		Args: cobra.MaximumNArgs(1),
		RunE: commands.ListScripts,
	}
	scriptsCmd.Flags().Bool("environment", false, "Print the environment preamble loaded before every script")
	viper.BindPFlag("scripts.environment", scriptsCmd.Flags().Lookup("environment"))
	rootCmd.AddCommand(scriptsCmd)

	// Logs command for log file maintenance
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Rotate, clean up and analyze fuzzer log files",
		Long: `Rotate log files above the size limit, remove files beyond the retention count and
print a summary of the task, result and session events found in the remaining logs.`,
		RunE: commands.ManageLogs,
	}
	logsCmd.Flags().Bool("analyze", true, "Print an event summary of the log files")
	logsCmd.Flags().Bool("rotate", false, "Rotate and clean up log files before analysis")
	viper.BindPFlag("logs.analyze", logsCmd.Flags().Lookup("analyze"))
	viper.BindPFlag("logs.rotate", logsCmd.Flags().Lookup("rotate"))
	rootCmd.AddCommand(logsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
