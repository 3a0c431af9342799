/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logger.go
Description: Logging system for the Akaylee HTTP Fuzzer. Wraps logrus with timestamped log files,
JSON, text and custom console formats, and fuzzer-specific helpers for tasks, session transitions,
bulk actions and periodic statistics.
*/

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

// FilePrefix names every log file the fuzzer writes
const FilePrefix = "akaylee-httpfuzz"

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warn"
	LogLevelError   LogLevel = "error"
	LogLevelFatal   LogLevel = "fatal"
)

// LogFormat represents the logging format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatText   LogFormat = "text"
	LogFormatCustom LogFormat = "custom"
)

// LoggerConfig holds the configuration for the logger.
// An empty OutputDir logs to the console only.
type LoggerConfig struct {
	Level     LogLevel  `json:"level" yaml:"level" mapstructure:"level"`
	Format    LogFormat `json:"format" yaml:"format" mapstructure:"format"`
	OutputDir string    `json:"output_dir" yaml:"output_dir" mapstructure:"output_dir"`
	MaxFiles  int       `json:"max_files" yaml:"max_files" mapstructure:"max_files"`
	MaxSize   int64     `json:"max_size" yaml:"max_size" mapstructure:"max_size"` // in bytes
	Timestamp bool      `json:"timestamp" yaml:"timestamp" mapstructure:"timestamp"`
	Caller    bool      `json:"caller" yaml:"caller" mapstructure:"caller"`
	Colors    bool      `json:"colors" yaml:"colors" mapstructure:"colors"`
	Compress  bool      `json:"compress" yaml:"compress" mapstructure:"compress"`
}

// DefaultConfig returns the console-and-file configuration used by the CLI
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:     LogLevelInfo,
		Format:    LogFormatCustom,
		OutputDir: "./logs",
		MaxFiles:  10,
		MaxSize:   100 * 1024 * 1024, // 100MB
		Timestamp: true,
		Colors:    true,
	}
}

// Validate checks the LoggerConfig for invalid or missing values
func (c *LoggerConfig) Validate() error {
	if c.OutputDir != "" {
		if c.MaxFiles <= 0 {
			return fmt.Errorf("max_files must be positive")
		}
		if c.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive")
		}
	}
	switch c.Format {
	case LogFormatJSON, LogFormatText, LogFormatCustom:
	default:
		return fmt.Errorf("unsupported log format: %s", c.Format)
	}
	switch c.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError, LogLevelFatal:
	default:
		return fmt.Errorf("unsupported log level: %s", c.Level)
	}
	return nil
}

// Logger owns the logrus logger and its log file
type Logger struct {
	config    *LoggerConfig
	logger    *logrus.Logger
	console   io.Writer
	startTime time.Time

	mu         sync.Mutex
	fileHandle *os.File
	filePath   string
}

// NewLogger creates a logger writing to console (stdout when nil) and, when
// OutputDir is set, to a timestamped file
func NewLogger(config *LoggerConfig, console io.Writer) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger config: %w", err)
	}
	if console == nil {
		console = os.Stdout
	}

	l := &Logger{
		config:    config,
		logger:    logrus.New(),
		console:   console,
		startTime: time.Now(),
	}
	if err := l.setup(); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return l, nil
}

func (l *Logger) setup() error {
	level, err := logrus.ParseLevel(string(l.config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.logger.SetLevel(level)
	l.logger.SetReportCaller(l.config.Caller)
	l.logger.SetOutput(l.console)

	if err := l.setFormatter(); err != nil {
		return err
	}
	return l.openFile()
}

func (l *Logger) setFormatter() error {
	switch l.config.Format {
	case LogFormatJSON:
		l.logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: shortCaller,
		})

	case LogFormatText:
		l.logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    l.config.Timestamp,
			TimestampFormat:  time.RFC3339,
			ForceColors:      l.config.Colors,
			DisableColors:    !l.config.Colors,
			CallerPrettyfier: shortCaller,
		})

	case LogFormatCustom:
		l.logger.SetFormatter(&FuzzerFormatter{
			CustomFormatter: CustomFormatter{
				Timestamp: l.config.Timestamp,
				Caller:    l.config.Caller,
				Colors:    l.config.Colors,
			},
		})

	default:
		return fmt.Errorf("unsupported log format: %s", l.config.Format)
	}
	return nil
}

func shortCaller(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

// openFile starts a new timestamped log file. Callers hold no lock.
func (l *Logger) openFile() error {
	if l.config.OutputDir == "" {
		return nil
	}
	if err := os.MkdirAll(l.config.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05.000")
	path := filepath.Join(l.config.OutputDir, fmt.Sprintf("%s_%s.log", FilePrefix, timestamp))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.mu.Lock()
	old := l.fileHandle
	l.fileHandle = file
	l.filePath = path
	l.mu.Unlock()
	l.logger.SetOutput(io.MultiWriter(l.console, file))
	if old != nil {
		old.Close()
	}

	l.logger.WithFields(logrus.Fields{
		"start_time": l.startTime.Format(time.RFC3339),
		"log_file":   path,
		"level":      l.config.Level,
		"format":     l.config.Format,
	}).Info("Akaylee HTTP Fuzzer logging initialized")
	return nil
}

// FilePath returns the current log file, empty for console-only logging
func (l *Logger) FilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filePath
}

// Rotate starts a new file once the current one exceeds MaxSize
func (l *Logger) Rotate() error {
	l.mu.Lock()
	file := l.fileHandle
	l.mu.Unlock()
	if file == nil {
		return nil
	}

	stat, err := file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() < l.config.MaxSize {
		return nil
	}
	if err := l.openFile(); err != nil {
		return err
	}
	return l.cleanup()
}

// cleanup removes the oldest log files beyond MaxFiles
func (l *Logger) cleanup() error {
	if l.config.OutputDir == "" {
		return nil
	}
	files, err := filepath.Glob(filepath.Join(l.config.OutputDir, FilePrefix+"_*.log"))
	if err != nil {
		return err
	}
	if len(files) <= l.config.MaxFiles {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		statI, _ := os.Stat(files[i])
		statJ, _ := os.Stat(files[j])
		if statI == nil || statJ == nil {
			return files[i] < files[j]
		}
		return statI.ModTime().Before(statJ.ModTime())
	})

	current := l.FilePath()
	for _, f := range files[:len(files)-l.config.MaxFiles] {
		if f == current {
			continue
		}
		os.Remove(f)
	}
	return nil
}

// Fuzzer-specific logging methods

// LogTask logs one completed fuzz task. Failed and blocked tasks log at
// warn, learning and ordinary tasks at debug.
func (l *Logger) LogTask(sessionID string, result *interfaces.Result) {
	entry := l.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"task_id":    result.ID,
		"status":     result.StatusCode,
		"elapsed":    result.Elapsed,
	})
	switch {
	case result.Failed:
		entry.WithError(result.Err).Warn("Task failed")
	case result.Blocked:
		entry.Warn("Blocked response detected")
	case result.Learn > 0:
		entry.WithField("learn", result.Learn).Debug("Learning response recorded")
	default:
		entry.Debug("Task executed")
	}
}

// LogResult logs a result added to the results table
func (l *Logger) LogResult(sessionID string, result *interfaces.Result) {
	l.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"task_id":    result.ID,
		"status":     result.StatusCode,
		"length":     result.Length(),
		"url":        result.Request.URL(result.Service),
		"payloads":   result.Payloads,
	}).Info("Result added")
}

// LogTransition logs a session lifecycle transition
func (l *Logger) LogTransition(sessionID, from, to string) {
	l.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"from":       from,
		"to":         to,
	}).Info("Session state changed")
}

// LogBulk logs the summary of a bulk session action
func (l *Logger) LogBulk(action string, succeeded, failed, skipped int, cancelled bool) {
	entry := l.logger.WithFields(logrus.Fields{
		"action":    action,
		"succeeded": succeeded,
		"failed":    failed,
		"skipped":   skipped,
		"cancelled": cancelled,
	})
	if failed > 0 {
		entry.Warn("Bulk action finished with failures")
		return
	}
	entry.Info("Bulk action finished")
}

// LogStats logs a periodic statistics line for one session
func (l *Logger) LogStats(sessionID string, total, progress, errors int64, requestsPerSec float64, fields logrus.Fields) {
	l.logger.WithFields(fields).WithFields(logrus.Fields{
		"session_id":   sessionID,
		"total":        total,
		"progress":     progress,
		"errors":       errors,
		"requests_sec": requestsPerSec,
		"uptime":       time.Since(l.startTime).Round(time.Second),
	}).Info("Statistics update")
}

// Close closes the log file and removes files beyond the retention limit
func (l *Logger) Close() error {
	l.mu.Lock()
	file := l.fileHandle
	l.fileHandle = nil
	l.mu.Unlock()

	l.logger.SetOutput(l.console)
	if file != nil {
		file.Close()
	}
	if err := l.cleanup(); err != nil {
		return fmt.Errorf("failed to cleanup log files: %w", err)
	}
	return nil
}

// GetLogger returns the underlying logrus logger
func (l *Logger) GetLogger() *logrus.Logger {
	return l.logger
}
