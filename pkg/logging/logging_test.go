/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logging_test.go
Description: Tests for the logging system. Covers config validation, formats, file output,
fuzzer helpers, log file retention and log analysis.
*/

package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerConfigValidate(t *testing.T) {
	cfg := logging.DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Format = "xml"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Level = "loud"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.MaxFiles = 0
	assert.Error(t, bad.Validate())

	bad.OutputDir = ""
	assert.NoError(t, bad.Validate(), "console-only logging needs no retention settings")
}

func TestLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger, err := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.LogLevelDebug,
		Format:    logging.LogFormatJSON,
		OutputDir: dir,
		MaxFiles:  5,
		MaxSize:   1024 * 1024,
	}, &console)
	require.NoError(t, err)

	logger.LogTransition("session-1", "NOT_STARTED", "RUNNING")
	path := logger.FilePath()
	require.NoError(t, logger.Close())

	assert.True(t, strings.HasPrefix(filepath.Base(path), logging.FilePrefix+"_"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, console.String(), string(data), "console and file receive the same lines")

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "Session state changed", entry["msg"])
	assert.Equal(t, "RUNNING", entry["to"])
}

func TestLogFormats(t *testing.T) {
	for _, format := range []logging.LogFormat{logging.LogFormatText, logging.LogFormatJSON, logging.LogFormatCustom} {
		t.Run(string(format), func(t *testing.T) {
			var console bytes.Buffer
			logger, err := logging.NewLogger(&logging.LoggerConfig{
				Level:  logging.LogLevelInfo,
				Format: format,
			}, &console)
			require.NoError(t, err)
			defer logger.Close()

			logger.GetLogger().WithField("session_id", "abc").Info("Test message")
			assert.Contains(t, console.String(), "Test message")
			assert.Contains(t, console.String(), "abc")
		})
	}
}

func TestFuzzerFormatterTagsEvents(t *testing.T) {
	f := &logging.FuzzerFormatter{}
	entry := &logrus.Entry{
		Time:    time.Now(),
		Level:   logrus.WarnLevel,
		Message: "Task failed",
		Data: logrus.Fields{
			"session_id": "0123456789abcdef",
			"task_id":    int64(7),
			"error":      errors.New("connection refused"),
		},
	}
	out, err := f.Format(entry)
	require.NoError(t, err)

	line := string(out)
	assert.Contains(t, line, "WARNING [TASK] Task failed")
	assert.Contains(t, line, "error=connection refused session_id=01234567 task_id=7")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestFuzzerHelpers(t *testing.T) {
	var console bytes.Buffer
	logger, err := logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.LogLevelDebug,
		Format: logging.LogFormatText,
	}, &console)
	require.NoError(t, err)
	defer logger.Close()

	logger.LogTask("s", &interfaces.Result{ID: 1, StatusCode: 200, Elapsed: 5 * time.Millisecond})
	logger.LogTask("s", &interfaces.Result{ID: 2, Failed: true, Err: errors.New("timeout")})
	logger.LogTask("s", &interfaces.Result{ID: 3, StatusCode: 403, Blocked: true})
	logger.LogTask("s", &interfaces.Result{ID: 4, StatusCode: 404, Learn: 2})
	logger.LogResult("s", &interfaces.Result{ID: 1, StatusCode: 200, Payloads: []string{"admin"}})
	logger.LogTransition("s", "RUNNING", "PAUSED")
	logger.LogBulk("stop", 2, 1, 0, false)
	logger.LogStats("s", 10, 4, 1, 12.5, nil)

	out := console.String()
	assert.Contains(t, out, "Task executed")
	assert.Contains(t, out, "Task failed")
	assert.Contains(t, out, "error=timeout")
	assert.Contains(t, out, "Blocked response detected")
	assert.Contains(t, out, "Learning response recorded")
	assert.Contains(t, out, "learn=2")
	assert.Contains(t, out, `msg="Result added"`)
	assert.Contains(t, out, "payloads=\"[admin]\"")
	assert.Contains(t, out, "Session state changed")
	assert.Contains(t, out, "Bulk action finished with failures")
	assert.Contains(t, out, "Statistics update")
}

func TestLogManager(t *testing.T) {
	dir := t.TempDir()
	manager := logging.NewLogManager(dir, 3, 16, true)

	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"2024-01-01_10-00-00", "2024-01-01_11-00-00", "2024-01-01_12-00-00", "2024-01-01_13-00-00"} {
		path := filepath.Join(dir, logging.FilePrefix+"_"+name+".log")
		require.NoError(t, os.WriteFile(path, []byte("INFO line\n"), 0o644))
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}

	require.NoError(t, manager.CleanupOldLogs())
	files, err := filepath.Glob(filepath.Join(dir, logging.FilePrefix+"_*.log"))
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.NotContains(t, files, filepath.Join(dir, logging.FilePrefix+"_2024-01-01_10-00-00.log"), "oldest file goes first")

	big := filepath.Join(dir, logging.FilePrefix+"_big.log")
	require.NoError(t, os.WriteFile(big, []byte(strings.Repeat("x", 64)), 0o644))
	require.NoError(t, manager.RotateLogs())

	stats, err := manager.GetLogStats()
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalFiles)
	assert.Equal(t, 1, stats.CompressedFiles)
}

func TestLogAnalyzer(t *testing.T) {
	dir := t.TempDir()
	content := strings.Join([]string{
		`level=debug msg="Task executed" session_id=a`,
		`level=warning msg="Task failed" session_id=a`,
		`level=warning msg="Blocked response detected" session_id=a`,
		`level=info msg="Result added" session_id=a`,
		`level=warning msg="Session quarantined after consecutive failed or blocked responses"`,
		`level=info msg="Session state changed" from=RUNNING to=STOPPED`,
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, logging.FilePrefix+"_1.log"), []byte(content), 0o644))

	analysis, err := logging.NewLogAnalyzer(dir).AnalyzeLogs()
	require.NoError(t, err)
	assert.Equal(t, 1, analysis.LogFiles)
	assert.EqualValues(t, 6, analysis.TotalLines)
	assert.EqualValues(t, 1, analysis.DebugCount)
	assert.EqualValues(t, 3, analysis.WarningCount)
	assert.EqualValues(t, 1, analysis.TaskCount)
	assert.EqualValues(t, 1, analysis.FailedTaskCount)
	assert.EqualValues(t, 1, analysis.BlockedCount)
	assert.EqualValues(t, 1, analysis.ResultCount)
	assert.EqualValues(t, 1, analysis.QuarantineCount)
	assert.EqualValues(t, 1, analysis.TransitionCount)
	assert.Contains(t, analysis.GetLogSummary(), "Quarantines: 1")
}
