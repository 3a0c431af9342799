/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Log file management for the Akaylee HTTP Fuzzer. Rotation, gzip compression,
retention cleanup, file statistics and a line analyzer that counts fuzzer events.
*/

package logging

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LogManager manages the log files in one directory
type LogManager struct {
	logDir   string
	maxFiles int
	maxSize  int64
	compress bool
}

// NewLogManager creates a new log manager
func NewLogManager(logDir string, maxFiles int, maxSize int64, compress bool) *LogManager {
	return &LogManager{
		logDir:   logDir,
		maxFiles: maxFiles,
		maxSize:  maxSize,
		compress: compress,
	}
}

func (lm *LogManager) glob(suffix string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(lm.logDir, FilePrefix+"_*"+suffix))
	if err != nil {
		return nil, fmt.Errorf("failed to glob log files: %w", err)
	}
	return files, nil
}

// RotateLogs renames log files larger than maxSize, compressing them when enabled
func (lm *LogManager) RotateLogs() error {
	files, err := lm.glob(".log")
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := lm.rotateFile(file); err != nil {
			return fmt.Errorf("failed to rotate file %s: %w", file, err)
		}
	}
	return nil
}

func (lm *LogManager) rotateFile(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}
	if stat.Size() < lm.maxSize {
		return nil
	}

	rotated := fmt.Sprintf("%s.%s", path, time.Now().Format("2006-01-02_15-04-05"))
	if err := os.Rename(path, rotated); err != nil {
		return err
	}
	if lm.compress {
		return lm.compressFile(rotated)
	}
	return nil
}

// compressFile gzips path and removes the original
func (lm *LogManager) compressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	compressed, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(compressed)
	if _, err := io.Copy(gz, source); err != nil {
		compressed.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		compressed.Close()
		return err
	}
	if err := compressed.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// CleanupOldLogs removes the oldest files beyond maxFiles
func (lm *LogManager) CleanupOldLogs() error {
	files, err := lm.glob(".log*")
	if err != nil {
		return err
	}
	if len(files) <= lm.maxFiles {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		statI, errI := os.Stat(files[i])
		statJ, errJ := os.Stat(files[j])
		if errI != nil || errJ != nil {
			return files[i] < files[j]
		}
		return statI.ModTime().Before(statJ.ModTime())
	})

	for _, f := range files[:len(files)-lm.maxFiles] {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("failed to remove file %s: %w", f, err)
		}
	}
	return nil
}

// GetLogStats returns statistics about the log files
func (lm *LogManager) GetLogStats() (*LogStats, error) {
	files, err := lm.glob(".log*")
	if err != nil {
		return nil, err
	}

	stats := &LogStats{TotalFiles: len(files)}
	for _, file := range files {
		stat, err := os.Stat(file)
		if err != nil {
			continue
		}
		stats.TotalSize += stat.Size()
		if stats.OldestFile.IsZero() || stat.ModTime().Before(stats.OldestFile) {
			stats.OldestFile = stat.ModTime()
		}
		if stat.ModTime().After(stats.NewestFile) {
			stats.NewestFile = stat.ModTime()
		}
		if strings.HasSuffix(file, ".gz") {
			stats.CompressedFiles++
		} else {
			stats.UncompressedFiles++
		}
	}
	return stats, nil
}

// LogStats holds statistics about log files
type LogStats struct {
	TotalFiles        int       `json:"total_files"`
	TotalSize         int64     `json:"total_size"`
	CompressedFiles   int       `json:"compressed_files"`
	UncompressedFiles int       `json:"uncompressed_files"`
	OldestFile        time.Time `json:"oldest_file"`
	NewestFile        time.Time `json:"newest_file"`
}

// LogAnalyzer counts levels and fuzzer events in uncompressed log files
type LogAnalyzer struct {
	logDir string
}

// NewLogAnalyzer creates a new log analyzer
func NewLogAnalyzer(logDir string) *LogAnalyzer {
	return &LogAnalyzer{logDir: logDir}
}

// AnalyzeLogs analyzes every uncompressed log file
func (la *LogAnalyzer) AnalyzeLogs() (*LogAnalysis, error) {
	files, err := filepath.Glob(filepath.Join(la.logDir, FilePrefix+"_*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob log files: %w", err)
	}

	analysis := &LogAnalysis{
		StartTime: time.Now(),
		LogFiles:  len(files),
	}
	for _, file := range files {
		if err := la.analyzeFile(file, analysis); err != nil {
			return nil, fmt.Errorf("failed to analyze file %s: %w", file, err)
		}
	}
	return analysis, nil
}

func (la *LogAnalyzer) analyzeFile(path string, analysis *LogAnalysis) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		la.analyzeLine(scanner.Text(), analysis)
	}
	return scanner.Err()
}

func (la *LogAnalyzer) analyzeLine(line string, analysis *LogAnalysis) {
	analysis.TotalLines++

	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "DEBUG"):
		analysis.DebugCount++
	case strings.Contains(upper, "INFO"):
		analysis.InfoCount++
	case strings.Contains(upper, "WARN"):
		analysis.WarningCount++
	case strings.Contains(upper, "ERROR"):
		analysis.ErrorCount++
	case strings.Contains(upper, "FATAL"):
		analysis.FatalCount++
	}

	switch {
	case strings.Contains(line, "Task executed"):
		analysis.TaskCount++
	case strings.Contains(line, "Task failed"):
		analysis.FailedTaskCount++
	case strings.Contains(line, "Blocked response"):
		analysis.BlockedCount++
	case strings.Contains(line, "Result added"):
		analysis.ResultCount++
	case strings.Contains(line, "quarantined"):
		analysis.QuarantineCount++
	case strings.Contains(line, "Session state changed"):
		analysis.TransitionCount++
	}
}

// LogAnalysis holds the results of log analysis
type LogAnalysis struct {
	StartTime       time.Time `json:"start_time"`
	LogFiles        int       `json:"log_files"`
	TotalLines      int64     `json:"total_lines"`
	DebugCount      int64     `json:"debug_count"`
	InfoCount       int64     `json:"info_count"`
	WarningCount    int64     `json:"warning_count"`
	ErrorCount      int64     `json:"error_count"`
	FatalCount      int64     `json:"fatal_count"`
	TaskCount       int64     `json:"task_count"`
	FailedTaskCount int64     `json:"failed_task_count"`
	BlockedCount    int64     `json:"blocked_count"`
	ResultCount     int64     `json:"result_count"`
	QuarantineCount int64     `json:"quarantine_count"`
	TransitionCount int64     `json:"transition_count"`
}

// GetLogSummary returns a summary of the log analysis
func (la *LogAnalysis) GetLogSummary() string {
	return fmt.Sprintf(
		"Log Analysis Summary:\n"+
			"  Files: %d\n"+
			"  Total Lines: %d\n"+
			"  Debug: %d\n"+
			"  Info: %d\n"+
			"  Warning: %d\n"+
			"  Error: %d\n"+
			"  Fatal: %d\n"+
			"  Tasks: %d\n"+
			"  Failed Tasks: %d\n"+
			"  Blocked: %d\n"+
			"  Results: %d\n"+
			"  Quarantines: %d\n"+
			"  Transitions: %d",
		la.LogFiles, la.TotalLines, la.DebugCount, la.InfoCount,
		la.WarningCount, la.ErrorCount, la.FatalCount, la.TaskCount,
		la.FailedTaskCount, la.BlockedCount, la.ResultCount,
		la.QuarantineCount, la.TransitionCount,
	)
}
