/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: report_writer.go
Description: Session result reports. Collects the results scripts add to each session's
results table and writes them as timestamped, versioned JSON files in a per-session
subdirectory for later analysis.
*/

package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
)

// ReportResult is the exported form of one results table row
type ReportResult struct {
	ID          int64    `json:"id"`
	Method      string   `json:"method"`
	URL         string   `json:"url"`
	StatusCode  int      `json:"status_code"`
	Length      int      `json:"length"`
	ElapsedMs   int64    `json:"elapsed_ms"`
	Payloads    []string `json:"payloads,omitempty"`
	Interesting bool     `json:"interesting"`
	Blocked     bool     `json:"blocked"`
	Failed      bool     `json:"failed"`
	Error       string   `json:"error,omitempty"`
}

// NewReportResult converts a result into a report row
func NewReportResult(r *interfaces.Result) ReportResult {
	row := ReportResult{
		ID:          r.ID,
		Method:      r.Request.Method,
		URL:         r.Request.URL(r.Service),
		StatusCode:  r.StatusCode,
		Length:      r.Length(),
		ElapsedMs:   r.Elapsed.Milliseconds(),
		Payloads:    r.Payloads,
		Interesting: r.Interesting,
		Blocked:     r.Blocked,
		Failed:      r.Failed,
	}
	if r.Err != nil {
		row.Error = r.Err.Error()
	}
	return row
}

// SessionReport is the JSON document written for one session
type SessionReport struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Version     string              `json:"version"`
	SessionID   string              `json:"session_id"`
	Name        string              `json:"name"`
	State       string              `json:"state"`
	Counters    interfaces.Counters `json:"counters"`
	ScriptError string              `json:"script_error,omitempty"`
	Results     []ReportResult      `json:"results"`
	Dropped     int                 `json:"dropped,omitempty"`
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// WriteSessionReport writes a report to <dir>/<name>/<timestamp>_<id>_v<version>.json
func WriteSessionReport(dir string, report *SessionReport) (string, error) {
	name := unsafeName.ReplaceAllString(report.Name, "_")
	if name == "" {
		name = "session"
	}
	reportDir := filepath.Join(dir, name)
	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = time.Now()
	}
	if report.Results == nil {
		report.Results = []ReportResult{}
	}

	// Generate filename: 2024-06-11_01-30-00_3f2a9c1d_v1.0.0.json
	id := report.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	filename := fmt.Sprintf("%s_%s_v%s.json", report.GeneratedAt.Format("2006-01-02_15-04-05"), id, report.Version)
	filePath := filepath.Join(reportDir, filename)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}
	return filePath, nil
}

// ResultCollector keeps the results added to each session's table, up to
// limit rows per session (0 for unlimited)
type ResultCollector struct {
	limit int

	mu      sync.Mutex
	results map[string][]ReportResult
	dropped map[string]int
}

var _ interfaces.SessionListener = (*ResultCollector)(nil)

// NewResultCollector creates a collector
func NewResultCollector(limit int) *ResultCollector {
	return &ResultCollector{
		limit:   limit,
		results: make(map[string][]ReportResult),
		dropped: make(map[string]int),
	}
}

func (c *ResultCollector) OnResultAdded(sessionID string, result *interfaces.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 && len(c.results[sessionID]) >= c.limit {
		c.dropped[sessionID]++
		return
	}
	c.results[sessionID] = append(c.results[sessionID], NewReportResult(result))
}

func (c *ResultCollector) OnStateChanged(string, interfaces.FuzzerState, interfaces.FuzzerState) {}

func (c *ResultCollector) OnCountersUpdated(string, interfaces.Counters) {}

// Results returns a copy of the rows collected for a session and the number dropped
func (c *ResultCollector) Results(sessionID string) ([]ReportResult, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ReportResult(nil), c.results[sessionID]...), c.dropped[sessionID]
}
