/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: formatter.go
Description: Console log formatters for the Akaylee HTTP Fuzzer. CustomFormatter renders
colored single line entries with sorted fields; FuzzerFormatter adds an event tag for task,
session, result and block events.
*/

package logging

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CustomFormatter renders timestamp, level, caller, message and sorted fields
type CustomFormatter struct {
	Timestamp bool
	Caller    bool
	Colors    bool
}

// Format formats a log entry
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var output strings.Builder
	f.writeHead(&output, entry)
	f.writeBody(&output, entry, f.formatValue)
	return []byte(output.String()), nil
}

func (f *CustomFormatter) writeHead(output *strings.Builder, entry *logrus.Entry) {
	if f.Timestamp {
		f.paint(output, 36, entry.Time.Format("2006-01-02 15:04:05.000"))
		output.WriteString(" ")
	}
	f.paint(output, f.getLevelColor(entry.Level), strings.ToUpper(entry.Level.String()))
	output.WriteString(" ")
}

func (f *CustomFormatter) writeBody(output *strings.Builder, entry *logrus.Entry, value func(string, interface{}) string) {
	if f.Caller && entry.HasCaller() {
		f.paint(output, 33, fmt.Sprintf("[%s:%d]", entry.Caller.File, entry.Caller.Line))
		output.WriteString(" ")
	}
	output.WriteString(entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			output.WriteString(" ")
			if f.Colors {
				fmt.Fprintf(output, "\033[34m%s\033[0m=\033[32m%s\033[0m", k, value(k, entry.Data[k]))
			} else {
				fmt.Fprintf(output, "%s=%s", k, value(k, entry.Data[k]))
			}
		}
	}
	output.WriteString("\n")
}

func (f *CustomFormatter) paint(output *strings.Builder, color int, s string) {
	if f.Colors {
		fmt.Fprintf(output, "\033[%dm%s\033[0m", color, s)
		return
	}
	output.WriteString(s)
}

// getLevelColor returns the ANSI color code for a log level
func (f *CustomFormatter) getLevelColor(level logrus.Level) int {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return 37 // White
	case logrus.InfoLevel:
		return 32 // Green
	case logrus.WarnLevel:
		return 33 // Yellow
	case logrus.ErrorLevel:
		return 31 // Red
	default:
		return 35 // Magenta
	}
}

func (f *CustomFormatter) formatValue(_ string, value interface{}) string {
	switch v := value.(type) {
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format("15:04:05.000")
	case string:
		if len(v) > 80 {
			return v[:80] + "..."
		}
		return v
	case []byte:
		if len(v) > 20 {
			return fmt.Sprintf("[%d bytes]", len(v))
		}
		return fmt.Sprintf("%q", v)
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// FuzzerFormatter tags fuzzer events and shortens session IDs
type FuzzerFormatter struct {
	CustomFormatter
}

// Format formats an entry with its event tag
func (f *FuzzerFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var output strings.Builder
	f.writeHead(&output, entry)
	if tag := eventTag(entry.Message); tag != "" {
		f.paint(&output, 35, "["+tag+"]")
		output.WriteString(" ")
	}
	f.writeBody(&output, entry, f.formatFuzzerValue)
	return []byte(output.String()), nil
}

func eventTag(message string) string {
	switch {
	case strings.HasPrefix(message, "Task"):
		return "TASK"
	case strings.HasPrefix(message, "Result added"):
		return "RESULT"
	case strings.Contains(message, "Blocked"):
		return "BLOCKED"
	case strings.Contains(message, "quarantine"), strings.Contains(message, "Quarantine"):
		return "QUARANTINE"
	case strings.HasPrefix(message, "Session"):
		return "SESSION"
	case strings.HasPrefix(message, "Bulk"):
		return "BULK"
	case strings.HasPrefix(message, "Statistics"):
		return "STATS"
	case strings.HasPrefix(message, "Script"):
		return "SCRIPT"
	default:
		return ""
	}
}

func (f *FuzzerFormatter) formatFuzzerValue(key string, value interface{}) string {
	switch key {
	case "session_id":
		if s, ok := value.(string); ok && len(s) > 8 {
			return s[:8]
		}
	case "requests_sec":
		if v, ok := value.(float64); ok {
			return fmt.Sprintf("%.2f/sec", v)
		}
	case "elapsed":
		if d, ok := value.(time.Duration); ok {
			return d.Round(time.Microsecond).String()
		}
	}
	return f.formatValue(key, value)
}
