/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: reporter.go
Description: Reporter interface and implementations for Akaylee HTTP Fuzzer telemetry. Sessions
notify reporters of every completed task, every result added to the results table and every
lifecycle transition. Ships a log reporter and a Prometheus reporter with a private registry.
*/

package core

import (
	"net/http"
	"strconv"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reporter receives session telemetry. Implementations must be safe for
// concurrent use; OnTaskCompleted is called from worker goroutines.
type Reporter interface {
	// OnTaskCompleted is called after every task, learning tasks included
	OnTaskCompleted(sessionID string, result *interfaces.Result)
	// OnResultAdded is called when a script adds a result to the table
	OnResultAdded(sessionID string, result *interfaces.Result)
	// OnStateChanged is called after a lifecycle transition
	OnStateChanged(sessionID string, from, to interfaces.FuzzerState)
}

// LoggerReporter writes session events through the fuzzer logger
type LoggerReporter struct {
	logger *logging.Logger
}

// NewLoggerReporter creates a new LoggerReporter
func NewLoggerReporter(logger *logging.Logger) *LoggerReporter {
	return &LoggerReporter{logger: logger}
}

// OnTaskCompleted logs the task outcome
func (r *LoggerReporter) OnTaskCompleted(sessionID string, result *interfaces.Result) {
	r.logger.LogTask(sessionID, result)
}

// OnResultAdded logs a result added to the table
func (r *LoggerReporter) OnResultAdded(sessionID string, result *interfaces.Result) {
	r.logger.LogResult(sessionID, result)
}

// OnStateChanged logs the transition
func (r *LoggerReporter) OnStateChanged(sessionID string, from, to interfaces.FuzzerState) {
	r.logger.LogTransition(sessionID, from.String(), to.String())
}

// PrometheusReporter exports session metrics on a private registry
type PrometheusReporter struct {
	registry *prometheus.Registry

	tasksTotal    *prometheus.CounterVec
	statusTotal   *prometheus.CounterVec
	resultsTotal  *prometheus.CounterVec
	responseTime  *prometheus.HistogramVec
	sessionState  *prometheus.GaugeVec
	sessionStates []interfaces.FuzzerState
}

// NewPrometheusReporter creates the reporter and registers its collectors
func NewPrometheusReporter() (*PrometheusReporter, error) {
	r := &PrometheusReporter{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "akaylee_tasks_total",
				Help: "Total number of fuzz tasks completed",
			},
			[]string{"session", "outcome"},
		),
		statusTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "akaylee_response_status_total",
				Help: "Responses by status class",
			},
			[]string{"session", "class"},
		),
		resultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "akaylee_results_added_total",
				Help: "Results added to the results table by scripts",
			},
			[]string{"session"},
		),
		responseTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "akaylee_response_time_seconds",
				Help:    "Response time distribution in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"session"},
		),
		sessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "akaylee_session_state",
				Help: "1 for the current lifecycle state of each session",
			},
			[]string{"session", "state"},
		),
		sessionStates: []interfaces.FuzzerState{
			interfaces.StateNotStarted,
			interfaces.StateRunning,
			interfaces.StatePaused,
			interfaces.StateStopped,
		},
	}

	collectors := []prometheus.Collector{
		r.tasksTotal,
		r.statusTotal,
		r.resultsTotal,
		r.responseTime,
		r.sessionState,
	}
	for _, c := range collectors {
		if err := r.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Registry returns the private registry
func (r *PrometheusReporter) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *PrometheusReporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// OnTaskCompleted counts the task and records its response time
func (r *PrometheusReporter) OnTaskCompleted(sessionID string, result *interfaces.Result) {
	r.tasksTotal.WithLabelValues(sessionID, outcome(result)).Inc()
	if result.Failed {
		return
	}
	r.statusTotal.WithLabelValues(sessionID, statusClass(result.StatusCode)).Inc()
	r.responseTime.WithLabelValues(sessionID).Observe(result.Elapsed.Seconds())
}

// OnResultAdded counts the result
func (r *PrometheusReporter) OnResultAdded(sessionID string, result *interfaces.Result) {
	r.resultsTotal.WithLabelValues(sessionID).Inc()
}

// OnStateChanged moves the session state gauge
func (r *PrometheusReporter) OnStateChanged(sessionID string, from, to interfaces.FuzzerState) {
	for _, s := range r.sessionStates {
		v := 0.0
		if s == to {
			v = 1
		}
		r.sessionState.WithLabelValues(sessionID, s.String()).Set(v)
	}
}

func outcome(result *interfaces.Result) string {
	switch {
	case result.Failed:
		return "failed"
	case result.Learn > 0:
		return "learn"
	case result.Blocked:
		return "blocked"
	case result.Interesting:
		return "interesting"
	default:
		return "filtered"
	}
}

func statusClass(code int) string {
	if code < 100 || code > 999 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
