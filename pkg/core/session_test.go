/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: session_test.go
Description: Session lifecycle tests. Drives real sessions against httptest servers through the
state machine, template and raw list runs, retries, quarantine, deletion rules and bulk actions.
*/

package core_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/config"
	"github.com/kleascm/akaylee-httpfuzz/pkg/core"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/script"
	"github.com/kleascm/akaylee-httpfuzz/pkg/template"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wordlistScript = `
handle_response := func(r) {
	table.add(r)
}

queue_tasks := func() {
	for _, w in payloads.wordlist(1) {
		fuzz.payloads([w]).queue()
	}
	fuzz.done()
}
`

type recordingReporter struct {
	mu     sync.Mutex
	tasks  []*interfaces.Result
	added  []*interfaces.Result
	states []interfaces.FuzzerState
}

func (r *recordingReporter) OnTaskCompleted(_ string, result *interfaces.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, result)
}

func (r *recordingReporter) OnResultAdded(_ string, result *interfaces.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, result)
}

func (r *recordingReporter) OnStateChanged(_ string, _, to interfaces.FuzzerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recordingReporter) snapshot() (tasks, added []*interfaces.Result, states []interfaces.FuzzerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*interfaces.Result(nil), r.tasks...),
		append([]*interfaces.Result(nil), r.added...),
		append([]interfaces.FuzzerState(nil), r.states...)
}

// pathRecorder is an httptest server that records every request-target it serves
type pathRecorder struct {
	*httptest.Server
	mu    sync.Mutex
	paths []string
}

func newPathRecorder(t *testing.T) *pathRecorder {
	t.Helper()
	rec := &pathRecorder{}
	rec.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.paths = append(rec.paths, r.URL.RequestURI())
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok " + r.URL.RequestURI()))
	}))
	t.Cleanup(rec.Close)
	return rec
}

func (p *pathRecorder) recorded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.paths...)
	sort.Strings(out)
	return out
}

func (p *pathRecorder) service(t *testing.T) interfaces.Service {
	t.Helper()
	svc, err := template.ServiceFromURL(p.URL)
	require.NoError(t, err)
	return svc
}

func testOptions() config.Options {
	opts := config.Defaults()
	opts.Threads = 2
	opts.Timeout = 5 * time.Second
	opts.Retries = 0
	opts.MonitorInterval = 10 * time.Millisecond
	opts.StopTimeout = 2 * time.Second
	return opts
}

func templateSpec(t *testing.T, srv *pathRecorder, words []string, src string) core.SessionSpec {
	t.Helper()
	svc := srv.service(t)
	tmpl, err := template.New("GET /search?q=%s HTTP/1.1\nHost: "+svc.Authority()+"\n\n", svc)
	require.NoError(t, err)
	return core.SessionSpec{
		Name:      t.Name(),
		Template:  tmpl,
		Wordlists: [3][]string{words},
		Script:    []byte(src),
		Options:   testOptions(),
	}
}

func stopSession(t *testing.T, o *core.Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
}

func TestSessionStateTransitions(t *testing.T) {
	srv := newPathRecorder(t)
	o, err := core.NewOrchestrator("s1", templateSpec(t, srv, []string{"a"}, wordlistScript), quietLogger())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, interfaces.StateNotStarted, o.State())
	assert.ErrorIs(t, o.Pause(), core.ErrInvalidTransition)
	assert.ErrorIs(t, o.Stop(ctx), core.ErrInvalidTransition)
	assert.Equal(t, interfaces.StateNotStarted, o.State(), "rejected calls leave the state untouched")

	require.NoError(t, o.Start(ctx))
	assert.Equal(t, interfaces.StateRunning, o.State())
	assert.ErrorIs(t, o.Start(ctx), core.ErrInvalidTransition)

	require.NoError(t, o.Pause())
	assert.Equal(t, interfaces.StatePaused, o.State())
	assert.True(t, o.Executor().IsPaused())
	assert.ErrorIs(t, o.Pause(), core.ErrInvalidTransition)

	require.NoError(t, o.Start(ctx))
	assert.Equal(t, interfaces.StateRunning, o.State())
	assert.False(t, o.Executor().IsPaused())

	stopSession(t, o)
	assert.Equal(t, interfaces.StateStopped, o.State())
	assert.True(t, o.Deletable())
	assert.ErrorIs(t, o.Start(ctx), core.ErrInvalidTransition)
	assert.ErrorIs(t, o.Pause(), core.ErrInvalidTransition)
	assert.ErrorIs(t, o.Stop(ctx), core.ErrInvalidTransition)
}

func TestTemplateSessionQueuesOneTaskPerPayload(t *testing.T) {
	srv := newPathRecorder(t)
	reporter := &recordingReporter{}
	spec := templateSpec(t, srv, []string{"a", "b"}, wordlistScript)
	spec.Reporters = []core.Reporter{reporter}

	m := core.NewSessionManager(quietLogger())
	o, err := m.CreateSession(context.Background(), spec, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return o.Counters().Completed
	}, 5*time.Second, 10*time.Millisecond)
	stopSession(t, o)

	counters := o.Counters()
	assert.EqualValues(t, 2, counters.Total)
	assert.EqualValues(t, 2, counters.Progress)
	assert.Zero(t, counters.Errors)
	assert.Equal(t, []string{"/search?q=a", "/search?q=b"}, srv.recorded())

	tasks, added, states := reporter.snapshot()
	require.Len(t, tasks, 2)
	require.Len(t, added, 2)
	for _, r := range added {
		assert.Equal(t, http.StatusOK, r.StatusCode)
		assert.Equal(t, o.ID(), r.SessionID)
		assert.True(t, r.Interesting)
		assert.Len(t, r.Payloads, 1)
	}
	assert.Equal(t, []interfaces.FuzzerState{interfaces.StateRunning, interfaces.StateStopped}, states)
}

func TestTemplateWithoutMarkerQueuesNothing(t *testing.T) {
	srv := newPathRecorder(t)
	svc := srv.service(t)
	tmpl, err := template.New("GET /static HTTP/1.1\nHost: "+svc.Authority()+"\n\n", svc)
	require.NoError(t, err)
	spec := templateSpec(t, srv, []string{"a", "b"}, wordlistScript)
	spec.Template = tmpl

	logger, hook := test.NewNullLogger()
	o, err := core.NewOrchestrator("no-marker", spec, logger)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	require.Eventually(t, func() bool {
		return o.Counters().Completed
	}, 5*time.Second, 10*time.Millisecond)
	stopSession(t, o)

	assert.Zero(t, o.Counters().Total)
	assert.Empty(t, srv.recorded())

	var logged []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			logged = append(logged, e.Message)
		}
	}
	assert.Contains(t, logged, "Template has no %s marker, payloads not queued")
}

func TestRawListSessionStopThenDelete(t *testing.T) {
	srv := newPathRecorder(t)
	svc := srv.service(t)
	src, err := script.LoadBuiltin("request_list")
	require.NoError(t, err)

	var pairs []interfaces.RawPair
	for _, p := range []string{"/r1", "/r2", "/r3"} {
		req, err := template.ParseRequest("GET " + p + " HTTP/1.1\nHost: " + svc.Authority() + "\n\n")
		require.NoError(t, err)
		pairs = append(pairs, interfaces.RawPair{Service: svc, Request: req})
	}

	m := core.NewSessionManager(quietLogger())
	o, err := m.CreateSession(context.Background(), core.SessionSpec{
		RawList: pairs,
		Script:  src,
		Options: testOptions(),
	}, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return o.Counters().Progress == 3
	}, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	assert.ErrorIs(t, m.Delete(ctx, o.ID()), core.ErrSessionRunning)
	require.NoError(t, m.Stop(ctx, o.ID()))
	require.NoError(t, m.Delete(ctx, o.ID()))

	_, err = m.Get(o.ID())
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	assert.Equal(t, []string{"/r1", "/r2", "/r3"}, srv.recorded())

	err = o.Executor().Submit(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, core.ErrExecutorShutdown)
}

func TestDeletePausedSessionStopsIt(t *testing.T) {
	srv := newPathRecorder(t)
	m := core.NewSessionManager(quietLogger())
	ctx := context.Background()

	idle, err := m.CreateSession(ctx, templateSpec(t, srv, nil, wordlistScript), false)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, idle.ID()), "never started sessions delete directly")

	o, err := m.CreateSession(ctx, templateSpec(t, srv, []string{"a"}, wordlistScript), true)
	require.NoError(t, err)
	require.NoError(t, m.Pause(o.ID()))
	require.NoError(t, m.Delete(ctx, o.ID()))

	assert.Equal(t, interfaces.StateStopped, o.State())
	assert.True(t, o.Executor().IsTerminated())
	assert.Empty(t, m.List())
	assert.ErrorIs(t, m.Delete(ctx, o.ID()), core.ErrSessionNotFound)
}

func TestDeletedSessionCannotStart(t *testing.T) {
	srv := newPathRecorder(t)
	m := core.NewSessionManager(quietLogger())
	ctx := context.Background()

	o, err := m.CreateSession(ctx, templateSpec(t, srv, []string{"a"}, wordlistScript), false)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, o.ID()))

	assert.ErrorIs(t, o.Start(ctx), core.ErrSessionDeleted)
	assert.Equal(t, interfaces.StateNotStarted, o.State())
	assert.Nil(t, o.Executor(), "a deleted session never boots")
}

func TestDeleteRacingStartNeverDropsRunningSession(t *testing.T) {
	srv := newPathRecorder(t)
	m := core.NewSessionManager(quietLogger())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		o, err := m.CreateSession(ctx, templateSpec(t, srv, nil, wordlistScript), false)
		require.NoError(t, err)

		var startErr, deleteErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			startErr = o.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			deleteErr = m.Delete(ctx, o.ID())
		}()
		wg.Wait()

		if deleteErr == nil {
			assert.ErrorIs(t, startErr, core.ErrSessionDeleted)
			assert.Equal(t, interfaces.StateNotStarted, o.State())
			_, err := m.Get(o.ID())
			assert.ErrorIs(t, err, core.ErrSessionNotFound)
			continue
		}

		require.NoError(t, startErr)
		_, err = m.Get(o.ID())
		require.NoError(t, err, "a refused delete keeps the running session reachable")
		stopSession(t, o)
		require.NoError(t, m.Delete(ctx, o.ID()))
	}
	assert.Empty(t, m.List())
}

func TestCreateSessionRejectsInvalidSpec(t *testing.T) {
	m := core.NewSessionManager(quietLogger())
	_, err := m.CreateSession(context.Background(), core.SessionSpec{Options: testOptions()}, false)
	assert.ErrorIs(t, err, core.ErrInvalidSession)

	srv := newPathRecorder(t)
	spec := templateSpec(t, srv, nil, wordlistScript)
	spec.Options.Threads = 0
	_, err = m.CreateSession(context.Background(), spec, false)
	assert.ErrorIs(t, err, config.ErrInvalidOptions)

	spec = templateSpec(t, srv, nil, wordlistScript)
	spec.Options.Requester = "host"
	_, err = m.CreateSession(context.Background(), spec, false)
	assert.ErrorIs(t, err, core.ErrInvalidSession)

	assert.Empty(t, m.List())
}

func TestRetriesExhaustedYieldsSyntheticResult(t *testing.T) {
	srv := newPathRecorder(t)
	var attempts atomic.Int32
	reporter := &recordingReporter{}

	spec := templateSpec(t, srv, []string{"a"}, `
handle_response := func(r) {
	if r.failed && r.status == 999 {
		table.add(r)
	}
}

queue_tasks := func() {
	fuzz.payloads(["a"]).queue()
	fuzz.done()
}
`)
	spec.Options.Requester = "host"
	spec.Options.Retries = 2
	spec.Reporters = []core.Reporter{reporter}
	spec.Sender = interfaces.HostSenderFunc(func(ctx context.Context, svc interfaces.Service, req interfaces.Request, opts interfaces.SendOptions) (*interfaces.Result, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	})

	o, err := core.NewOrchestrator("retry", spec, quietLogger())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	require.Eventually(t, func() bool {
		return o.Counters().Completed
	}, 5*time.Second, 10*time.Millisecond)
	stopSession(t, o)

	assert.EqualValues(t, 3, attempts.Load())
	assert.EqualValues(t, 1, o.Counters().Errors)

	tasks, added, _ := reporter.snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, core.RetryFailedStatus, tasks[0].StatusCode)
	assert.True(t, tasks[0].Failed)
	assert.ErrorIs(t, tasks[0].Err, core.ErrRetriesExhausted)
	assert.Contains(t, tasks[0].Text(), "Maximum retries exceeded")
	require.Len(t, added, 1, "the handler sees the synthetic result")
}

func TestQuarantinePausesAndResumes(t *testing.T) {
	srv := newPathRecorder(t)
	var failing atomic.Bool
	failing.Store(true)
	reporter := &recordingReporter{}

	spec := templateSpec(t, srv, []string{"1", "2", "3", "4", "5", "6"}, wordlistScript)
	spec.Options.Threads = 1
	spec.Options.QuarantineThreshold = 2
	spec.Options.Requester = "host"
	spec.Reporters = []core.Reporter{reporter}
	spec.Sender = interfaces.HostSenderFunc(func(ctx context.Context, svc interfaces.Service, req interfaces.Request, opts interfaces.SendOptions) (*interfaces.Result, error) {
		if failing.Load() {
			return nil, errors.New("connection reset")
		}
		return &interfaces.Result{StatusCode: http.StatusOK, Body: []byte("fine")}, nil
	})

	o, err := core.NewOrchestrator("quarantine", spec, quietLogger())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, o.Start(ctx))

	require.Eventually(t, func() bool {
		return o.State() == interfaces.StatePaused && o.Counters().Quarantined
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return o.Counters().Progress == 3
	}, 5*time.Second, 10*time.Millisecond, "quarantine trips on the failure past the threshold")
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 3, o.Counters().Progress, "no task runs while quarantined")

	failing.Store(false)
	require.NoError(t, o.Start(ctx))
	assert.False(t, o.Counters().Quarantined)

	require.Eventually(t, func() bool {
		return o.Counters().Completed
	}, 5*time.Second, 10*time.Millisecond)
	stopSession(t, o)

	counters := o.Counters()
	assert.EqualValues(t, 6, counters.Progress)
	assert.EqualValues(t, 3, counters.Errors)

	_, _, states := reporter.snapshot()
	assert.Equal(t, []interfaces.FuzzerState{
		interfaces.StateRunning,
		interfaces.StatePaused,
		interfaces.StateRunning,
		interfaces.StateStopped,
	}, states)
}

type panickingListener struct{}

func (panickingListener) OnStateChanged(string, interfaces.FuzzerState, interfaces.FuzzerState) {
	panic("listener bug")
}
func (panickingListener) OnResultAdded(string, *interfaces.Result)        {}
func (panickingListener) OnCountersUpdated(string, interfaces.Counters) {}

type countingListener struct {
	transitions atomic.Int32
	results     atomic.Int32
}

func (l *countingListener) OnStateChanged(string, interfaces.FuzzerState, interfaces.FuzzerState) {
	l.transitions.Add(1)
}
func (l *countingListener) OnResultAdded(string, *interfaces.Result) { l.results.Add(1) }
func (l *countingListener) OnCountersUpdated(string, interfaces.Counters) {}

func TestListenerPanicDoesNotBreakSession(t *testing.T) {
	srv := newPathRecorder(t)
	m := core.NewSessionManager(quietLogger())
	counting := &countingListener{}
	m.AddListener(panickingListener{})
	m.AddListener(counting)

	o, err := m.CreateSession(context.Background(), templateSpec(t, srv, []string{"a"}, wordlistScript), true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return counting.results.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	stopSession(t, o)

	assert.EqualValues(t, 2, counting.transitions.Load())
}

func TestBulkOperations(t *testing.T) {
	srv := newPathRecorder(t)
	m := core.NewSessionManager(quietLogger())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		o, err := m.CreateSession(ctx, templateSpec(t, srv, []string{"a"}, wordlistScript), false)
		require.NoError(t, err)
		ids = append(ids, o.ID())
	}
	assert.Equal(t, ids, m.IDs(), "sessions list in creation order")

	var lastDone, lastTotal atomic.Int32
	progress := interfaces.ProgressFunc(func(done, total int, _ string) {
		lastDone.Store(int32(done))
		lastTotal.Store(int32(total))
	})

	summary := m.PauseAll(ctx, ids, progress, nil)
	assert.Equal(t, 3, summary.Skipped, "pausing sessions that never started is a no-op")

	summary = m.StartAll(ctx, ids, progress, nil)
	assert.Equal(t, 3, summary.Succeeded)
	assert.EqualValues(t, 3, lastDone.Load())
	assert.EqualValues(t, 3, lastTotal.Load())

	summary = m.StartAll(ctx, ids, progress, nil)
	assert.Equal(t, 3, summary.Skipped)

	summary = m.PauseAll(ctx, ids, progress, nil)
	assert.Equal(t, 3, summary.Succeeded)

	summary = m.StartAll(ctx, ids[:1], progress, nil)
	assert.Equal(t, 1, summary.Succeeded)

	summary = m.DeleteAll(ctx, append(append([]string(nil), ids...), "missing"), progress, nil)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.ErrorIs(t, summary.Errors[ids[0]], core.ErrSessionRunning)
	assert.ErrorIs(t, summary.Errors["missing"], core.ErrSessionNotFound)
	assert.Contains(t, summary.Message(), "2 failed")

	cancelled := m.StopAll(ctx, ids[:1], progress, interfaces.CancelFunc(func() bool { return true }))
	assert.True(t, cancelled.Cancelled)
	assert.Zero(t, cancelled.Processed())
	assert.True(t, strings.Contains(cancelled.Message(), "cancelled"))
	assert.Equal(t, interfaces.StateRunning, m.List()[0].State())

	summary = m.StopAll(ctx, ids[:1], progress, nil)
	assert.Equal(t, 1, summary.Succeeded)
	summary = m.StopAll(ctx, ids[:1], progress, nil)
	assert.Equal(t, 1, summary.Skipped)

	summary = m.DeleteAll(ctx, ids[:1], progress, nil)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Empty(t, m.List())
}

func TestSpecFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "words.txt"), []byte("admin\nlogin\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wordlist.tengo"), []byte(wordlistScript), 0o644))
	path := filepath.Join(dir, "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: wordlist
target: http://shop.test:8080
template: "GET /%s HTTP/1.1\nHost: shop.test:8080\n\n"
wordlists: [words.txt]
script: wordlist.tengo
`), 0o644))

	sf, err := config.LoadSessionFile(path, testOptions())
	require.NoError(t, err)
	spec, err := core.SpecFromFile(sf)
	require.NoError(t, err)

	assert.Equal(t, "wordlist", spec.Name)
	require.NotNil(t, spec.Template)
	assert.Equal(t, 1, spec.Template.MarkerCount())
	assert.Equal(t, interfaces.Service{Host: "shop.test", Port: 8080}, spec.Template.Service())
	assert.Equal(t, []string{"admin", "login"}, spec.Wordlists[0])
	assert.Equal(t, wordlistScript, string(spec.Script))
	require.NoError(t, spec.Validate())
}
