/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: runtime_test.go
Description: Tests for the script runtime: generator queueing, handler dispatch, session store,
error staging with user line numbers and stop behaviour.
*/

package script_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/script"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queued struct {
	kind     string
	url      string
	payloads []string
	req      interfaces.Request
	svc      interfaces.Service
	learn    int
}

type fakeHost struct {
	mu       sync.Mutex
	nextID   int64
	queued   []queued
	results  []*interfaces.Result
	complete bool
	tmpl     string
}

func (h *fakeHost) push(q queued) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.queued = append(h.queued, q)
	return h.nextID, nil
}

func (h *fakeHost) QueueRequest(ctx context.Context, svc interfaces.Service, req interfaces.Request, learn int) (int64, error) {
	return h.push(queued{kind: "request", svc: svc, req: req, learn: learn})
}

func (h *fakeHost) QueuePayloads(ctx context.Context, payloads []string, learn int) (int64, error) {
	return h.push(queued{kind: "payloads", payloads: payloads, learn: learn})
}

func (h *fakeHost) QueueRawTemplate(ctx context.Context, rawURL, tmpl string, payloads []string, learn int) (int64, error) {
	return h.push(queued{kind: "raw", url: rawURL, payloads: payloads, learn: learn})
}

func (h *fakeHost) QueueURL(ctx context.Context, rawURL string, learn int) (int64, error) {
	return h.push(queued{kind: "url", url: rawURL, learn: learn})
}

func (h *fakeHost) SendRequest(ctx context.Context, svc interfaces.Service, req interfaces.Request) (*interfaces.Result, error) {
	return &interfaces.Result{Service: svc, Request: req, StatusCode: 200, Body: []byte(`{"uuid":"abc"}`)}, nil
}

func (h *fakeHost) SendPayloads(ctx context.Context, payloads []string) (*interfaces.Result, error) {
	return &interfaces.Result{StatusCode: 200, Payloads: payloads}, nil
}

func (h *fakeHost) SendRawTemplate(ctx context.Context, rawURL, tmpl string, payloads []string) (*interfaces.Result, error) {
	return nil, errors.New("bad template")
}

func (h *fakeHost) SendURL(ctx context.Context, rawURL string) (*interfaces.Result, error) {
	return &interfaces.Result{StatusCode: 204}, nil
}

func (h *fakeHost) MarkQueueComplete() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.complete = true
}

func (h *fakeHost) AddResult(r *interfaces.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, r)
}

func (h *fakeHost) CurrentTemplate() string {
	return h.tmpl
}

func (h *fakeHost) snapshot() ([]queued, []*interfaces.Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]queued(nil), h.queued...), append([]*interfaces.Result(nil), h.results...), h.complete
}

func quietLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newRuntime(src string, wordlist []string, host script.Host) *script.Runtime {
	return script.NewRuntime(script.RuntimeConfig{
		SessionID:   "test",
		Environment: script.Environment(),
		Source:      []byte(src),
		Wordlists:   [3][]string{wordlist},
	}, host, quietLogger())
}

// start runs the runtime in the background and returns a channel with Run's error
func start(rt *script.Runtime) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(context.Background()) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not return")
		return nil
	}
}

const wordlistScript = `
handle_response := func(r) {}

queue_tasks := func() {
	for _, w in payloads.wordlist(1) {
		fuzz.payloads([w]).queue()
	}
	fuzz.url("http://example.test/x").learn_group(2).queue()
	fuzz.done()
}
`

func TestRunQueuesFromGenerator(t *testing.T) {
	host := &fakeHost{}
	rt := newRuntime(wordlistScript, []string{"a", "b"}, host)
	errCh := start(rt)

	require.Eventually(t, func() bool {
		_, _, complete := host.snapshot()
		return complete
	}, 5*time.Second, 10*time.Millisecond)

	rt.Stop()
	require.NoError(t, waitRun(t, errCh))

	q, _, _ := host.snapshot()
	require.Len(t, q, 3)
	assert.Equal(t, []string{"a"}, q[0].payloads)
	assert.Equal(t, []string{"b"}, q[1].payloads)
	assert.Equal(t, "url", q[2].kind)
	assert.Equal(t, 2, q[2].learn)
	assert.False(t, rt.HasHandler(), "teardown releases compiled programs")
}

func TestRunWithoutEnvironment(t *testing.T) {
	rt := script.NewRuntime(script.RuntimeConfig{Source: []byte(wordlistScript)}, &fakeHost{}, quietLogger())
	err := rt.Run(context.Background())
	assert.ErrorIs(t, err, script.ErrMissingEnvironment)
}

func TestRunTwice(t *testing.T) {
	rt := newRuntime("", nil, &fakeHost{})
	rt.Stop()
	require.NoError(t, rt.Run(context.Background()))
	assert.ErrorIs(t, rt.Run(context.Background()), script.ErrAlreadyRunning)
}

func TestCompileErrorReportsUserLine(t *testing.T) {
	rt := newRuntime("a := 1\nb := missing_name\n", nil, &fakeHost{})
	err := rt.Run(context.Background())

	var se *script.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, script.StageScript, se.Stage)
	assert.Equal(t, 2, se.Line)
}

func TestGeneratorErrorIsStaged(t *testing.T) {
	src := "queue_tasks := func() {\n\tx := 1\n\ty := x + \"oops\"\n}\n"
	rt := newRuntime(src, nil, &fakeHost{})
	errCh := start(rt)

	time.Sleep(100 * time.Millisecond)
	rt.Stop()
	err := waitRun(t, errCh)

	var se *script.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, script.StageGenerator, se.Stage)
	assert.Equal(t, 3, se.Line)
}

const handlerScript = `
handle_response := func(r) {
	session.increment("seen")
	if r.status == 200 && r.headers["x-flag"] == "yes" {
		table.add(r)
	}
}

on_stop := func() {
	session.set("stopped", true)
}
`

func TestHandleResponseAddsPendingResult(t *testing.T) {
	host := &fakeHost{}
	rt := newRuntime(handlerScript, nil, host)
	errCh := start(rt)
	require.Eventually(t, rt.HasHandler, 5*time.Second, 10*time.Millisecond)

	hit := &interfaces.Result{ID: 7, StatusCode: 200, Header: http.Header{"X-Flag": {"yes"}}}
	miss := &interfaces.Result{ID: 8, StatusCode: 404}

	var wg sync.WaitGroup
	for _, r := range []*interfaces.Result{hit, miss} {
		wg.Add(1)
		go func(r *interfaces.Result) {
			defer wg.Done()
			assert.NoError(t, rt.HandleResponse(context.Background(), r))
		}(r)
	}
	wg.Wait()

	_, results, _ := host.snapshot()
	require.Len(t, results, 1)
	assert.Same(t, hit, results[0])

	seen, ok := rt.Store().Get("seen")
	require.True(t, ok)
	assert.EqualValues(t, 2, seen)

	rt.Stop()
	require.NoError(t, waitRun(t, errCh))

	stopped, ok := rt.Store().Get("stopped")
	require.True(t, ok)
	assert.Equal(t, true, stopped)

	assert.NoError(t, rt.HandleResponse(context.Background(), hit), "handler is skipped after stop")
	_, results, _ = host.snapshot()
	assert.Len(t, results, 1)
}

func TestHandlerErrorIsReturned(t *testing.T) {
	rt := newRuntime("handle_response := func(r) {\n\treturn r.status + \"oops\"\n}\n", nil, &fakeHost{})
	errCh := start(rt)
	require.Eventually(t, rt.HasHandler, 5*time.Second, 10*time.Millisecond)

	err := rt.HandleResponse(context.Background(), &interfaces.Result{ID: 1, StatusCode: 200})
	var se *script.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, script.StageHandler, se.Stage)
	assert.Equal(t, 2, se.Line)

	rt.Stop()
	require.NoError(t, waitRun(t, errCh))
}

func TestHandlerErrorInEnvironmentHelperReportsCallerLine(t *testing.T) {
	src := "handle_response := func(r) {\n\tx := 1\n\tpayloads.product(x)\n}\n"
	rt := newRuntime(src, nil, &fakeHost{})
	errCh := start(rt)
	require.Eventually(t, rt.HasHandler, 5*time.Second, 10*time.Millisecond)

	err := rt.HandleResponse(context.Background(), &interfaces.Result{ID: 1, StatusCode: 200})
	var se *script.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, script.StageHandler, se.Stage)
	assert.Equal(t, 3, se.Line)
	assert.Contains(t, se.Error(), "not iterable")

	rt.Stop()
	require.NoError(t, waitRun(t, errCh))
}

func TestGoPanicInHandlerIsReturnedWithoutLine(t *testing.T) {
	rt := newRuntime("handle_response := func(r) {\n\treturn r.status / 0\n}\n", nil, &fakeHost{})
	errCh := start(rt)
	require.Eventually(t, rt.HasHandler, 5*time.Second, 10*time.Millisecond)

	err := rt.HandleResponse(context.Background(), &interfaces.Result{ID: 1, StatusCode: 200})
	var se *script.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, script.StageHandler, se.Stage)
	assert.Zero(t, se.Line)
	assert.Contains(t, se.Error(), "divide by zero")

	// the runtime keeps serving after a panic
	assert.Error(t, rt.HandleResponse(context.Background(), &interfaces.Result{ID: 2, StatusCode: 200}))

	rt.Stop()
	require.NoError(t, waitRun(t, errCh))
}

const sharedStateScript = `
session.increment("top_level")
seen := {}

queue_tasks := func() {
	seen["http://a.test/"] = true
	fuzz.url("http://a.test/").queue()
	fuzz.done()
}

handle_response := func(r) {
	if seen["http://a.test/"] {
		session.increment("seen_in_handler")
	}
	seen[string(r.id)] = true
}

on_stop := func() {
	session.set("seen_at_stop", len(seen))
}
`

func TestTopLevelRunsOnceAndGlobalsAreShared(t *testing.T) {
	host := &fakeHost{}
	rt := newRuntime(sharedStateScript, nil, host)
	errCh := start(rt)
	require.Eventually(t, func() bool {
		_, _, complete := host.snapshot()
		return complete
	}, 5*time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	for id := int64(1); id <= 3; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, rt.HandleResponse(context.Background(), &interfaces.Result{ID: id, StatusCode: 200}))
		}(id)
	}
	wg.Wait()

	rt.Stop()
	require.NoError(t, waitRun(t, errCh))

	top, ok := rt.Store().Get("top_level")
	require.True(t, ok)
	assert.EqualValues(t, 1, top)

	seen, ok := rt.Store().Get("seen_in_handler")
	require.True(t, ok)
	assert.EqualValues(t, 3, seen)

	atStop, ok := rt.Store().Get("seen_at_stop")
	require.True(t, ok)
	assert.EqualValues(t, 4, atStop)
}

func TestScriptWithoutHooksWarnsAndQueuesNothing(t *testing.T) {
	logger, hook := test.NewNullLogger()
	host := &fakeHost{}
	rt := script.NewRuntime(script.RuntimeConfig{
		SessionID:   "test",
		Environment: script.Environment(),
		Source:      []byte("x := 1\n"),
	}, host, logger)
	errCh := start(rt)

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, rt.HasHandler())

	rt.Stop()
	require.NoError(t, waitRun(t, errCh))

	var warning string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warning = e.Message
		}
	}
	assert.Contains(t, warning, "neither queue_tasks nor handle_response")
	q, _, complete := host.snapshot()
	assert.Empty(t, q)
	assert.False(t, complete)
}

func TestCheckCompilesEnvironmentWithEveryBuiltin(t *testing.T) {
	for _, b := range script.BuiltinScripts() {
		t.Run(b.Name, func(t *testing.T) {
			assert.NoError(t, script.Check(script.Environment(), b.Source))
		})
	}
}

func TestCheckReportsStageAndLine(t *testing.T) {
	err := script.Check(script.Environment(), []byte("a := 1\nb := missing_name\n"))
	var se *script.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, script.StageScript, se.Stage)
	assert.Equal(t, 2, se.Line)

	err = script.Check([]byte("m := {\n\tdone: func() { x := 1 },\n}\n"), nil)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, script.StageEnvironment, se.Stage)
	assert.Equal(t, 3, se.Line)
}

func TestSendAddsRebuiltResult(t *testing.T) {
	src := `
queue_tasks := func() {
	r := fuzz.payloads(["p"]).send()
	table.add(r)
	bad := fuzz.raw_request("GET /%s HTTP/1.1").payloads(["x"]).send()
	if is_error(bad) {
		session.set("send_error", string(bad))
	}
	fuzz.done()
}
`
	host := &fakeHost{}
	rt := newRuntime(src, nil, host)
	errCh := start(rt)
	require.Eventually(t, func() bool {
		_, _, complete := host.snapshot()
		return complete
	}, 5*time.Second, 10*time.Millisecond)
	rt.Stop()
	require.NoError(t, waitRun(t, errCh))

	_, results, _ := host.snapshot()
	require.Len(t, results, 1)
	assert.Equal(t, 200, results[0].StatusCode)
	assert.Equal(t, []string{"p"}, results[0].Payloads)

	msg, ok := rt.Store().Get("send_error")
	require.True(t, ok)
	assert.Contains(t, msg, "bad template")
}

func TestStopWakesBlockedRun(t *testing.T) {
	rt := newRuntime("handle_response := func(r) {}\n", nil, &fakeHost{})
	errCh := start(rt)
	require.Eventually(t, rt.HasHandler, 5*time.Second, 10*time.Millisecond)

	assert.False(t, rt.ShouldStop())
	rt.Stop()
	rt.Stop()
	assert.True(t, rt.ShouldStop())
	assert.NoError(t, waitRun(t, errCh))
}

func TestCancelledContextEndsRun(t *testing.T) {
	rt := newRuntime("queue_tasks := func() { utils.sleep(60000) }\n", nil, &fakeHost{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.NoError(t, waitRun(t, errCh))
}
