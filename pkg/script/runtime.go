/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: runtime.go
Description: Script runtime for one fuzzer session. Evaluates the environment preamble and the
user script once in an embedded tengo context, runs the queue_tasks generator, dispatches every
response to handle_response in the same context and runs on_stop when the session stops.
*/

package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMissingEnvironment is returned by Run when no environment preamble is configured
	ErrMissingEnvironment = errors.New("script: missing environment")
	// ErrAlreadyRunning is returned by a second call to Run
	ErrAlreadyRunning = errors.New("script: runtime already started")
)

// Stage names the part of the script lifecycle an error came from
type Stage string

const (
	StageEnvironment Stage = "environment"
	StageScript      Stage = "script"
	StageGenerator   Stage = "generator"
	StageHandler     Stage = "handler"
	StageOnStop      Stage = "on_stop"
)

// ScriptError is a compile or runtime failure of script code. Line is the
// line in the user script (in the preamble for environment errors), or 0
// when no frame of that source is known, as for Go panics inside the VM.
type ScriptError struct {
	Stage Stage
	Line  int
	Err   error
}

func (e *ScriptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("script: %s error at line %d: %v", e.Stage, e.Line, e.Err)
	}
	return fmt.Sprintf("script: %s error: %v", e.Stage, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

const (
	generatorName = "queue_tasks"
	handlerName   = "handle_response"
	onStopName    = "on_stop"
	onStopTimeout = 5 * time.Second
)

var (
	modules     = stdlib.GetModuleMap("text", "fmt", "math", "times", "rand", "json", "base64", "hex", "enum")
	errLocation = regexp.MustCompile(`(\((?:main|environment|call)\)):(\d+):(\d+)`)
)

// RuntimeConfig holds everything a runtime evaluates
type RuntimeConfig struct {
	SessionID   string
	Environment []byte
	Source      []byte
	Wordlists   [3][]string
	RawList     []interfaces.RawPair
	// MaxAllocs bounds allocations per evaluation, 0 for unlimited
	MaxAllocs int64
}

// Runtime runs one session script. Run blocks on its own goroutine while
// HandleResponse may be called from any number of workers. All evaluations
// share one context and hold the script lock while bytecode runs; blocking
// host calls release it.
type Runtime struct {
	sessionID string
	maxAllocs int64
	host      Host
	logger    *logrus.Logger
	store     *Store
	hostObj   *tengo.ImmutableMap
	lock      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}

	started    atomic.Bool
	shouldStop atomic.Bool
	stopOnce   sync.Once

	mu          sync.RWMutex
	environment []byte
	source      []byte
	wordlists   [3][]string
	rawList     []interfaces.RawPair
	eval        *evalContext
	handler     *call
	onStop      *call

	pending sync.Map // int64 -> *interfaces.Result
}

// NewRuntime creates a runtime bound to host
func NewRuntime(cfg RuntimeConfig, host Host, logger *logrus.Logger) *Runtime {
	if logger == nil {
		logger = logrus.New()
	}
	maxAllocs := cfg.MaxAllocs
	if maxAllocs <= 0 {
		maxAllocs = -1
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		sessionID:   cfg.SessionID,
		maxAllocs:   maxAllocs,
		host:        host,
		logger:      logger,
		store:       NewStore(),
		lock:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
		environment: cfg.Environment,
		source:      cfg.Source,
		wordlists:   cfg.Wordlists,
		rawList:     cfg.RawList,
	}
	r.hostObj = r.bindings()
	return r
}

// Store returns the session key/value store
func (r *Runtime) Store() *Store {
	return r.store
}

// ShouldStop reports whether Stop has been called
func (r *Runtime) ShouldStop() bool {
	return r.shouldStop.Load()
}

// HasHandler reports whether the script defined handle_response
func (r *Runtime) HasHandler() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handler != nil
}

// Run evaluates the environment and the user script once, runs the
// generator and blocks until Stop or ctx ends. Teardown always happens.
// The first script error is returned.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.teardown()

	if r.shouldStop.Load() {
		return nil
	}
	stopAfter := context.AfterFunc(ctx, r.cancel)
	defer stopAfter()

	r.mu.RLock()
	env := r.environment
	user := r.source
	wordlists := r.wordlists
	rawList := rawListArray(r.rawList)
	r.mu.RUnlock()

	if len(bytes.TrimSpace(env)) == 0 {
		r.log().WithField("stage", StageEnvironment).Error("No script environment configured")
		return ErrMissingEnvironment
	}

	vars := map[string]tengo.Object{
		"_host":          r.hostObj,
		"_raw_http_list": rawList,
	}
	for i := range wordlists {
		vars["_wordlist_"+strconv.Itoa(i+1)] = stringArray(wordlists[i])
	}
	ec := newEvalContext(modules, r.maxAllocs, vars)

	if err := r.evaluate(ec, StageEnvironment, environmentFile, env); err != nil {
		return r.fail(err)
	}
	if err := r.evaluate(ec, StageScript, mainFile, user); err != nil {
		return r.fail(err)
	}

	hasGenerator := ec.callable(generatorName)
	hasHandler := ec.callable(handlerName)
	if !hasGenerator && !hasHandler {
		r.log().Warn("Script defines neither queue_tasks nor handle_response, no tasks will be produced")
	}

	var handler, onStop, generator *call
	var err error
	if hasHandler {
		if handler, err = ec.compileCall(handlerName, true); err != nil {
			return r.fail(newScriptError(StageHandler, err))
		}
	}
	if ec.callable(onStopName) {
		if onStop, err = ec.compileCall(onStopName, false); err != nil {
			return r.fail(newScriptError(StageOnStop, err))
		}
	}
	if hasGenerator {
		if generator, err = ec.compileCall(generatorName, false); err != nil {
			return r.fail(newScriptError(StageGenerator, err))
		}
	}

	r.mu.Lock()
	r.eval = ec
	r.handler = handler
	r.onStop = onStop
	r.mu.Unlock()

	var scriptErr error
	if generator != nil {
		r.log().Debug("Running task generator")
		if err := r.execute(r.ctx, ec, generator.bytecode); err != nil {
			if r.shouldStop.Load() || r.ctx.Err() != nil {
				r.log().WithError(err).Debug("Task generator interrupted by stop")
			} else {
				scriptErr = r.fail(newScriptError(StageGenerator, err))
			}
		}
	}

	select {
	case <-r.stopCh:
	case <-r.ctx.Done():
	}
	return scriptErr
}

// HandleResponse runs handle_response for one result. Script errors are
// logged and returned; the runtime keeps serving later responses.
func (r *Runtime) HandleResponse(ctx context.Context, result *interfaces.Result) error {
	if result == nil || r.shouldStop.Load() {
		return nil
	}
	r.mu.RLock()
	ec := r.eval
	handler := r.handler
	r.mu.RUnlock()
	if ec == nil || handler == nil {
		return nil
	}

	if result.ID > 0 {
		r.pending.Store(result.ID, result)
		defer r.pending.Delete(result.ID)
	}

	runCtx, cancel := mergeContext(ctx, r.ctx)
	defer cancel()
	if err := r.execute(runCtx, ec, handler.with(resultToMap(result))); err != nil {
		if r.shouldStop.Load() || runCtx.Err() != nil {
			return nil
		}
		return r.fail(newScriptError(StageHandler, err))
	}
	return nil
}

// Stop sets the should-stop flag, runs on_stop and wakes Run. Safe to call
// more than once and before Run.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		r.shouldStop.Store(true)

		r.mu.RLock()
		ec := r.eval
		onStop := r.onStop
		r.mu.RUnlock()

		if ec != nil && onStop != nil {
			ctx, cancel := context.WithTimeout(context.Background(), onStopTimeout)
			if err := r.execute(ctx, ec, onStop.bytecode); err != nil {
				r.fail(newScriptError(StageOnStop, err))
			}
			cancel()
		}

		r.cancel()
		close(r.stopCh)
	})
}

func (r *Runtime) teardown() {
	r.cancel()

	r.mu.Lock()
	r.wordlists = [3][]string{}
	r.source = nil
	r.environment = nil
	r.rawList = nil
	r.eval = nil
	r.handler = nil
	r.onStop = nil
	r.mu.Unlock()

	r.pending.Range(func(key, _ interface{}) bool {
		r.pending.Delete(key)
		return true
	})
	r.log().Debug("Script runtime torn down")
}

// evaluate compiles one chunk into ec and runs its top level
func (r *Runtime) evaluate(ec *evalContext, stage Stage, filename string, src []byte) error {
	bc, err := ec.compile(filename, src)
	if err != nil {
		return newScriptError(stage, err)
	}
	if err := r.execute(r.ctx, ec, bc); err != nil {
		return newScriptError(stage, err)
	}
	return nil
}

// execute runs bc holding the script lock
func (r *Runtime) execute(ctx context.Context, ec *evalContext, bc *tengo.Bytecode) error {
	select {
	case r.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.lock }()
	return ec.run(ctx, bc)
}

// unlocked runs fn from inside a host call with the script lock released
func (r *Runtime) unlocked(fn func()) {
	<-r.lock
	defer func() { r.lock <- struct{}{} }()
	fn()
}

// newScriptError wraps err with its stage and the user script line. The
// innermost frame inside the user script wins; frames in the environment
// or in Go code are skipped.
func newScriptError(stage Stage, err error) *ScriptError {
	se := &ScriptError{Stage: stage, Err: err}
	file := mainFile
	if stage == StageEnvironment {
		file = environmentFile
	}
	for _, m := range errLocation.FindAllStringSubmatch(err.Error(), -1) {
		if m[1] != file {
			continue
		}
		if line, convErr := strconv.Atoi(m[2]); convErr == nil {
			se.Line = line
			return se
		}
	}
	return se
}

// fail logs a script error and returns it
func (r *Runtime) fail(err error) error {
	entry := r.log().WithError(err)
	var se *ScriptError
	if errors.As(err, &se) {
		entry = entry.WithField("stage", se.Stage)
		if se.Line > 0 {
			entry = entry.WithField("line", se.Line)
		}
	}
	entry.Error("Script error")
	return err
}

func (r *Runtime) log() *logrus.Entry {
	return r.logger.WithField("session_id", r.sessionID)
}

// mergeContext returns a context cancelled when either parent is done
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
