/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: reporter_test.go
Description: Tests for the log reporter writing session events through the fuzzer logger.
*/

package core_test

import (
	"bytes"
	"testing"

	"github.com/kleascm/akaylee-httpfuzz/pkg/core"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerReporterWritesThroughFuzzerLogger(t *testing.T) {
	var console bytes.Buffer
	logger, err := logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.LogLevelDebug,
		Format: logging.LogFormatText,
	}, &console)
	require.NoError(t, err)
	defer logger.Close()

	var reporter core.Reporter = core.NewLoggerReporter(logger)
	reporter.OnTaskCompleted("s1", &interfaces.Result{ID: 3, StatusCode: 403, Blocked: true})
	reporter.OnResultAdded("s1", &interfaces.Result{ID: 3, StatusCode: 403, Payloads: []string{"etc"}})
	reporter.OnStateChanged("s1", interfaces.StateRunning, interfaces.StatePaused)

	out := console.String()
	assert.Contains(t, out, "Blocked response detected")
	assert.Contains(t, out, `msg="Result added"`)
	assert.Contains(t, out, "from=RUNNING")
	assert.Contains(t, out, "to=PAUSED")
	assert.Contains(t, out, "session_id=s1")
}
