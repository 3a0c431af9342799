/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: report_writer_test.go
Description: Tests for result collection and session report files.
*/

package utils_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCollectorLimit(t *testing.T) {
	c := utils.NewResultCollector(2)
	svc := interfaces.Service{Host: "example.com", Port: 443, Secure: true}
	for i := 1; i <= 3; i++ {
		c.OnResultAdded("s1", &interfaces.Result{
			ID:         int64(i),
			Service:    svc,
			Request:    interfaces.Request{Method: "GET", Target: "/a?q=" + string(rune('0'+i))},
			StatusCode: 200,
			Body:       []byte("hello"),
			Elapsed:    15 * time.Millisecond,
		})
	}
	c.OnResultAdded("s2", interfaces.NewFailedResult(svc, interfaces.Request{Method: "POST", Target: "/x"}, time.Second, errors.New("reset")))

	rows, dropped := c.Results("s1")
	require.Len(t, rows, 2)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, "https://example.com/a?q=1", rows[0].URL)
	assert.Equal(t, 5, rows[0].Length)
	assert.EqualValues(t, 15, rows[0].ElapsedMs)

	rows, dropped = c.Results("s2")
	require.Len(t, rows, 1)
	assert.Zero(t, dropped)
	assert.True(t, rows[0].Failed)
	assert.Equal(t, "reset", rows[0].Error)
}

func TestWriteSessionReport(t *testing.T) {
	dir := t.TempDir()
	report := &utils.SessionReport{
		GeneratedAt: time.Date(2024, 6, 11, 1, 30, 0, 0, time.UTC),
		Version:     "1.0.0",
		SessionID:   "0123456789abcdef",
		Name:        "login brute/force",
		State:       interfaces.StateStopped.String(),
		Counters:    interfaces.Counters{Total: 4, Progress: 4, Completed: true},
	}

	path, err := utils.WriteSessionReport(dir, report)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "login_brute_force", "2024-06-11_01-30-00_01234567_v1.0.0.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"results": []`), "empty tables are written as arrays")

	var decoded utils.SessionReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "STOPPED", decoded.State)
	assert.EqualValues(t, 4, decoded.Counters.Progress)
}
