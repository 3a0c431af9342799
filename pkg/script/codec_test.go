/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: codec_test.go
Description: Tests for the script codec helpers, the session store and the bundled scripts.
*/

package script_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kleascm/akaylee-httpfuzz/pkg/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		kind    string
		input   string
		encoded string
	}{
		{"base64", "admin:admin", "YWRtaW46YWRtaW4="},
		{"url", "a b&c=d", "a+b%26c%3Dd"},
		{"html", `<script>"x"</script>`, "&lt;script&gt;&#34;x&#34;&lt;/script&gt;"},
		{"json", "line\n\"quoted\"", `line\n\"quoted\"`},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			encoded, err := script.Encode(tt.kind, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.encoded, encoded)

			decoded, err := script.Decode(tt.kind, encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.input, decoded)
		})
	}

	_, err := script.Encode("rot13", "x")
	assert.Error(t, err)
	_, err = script.Decode("base64", "!!!")
	assert.Error(t, err)
}

func TestHash(t *testing.T) {
	md5sum, err := script.Hash("md5", "abc")
	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", md5sum)

	shasum, err := script.Hash("SHA256", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", shasum)

	_, err = script.Hash("crc32", "abc")
	assert.Error(t, err)
}

func TestRandString(t *testing.T) {
	assert.Empty(t, script.RandString(0, true))

	letters := script.RandString(64, false)
	assert.Len(t, letters, 64)
	assert.False(t, strings.ContainsAny(letters, "0123456789"))

	assert.Len(t, script.RandString(16, true), 16)
}

func TestStoreIncrementConcurrent(t *testing.T) {
	s := script.NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Increment("hits", 2)
		}()
	}
	wg.Wait()

	v, ok := s.Get("hits")
	require.True(t, ok)
	assert.EqualValues(t, 100, v)

	s.Set("name", "x")
	assert.Equal(t, int64(1), s.Increment("name", 1), "non-integer values restart at zero")
	assert.True(t, s.Contains("name"))
	assert.Equal(t, 2, s.Len())

	s.Clear()
	assert.Zero(t, s.Len())
	assert.False(t, s.Contains("hits"))
}

func TestBuiltinScripts(t *testing.T) {
	builtins := script.BuiltinScripts()
	names := make([]string, 0, len(builtins))
	for _, b := range builtins {
		names = append(names, b.Name)
		assert.NotEmpty(t, b.Description, b.Name)
		assert.NotEmpty(t, b.Source, b.Name)
	}
	for _, want := range []string{"default", "urls", "numbers", "request_list", "param_injection", "chaining"} {
		assert.Contains(t, names, want)
	}

	src, err := script.LoadScript("builtin:urls")
	require.NoError(t, err)
	assert.Contains(t, string(src), "queue_tasks")

	_, err = script.LoadScript("builtin:nope")
	assert.ErrorIs(t, err, script.ErrUnknownScript)
	_, err = script.LoadBuiltin("../environment")
	assert.ErrorIs(t, err, script.ErrUnknownScript)
}

func TestLoadScriptFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mine.tengo")
	require.NoError(t, os.WriteFile(path, []byte("handle_response := func(r) {}\n"), 0o644))

	src, err := script.LoadScript(path)
	require.NoError(t, err)
	assert.Contains(t, string(src), "handle_response")

	_, err = script.LoadScript(filepath.Join(t.TempDir(), "missing.tengo"))
	assert.Error(t, err)
}

func TestBuiltinUrlsScriptQueuesWordlist(t *testing.T) {
	src, err := script.LoadBuiltin("urls")
	require.NoError(t, err)

	host := &fakeHost{}
	rt := newRuntime(string(src), []string{"http://a.test/", "http://b.test/"}, host)
	errCh := start(rt)
	require.Eventually(t, func() bool {
		_, _, complete := host.snapshot()
		return complete
	}, 5*time.Second, 10*time.Millisecond)
	rt.Stop()
	require.NoError(t, waitRun(t, errCh))

	q, _, _ := host.snapshot()
	require.Len(t, q, 2)
	assert.Equal(t, "http://a.test/", q[0].url)
	assert.Equal(t, "http://b.test/", q[1].url)
}

func TestEnvironmentEvaluates(t *testing.T) {
	rt := newRuntime("", nil, &fakeHost{})
	errCh := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() { errCh <- rt.Run(ctx) }()
	assert.NoError(t, waitRun(t, errCh))
}
