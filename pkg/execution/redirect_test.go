/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: redirect_test.go
Description: Tests for redirect policy parsing and the same-host decision rule.
*/

package execution_test

import (
	"testing"

	"github.com/kleascm/akaylee-httpfuzz/pkg/execution"
	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldFollow(t *testing.T) {
	tests := []struct {
		name     string
		original string
		location string
		want     bool
	}{
		{"foreign host refused", "http://victim.example/", "http://evil.example/x", false},
		{"relative path followed", "http://victim.example/", "/path", true},
		{"relative sibling followed", "http://victim.example/a/b", "c", true},
		{"host compared case-insensitively", "http://victim.example/", "https://VICTIM.Example/login", true},
		{"different port same host followed", "http://victim.example/", "http://victim.example:8443/", true},
		{"protocol-relative foreign host refused", "http://victim.example/", "//evil.example/x", false},
		{"unparsable location refused", "http://victim.example/", "http://[::1", false},
		{"unparsable original refused", "http://[::1", "/path", false},
		{"original without host refused", "/relative/only", "/path", false},
		{"empty host location refused", "http://victim.example/", "http:///nohost", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, execution.ShouldFollow(tt.original, tt.location))
		})
	}
}

func TestResolveLocation(t *testing.T) {
	assert.Equal(t, "http://victim.example/path", execution.ResolveLocation("http://victim.example/", "/path"))
	assert.Equal(t, "", execution.ResolveLocation("http://victim.example/", "http://[::1"))
}

func TestParseRedirectPolicy(t *testing.T) {
	for in, want := range map[string]interfaces.RedirectPolicy{
		"never":       interfaces.NoRedirect,
		"no-redirect": interfaces.NoRedirect,
		"always":      interfaces.FollowAll,
		"follow-all":  interfaces.FollowAll,
		"same-host":   interfaces.SameHost,
		"SAME_HOST":   interfaces.SameHost,
	} {
		got, err := interfaces.ParseRedirectPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := interfaces.ParseRedirectPolicy("sometimes")
	assert.Error(t, err)
}
