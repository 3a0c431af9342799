/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: builtin.go
Description: Embedded script sources. Provides the environment preamble evaluated before every
user script and the bundled example scripts selectable as builtin:<name>.
*/

package script

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
)

// BuiltinPrefix selects a bundled script instead of a file path
const BuiltinPrefix = "builtin:"

// ErrUnknownScript is returned for a builtin name that is not bundled
var ErrUnknownScript = errors.New("script: unknown builtin script")

//go:embed environment.tengo
var environmentSource []byte

//go:embed scripts/*.tengo
var bundled embed.FS

// BuiltinScript is one bundled example script
type BuiltinScript struct {
	Name        string
	Description string
	Source      []byte
}

// Environment returns a copy of the environment preamble
func Environment() []byte {
	return append([]byte(nil), environmentSource...)
}

// BuiltinScripts lists the bundled scripts sorted by name
func BuiltinScripts() []BuiltinScript {
	entries, err := bundled.ReadDir("scripts")
	if err != nil {
		return nil
	}
	out := make([]BuiltinScript, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".tengo" {
			continue
		}
		src, err := bundled.ReadFile(path.Join("scripts", e.Name()))
		if err != nil {
			continue
		}
		out = append(out, BuiltinScript{
			Name:        strings.TrimSuffix(e.Name(), ".tengo"),
			Description: describe(src),
			Source:      src,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadBuiltin returns the source of a bundled script
func LoadBuiltin(name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, name)
	}
	src, err := bundled.ReadFile(path.Join("scripts", name+".tengo"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, name)
	}
	return src, nil
}

// LoadScript resolves builtin:<name> or reads a script file from disk
func LoadScript(ref string) ([]byte, error) {
	if strings.HasPrefix(ref, BuiltinPrefix) {
		return LoadBuiltin(strings.TrimPrefix(ref, BuiltinPrefix))
	}
	src, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", ref, err)
	}
	return src, nil
}

// describe returns the first comment line of a script
func describe(src []byte) string {
	for _, line := range strings.Split(string(src), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "//") {
			return strings.TrimSpace(strings.TrimPrefix(line, "//"))
		}
		return ""
	}
	return ""
}
