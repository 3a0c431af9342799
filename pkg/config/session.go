/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: session.go
Description: YAML session definition files. A session file names the fuzzing mode, the request
template or raw request list, up to three wordlists, the script to run and per-session option
overrides. Relative paths resolve against the file's directory.
*/

package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
	"github.com/kleascm/akaylee-httpfuzz/pkg/template"
	"gopkg.in/yaml.v3"
)

// Session modes
const (
	ModeTemplate = "template"
	ModeRawList  = "raw_list"
)

// MaxWordlists is the number of wordlist slots a session exposes to scripts
const MaxWordlists = 3

// DefaultScript is used when a session file names no script
const DefaultScript = "builtin:default"

// WordlistSource is a wordlist file or an inline list
type WordlistSource struct {
	Path   string   `yaml:"path,omitempty"`
	Inline []string `yaml:"inline,omitempty"`
}

// UnmarshalYAML accepts a bare path string, an inline sequence or a mapping
func (w *WordlistSource) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		w.Path = node.Value
		return nil
	case yaml.SequenceNode:
		return node.Decode(&w.Inline)
	default:
		type plain WordlistSource
		return node.Decode((*plain)(w))
	}
}

// RawEntry is one raw request/response pair. URL binds the target service
// when the request has no usable Host header.
type RawEntry struct {
	URL      string `yaml:"url,omitempty"`
	Request  string `yaml:"request"`
	Response string `yaml:"response,omitempty"`
}

// SessionFile is the decoded form of a session definition
type SessionFile struct {
	Name      string           `yaml:"name"`
	Mode      string           `yaml:"mode"`
	Target    string           `yaml:"target,omitempty"`
	Template  string           `yaml:"template,omitempty"`
	Wordlists []WordlistSource `yaml:"wordlists,omitempty"`
	RawList   []RawEntry       `yaml:"raw_list,omitempty"`
	Script    string           `yaml:"script,omitempty"`
	Options   Options          `yaml:"options"`
	AutoStart bool             `yaml:"auto_start"`

	baseDir string
}

// LoadSessionFile reads and validates a session file. Options omitted by the
// file keep the values from base.
func LoadSessionFile(path string, base Options) (*SessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	sf, err := ParseSessionFile(data, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sf.baseDir = filepath.Dir(path)
	return sf, nil
}

// ParseSessionFile decodes and validates a session definition
func ParseSessionFile(data []byte, base Options) (*SessionFile, error) {
	sf := &SessionFile{Options: base}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(sf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if sf.Mode == "" {
		sf.Mode = ModeTemplate
		if sf.Template == "" && len(sf.RawList) > 0 {
			sf.Mode = ModeRawList
		}
	}
	if sf.Script == "" {
		sf.Script = DefaultScript
	}
	if err := sf.Validate(); err != nil {
		return nil, err
	}
	return sf, nil
}

// Validate checks the session shape and its options
func (sf *SessionFile) Validate() error {
	switch sf.Mode {
	case ModeTemplate:
		if strings.TrimSpace(sf.Template) == "" {
			return fmt.Errorf("%w: template mode requires a template", ErrInvalidOptions)
		}
	case ModeRawList:
		if len(sf.RawList) == 0 {
			return fmt.Errorf("%w: raw_list mode requires at least one request", ErrInvalidOptions)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidOptions, sf.Mode)
	}
	if len(sf.Wordlists) > MaxWordlists {
		return fmt.Errorf("%w: at most %d wordlists, got %d", ErrInvalidOptions, MaxWordlists, len(sf.Wordlists))
	}
	return sf.Options.Validate()
}

// Resolve returns path relative to the session file directory
func (sf *SessionFile) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || sf.baseDir == "" {
		return path
	}
	return filepath.Join(sf.baseDir, path)
}

// TargetService returns the service bound by Target, or a zero service
func (sf *SessionFile) TargetService() (interfaces.Service, error) {
	if sf.Target == "" {
		return interfaces.Service{}, nil
	}
	return template.ServiceFromURL(sf.Target)
}

// LoadWordlists reads every wordlist. Empty lines are skipped.
func (sf *SessionFile) LoadWordlists() ([MaxWordlists][]string, error) {
	var out [MaxWordlists][]string
	for i, src := range sf.Wordlists {
		if src.Path == "" {
			out[i] = append([]string(nil), src.Inline...)
			continue
		}
		words, err := ReadWordlist(sf.Resolve(src.Path))
		if err != nil {
			return out, err
		}
		out[i] = words
	}
	return out, nil
}

// ReadWordlist reads one payload per line
func ReadWordlist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wordlist: %w", err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		words = append(words, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read wordlist %s: %w", path, err)
	}
	return words, nil
}

// RawPairs parses the raw request list
func (sf *SessionFile) RawPairs() ([]interfaces.RawPair, error) {
	fallback, err := sf.TargetService()
	if err != nil {
		return nil, err
	}
	pairs := make([]interfaces.RawPair, 0, len(sf.RawList))
	for i, entry := range sf.RawList {
		req, err := template.RenderRaw(entry.Request, nil)
		if err != nil {
			return nil, fmt.Errorf("raw_list[%d]: %w", i, err)
		}
		svc := fallback
		switch {
		case entry.URL != "":
			svc, err = template.ServiceFromURL(entry.URL)
		case req.Header.Get("Host") != "":
			svc, err = template.ServiceForRequest(req)
		}
		if err != nil {
			return nil, fmt.Errorf("raw_list[%d]: %w", i, err)
		}
		if svc.Host == "" {
			return nil, fmt.Errorf("raw_list[%d]: %w", i, template.ErrNoService)
		}
		pairs = append(pairs, interfaces.RawPair{
			Service:  svc,
			Request:  req,
			Response: []byte(entry.Response),
		})
	}
	return pairs, nil
}
