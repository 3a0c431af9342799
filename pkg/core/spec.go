/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: spec.go
Description: Builds a SessionSpec from a decoded session file: parses the template or raw list,
loads the wordlists and resolves the script reference.
*/

package core

import (
	"fmt"
	"strings"

	"github.com/kleascm/akaylee-httpfuzz/pkg/config"
	"github.com/kleascm/akaylee-httpfuzz/pkg/script"
	"github.com/kleascm/akaylee-httpfuzz/pkg/template"
)

// SpecFromFile converts a session file into a SessionSpec
func SpecFromFile(sf *config.SessionFile) (SessionSpec, error) {
	spec := SessionSpec{
		Name:    sf.Name,
		Options: sf.Options,
	}

	switch sf.Mode {
	case config.ModeRawList:
		pairs, err := sf.RawPairs()
		if err != nil {
			return SessionSpec{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
		spec.RawList = pairs
	default:
		svc, err := sf.TargetService()
		if err != nil {
			return SessionSpec{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
		tmpl, err := template.New(sf.Template, svc)
		if err != nil {
			return SessionSpec{}, err
		}
		spec.Template = tmpl
	}

	lists, err := sf.LoadWordlists()
	if err != nil {
		return SessionSpec{}, err
	}
	spec.Wordlists = lists

	ref := sf.Script
	if !strings.HasPrefix(ref, script.BuiltinPrefix) {
		ref = sf.Resolve(ref)
	}
	src, err := script.LoadScript(ref)
	if err != nil {
		return SessionSpec{}, err
	}
	spec.Script = src
	return spec, nil
}
