/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: wildcard.go
Description: Learn-mode wildcard filter. Learning requests feed per-group variation analyzers that
track which fingerprint attributes stay invariant; ordinary responses matching any learned group
on all invariant attributes are treated as wildcard (uninteresting) responses.
*/

package analysis

import (
	"sort"
	"sync"

	"github.com/kleascm/akaylee-httpfuzz/pkg/interfaces"
)

// VariationsAnalyzer learns which attributes stay constant across responses.
// The first response fixes the baseline; any later response that differs on an
// attribute moves it to the variant set permanently.
type VariationsAnalyzer struct {
	mu        sync.RWMutex
	base      Fingerprint
	invariant map[Attribute]bool
	samples   int
}

// NewVariationsAnalyzer creates an empty analyzer
func NewVariationsAnalyzer() *VariationsAnalyzer {
	return &VariationsAnalyzer{}
}

// Update folds another response fingerprint into the analyzer
func (v *VariationsAnalyzer) Update(fp Fingerprint) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.samples++
	if v.base == nil {
		v.base = make(Fingerprint, len(AllAttributes))
		v.invariant = make(map[Attribute]bool, len(AllAttributes))
		for _, attr := range AllAttributes {
			v.base[attr] = fp[attr]
			v.invariant[attr] = true
		}
		return
	}
	for attr := range v.invariant {
		if v.base[attr] != fp[attr] {
			delete(v.invariant, attr)
		}
	}
}

// Similar reports whether fp equals the baseline on every invariant attribute.
// An analyzer with no samples, or with nothing invariant left, matches nothing.
func (v *VariationsAnalyzer) Similar(fp Fingerprint) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.base == nil || len(v.invariant) == 0 {
		return false
	}
	for attr := range v.invariant {
		if v.base[attr] != fp[attr] {
			return false
		}
	}
	return true
}

// Invariant returns the currently invariant attributes in declaration order
func (v *VariationsAnalyzer) Invariant() []Attribute {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Attribute, 0, len(v.invariant))
	for attr := range v.invariant {
		out = append(out, attr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Samples returns how many responses were learned
func (v *VariationsAnalyzer) Samples() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.samples
}

// WildcardFilter holds one VariationsAnalyzer per learn group
type WildcardFilter struct {
	mu     sync.RWMutex
	groups map[int]*VariationsAnalyzer
}

// NewWildcardFilter creates an empty filter
func NewWildcardFilter() *WildcardFilter {
	return &WildcardFilter{groups: make(map[int]*VariationsAnalyzer)}
}

// Learn adds a learning response to the given group
func (w *WildcardFilter) Learn(group int, result *interfaces.Result) {
	fp := ComputeFingerprint(result)

	w.mu.Lock()
	analyzer, ok := w.groups[group]
	if !ok {
		analyzer = NewVariationsAnalyzer()
		w.groups[group] = analyzer
	}
	w.mu.Unlock()

	analyzer.Update(fp)
}

// Active reports whether any group has been learned
func (w *WildcardFilter) Active() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.groups) > 0
}

// Groups returns the learned group IDs in ascending order
func (w *WildcardFilter) Groups() []int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ids := make([]int, 0, len(w.groups))
	for id := range w.groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Analyzer returns the analyzer for a group, or nil
func (w *WildcardFilter) Analyzer(group int) *VariationsAnalyzer {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.groups[group]
}

// Matches reports whether result looks like any learned wildcard response
func (w *WildcardFilter) Matches(result *interfaces.Result) bool {
	w.mu.RLock()
	analyzers := make([]*VariationsAnalyzer, 0, len(w.groups))
	for _, a := range w.groups {
		analyzers = append(analyzers, a)
	}
	w.mu.RUnlock()

	if len(analyzers) == 0 {
		return false
	}
	fp := ComputeFingerprint(result)
	for _, a := range analyzers {
		if a.Similar(fp) {
			return true
		}
	}
	return false
}

// Clear forgets every learned group
func (w *WildcardFilter) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.groups = make(map[int]*VariationsAnalyzer)
}
