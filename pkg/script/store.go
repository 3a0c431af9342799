/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: store.go
Description: Session key/value store shared by every handler invocation of one fuzzer session.
Scripts reach it through the session.get/set/increment/contains/clear helpers.
*/

package script

import "sync"

// Store is a thread-safe key/value map scoped to one session
type Store struct {
	mu   sync.RWMutex
	data map[string]interface{}
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{data: make(map[string]interface{})}
}

// Get returns the stored value and whether it exists
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key
func (s *Store) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Increment adds delta to an integer value and returns the new total.
// Missing or non-integer values count as zero.
func (s *Store) Increment(key string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	switch v := s.data[key].(type) {
	case int64:
		current = v
	case int:
		current = int64(v)
	case float64:
		current = int64(v)
	}
	current += delta
	s.data[key] = current
	return current
}

// Contains reports whether key is set
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// Clear removes every key
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]interface{})
}

// Len returns the number of keys
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
