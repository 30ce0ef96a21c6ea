package extension

import (
	"errors"
	"io"
	"sync"
)

// Scratch is a session-scoped key/value cache owned by one extension. It is
// released when the session ends; io.Closer values are closed then.
type Scratch struct {
	mu       sync.Mutex
	values   map[string]any
	released bool
}

// NewScratch returns an empty scratch area for one session.
func NewScratch() *Scratch {
	return &Scratch{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *Scratch) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Put stores v under key. After Release, Put closes v if it is an io.Closer
// and drops it.
func (s *Scratch) Put(key string, v any) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		if c, ok := v.(io.Closer); ok {
			c.Close()
		}
		return
	}
	old, had := s.values[key]
	s.values[key] = v
	s.mu.Unlock()

	if had {
		if c, ok := old.(io.Closer); ok && any(c) != v {
			c.Close()
		}
	}
}

// Release empties the cache, closing io.Closer values. Safe to call twice.
func (s *Scratch) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	values := s.values
	s.values = nil
	s.mu.Unlock()

	var errs []error
	for _, v := range values {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Released reports whether Release has run.
func (s *Scratch) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
