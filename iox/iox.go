// Package iox provides I/O helpers for resource cleanup.
package iox

import (
	"errors"
	"io"
	"sync"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(conn)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(store))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// Stack collects close functions and runs them in reverse order of Push,
// so components built later are released first. The zero value is ready
// to use.
type Stack struct {
	mu  sync.Mutex
	fns []func() error
}

// Push registers fn.
func (s *Stack) Push(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

// Close runs every registered function once, latest first, and joins
// their errors. Later calls are no-ops.
func (s *Stack) Close() error {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()

	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
