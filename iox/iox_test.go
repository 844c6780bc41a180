package iox

import (
	"errors"
	"slices"
	"testing"
)

type spyCloser struct{ closed bool }

func (s *spyCloser) Close() error { s.closed = true; return errors.New("ignored") }

func TestDiscardClose(t *testing.T) {
	s := &spyCloser{}
	DiscardClose(s)
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestCloseFunc(t *testing.T) {
	s := &spyCloser{}
	fn := CloseFunc(s)
	if s.closed {
		t.Fatal("Close called before invoking returned func")
	}
	fn()
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestStack_ReverseOrderAndJoin(t *testing.T) {
	var order []int
	errA := errors.New("a failed")
	errC := errors.New("c failed")

	var s Stack
	s.Push(func() error { order = append(order, 1); return errA })
	s.Push(func() error { order = append(order, 2); return nil })
	s.Push(func() error { order = append(order, 3); return errC })

	err := s.Close()
	if !slices.Equal(order, []int{3, 2, 1}) {
		t.Errorf("order = %v, want [3 2 1]", order)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errC) {
		t.Errorf("err = %v, want both failures joined", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if len(order) != 3 {
		t.Errorf("functions ran again: %v", order)
	}
}

func TestStack_ZeroValue(t *testing.T) {
	var s Stack
	if err := s.Close(); err != nil {
		t.Errorf("empty Close = %v", err)
	}
}
