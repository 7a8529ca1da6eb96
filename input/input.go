// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package input provides interruptible line sources for interactive
// sessions.
package input

import (
	"bufio"
	"io"
	"sync"

	"github.com/creachadair/peep"
)

// A Source delivers lines read from an underlying reader, and can be
// cancelled while a caller is blocked waiting for one. It implements the
// [peep.LineSource] interface.
type Source struct {
	lines chan string
	intr  chan struct{}
	stop  sync.Once
	err   error // set before lines is closed
}

// New constructs a source that delivers successive lines of text from r,
// without their line endings. The source owns r until the source is
// cancelled or r is exhausted.
func New(r io.Reader) *Source {
	s := &Source{
		lines: make(chan string),
		intr:  make(chan struct{}),
	}
	go s.pump(r)
	return s
}

func (s *Source) pump(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		select {
		case s.lines <- sc.Text():
		case <-s.intr:
			return
		}
	}
	s.err = sc.Err()
	close(s.lines)
}

// NextLine implements the [peep.LineSource] interface. It blocks until a
// line is available, the reader is exhausted, or the source is cancelled.
// Exhaustion reports [io.EOF]; cancellation reports [peep.ErrInterrupted].
func (s *Source) NextLine() (string, error) {
	select {
	case <-s.intr:
		return "", peep.ErrInterrupted
	default:
	}
	select {
	case line, ok := <-s.lines:
		if !ok {
			if s.err != nil {
				return "", s.err
			}
			return "", io.EOF
		}
		return line, nil
	case <-s.intr:
		return "", peep.ErrInterrupted
	}
}

// Cancel interrupts the source. Calls to NextLine blocked at the time of
// cancellation, and all calls thereafter, report [peep.ErrInterrupted].
// Cancel does not release a read already pending on the underlying reader;
// if the reader supports it, closing the reader does.
func (s *Source) Cancel() { s.stop.Do(func() { close(s.intr) }) }

// Close cancels the source. It implements io.Closer so a source can stand
// in wherever cleanup is plumbed through one.
func (s *Source) Close() error { s.Cancel(); return nil }
