// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package input_test

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/peep"
	"github.com/creachadair/peep/input"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func TestLines(t *testing.T) {
	defer leaktest.Check(t)()

	src := input.New(strings.NewReader("first\nsecond\r\nthird"))
	for _, want := range []string{"first", "second", "third"} {
		got, err := src.NextLine()
		if err != nil {
			t.Fatalf("NextLine: unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("NextLine: got %q, want %q", got, want)
		}
	}
	if got, err := src.NextLine(); err != io.EOF {
		t.Errorf("NextLine at end: got (%q, %v), want io.EOF", got, err)
	}
	// Exhaustion is sticky.
	if _, err := src.NextLine(); err != io.EOF {
		t.Errorf("NextLine after end: got %v, want io.EOF", err)
	}
}

func TestCancel(t *testing.T) {
	defer leaktest.Check(t)()

	// A source blocked waiting for input must unblock on cancellation.
	pr, pw := io.Pipe()
	defer pw.Close()
	src := input.New(pr)

	g := taskgroup.Go(func() error {
		_, err := src.NextLine()
		return err
	})
	time.Sleep(5 * time.Millisecond)
	src.Cancel()
	if err := g.Wait(); !errors.Is(err, peep.ErrInterrupted) {
		t.Errorf("NextLine after cancel: got %v, want %v", err, peep.ErrInterrupted)
	}

	// Cancellation is sticky, even with input available.
	if _, err := src.NextLine(); !errors.Is(err, peep.ErrInterrupted) {
		t.Errorf("NextLine after cancel: got %v, want %v", err, peep.ErrInterrupted)
	}
}

func TestCancelBeforeRead(t *testing.T) {
	defer leaktest.Check(t)()

	src := input.New(strings.NewReader("never delivered\n"))
	if err := src.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := src.NextLine(); !errors.Is(err, peep.ErrInterrupted) {
		t.Errorf("NextLine after close: got %v, want %v", err, peep.ErrInterrupted)
	}
}

func TestReadError(t *testing.T) {
	defer leaktest.Check(t)()

	// A failure of the underlying reader surfaces from NextLine once the
	// delivered lines are consumed.
	fail := errors.New("synthetic read failure")
	src := input.New(io.MultiReader(strings.NewReader("one\n"), errReader{fail}))

	if got, err := src.NextLine(); got != "one" || err != nil {
		t.Fatalf("NextLine: got (%q, %v), want (%q, nil)", got, err, "one")
	}
	if _, err := src.NextLine(); !errors.Is(err, fail) {
		t.Errorf("NextLine: got %v, want %v", err, fail)
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
