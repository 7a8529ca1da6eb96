// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package peep

import (
	"errors"
	"io"
	"net"
	"time"
)

// runLoop drives a session reactor. It blocks on the channel listener with
// the session deadline, dispatches each drained event to onEvent in arrival
// order, and reports a deadline miss to onDeadline. Each callback reports
// whether the loop should continue; handlers run to completion before the
// next wait, there is no preemption. The deadline is re-armed after every
// wake, so it measures time since the last observed event.
func runLoop(ch *Channel, deadline time.Duration, onEvent func(Event) (bool, error), onDeadline func() (bool, error)) error {
	for {
		woke, err := ch.Wait(deadline)
		if err != nil {
			return err
		}
		if !woke {
			metrics.deadlineMiss.Add(1)
			keep, err := onDeadline()
			if !keep || err != nil {
				return err
			}
			continue
		}
		for _, ev := range ch.Drain() {
			keep, err := onEvent(ev)
			if !keep || err != nil {
				return err
			}
		}
	}
}

// treatErrorAsSuccess reports whether err is one of the errors that signal
// an orderly shutdown of the underlying transport.
func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
