// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package transport provides implementations of the peep.Transport
// interface.
//
// A [Hub] is an in-process rendezvous: both session peers join the same hub
// and exchange payloads and events through it directly. [Open] and [OpenWS]
// extend a hub across processes: whichever peer arrives first becomes the
// rendezvous creator, the other attaches to it, and a framed link bridges
// the two hubs so that each peer observes the other as if it were local.
package transport

import (
	"github.com/creachadair/peep"
	"github.com/rs/zerolog"
)

// Config carries capacity settings for a transport. The zero value is ready
// for use and applies the limits both peers must share.
type Config struct {
	// HistoryDepth is the number of payloads a channel retains for replay to
	// a subscriber that attaches after they were published.
	// If zero, peep.HistoryDepth is used.
	HistoryDepth int

	// QueueDepth is the number of payloads buffered for an attached
	// subscriber. When the queue is full the oldest payload is dropped.
	// If zero, peep.QueueDepth is used.
	QueueDepth int

	// EventDepth is the number of event identifiers buffered per listener.
	// If zero, a default is used.
	EventDepth int

	// PayloadHint is the transfer size a remote link buffers for without
	// reallocation. If zero, peep.PayloadSizeHint is used.
	PayloadHint int

	// Log, if set, receives transport diagnostics.
	Log *zerolog.Logger
}

const defaultEventDepth = 128

func (c Config) historyDepth() int {
	if c.HistoryDepth <= 0 {
		return peep.HistoryDepth
	}
	return c.HistoryDepth
}

func (c Config) queueDepth() int {
	if c.QueueDepth <= 0 {
		return peep.QueueDepth
	}
	return c.QueueDepth
}

func (c Config) eventDepth() int {
	if c.EventDepth <= 0 {
		return defaultEventDepth
	}
	return c.EventDepth
}

func (c Config) payloadHint() int {
	if c.PayloadHint <= 0 {
		return peep.PayloadSizeHint
	}
	return c.PayloadHint
}

func (c Config) logger() zerolog.Logger {
	if c.Log == nil {
		return zerolog.Nop()
	}
	return *c.Log
}
