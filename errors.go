// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package peep

import "errors"

// Sentinel errors reported by channel and session operations. Errors are
// wrapped with context at the point of failure; test with errors.Is.
var (
	// ErrUnavailable is reported when a transport cannot be opened or
	// created, including when a stale-resource cleanup did not resolve it.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrFull is reported by a publish when the channel has no buffer space
	// for another payload.
	ErrFull = errors.New("no buffer space")

	// ErrTransport is reported when an open transport fails. Transport
	// failures are protocol fatal.
	ErrTransport = errors.New("transport failed")

	// ErrMalformed is reported when a payload is not a valid encoding:
	// truncated, a bad tag, a corrupt length, or trailing data. Sessions
	// drop malformed payloads and keep running.
	ErrMalformed = errors.New("malformed payload")

	// ErrNotFound is reported by a request handler when the named resource
	// does not exist. The server maps it to a CodeNotFound service error.
	ErrNotFound = errors.New("not found")

	// ErrInterrupted is reported by an input source whose wait was cancelled
	// by an interrupt. The client session treats it as a clean exit.
	ErrInterrupted = errors.New("interrupted")
)
