// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package peep

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// A SessionState identifies the lifecycle phase of a session. The client
// moves through Idle, AwaitingServer, PromptingUser, RequestInFlight, and
// Exited; the server through Idle, Attached, and Exited.
type SessionState int32

const (
	StateIdle            SessionState = iota // constructed, reactor not running
	StateAwaitingServer                      // waiting for the server to signal readiness
	StatePromptingUser                       // suspended acquiring the next request
	StateRequestInFlight                     // request published, awaiting the response
	StateAttached                            // server: a client is connected
	StateExited                              // terminal
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingServer:
		return "awaiting-server"
	case StatePromptingUser:
		return "prompting-user"
	case StateRequestInFlight:
		return "request-in-flight"
	case StateAttached:
		return "attached"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state %d", int32(s))
	}
}

// A LineSource supplies lines of user input to a client session. NextLine
// blocks until a line is available, the source is exhausted (io.EOF), or the
// wait is interrupted (an error wrapping [ErrInterrupted]).
type LineSource interface {
	NextLine() (string, error)
}

// ClientOptions are optional settings for a client session. A nil pointer
// is ready for use and provides defaults.
type ClientOptions struct {
	// Deadline is the longest the session will wait without observing any
	// event before concluding the server is gone. A deadline miss is always
	// terminal for a client. If zero, DefaultClientDeadline is used.
	Deadline time.Duration

	// OnResponse, if set, is invoked for each decoded response before the
	// reactor resumes. The view's Data aliases transport-owned memory and is
	// only valid during the call; use Copy to retain it.
	OnResponse func(ResponseView)

	// Log, if set, receives session progress and warnings.
	Log *zerolog.Logger
}

func (o *ClientOptions) deadline() time.Duration {
	if o == nil || o.Deadline <= 0 {
		return DefaultClientDeadline
	}
	return o.Deadline
}

func (o *ClientOptions) onResponse() func(ResponseView) {
	if o == nil {
		return nil
	}
	return o.OnResponse
}

func (o *ClientOptions) logger() zerolog.Logger {
	if o == nil || o.Log == nil {
		return zerolog.Nop()
	}
	return *o.Log
}

// A ClientSession implements the client side of the session protocol: it
// waits for the server to signal readiness, acquires the next request from
// its input source, publishes the request, and surfaces the response.
//
// The session announces ClientConnected when constructed, and announces
// ClientDisconnected exactly once when it exits, no matter which path it
// exits by.
type ClientSession struct {
	ch    *Channel
	src   LineSource
	log   zerolog.Logger
	dl    time.Duration
	onRsp func(ResponseView)

	state    atomic.Int32 // a SessionState
	serverUp atomic.Bool  // set while the server is reachable
	started  atomic.Bool
	closer   sync.Once
	cerr     error
}

// NewClient constructs a client session over ch, reading requests from src,
// and announces its connection on the event channel. The caller must run
// the session with [ClientSession.Run] and ensure [ClientSession.Close] is
// called when the session is no longer needed.
func NewClient(ch *Channel, src LineSource, opts *ClientOptions) (*ClientSession, error) {
	if src == nil {
		panic("client input source is nil")
	}
	c := &ClientSession{
		ch:    ch,
		src:   src,
		log:   opts.logger(),
		dl:    opts.deadline(),
		onRsp: opts.onResponse(),
	}
	if err := ch.Notify(ClientConnected); err != nil {
		return nil, err
	}
	c.log.Info().Msg("client connected")
	return c, nil
}

// Run drives the session until it exits, dispatching each event observed on
// the listener and enforcing the session deadline. When the server signals
// readiness, Run suspends inside the event handler until the input source
// yields the next request; the deadline is not charged while suspended.
//
// Run returns nil on a clean exit: input exhausted or interrupted, deadline
// elapsed, or ports closed. A transport failure is returned as an error.
// The disconnect notification is delivered before Run returns. Run panics
// if the session was already started.
func (c *ClientSession) Run() error {
	if !c.started.CompareAndSwap(false, true) {
		panic("session is already started")
	}
	c.setState(StateAwaitingServer)
	err := runLoop(c.ch, c.dl, c.handleEvent, c.handleDeadline)
	if treatErrorAsSuccess(err) {
		err = nil
	}
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	c.log.Debug().Msg("client exit")
	return err
}

// Close announces the session's disconnection and releases its ports. The
// disconnect notification is delivered at most once no matter how many
// times Close is called; Run calls Close on every terminal path, so a
// deferred Close in the caller is a no-op unless Run never ran.
func (c *ClientSession) Close() error {
	c.closer.Do(func() {
		c.setState(StateExited)
		if err := c.ch.Notify(ClientDisconnected); err != nil && !treatErrorAsSuccess(err) {
			c.cerr = err
		}
		c.log.Info().Msg("client disconnected")
		if err := c.ch.Close(); err != nil && c.cerr == nil && !treatErrorAsSuccess(err) {
			c.cerr = err
		}
	})
	return c.cerr
}

// State reports the session's current lifecycle state.
func (c *ClientSession) State() SessionState { return SessionState(c.state.Load()) }

// ServerReachable reports whether the session has observed the server
// attach without a disconnection since.
func (c *ClientSession) ServerReachable() bool { return c.serverUp.Load() }

func (c *ClientSession) setState(s SessionState) { c.state.Store(int32(s)) }

func (c *ClientSession) handleEvent(ev Event) (bool, error) {
	switch ev {
	case ServerConnected:
		c.log.Info().Msg("server connected")
		if err := c.ch.Update(); err != nil {
			return false, err
		}
		c.serverUp.Store(true)

	case ServerDisconnected:
		c.log.Info().Msg("server disconnected")
		c.serverUp.Store(false)

	case RequestReceived:
		c.log.Debug().Msg("server received the request")

	case ResponseSent:
		data, ok, err := c.ch.Pull(ResponseReceived)
		if err != nil {
			return false, err
		} else if !ok {
			break
		}
		var rsp ResponseView
		if err := rsp.UnmarshalBinary(data); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed response")
			break
		}
		c.surface(rsp)
		c.setState(StateAwaitingServer)

	case ServerReady:
		c.serverUp.Store(true)
		if c.State() != StateAwaitingServer {
			break // duplicate readiness, an exchange is already in progress
		}
		return c.sendNext()

	case ProcessDied:
		c.log.Warn().Msg("a peer process died without cleanup")

	default:
		// Our own notifications come back on the shared event channel, and
		// unknown identifiers decode to Unknown; neither affects the session.
		c.log.Debug().Stringer("event", ev).Msg("ignoring event")
	}
	return true, nil
}

// handleDeadline enforces the client liveness policy: a deadline miss is
// always terminal.
func (c *ClientSession) handleDeadline() (bool, error) {
	c.log.Warn().Dur("deadline", c.dl).Msg("server did not respond within the deadline, exiting")
	c.setState(StateExited)
	return false, nil
}

// sendNext acquires the next request from the input source and publishes
// it. The call suspends the reactor until the source yields a line, reaches
// end of input, or is interrupted. The server does not signal readiness
// again until the exchange it just invited completes, so no protocol event
// needs the reactor while it is suspended here.
func (c *ClientSession) sendNext() (bool, error) {
	c.setState(StatePromptingUser)
	c.log.Info().Msg("enter the path of the file to request")
	line, err := c.src.NextLine()
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			c.log.Info().Msg("input exhausted, exiting")
		case errors.Is(err, ErrInterrupted):
			c.log.Info().Msg("interrupted, exiting")
		default:
			return false, fmt.Errorf("read input: %w", err)
		}
		c.setState(StateExited)
		return false, nil
	}
	req := parseRequest(line)
	if err := c.ch.Publish(req.Encode(), RequestSent); err != nil {
		return false, err
	}
	c.setState(StateRequestInFlight)
	c.log.Info().Stringer("kind", req.Kind).Str("path", req.Path).Msg("request sent")
	return true, nil
}

// surface reports a decoded response to the log and the response callback.
func (c *ClientSession) surface(rsp ResponseView) {
	switch rsp.Kind {
	case FileSize:
		c.log.Info().Uint64("size", rsp.Size).Msg("file size received")
	case FileContent:
		head := rsp.Data
		if len(head) > 8 {
			head = head[:8]
		}
		c.log.Info().Int("len", len(rsp.Data)).Hex("head", head).Msg("file content received")
	case ServiceError:
		c.log.Warn().Uint16("code", rsp.Code).Str("message", rsp.Message).Msg("request failed")
	}
	if c.onRsp != nil {
		c.onRsp(rsp)
	}
}

// parseRequest maps a line of user input to a request. A line of the form
// "size <path>" asks for the file's size; any other line is taken verbatim
// as the path of a file whose content is requested.
func parseRequest(line string) Request {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, "size "); ok {
		return Request{Kind: GetFileSize, Path: strings.TrimSpace(rest)}
	}
	return Request{Kind: GetFileContent, Path: line}
}
