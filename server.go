// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package peep

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// A Handler processes a request pulled from the client-to-server channel
// and returns the response to publish back. A handler that fails with an
// error wrapping [ErrNotFound] or [fs.ErrNotExist] produces a CodeNotFound
// service error; any other failure produces CodeIOError. A handler must
// return a non-nil response or an error.
type Handler func(context.Context, *Request) (*Response, error)

// ServerOptions are optional settings for a server session. A nil pointer
// is ready for use and provides defaults.
type ServerOptions struct {
	// Deadline is the longest the session will wait without observing any
	// event. On a miss the session exits if no client is attached, and
	// otherwise logs a warning and keeps waiting. If zero,
	// DefaultServerDeadline is used.
	Deadline time.Duration

	// Log, if set, receives session progress and warnings.
	Log *zerolog.Logger
}

func (o *ServerOptions) deadline() time.Duration {
	if o == nil || o.Deadline <= 0 {
		return DefaultServerDeadline
	}
	return o.Deadline
}

func (o *ServerOptions) logger() zerolog.Logger {
	if o == nil || o.Log == nil {
		return zerolog.Nop()
	}
	return *o.Log
}

// A ServerSession implements the server side of the session protocol: it
// answers each request published by the client and signals readiness for
// the next one.
//
// The session announces ServerConnected and ServerReady when constructed,
// and announces ServerDisconnected exactly once when it exits, no matter
// which path it exits by.
type ServerSession struct {
	ch  *Channel
	h   Handler
	log zerolog.Logger
	dl  time.Duration

	state     atomic.Int32 // a SessionState
	hasClient atomic.Bool  // set while a client is attached
	started   atomic.Bool
	closer    sync.Once
	cerr      error
}

// NewServer constructs a server session over ch that dispatches requests to
// h, and announces its presence on the event channel. The caller must run
// the session with [ServerSession.Run] and ensure [ServerSession.Close] is
// called when the session is no longer needed. NewServer panics if h is
// nil.
func NewServer(ch *Channel, h Handler, opts *ServerOptions) (*ServerSession, error) {
	if h == nil {
		panic("server handler is nil")
	}
	s := &ServerSession{
		ch:  ch,
		h:   h,
		log: opts.logger(),
		dl:  opts.deadline(),
	}
	if err := ch.Notify(ServerConnected); err != nil {
		return nil, err
	}
	if err := ch.Notify(ServerReady); err != nil {
		return nil, err
	}
	s.log.Info().Msg("server connected")
	return s, nil
}

// Run drives the session until it exits, dispatching each event observed on
// the listener and enforcing the liveness deadline.
//
// Run returns nil on a clean exit: the deadline elapsed with no client
// attached, or the ports were closed. A transport failure is returned as an
// error. The disconnect notification is delivered before Run returns. Run
// panics if the session was already started.
func (s *ServerSession) Run() error {
	if !s.started.CompareAndSwap(false, true) {
		panic("session is already started")
	}
	err := runLoop(s.ch, s.dl, s.handleEvent, s.handleDeadline)
	if treatErrorAsSuccess(err) {
		err = nil
	}
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	s.log.Debug().Msg("server exit")
	return err
}

// Close announces the session's disconnection and releases its ports. The
// disconnect notification is delivered at most once no matter how many
// times Close is called; Run calls Close on every terminal path.
func (s *ServerSession) Close() error {
	s.closer.Do(func() {
		s.setState(StateExited)
		if err := s.ch.Notify(ServerDisconnected); err != nil && !treatErrorAsSuccess(err) {
			s.cerr = err
		}
		s.log.Info().Msg("server disconnected")
		if err := s.ch.Close(); err != nil && s.cerr == nil && !treatErrorAsSuccess(err) {
			s.cerr = err
		}
	})
	return s.cerr
}

// State reports the session's current lifecycle state.
func (s *ServerSession) State() SessionState { return SessionState(s.state.Load()) }

// ClientAttached reports whether the session has observed a client attach
// without a disconnection since.
func (s *ServerSession) ClientAttached() bool { return s.hasClient.Load() }

func (s *ServerSession) setState(st SessionState) { s.state.Store(int32(st)) }

func (s *ServerSession) handleEvent(ev Event) (bool, error) {
	switch ev {
	case ClientConnected:
		s.log.Info().Msg("new client connected")
		if err := s.ch.Update(); err != nil {
			return false, err
		}
		s.hasClient.Store(true)
		s.setState(StateAttached)
		if err := s.ch.Notify(ServerReady); err != nil {
			return false, err
		}

	case ClientDisconnected:
		s.log.Info().Msg("client disconnected")
		s.hasClient.Store(false)
		s.setState(StateIdle)

	case RequestSent:
		if err := s.serveOne(); err != nil {
			return false, err
		}

	case ResponseReceived:
		// The client consumed the response; invite the next request.
		if err := s.ch.Notify(ServerReady); err != nil {
			return false, err
		}

	case ProcessDied:
		s.log.Warn().Msg("a peer process died without cleanup")

	default:
		s.log.Debug().Stringer("event", ev).Msg("ignoring event")
	}
	return true, nil
}

// handleDeadline enforces the server liveness policy: a miss with a client
// attached is only a warning, a miss with no client ends the session.
func (s *ServerSession) handleDeadline() (bool, error) {
	if s.hasClient.Load() {
		s.log.Warn().Dur("deadline", s.dl).Msg("no message received within the deadline, still waiting")
		return true, nil
	}
	s.log.Info().Dur("deadline", s.dl).Msg("no client connected within the deadline, exiting")
	s.setState(StateExited)
	return false, nil
}

// serveOne pulls the pending request, dispatches it, and publishes the
// response. An empty pull is a no-op. A payload that does not decode is
// dropped with a warning, and a handler failure is answered with a service
// error response; neither ends the session.
func (s *ServerSession) serveOne() error {
	data, ok, err := s.ch.Pull(RequestReceived)
	if err != nil {
		return err
	} else if !ok {
		return nil
	}
	var req Request
	if err := req.UnmarshalBinary(data); err != nil {
		s.log.Warn().Err(err).Msg("discarding malformed request")
		return nil
	}
	s.log.Info().Stringer("kind", req.Kind).Str("path", req.Path).Msg("request received")
	metrics.requestsIn.Add(1)

	rsp, herr := s.dispatch(&req)
	if herr != nil {
		metrics.requestErrs.Add(1)
		s.log.Warn().Err(herr).Str("path", req.Path).Msg("request failed")
		rsp = errorResponse(herr)
	}
	if err := s.ch.Publish(rsp.Encode(), ResponseSent); err != nil {
		return err
	}
	s.log.Debug().Msg("response sent")
	return nil
}

// dispatch invokes the handler for req, converting a panic into an error.
func (s *ServerSession) dispatch(req *Request) (rsp *Response, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			rsp, err = nil, fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	rsp, err = s.h(context.Background(), req)
	if err == nil && rsp == nil {
		err = errors.New("handler returned no response")
	}
	return
}

// errorResponse maps a handler failure to a service error response.
func errorResponse(err error) *Response {
	code := CodeIOError
	if errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		code = CodeNotFound
	}
	return &Response{Kind: ServiceError, Code: code, Message: err.Error()}
}
