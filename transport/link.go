// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/creachadair/peep"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// outboxDepth bounds the frames buffered between the hub pumps and the
// connection writer.
const outboxDepth = 32

// linkWaitInterval bounds how long the forwarder sleeps between polls of
// its listener. Traffic and shutdown both wake the listener directly, so
// the interval is a backstop rather than a latency floor.
const linkWaitInterval = time.Minute

// A link bridges a hub to the peer on the far side of a frame connection.
// It joins the hub as a proxy for the remote: payloads the remote must
// consume are pulled from the hub and written to the connection, and
// inbound frames are published and notified into the hub on the remote's
// behalf. Both payload directions share the connection, distinguished by
// the tag on each DATA frame.
type link struct {
	log    zerolog.Logger
	conn   frameConn
	bus    *peerBus
	local  peep.Role
	remote peep.Role

	pub peep.Publisher  // the direction the remote produces
	sub peep.Subscriber // the direction the remote consumes
	not peep.Notifier
	lst peep.Listener

	sendTag byte // tag on payloads forwarded to the remote
	recvTag byte // tag expected on payloads from the remote

	out   chan *frame // closed by the forwarder after its final flush
	stop  chan struct{}
	tasks *taskgroup.Group

	errc chan error // capacity 1, first pump failure
}

// newLink joins h as a proxy for the peer on the far side of conn and
// starts the pumps that move frames between them. The local role fixes
// which direction of traffic is forwarded outward.
func newLink(h *Hub, conn frameConn, local peep.Role, cfg Config) (*link, error) {
	l := &link{
		log:   cfg.logger(),
		conn:  conn,
		local: local,
		out:   make(chan *frame, outboxDepth),
		stop:  make(chan struct{}),
		errc:  make(chan error, 1),
	}
	switch local {
	case peep.RoleClient:
		l.remote = peep.RoleServer
		l.sendTag, l.recvTag = tagClientToServer, tagServerToClient
	case peep.RoleServer:
		l.remote = peep.RoleClient
		l.sendTag, l.recvTag = tagServerToClient, tagClientToServer
	default:
		return nil, fmt.Errorf("invalid role %v", local)
	}

	l.bus = h.join(true)
	if err := l.openPorts(); err != nil {
		l.bus.Close()
		return nil, fmt.Errorf("open link ports: %w", err)
	}

	// Announce our role before any traffic moves.
	l.out <- helloFrame(local)

	g := taskgroup.New(nil)
	g.Go(l.writer)
	g.Go(l.reader)
	g.Go(l.forward)
	l.tasks = g
	return l, nil
}

func (l *link) openPorts() (err error) {
	subName, pubName := peep.ClientToServerName, peep.ServerToClientName
	if l.local == peep.RoleServer {
		subName, pubName = pubName, subName
	}
	if l.sub, err = l.bus.Subscriber(subName); err != nil {
		return err
	}
	if l.pub, err = l.bus.Publisher(pubName); err != nil {
		return err
	}
	if l.not, err = l.bus.Notifier(peep.EventChannelName); err != nil {
		return err
	}
	l.lst, err = l.bus.Listener(peep.EventChannelName)
	return err
}

// Close shuts the link down, flushing any frames already queued for the
// remote, and blocks until the pumps have exited.
func (l *link) Close() error {
	l.shutdown(nil)
	l.tasks.Wait()
	l.bus.Close()
	select {
	case err := <-l.errc:
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return fmt.Errorf("link: %v: %w", err, peep.ErrTransport)
	default:
		return nil
	}
}

// shutdown begins teardown. Closing the listener wakes the forwarder so it
// can flush residual traffic and close the outbox, which in turn lets the
// writer send BYE and close the connection.
func (l *link) shutdown(err error) {
	if err != nil {
		select {
		case l.errc <- err:
		default:
		}
	}
	select {
	case <-l.stop:
		return
	default:
	}
	close(l.stop)
	l.lst.Close()
}

func (l *link) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// fail records an unexpected link failure, tells the local session its peer
// process died, and begins teardown. Failures after shutdown are expected
// fallout from closing the connection and are discarded.
func (l *link) fail(err error) {
	if l.stopped() {
		return
	}
	l.log.Warn().Err(err).Msg("link to peer failed")
	l.not.Notify(peep.ProcessDied.ID())
	l.shutdown(err)
}

// writer moves frames from the outbox to the connection. It is the only
// writer of the connection, and closes it once the outbox is exhausted so
// the reader unblocks.
func (l *link) writer() error {
	var failed bool
	for f := range l.out {
		if failed {
			continue // drain so the forwarder never blocks
		}
		if err := l.conn.WriteFrame(f); err != nil {
			failed = true
			l.fail(fmt.Errorf("write %v frame: %w", f.Kind, err))
		}
	}
	if !failed {
		l.conn.WriteFrame(&frame{Kind: frameBye}) // best effort
	}
	l.conn.Close()
	return nil
}

// reader dispatches inbound frames into the hub. The first frame must be a
// HELLO announcing the opposite role; traffic before that is dropped.
func (l *link) reader() error {
	var bound bool
	for {
		f, err := l.conn.ReadFrame()
		if err != nil {
			if !l.stopped() {
				l.fail(fmt.Errorf("read frame: %w", err))
			}
			return nil
		}
		switch f.Kind {
		case frameHello:
			role, err := f.helloRole()
			if err != nil {
				l.log.Warn().Err(err).Msg("discarding malformed HELLO")
				continue
			}
			if bound {
				l.log.Warn().Msg("discarding duplicate HELLO")
				continue
			}
			if role != l.remote {
				l.fail(fmt.Errorf("peer announced role %v, want %v", role, l.remote))
				return nil
			}
			bound = true
			l.log.Debug().Stringer("role", role).Msg("peer attached")

		case frameData:
			tag, data, err := f.splitData()
			if err != nil {
				l.log.Warn().Err(err).Msg("discarding malformed DATA frame")
				continue
			}
			if !bound || tag != l.recvTag {
				l.log.Warn().Uint8("tag", tag).Msg("discarding unexpected DATA frame")
				continue
			}
			if err := l.pub.Publish(data); err != nil {
				if !l.stopped() {
					l.fail(fmt.Errorf("publish inbound payload: %w", err))
				}
				return nil
			}

		case frameEvent:
			id, err := f.eventID()
			if err != nil {
				l.log.Warn().Err(err).Msg("discarding malformed EVENT frame")
				continue
			}
			if !bound {
				l.log.Warn().Msg("discarding EVENT frame before HELLO")
				continue
			}
			if err := l.not.Notify(id); err != nil {
				if !l.stopped() {
					l.fail(fmt.Errorf("notify inbound event: %w", err))
				}
				return nil
			}

		case frameBye:
			l.log.Debug().Msg("peer departed")
			l.shutdown(nil)
			return nil

		default:
			l.log.Warn().Stringer("kind", f.Kind).Msg("ignoring unknown frame")
		}
	}
}

// forward pumps local traffic out to the remote. Payloads drain before
// event identifiers on every wake, so a notification never reaches the
// remote ahead of the transfer it announces.
func (l *link) forward() error {
	defer close(l.out)
	for {
		woke, err := l.lst.Wait(linkWaitInterval)
		if err != nil || l.stopped() {
			l.flush()
			return nil
		}
		if !woke {
			continue
		}
		l.flush()
	}
}

// flush forwards all currently queued payloads, then all currently queued
// event identifiers.
func (l *link) flush() {
	for {
		data, ok, err := l.sub.Pull()
		if err != nil || !ok {
			break
		}
		l.out <- dataFrame(l.sendTag, data)
	}
	for {
		id, ok := l.lst.TryNext()
		if !ok {
			break
		}
		l.out <- eventFrame(id)
	}
}
