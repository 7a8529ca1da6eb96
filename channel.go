// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package peep

import (
	"expvar"
	"fmt"
	"time"
)

// Names of the logical channels shared by the two session peers. Peers meet
// by opening these names on a common transport or rendezvous address.
const (
	EventChannelName   = "peep/v0/event"
	ClientToServerName = "peep/v0/client-to-server"
	ServerToClientName = "peep/v0/server-to-client"
)

// Capacity limits a transport must configure identically on both sides of a
// channel.
const (
	HistoryDepth    = 10   // payloads replayed to a subscriber that attaches late
	QueueDepth      = 10   // payloads buffered for an attached subscriber
	PayloadSizeHint = 4096 // size bound for a single transfer without reallocation
)

// Default deadlines for the two session roles, counted since the last
// observed event.
const (
	DefaultClientDeadline = 30 * time.Second
	DefaultServerDeadline = 15 * time.Second
)

// A Publisher delivers opaque byte payloads in one direction of a channel.
// The publisher captures its own copy of each payload before returning.
type Publisher interface {
	// Publish delivers data to the channel. It reports an error wrapping
	// [ErrFull] when the channel has no buffer space for another payload.
	Publish(data []byte) error

	// Update refreshes the publisher's connections after a peer attaches or
	// reattaches. Implementations that track attachment on their own may
	// treat this as a no-op, but must still fail once the transport closes.
	Update() error

	// Close releases the publisher.
	Close() error
}

// A Subscriber consumes byte payloads from one direction of a channel.
type Subscriber interface {
	// Pull reports the next buffered payload. The second result is false
	// when nothing is buffered; an empty channel is not an error. The
	// returned slice aliases transport-owned memory and must not be
	// modified by the caller.
	Pull() ([]byte, bool, error)

	// Close releases the subscriber.
	Close() error
}

// A Notifier delivers event identifiers to every listener attached to the
// event channel, including any attached by the notifying peer itself.
type Notifier interface {
	// Notify delivers id without waiting for any listener. Having no
	// listener attached is not an error.
	Notify(id uint64) error

	// Close releases the notifier.
	Close() error
}

// A Listener queues event identifiers delivered on the event channel.
type Listener interface {
	// Wait blocks until at least one identifier is queued or d elapses with
	// none, reporting true for a wake and false for a deadline miss.
	// Several identifiers may coalesce into a single wake; the caller must
	// drain the queue with TryNext.
	Wait(d time.Duration) (bool, error)

	// TryNext dequeues the next identifier without blocking. The second
	// result is false when the queue is empty.
	TryNext() (uint64, bool)

	// Close releases the listener, causing a pending Wait to fail.
	Close() error
}

// A Transport is one peer's attachment to a shared medium on which named
// channels are opened, or created if they do not yet exist. Either peer may
// arrive first; the channel constructed for a name is the same no matter
// which peer created it.
type Transport interface {
	Publisher(name string) (Publisher, error)
	Subscriber(name string) (Subscriber, error)
	Notifier(name string) (Notifier, error)
	Listener(name string) (Listener, error)

	// Close detaches the peer, releasing any ports still open on it.
	Close() error
}

// A Role identifies which side of the session a peer occupies. The role
// fixes the direction of the peer's publish and subscribe channels.
type Role int

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("role %d", int(r))
	}
}

// A Channel bundles the four ports a session peer holds on the shared
// medium: a publisher and a subscriber for the two payload directions, and a
// notifier and a listener for the event channel. The ports are exclusively
// owned by the session that opens them; a Channel is not safe for concurrent
// use without external synchronization, except for Close.
type Channel struct {
	role Role
	pub  Publisher
	sub  Subscriber
	not  Notifier
	lst  Listener
}

// Open attaches ports for the given role to t. The client publishes on the
// client-to-server channel and subscribes to the server-to-client channel;
// the server does the reverse; both share the event channel. If a later
// port fails to open, any ports already attached are closed again.
func Open(t Transport, role Role) (*Channel, error) {
	sendName, recvName := ClientToServerName, ServerToClientName
	switch role {
	case RoleClient:
		// as initialized
	case RoleServer:
		sendName, recvName = recvName, sendName
	default:
		return nil, fmt.Errorf("invalid role %v", role)
	}
	c := &Channel{role: role}
	var err error
	if c.pub, err = t.Publisher(sendName); err != nil {
		return nil, fmt.Errorf("open publisher: %w", err)
	}
	if c.sub, err = t.Subscriber(recvName); err != nil {
		c.pub.Close()
		return nil, fmt.Errorf("open subscriber: %w", err)
	}
	if c.not, err = t.Notifier(EventChannelName); err != nil {
		c.sub.Close()
		c.pub.Close()
		return nil, fmt.Errorf("open notifier: %w", err)
	}
	if c.lst, err = t.Listener(EventChannelName); err != nil {
		c.not.Close()
		c.sub.Close()
		c.pub.Close()
		return nil, fmt.Errorf("open listener: %w", err)
	}
	return c, nil
}

// Role reports the role c was opened with.
func (c *Channel) Role() Role { return c.role }

// Publish delivers data on the outbound payload channel, then notifies done
// on the event channel. The notification follows the transfer, never
// precedes it; the pairing is what makes the transfer observable to the
// remote listener.
func (c *Channel) Publish(data []byte, done Event) error {
	if err := c.pub.Publish(data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	metrics.msgPublished.Add(1)
	return c.Notify(done)
}

// Pull reports the next buffered inbound payload, if any, and when one was
// present notifies done on the event channel. An empty channel reports
// ok == false with no error and sends no notification. The returned slice
// must be treated as read-only; use [ResponseView.Copy] or equivalent to
// retain its contents.
func (c *Channel) Pull(done Event) (data []byte, ok bool, _ error) {
	data, ok, err := c.sub.Pull()
	if err != nil {
		return nil, false, fmt.Errorf("pull: %w", err)
	}
	if !ok {
		metrics.pullEmpty.Add(1)
		return nil, false, nil
	}
	metrics.msgPulled.Add(1)
	return data, true, c.Notify(done)
}

// Notify delivers e on the event channel. Delivery is fire and forget: the
// call does not wait for a listener, and having none attached succeeds.
func (c *Channel) Notify(e Event) error {
	if err := c.not.Notify(e.ID()); err != nil {
		return fmt.Errorf("notify %v: %w", e, err)
	}
	metrics.eventsNotified.Add(1)
	return nil
}

// Update refreshes the publisher's connections. Sessions call it when they
// observe that the remote peer has attached.
func (c *Channel) Update() error { return c.pub.Update() }

// Wait blocks until an event identifier is queued on the listener or d
// elapses with none, reporting true for a wake and false for a deadline
// miss.
func (c *Channel) Wait(d time.Duration) (bool, error) { return c.lst.Wait(d) }

// Drain dequeues all currently queued event identifiers in arrival order
// and decodes each one. It does not block.
func (c *Channel) Drain() []Event {
	var evs []Event
	for {
		id, ok := c.lst.TryNext()
		if !ok {
			return evs
		}
		metrics.eventsReceived.Add(1)
		evs = append(evs, DecodeEvent(id))
	}
}

// Close releases all four ports. Every port is closed even if an earlier
// close fails; the first error is reported.
func (c *Channel) Close() error {
	var first error
	for _, part := range []func() error{c.lst.Close, c.not.Close, c.sub.Close, c.pub.Close} {
		if err := part(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Metrics returns the metrics map shared by all channels and sessions. It
// is safe for the caller to add additional metrics to the map.
func (c *Channel) Metrics() *expvar.Map { return metrics.emap }
