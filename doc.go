// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package peep implements an event-driven request/response session between
// exactly one client and one server.
//
// The two sides never share a connection. Each direction of traffic is a
// separate payload channel, and the peers coordinate over a third channel
// carrying small integer events. Every payload transfer is followed by a
// notification on the event channel, so a peer sleeps on its listener until
// something has actually happened and never polls the payload channels.
// Payload channels retain a bounded history that is replayed to a peer
// attaching late, which makes the rendezvous order-independent: either side
// may arrive first.
//
// # Sessions
//
// The core types defined by this package are [ClientSession] and
// [ServerSession]. Each wraps a [Channel] and drives a reactor loop that
// waits for events, dispatches them, and enforces a liveness deadline.
//
// To run a server:
//
//	ch, err := peep.Open(tp, peep.RoleServer)
//	...
//	srv, err := peep.NewServer(ch, handler, nil)
//	...
//	err = srv.Run()
//
// The server answers each request the client publishes and then signals
// readiness for the next one. If its deadline elapses with no client
// attached it exits; with a client attached it logs a warning and keeps
// waiting.
//
// To run a client:
//
//	ch, err := peep.Open(tp, peep.RoleClient)
//	...
//	cli, err := peep.NewClient(ch, src, nil)
//	...
//	err = cli.Run()
//
// Whenever the server signals readiness, the client acquires the next
// request from its input source, publishes it, and waits for the response.
// A client that observes no event for its whole deadline exits
// unconditionally. Both sessions announce their departure on the event
// channel exactly once, no matter which path they exit by.
//
// # Channels and transports
//
// A [Channel] bundles the four ports a peer holds: a publisher and a
// subscriber for the two payload directions, and a notifier and a listener
// for the event channel. Ports are opened on a [Transport], whose
// implementations live in the transport subpackage: an in-process hub for
// sessions sharing one process, and socket and WebSocket rendezvous for
// sessions in different processes.
//
// # Events
//
// An [Event] is a small integer identifier. The protocol assigns meanings
// to identifiers 0 through 9; any other value decodes to [Unknown], which
// sessions ignore. Notifications fan out to every listener on the event
// channel, including the notifier's own, so sessions also ignore the
// events they themselves announce.
//
// # Requests and responses
//
// A [Request] asks for the size or the content of a named file, and a
// [Response] carries the answer or a service error. Both have a compact
// binary encoding produced by Encode and consumed by UnmarshalBinary. A
// [ResponseView] decodes a response without copying its content out of the
// transport buffer; use its Copy method to retain the data.
//
// # Metrics
//
// Sessions and channels maintain a collection of metrics while running.
// Use the [Channel.Metrics] method to obtain an [expvar.Map] containing
// the exported metrics, which are shared globally among all channels.
//
// The metrics currently exported include:
//
//   - events_notified: counter of events announced
//   - events_received: counter of events drained from listeners
//   - messages_published: counter of payloads published
//   - messages_pulled: counter of payloads pulled
//   - pulls_empty: counter of pulls that found nothing buffered
//   - requests_handled: counter of requests dispatched to a handler
//   - requests_failed: counter of dispatches reporting an error
//   - deadline_misses: counter of reactor deadline misses
//
// Additional metrics may be added in the future. It is safe for the caller
// to modify the metrics map to add, update, and remove entries.
package peep
