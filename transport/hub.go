// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creachadair/peep"
	"github.com/rs/zerolog"
)

// A Hub is an in-process rendezvous for named channels. Each peer calls
// Join to attach, then opens ports by name through the returned transport;
// a channel is created the first time any peer opens its name, so peers may
// arrive in either order.
//
// Payload channels retain a bounded history that is replayed to a
// subscriber attaching after publication, so delivery is at least once.
// Event channels have no history: a notification reaches the listeners
// attached at that moment, including any attached by the notifying peer
// itself.
type Hub struct {
	cfg Config
	log zerolog.Logger

	μ      sync.Mutex
	data   map[string]*topic
	events map[string]*eventTopic
	peers  map[*peerBus]bool
	closed bool
}

// NewHub constructs an empty hub with the given configuration.
func NewHub(cfg Config) *Hub {
	return &Hub{
		cfg:    cfg,
		log:    cfg.logger(),
		data:   make(map[string]*topic),
		events: make(map[string]*eventTopic),
		peers:  make(map[*peerBus]bool),
	}
}

// Join attaches a new peer to the hub and returns its transport. Ports
// opened through the transport belong to that peer and are released
// together when the transport is closed.
func (h *Hub) Join() peep.Transport { return h.join(false) }

func (h *Hub) join(proxy bool) *peerBus {
	h.μ.Lock()
	defer h.μ.Unlock()
	b := &peerBus{hub: h, proxy: proxy}
	if !h.closed {
		h.peers[b] = true
	} else {
		b.closed = true
	}
	return b
}

// Close shuts down the hub and all transports joined to it. Pending waits
// on listeners fail, and all further operations report an error.
func (h *Hub) Close() error {
	h.μ.Lock()
	if h.closed {
		h.μ.Unlock()
		return nil
	}
	h.closed = true
	peers := make([]*peerBus, 0, len(h.peers))
	for b := range h.peers {
		peers = append(peers, b)
	}
	h.μ.Unlock()

	for _, b := range peers {
		b.Close()
	}
	return nil
}

// topic is one direction of a payload channel: a bounded history ring and
// the queues of its attached subscribers.
type topic struct {
	name    string
	history [][]byte // oldest first, bounded by Config.HistoryDepth
	subs    []*memSub
}

// eventTopic is an event channel: the set of attached listeners.
type eventTopic struct {
	name      string
	listeners []*memListener
}

func (h *Hub) topicLocked(name string) *topic {
	t, ok := h.data[name]
	if !ok {
		t = &topic{name: name}
		h.data[name] = t
	}
	return t
}

func (h *Hub) eventTopicLocked(name string) *eventTopic {
	et, ok := h.events[name]
	if !ok {
		et = &eventTopic{name: name}
		h.events[name] = et
	}
	return et
}

// A peerBus is one peer's attachment to a hub. A proxy bus stands in for a
// remote peer bridged by a link; notifications it delivers are not echoed
// back to its own listeners.
type peerBus struct {
	hub   *Hub
	proxy bool

	μ      sync.Mutex
	ports  []interface{ detach() }
	closed bool
}

func (b *peerBus) register(p interface{ detach() }) {
	b.μ.Lock()
	defer b.μ.Unlock()
	b.ports = append(b.ports, p)
}

func (b *peerBus) check() error {
	b.μ.Lock()
	defer b.μ.Unlock()
	if b.closed {
		return fmt.Errorf("transport: %w", net.ErrClosed)
	}
	return nil
}

// Publisher implements part of the [peep.Transport] interface.
func (b *peerBus) Publisher(name string) (peep.Publisher, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	b.hub.μ.Lock()
	defer b.hub.μ.Unlock()
	p := &memPub{hub: b.hub, t: b.hub.topicLocked(name), owner: b}
	b.register(p)
	return p, nil
}

// Subscriber implements part of the [peep.Transport] interface.
func (b *peerBus) Subscriber(name string) (peep.Subscriber, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	b.hub.μ.Lock()
	defer b.hub.μ.Unlock()
	t := b.hub.topicLocked(name)
	s := &memSub{hub: b.hub, t: t, owner: b, depth: b.hub.cfg.queueDepth()}

	// Replay the history ring so a late subscriber observes the most recent
	// payloads published before it attached.
	for _, data := range t.history {
		s.pushLocked(data)
	}
	t.subs = append(t.subs, s)
	b.register(s)
	return s, nil
}

// Notifier implements part of the [peep.Transport] interface.
func (b *peerBus) Notifier(name string) (peep.Notifier, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	b.hub.μ.Lock()
	defer b.hub.μ.Unlock()
	n := &memNot{hub: b.hub, et: b.hub.eventTopicLocked(name), owner: b}
	b.register(n)
	return n, nil
}

// Listener implements part of the [peep.Transport] interface.
func (b *peerBus) Listener(name string) (peep.Listener, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	b.hub.μ.Lock()
	defer b.hub.μ.Unlock()
	et := b.hub.eventTopicLocked(name)
	l := &memListener{
		hub:   b.hub,
		et:    et,
		owner: b,
		depth: b.hub.cfg.eventDepth(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	et.listeners = append(et.listeners, l)
	b.register(l)
	return l, nil
}

// Close implements part of the [peep.Transport] interface. It releases all
// ports opened through b.
func (b *peerBus) Close() error {
	b.μ.Lock()
	if b.closed {
		b.μ.Unlock()
		return nil
	}
	b.closed = true
	ports := b.ports
	b.ports = nil
	b.μ.Unlock()

	for _, p := range ports {
		p.detach()
	}
	b.hub.μ.Lock()
	delete(b.hub.peers, b)
	b.hub.μ.Unlock()
	return nil
}

// memPub publishes payloads to a hub topic.
type memPub struct {
	hub   *Hub
	t     *topic
	owner *peerBus

	μ      sync.Mutex
	closed bool
}

// Publish implements part of the [peep.Publisher] interface. The payload is
// copied into the topic's history ring and delivered to every attached
// subscriber; when a subscriber's queue is full its oldest payload is
// dropped.
func (p *memPub) Publish(data []byte) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	cp := bytes.Clone(data)

	p.hub.μ.Lock()
	defer p.hub.μ.Unlock()
	hist := p.hub.cfg.historyDepth()
	if len(p.t.history) >= hist {
		copy(p.t.history, p.t.history[1:])
		p.t.history[len(p.t.history)-1] = cp
	} else {
		p.t.history = append(p.t.history, cp)
	}
	for _, s := range p.t.subs {
		s.pushLocked(cp)
	}
	return nil
}

// Update implements part of the [peep.Publisher] interface. Hub topics
// track attachment directly, so there are no connections to rebuild; Update
// only verifies that the port is still open.
func (p *memPub) Update() error { return p.checkOpen() }

// Close implements part of the [peep.Publisher] interface.
func (p *memPub) Close() error { p.detach(); return nil }

func (p *memPub) checkOpen() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.closed {
		return fmt.Errorf("publisher %q: %w", p.t.name, net.ErrClosed)
	}
	return p.owner.check()
}

func (p *memPub) detach() {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.closed = true
}

// memSub consumes payloads from a hub topic.
type memSub struct {
	hub   *Hub
	t     *topic
	owner *peerBus
	depth int

	// The queue and closed flag are guarded by hub.μ.
	queue  [][]byte
	closed bool
}

// Pull implements part of the [peep.Subscriber] interface.
func (s *memSub) Pull() ([]byte, bool, error) {
	s.hub.μ.Lock()
	defer s.hub.μ.Unlock()
	if s.closed {
		return nil, false, fmt.Errorf("subscriber %q: %w", s.t.name, net.ErrClosed)
	}
	if len(s.queue) == 0 {
		return nil, false, nil
	}
	data := s.queue[0]
	s.queue = s.queue[1:]
	return data, true, nil
}

// Close implements part of the [peep.Subscriber] interface.
func (s *memSub) Close() error { s.detach(); return nil }

func (s *memSub) pushLocked(data []byte) {
	if len(s.queue) >= s.depth {
		s.hub.log.Debug().Str("channel", s.t.name).Msg("subscriber queue full, dropping oldest")
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, data)
}

func (s *memSub) detach() {
	s.hub.μ.Lock()
	defer s.hub.μ.Unlock()
	s.closed = true
	s.queue = nil
	s.t.subs = remove(s.t.subs, s)
}

// memNot delivers event identifiers to the listeners of an event topic.
type memNot struct {
	hub   *Hub
	et    *eventTopic
	owner *peerBus

	μ      sync.Mutex
	closed bool
}

// Notify implements part of the [peep.Notifier] interface. The identifier
// is queued on every attached listener, including listeners attached by the
// notifying peer itself. A notification delivered on behalf of a remote
// peer is not echoed to that peer's own proxy listener. Notify does not
// wait for delivery, and having no listener attached is not an error.
func (n *memNot) Notify(id uint64) error {
	n.μ.Lock()
	if n.closed {
		n.μ.Unlock()
		return fmt.Errorf("notifier %q: %w", n.et.name, net.ErrClosed)
	}
	n.μ.Unlock()
	if err := n.owner.check(); err != nil {
		return err
	}

	n.hub.μ.Lock()
	defer n.hub.μ.Unlock()
	for _, l := range n.et.listeners {
		if n.owner.proxy && l.owner == n.owner {
			continue
		}
		l.pushLocked(id)
	}
	return nil
}

// Close implements part of the [peep.Notifier] interface.
func (n *memNot) Close() error { n.detach(); return nil }

func (n *memNot) detach() {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.closed = true
}

// memListener queues event identifiers for one peer.
type memListener struct {
	hub   *Hub
	et    *eventTopic
	owner *peerBus
	depth int

	wake chan struct{} // signalled when the queue becomes nonempty
	done chan struct{} // closed when the listener is released

	// The queue and closed flag are guarded by hub.μ.
	queue  []uint64
	closed bool
}

// Wait implements part of the [peep.Listener] interface.
func (l *memListener) Wait(d time.Duration) (bool, error) {
	if l.pending() {
		return true, nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-l.wake:
		return true, nil
	case <-t.C:
		// An identifier may have arrived while the timer was firing; prefer
		// the wake so no event is stranded behind a deadline miss.
		if l.pending() {
			return true, nil
		}
		return false, nil
	case <-l.done:
		return false, fmt.Errorf("listener %q: %w", l.et.name, net.ErrClosed)
	}
}

// TryNext implements part of the [peep.Listener] interface. Identifiers
// queued before Close may still be drained afterward.
func (l *memListener) TryNext() (uint64, bool) {
	l.hub.μ.Lock()
	defer l.hub.μ.Unlock()
	if len(l.queue) == 0 {
		return 0, false
	}
	id := l.queue[0]
	l.queue = l.queue[1:]
	return id, true
}

// Close implements part of the [peep.Listener] interface.
func (l *memListener) Close() error { l.detach(); return nil }

func (l *memListener) pending() bool {
	l.hub.μ.Lock()
	defer l.hub.μ.Unlock()
	return len(l.queue) > 0
}

func (l *memListener) pushLocked(id uint64) {
	if l.closed {
		return
	}
	if len(l.queue) >= l.depth {
		l.hub.log.Debug().Str("channel", l.et.name).Msg("listener queue full, dropping oldest")
		l.queue = l.queue[1:]
	}
	l.queue = append(l.queue, id)
	select {
	case l.wake <- struct{}{}:
	default: // a wake is already pending
	}
}

func (l *memListener) detach() {
	l.hub.μ.Lock()
	defer l.hub.μ.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.et.listeners = remove(l.et.listeners, l)
	close(l.done)
}

// remove returns vs with the first occurrence of v removed, preserving
// order.
func remove[T comparable](vs []T, v T) []T {
	for i, u := range vs {
		if u == v {
			return append(vs[:i], vs[i+1:]...)
		}
	}
	return vs
}
