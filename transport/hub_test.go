// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/creachadair/peep/transport"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestHub(t *testing.T) {
	defer leaktest.Check(t)()

	hub := transport.NewHub(transport.Config{})
	defer hub.Close()
	ta, tb := hub.Join(), hub.Join()

	pub, err := ta.Publisher("t/data")
	if err != nil {
		t.Fatalf("Open publisher: %v", err)
	}
	sub, err := tb.Subscriber("t/data")
	if err != nil {
		t.Fatalf("Open subscriber: %v", err)
	}

	// The publisher must capture its own copy of the payload.
	buf := []byte("hello")
	if err := pub.Publish(buf); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	buf[0] = 'X'

	data, ok, err := sub.Pull()
	if err != nil || !ok {
		t.Fatalf("Pull: got ok=%v, err=%v, want a payload", ok, err)
	}
	if got := string(data); got != "hello" {
		t.Errorf("Pull: got %q, want %q", got, "hello")
	}
	if _, ok, err := sub.Pull(); ok || err != nil {
		t.Errorf("Pull empty: got ok=%v, err=%v, want ok=false", ok, err)
	}

	// A notification reaches every listener, the notifier's own included.
	not, err := ta.Notifier("t/event")
	if err != nil {
		t.Fatalf("Open notifier: %v", err)
	}
	la, err := ta.Listener("t/event")
	if err != nil {
		t.Fatalf("Open listener: %v", err)
	}
	lb, err := tb.Listener("t/event")
	if err != nil {
		t.Fatalf("Open listener: %v", err)
	}
	if err := not.Notify(7); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	for name, lst := range map[string]interface {
		Wait(time.Duration) (bool, error)
		TryNext() (uint64, bool)
	}{"own": la, "peer": lb} {
		if ok, err := lst.Wait(time.Second); !ok || err != nil {
			t.Fatalf("Wait (%s listener): got ok=%v, err=%v, want a wake", name, ok, err)
		}
		if id, ok := lst.TryNext(); !ok || id != 7 {
			t.Errorf("TryNext (%s listener): got (%d, %v), want (7, true)", name, id, ok)
		}
	}

	// With nothing queued, a wait on either listener must time out.
	if ok, err := lb.Wait(10 * time.Millisecond); ok || err != nil {
		t.Errorf("Wait: got ok=%v, err=%v, want a deadline miss", ok, err)
	}
}

func TestHistoryReplay(t *testing.T) {
	defer leaktest.Check(t)()

	hub := transport.NewHub(transport.Config{HistoryDepth: 3})
	defer hub.Close()

	pub, err := hub.Join().Publisher("t/data")
	if err != nil {
		t.Fatalf("Open publisher: %v", err)
	}
	for _, s := range []string{"p0", "p1", "p2", "p3", "p4"} {
		if err := pub.Publish([]byte(s)); err != nil {
			t.Fatalf("Publish %q: %v", s, err)
		}
	}

	// A subscriber attaching after publication sees the retained tail of the
	// history, oldest first.
	sub, err := hub.Join().Subscriber("t/data")
	if err != nil {
		t.Fatalf("Open subscriber: %v", err)
	}
	var got []string
	for {
		data, ok, err := sub.Pull()
		if err != nil {
			t.Fatalf("Pull: %v", err)
		} else if !ok {
			break
		}
		got = append(got, string(data))
	}
	if diff := cmp.Diff([]string{"p2", "p3", "p4"}, got); diff != "" {
		t.Errorf("Replayed history (-want, +got):\n%s", diff)
	}
}

func TestQueueDropOldest(t *testing.T) {
	defer leaktest.Check(t)()

	hub := transport.NewHub(transport.Config{QueueDepth: 2})
	defer hub.Close()

	sub, err := hub.Join().Subscriber("t/data")
	if err != nil {
		t.Fatalf("Open subscriber: %v", err)
	}
	pub, err := hub.Join().Publisher("t/data")
	if err != nil {
		t.Fatalf("Open publisher: %v", err)
	}
	for _, s := range []string{"p0", "p1", "p2"} {
		if err := pub.Publish([]byte(s)); err != nil {
			t.Fatalf("Publish %q: %v", s, err)
		}
	}

	// The queue holds two payloads, so p0 must have been discarded.
	var got []string
	for {
		data, ok, err := sub.Pull()
		if err != nil {
			t.Fatalf("Pull: %v", err)
		} else if !ok {
			break
		}
		got = append(got, string(data))
	}
	if diff := cmp.Diff([]string{"p1", "p2"}, got); diff != "" {
		t.Errorf("Queued payloads (-want, +got):\n%s", diff)
	}
}

func TestListenerClose(t *testing.T) {
	defer leaktest.Check(t)()

	hub := transport.NewHub(transport.Config{})
	defer hub.Close()
	tr := hub.Join()

	not, err := tr.Notifier("t/event")
	if err != nil {
		t.Fatalf("Open notifier: %v", err)
	}
	lst, err := tr.Listener("t/event")
	if err != nil {
		t.Fatalf("Open listener: %v", err)
	}

	// Identifiers queued before a close must still drain afterward.
	for _, id := range []uint64{1, 2, 3} {
		if err := not.Notify(id); err != nil {
			t.Fatalf("Notify %d: %v", id, err)
		}
	}
	lst.Close()
	var got []uint64
	for {
		id, ok := lst.TryNext()
		if !ok {
			break
		}
		got = append(got, id)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, got); diff != "" {
		t.Errorf("Residual events (-want, +got):\n%s", diff)
	}

	// Closing a listener must fail a wait already pending on it.
	lst2, err := tr.Listener("t/event")
	if err != nil {
		t.Fatalf("Open listener: %v", err)
	}
	w := taskgroup.Go(func() error {
		_, err := lst2.Wait(time.Minute)
		return err
	})
	time.Sleep(5 * time.Millisecond)
	lst2.Close()
	if err := w.Wait(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Wait after close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestHubClose(t *testing.T) {
	defer leaktest.Check(t)()

	hub := transport.NewHub(transport.Config{})
	tr := hub.Join()
	pub, err := tr.Publisher("t/data")
	if err != nil {
		t.Fatalf("Open publisher: %v", err)
	}
	if err := hub.Close(); err != nil {
		t.Errorf("Close hub: %v", err)
	}

	if err := pub.Publish([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Publish after close: got %v, want %v", err, net.ErrClosed)
	}
	if _, err := hub.Join().Subscriber("t/data"); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Subscribe after close: got %v, want %v", err, net.ErrClosed)
	}
}
