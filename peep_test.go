// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package peep_test

import (
	"context"
	"expvar"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/peep"
	"github.com/creachadair/peep/fileserver"
	"github.com/creachadair/peep/input"
	"github.com/creachadair/peep/pair"
	"github.com/creachadair/peep/transport"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestSession(t *testing.T) {
	defer leaktest.Check(t)()

	// Two requests back to back, exercising both request kinds. The second
	// exchange can only happen if the server re-arms its readiness signal
	// after the first response is consumed.
	fsys := fstest.MapFS{
		"tmp/f": {Data: []byte("abcdef")},
	}
	var got collect
	p := pair.New(&pair.Options{
		Input:   input.New(strings.NewReader("/tmp/f\nsize /tmp/f\n")),
		Handler: fileserver.NewFS(fsys),
		Client:  &peep.ClientOptions{OnResponse: got.add},

		// Once the client runs out of input and departs, the server should
		// notice the silence and exit on its own.
		Server: &peep.ServerOptions{Deadline: 100 * time.Millisecond},
	})
	p.Wait()

	want := []peep.Response{
		{Kind: peep.FileContent, Data: []byte("abcdef")},
		{Kind: peep.FileSize, Size: 6},
	}
	if diff := cmp.Diff(want, got.all()); diff != "" {
		t.Errorf("Responses (-want, +got):\n%s", diff)
	}
	if st := p.Client.State(); st != peep.StateExited {
		t.Errorf("Client state: got %v, want %v", st, peep.StateExited)
	}
	if st := p.Server.State(); st != peep.StateExited {
		t.Errorf("Server state: got %v, want %v", st, peep.StateExited)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stopping pair: %v", err)
	}
}

func TestInterrupt(t *testing.T) {
	defer leaktest.Check(t)()

	// Interrupt the client while it is waiting for input. It must exit
	// without publishing anything, but its departure announcement must still
	// go out.
	pr, pw := io.Pipe()
	defer pw.Close()
	src := input.New(pr)
	p := pair.New(&pair.Options{
		Input: src,
		Client: &peep.ClientOptions{OnResponse: func(rsp peep.ResponseView) {
			t.Errorf("Unexpected response: %v", rsp)
		}},
	})
	tap := newTap(t, p.Hub)

	waitFor(t, "client prompting for input", func() bool {
		return p.Client.State() == peep.StatePromptingUser
	})
	src.Cancel()
	waitFor(t, "client exit", func() bool {
		return p.Client.State() == peep.StateExited
	})
	if err := p.Stop(); err != nil {
		t.Errorf("Stopping pair: %v", err)
	}
	tap.stop()

	if n := tap.count(peep.RequestSent); n != 0 {
		t.Errorf("Requests sent: got %d, want 0", n)
	}
	if n := tap.count(peep.ClientDisconnected); n != 1 {
		t.Errorf("Client disconnects: got %d, want 1", n)
	}
	if n := tap.count(peep.ServerDisconnected); n != 1 {
		t.Errorf("Server disconnects: got %d, want 1", n)
	}
}

func TestServerDeadline(t *testing.T) {
	t.Run("NoClient", func(t *testing.T) {
		defer leaktest.Check(t)()

		hub := transport.NewHub(transport.Config{})
		defer hub.Close()
		ch := mustOpen(t, hub, peep.RoleServer)
		miss := ch.Metrics().Get("deadline_misses").(*expvar.Int)
		before := miss.Value()

		srv, err := peep.NewServer(ch, func(_ context.Context, req *peep.Request) (*peep.Response, error) {
			t.Errorf("Unexpected request: %v", req)
			return nil, peep.ErrNotFound
		}, &peep.ServerOptions{Deadline: 50 * time.Millisecond})
		if err != nil {
			t.Fatalf("NewServer: %v", err)
		}
		start := time.Now()
		if err := srv.Run(); err != nil {
			t.Errorf("Server run: unexpected error: %v", err)
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("Server exited after %v, want at least the deadline", elapsed)
		}
		if st := srv.State(); st != peep.StateExited {
			t.Errorf("Server state: got %v, want %v", st, peep.StateExited)
		}
		if got := miss.Value(); got <= before {
			t.Errorf("Metric deadline_misses = %d, want more than %d", got, before)
		}
	})

	t.Run("ClientAttached", func(t *testing.T) {
		defer leaktest.Check(t)()

		// With a client attached, a deadline miss is only a warning: the
		// server must survive several silent periods.
		pr, pw := io.Pipe()
		defer pw.Close()
		p := pair.New(&pair.Options{
			Input:  input.New(pr),
			Server: &peep.ServerOptions{Deadline: 50 * time.Millisecond},
		})
		waitFor(t, "client prompting for input", func() bool {
			return p.Client.State() == peep.StatePromptingUser
		})
		time.Sleep(250 * time.Millisecond)

		if !p.Server.ClientAttached() {
			t.Error("Server does not report a client attached")
		}
		if st := p.Server.State(); st != peep.StateAttached {
			t.Errorf("Server state: got %v, want %v", st, peep.StateAttached)
		}
		if err := p.Stop(); err != nil {
			t.Errorf("Stopping pair: %v", err)
		}
	})
}

func TestClientDeadline(t *testing.T) {
	defer leaktest.Check(t)()

	// A client with no server must give up after its deadline, and a miss is
	// terminal even though nothing went wrong with the transport.
	hub := transport.NewHub(transport.Config{})
	defer hub.Close()
	cli, err := peep.NewClient(mustOpen(t, hub, peep.RoleClient), eofInput{},
		&peep.ClientOptions{Deadline: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	start := time.Now()
	if err := cli.Run(); err != nil {
		t.Errorf("Client run: unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Client exited after %v, want at least the deadline", elapsed)
	}
	if st := cli.State(); st != peep.StateExited {
		t.Errorf("Client state: got %v, want %v", st, peep.StateExited)
	}
	if cli.ServerReachable() {
		t.Error("Client reports the server reachable, want unreachable")
	}
}

func TestUnknownEvent(t *testing.T) {
	defer leaktest.Check(t)()

	// An identifier outside the event vocabulary must be ignored by both
	// sessions without disturbing the exchange in progress.
	fsys := fstest.MapFS{
		"a": {Data: []byte("hi")},
	}
	pr, pw := io.Pipe()
	defer pw.Close()
	var got collect
	p := pair.New(&pair.Options{
		Input:   input.New(pr),
		Handler: fileserver.NewFS(fsys),
		Client:  &peep.ClientOptions{OnResponse: got.add},
		Server:  &peep.ServerOptions{Deadline: 100 * time.Millisecond},
	})
	waitFor(t, "client prompting for input", func() bool {
		return p.Client.State() == peep.StatePromptingUser
	})

	tr := p.Hub.Join()
	defer tr.Close()
	not, err := tr.Notifier(peep.EventChannelName)
	if err != nil {
		t.Fatalf("Open notifier: %v", err)
	}
	if err := not.Notify(12345); err != nil {
		t.Fatalf("Notify unknown event: %v", err)
	}

	if _, err := io.WriteString(pw, "a\n"); err != nil {
		t.Fatalf("Write request: %v", err)
	}
	waitFor(t, "response", func() bool { return len(got.all()) > 0 })

	want := []peep.Response{{Kind: peep.FileContent, Data: []byte("hi")}}
	if diff := cmp.Diff(want, got.all()); diff != "" {
		t.Errorf("Responses (-want, +got):\n%s", diff)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stopping pair: %v", err)
	}
}

func TestPullEmpty(t *testing.T) {
	defer leaktest.Check(t)()

	// Pulling from an empty channel is not an error, and must not leak a
	// notification claiming something was transferred.
	hub := transport.NewHub(transport.Config{})
	defer hub.Close()
	ch := mustOpen(t, hub, peep.RoleServer)

	data, ok, err := ch.Pull(peep.RequestReceived)
	if err != nil {
		t.Errorf("Pull: unexpected error: %v", err)
	}
	if ok || data != nil {
		t.Errorf("Pull: got %q, ok=%v; want nothing", data, ok)
	}
	if evs := ch.Drain(); len(evs) != 0 {
		t.Errorf("Events after empty pull: got %v, want none", evs)
	}
}

func TestSessionRestart(t *testing.T) {
	defer leaktest.Check(t)()

	hub := transport.NewHub(transport.Config{})
	defer hub.Close()

	t.Run("Client", func(t *testing.T) {
		cli, err := peep.NewClient(mustOpen(t, hub, peep.RoleClient), eofInput{},
			&peep.ClientOptions{Deadline: 50 * time.Millisecond})
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		if err := cli.Run(); err != nil {
			t.Errorf("Client run: unexpected error: %v", err)
		}
		got := mtest.MustPanic(t, func() { cli.Run() }).(string)
		if got != "session is already started" {
			t.Errorf("Rerun panic: got %q", got)
		}
	})
	t.Run("Server", func(t *testing.T) {
		srv, err := peep.NewServer(mustOpen(t, hub, peep.RoleServer),
			func(context.Context, *peep.Request) (*peep.Response, error) { return nil, peep.ErrNotFound },
			&peep.ServerOptions{Deadline: 50 * time.Millisecond})
		if err != nil {
			t.Fatalf("NewServer: %v", err)
		}
		if err := srv.Run(); err != nil {
			t.Errorf("Server run: unexpected error: %v", err)
		}
		got := mtest.MustPanic(t, func() { srv.Run() }).(string)
		if got != "session is already started" {
			t.Errorf("Rerun panic: got %q", got)
		}
	})
}

func TestNilArgs(t *testing.T) {
	hub := transport.NewHub(transport.Config{})
	defer hub.Close()

	cch := mustOpen(t, hub, peep.RoleClient)
	got := mtest.MustPanic(t, func() { peep.NewClient(cch, nil, nil) }).(string)
	if got != "client input source is nil" {
		t.Errorf("NewClient panic: got %q", got)
	}
	sch := mustOpen(t, hub, peep.RoleServer)
	got = mtest.MustPanic(t, func() { peep.NewServer(sch, nil, nil) }).(string)
	if got != "server handler is nil" {
		t.Errorf("NewServer panic: got %q", got)
	}
}

// mustOpen opens a session channel for role on hub or fails t.
func mustOpen(t *testing.T, hub *transport.Hub, role peep.Role) *peep.Channel {
	t.Helper()
	ch, err := peep.Open(hub.Join(), role)
	if err != nil {
		t.Fatalf("Open %v channel: %v", role, err)
	}
	return ch
}

// waitFor polls cond until it reports true, failing t after a generous
// timeout.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", desc)
		}
		time.Sleep(time.Millisecond)
	}
}

// A collect accumulates the responses surfaced by a client session.
type collect struct {
	μ    sync.Mutex
	rsps []peep.Response
}

func (c *collect) add(rsp peep.ResponseView) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.rsps = append(c.rsps, rsp.Copy())
}

func (c *collect) all() []peep.Response {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.rsps
}

// A tap counts the events delivered on a hub's event channel while it is
// attached. Events notified before the tap attaches are not seen: the event
// channel keeps no history.
type tap struct {
	tr   peep.Transport
	lst  peep.Listener
	done chan struct{}

	μ    sync.Mutex
	seen map[peep.Event]int
}

func newTap(t *testing.T, hub *transport.Hub) *tap {
	t.Helper()
	tr := hub.Join()
	lst, err := tr.Listener(peep.EventChannelName)
	if err != nil {
		t.Fatalf("Open listener: %v", err)
	}
	tp := &tap{tr: tr, lst: lst, done: make(chan struct{}), seen: make(map[peep.Event]int)}
	go tp.run()
	return tp
}

func (tp *tap) run() {
	defer close(tp.done)
	for {
		ok, err := tp.lst.Wait(time.Minute)
		if err != nil {
			return
		} else if ok {
			tp.drain()
		}
	}
}

func (tp *tap) drain() {
	tp.μ.Lock()
	defer tp.μ.Unlock()
	for {
		id, ok := tp.lst.TryNext()
		if !ok {
			return
		}
		tp.seen[peep.DecodeEvent(id)]++
	}
}

// stop detaches the tap and collects any events still queued.
func (tp *tap) stop() {
	tp.lst.Close()
	<-tp.done
	tp.drain()
	tp.tr.Close()
}

func (tp *tap) count(ev peep.Event) int {
	tp.μ.Lock()
	defer tp.μ.Unlock()
	return tp.seen[ev]
}

// eofInput is a line source whose input is already exhausted.
type eofInput struct{}

func (eofInput) NextLine() (string, error) { return "", io.EOF }
