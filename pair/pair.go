// Package pair provides support code for managing and testing connected
// session pairs.
package pair

import (
	"context"
	"fmt"
	"io"

	"github.com/creachadair/peep"
	"github.com/creachadair/peep/transport"
	"github.com/creachadair/taskgroup"
)

// A Pair is a client and a server session connected through an in-process
// hub, suitable for testing.
type Pair struct {
	Client *peep.ClientSession
	Server *peep.ServerSession
	Hub    *transport.Hub

	src   peep.LineSource
	tasks *taskgroup.Group
}

// Options are the optional settings of a pair. A nil *Options is ready for
// use: it provides a client whose input is immediately exhausted and a
// server that answers every request with a not-found error.
type Options struct {
	Input   peep.LineSource
	Handler peep.Handler
	Client  *peep.ClientOptions
	Server  *peep.ServerOptions
	Config  transport.Config
}

func (o *Options) input() peep.LineSource {
	if o == nil || o.Input == nil {
		return eofSource{}
	}
	return o.Input
}

func (o *Options) handler() peep.Handler {
	if o == nil || o.Handler == nil {
		return func(context.Context, *peep.Request) (*peep.Response, error) {
			return nil, peep.ErrNotFound
		}
	}
	return o.Handler
}

func (o *Options) clientOptions() *peep.ClientOptions {
	if o == nil {
		return nil
	}
	return o.Client
}

func (o *Options) serverOptions() *peep.ServerOptions {
	if o == nil {
		return nil
	}
	return o.Server
}

func (o *Options) config() transport.Config {
	if o == nil {
		return transport.Config{}
	}
	return o.Config
}

// New constructs a connected pair over a fresh hub and starts both session
// loops. The server is constructed first, so its connection and readiness
// announcements are already queued when the client starts. New panics if
// either session cannot be constructed, which on a fresh hub indicates a
// defect in the caller's options.
func New(opts *Options) *Pair {
	hub := transport.NewHub(opts.config())
	cch, err := peep.Open(hub.Join(), peep.RoleClient)
	if err != nil {
		panic(fmt.Sprintf("open client channel: %v", err))
	}
	sch, err := peep.Open(hub.Join(), peep.RoleServer)
	if err != nil {
		panic(fmt.Sprintf("open server channel: %v", err))
	}

	p := &Pair{Hub: hub, src: opts.input()}
	if p.Server, err = peep.NewServer(sch, opts.handler(), opts.serverOptions()); err != nil {
		panic(fmt.Sprintf("start server: %v", err))
	}
	if p.Client, err = peep.NewClient(cch, p.src, opts.clientOptions()); err != nil {
		panic(fmt.Sprintf("start client: %v", err))
	}

	g := taskgroup.New(nil)
	g.Go(p.Server.Run)
	g.Go(p.Client.Run)
	p.tasks = g
	return p
}

// Wait blocks until both sessions have exited on their own.
func (p *Pair) Wait() { p.tasks.Wait() }

// Stop shuts down both sessions and the hub, and blocks until both session
// loops have exited. If the pair's input source is an io.Closer it is
// closed first, so a client suspended waiting for input is released.
func (p *Pair) Stop() error {
	if c, ok := p.src.(io.Closer); ok {
		c.Close()
	}
	cerr := p.Client.Close()
	serr := p.Server.Close()
	p.tasks.Wait()
	p.Hub.Close()
	if cerr != nil {
		return cerr
	}
	return serr
}

// eofSource is a line source with no input at all.
type eofSource struct{}

func (eofSource) NextLine() (string, error) { return "", io.EOF }
