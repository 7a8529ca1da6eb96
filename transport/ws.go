// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/creachadair/peep"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// OpenWS connects to the channel group at a WebSocket URL, creating it if
// it does not already exist. The first process to bind the URL's host
// serves the endpoint over HTTP and accepts the other side there; a
// process that finds the host taken dials the endpoint instead. Only "ws"
// URLs can be created; a "wss" URL can only attach to an existing
// endpoint.
//
// The returned transport reports [peep.ErrUnavailable] when the endpoint
// can be neither created nor attached.
func OpenWS(rawURL string, role peep.Role, cfg Config) (peep.Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		// ok
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.Scheme == "ws" {
		if lst, err := net.Listen("tcp", u.Host); err == nil {
			return serveWS(lst, u.Path, role, cfg), nil
		}
	}
	t, derr := dialWS(rawURL, role, cfg)
	if derr == nil {
		return t, nil
	}
	return nil, fmt.Errorf("channel group %q: %v: %w", rawURL, derr, peep.ErrUnavailable)
}

func serveWS(lst net.Listener, path string, role peep.Role, cfg Config) peep.Transport {
	if path == "" {
		path = "/"
	}
	ws := &wsEndpoint{
		log:   cfg.logger(),
		conns: make(chan *websocket.Conn),
		quit:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, ws.handle)
	ws.srv = &http.Server{Handler: mux}
	ws.serve = taskgroup.Go(func() error {
		if err := ws.srv.Serve(lst); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	a := &acceptor{
		hub:  NewHub(cfg),
		role: role,
		cfg:  cfg,
		log:  cfg.logger(),
		accept: func() (frameConn, error) {
			select {
			case conn := <-ws.conns:
				return wsFrameConn{conn: conn}, nil
			case <-ws.quit:
				return nil, net.ErrClosed
			}
		},
		release: ws.stop,
	}
	a.task = taskgroup.Go(a.run)
	return &remote{Transport: a.hub.Join(), hub: a.hub, stop: a.stop}
}

func dialWS(rawURL string, role peep.Role, cfg Config) (peep.Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		return nil, err
	}
	hub := NewHub(cfg)
	lnk, err := newLink(hub, wsFrameConn{conn: conn}, role, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &remote{Transport: hub.Join(), hub: hub, stop: lnk.Close}, nil
}

// wsEndpoint feeds upgraded WebSocket connections to an acceptor.
type wsEndpoint struct {
	log   zerolog.Logger
	srv   *http.Server
	serve *taskgroup.Single[error]
	conns chan *websocket.Conn
	quit  chan struct{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (ws *wsEndpoint) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	select {
	case ws.conns <- conn:
	case <-ws.quit:
		conn.Close()
	}
}

func (ws *wsEndpoint) stop() {
	close(ws.quit)
	ws.srv.Close()
	ws.serve.Wait()
}

// wsFrameConn is a frameConn over a WebSocket connection, one frame per
// binary message.
type wsFrameConn struct {
	conn *websocket.Conn
}

// ReadFrame implements part of the [frameConn] interface.
func (c wsFrameConn) ReadFrame() (*frame, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue // tolerate pings and stray text
		}
		var f frame
		if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
			return nil, err
		}
		return &f, nil
	}
}

// WriteFrame implements part of the [frameConn] interface.
func (c wsFrameConn) WriteFrame(f *frame) error {
	w, err := c.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Close implements part of the [frameConn] interface.
func (c wsFrameConn) Close() error { return c.conn.Close() }
