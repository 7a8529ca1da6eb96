// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/creachadair/peep"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
)

// Open connects to the channel group at addr, creating it if it does not
// already exist. The first process to bind the address hosts the hub and
// accepts the other side over a socket; a process that finds the address
// taken attaches to the holder instead. The role identifies which side the
// local process plays, and must differ from the role of the peer already
// holding the address.
//
// For Unix-domain addresses a leftover socket whose creating process has
// exited is removed and the bind retried once, so a crashed holder does
// not wedge the address.
//
// The returned transport reports [peep.ErrUnavailable] when the address
// can be neither bound nor attached.
func Open(addr string, role peep.Role, cfg Config) (peep.Transport, error) {
	network, address := SplitAddress(addr)
	log := cfg.logger()

	lst, err := net.Listen(network, address)
	if err == nil {
		return serve(lst, network, address, role, cfg)
	}

	// The address is held by another process; attach to it.
	t, derr := dial(network, address, role, cfg)
	if derr == nil {
		return t, nil
	}

	// Neither side of the rendezvous worked. If the socket is a leftover
	// from a dead process, clean it up and claim the address ourselves.
	if network == "unix" && cleanupStale(address, log) {
		if lst, err := net.Listen(network, address); err == nil {
			return serve(lst, network, address, role, cfg)
		}
	}
	return nil, fmt.Errorf("channel group %q: %v: %w", addr, derr, peep.ErrUnavailable)
}

func serve(lst net.Listener, network, address string, role peep.Role, cfg Config) (peep.Transport, error) {
	var pidPath string
	if network == "unix" {
		// Record our pid beside the socket so a later process can tell a live
		// holder from a stale leftover.
		pidPath = address + ".pid"
		if err := os.WriteFile(pidPath, fmt.Appendf(nil, "%d\n", os.Getpid()), 0600); err != nil {
			cfg.logger().Warn().Err(err).Msg("write socket pid file")
			pidPath = ""
		}
	}
	a := &acceptor{
		hub:  NewHub(cfg),
		role: role,
		cfg:  cfg,
		log:  cfg.logger(),
		accept: func() (frameConn, error) {
			conn, err := lst.Accept()
			if err != nil {
				return nil, err
			}
			return newNetConn(conn, cfg.payloadHint()), nil
		},
		release: func() {
			lst.Close()
			if pidPath != "" {
				os.Remove(pidPath)
			}
		},
	}
	a.task = taskgroup.Go(a.run)
	return &remote{Transport: a.hub.Join(), hub: a.hub, stop: a.stop}, nil
}

func dial(network, address string, role peep.Role, cfg Config) (peep.Transport, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	hub := NewHub(cfg)
	lnk, err := newLink(hub, newNetConn(conn, cfg.payloadHint()), role, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &remote{Transport: hub.Join(), hub: hub, stop: lnk.Close}, nil
}

// An acceptor hosts the hub side of a rendezvous. It serves one peer
// connection at a time; when a peer departs the next connection is
// accepted, so a restarted peer can reattach to the same address.
type acceptor struct {
	hub     *Hub
	role    peep.Role
	cfg     Config
	log     zerolog.Logger
	accept  func() (frameConn, error) // blocks until a peer arrives
	release func()                    // unblocks accept and frees its source
	task    *taskgroup.Single[error]

	μ      sync.Mutex
	cur    *link
	closed bool
}

func (a *acceptor) run() error {
	for {
		conn, err := a.accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			return err
		}
		lnk, err := newLink(a.hub, conn, a.role, a.cfg)
		if err != nil {
			a.log.Warn().Err(err).Msg("start link for peer")
			conn.Close()
			continue
		}
		if !a.setCur(lnk) {
			lnk.Close()
			return nil
		}
		lnk.tasks.Wait()
		a.setCur(nil)
		lnk.Close()
	}
}

// setCur records the active link, and reports false if the acceptor has
// already been stopped.
func (a *acceptor) setCur(lnk *link) bool {
	a.μ.Lock()
	defer a.μ.Unlock()
	if a.closed {
		return false
	}
	a.cur = lnk
	return true
}

func (a *acceptor) stop() error {
	a.μ.Lock()
	a.closed = true
	cur := a.cur
	a.cur = nil
	a.μ.Unlock()

	a.release()
	if cur != nil {
		cur.Close()
	}
	return a.task.Wait()
}

// remote couples a local hub attachment with the machinery extending the
// hub to another process. Closing it releases the local ports, flushes and
// tears down the socket side, and shuts down the hub.
type remote struct {
	peep.Transport
	hub  *Hub
	stop func() error

	once sync.Once
	err  error
}

// Close implements part of the [peep.Transport] interface.
func (r *remote) Close() error {
	r.once.Do(func() {
		for _, f := range []func() error{r.Transport.Close, r.stop, r.hub.Close} {
			if err := f(); err != nil && r.err == nil {
				r.err = err
			}
		}
	})
	return r.err
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
