// Program peep runs one side of a peep file transfer session.
package main

import (
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/peep"
	"github.com/creachadair/peep/fileserver"
	"github.com/creachadair/peep/input"
)

var flags struct {
	Config   string        `flag:"config,Path of an optional YAML config file"`
	Address  string        `flag:"address,Rendezvous address or ws:// URL of the channel group"`
	Deadline time.Duration `flag:"deadline,Session deadline (0 uses the role default)"`
	LogLevel string        `flag:"log-level,Log level (debug, info, warn, error)"`
}

var serveFlags struct {
	Root string `flag:"root,Serve files relative to this directory (default: the whole filesystem)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Run one side of a peep file transfer session.

A session connects exactly one client and one server through a shared
channel group. The first process to reach the group's address creates it;
the second, which must take the other role, attaches to it. Addresses of
the form ws://host:port/path use a WebSocket transport; anything else is
treated as a Unix-domain or TCP socket address.`,

		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Run the server side of a session.

The server answers file size and content requests with data read from the
local filesystem, and exits if no client attaches within the deadline.
With --root, request paths are resolved inside the given directory and
cannot escape it.`,

				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "client",
				Usage: "[path...]",
				Help: `Run the client side of a session.

Paths to request are read from stdin, one per line; a line of the form
"size <path>" requests the file's size instead of its content. Paths given
as arguments are requested before stdin is read.`,

				Run: runClient,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	cfg, err := loadSettings(flags.Config)
	if err != nil {
		return err
	}
	log, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	tp, err := openTransport(cfg, peep.RoleServer, &log)
	if err != nil {
		return err
	}
	defer tp.Close()
	ch, err := peep.Open(tp, peep.RoleServer)
	if err != nil {
		return err
	}
	handler := fileserver.New()
	if serveFlags.Root != "" {
		handler = fileserver.NewFS(os.DirFS(serveFlags.Root))
	}
	srv, err := peep.NewServer(ch, handler, &peep.ServerOptions{
		Deadline: cfg.Deadline,
		Log:      &log,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer func() { signal.Stop(sig); close(sig) }()
	go func() {
		if _, ok := <-sig; ok {
			log.Info().Msg("interrupt received, shutting down")
			srv.Close()
		}
	}()
	return srv.Run()
}

func runClient(env *command.Env) error {
	cfg, err := loadSettings(flags.Config)
	if err != nil {
		return err
	}
	log, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	tp, err := openTransport(cfg, peep.RoleClient, &log)
	if err != nil {
		return err
	}
	defer tp.Close()
	ch, err := peep.Open(tp, peep.RoleClient)
	if err != nil {
		return err
	}

	// Request paths given on the command line first, then whatever arrives
	// on stdin.
	in := io.Reader(os.Stdin)
	if len(env.Args) != 0 {
		in = io.MultiReader(strings.NewReader(strings.Join(env.Args, "\n")+"\n"), os.Stdin)
	}
	src := input.New(in)

	cli, err := peep.NewClient(ch, src, &peep.ClientOptions{
		Deadline: cfg.Deadline,
		Log:      &log,
	})
	if err != nil {
		return err
	}
	defer cli.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer func() { signal.Stop(sig); close(sig) }()
	go func() {
		if _, ok := <-sig; ok {
			log.Info().Msg("interrupt received, shutting down")
			src.Cancel()
			cli.Close()
		}
	}()
	return cli.Run()
}
