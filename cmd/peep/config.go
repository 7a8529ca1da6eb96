package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creachadair/peep"
	"github.com/creachadair/peep/transport"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// settings configure a session run. They are loaded from an optional YAML
// file and overridden by any flag the user set explicitly.
type settings struct {
	Address  string        `yaml:"address"`       // rendezvous address or ws:// URL
	Deadline time.Duration `yaml:"deadline"`      // 0 uses the role default
	LogLevel string        `yaml:"log_level"`     //
	History  int           `yaml:"history_depth"` // 0 uses the protocol default
	Queue    int           `yaml:"queue_depth"`   // 0 uses the protocol default
}

// loadSettings reads the config file at path, if any, and folds in the
// command-line flags.
func loadSettings(path string) (*settings, error) {
	cfg := &settings{
		Address:  "/tmp/peep.sock",
		LogLevel: "info",
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if flags.Address != "" {
		cfg.Address = flags.Address
	}
	if flags.Deadline > 0 {
		cfg.Deadline = flags.Deadline
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	return cfg, nil
}

// initLogger constructs the console logger for the program.
func initLogger(level string) (zerolog.Logger, error) {
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q", level)
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Logger().Level(lv), nil
}

// openTransport connects to the channel group named by the settings,
// choosing the WebSocket transport for ws:// and wss:// addresses and the
// socket transport for everything else.
func openTransport(cfg *settings, role peep.Role, log *zerolog.Logger) (peep.Transport, error) {
	tcfg := transport.Config{
		HistoryDepth: cfg.History,
		QueueDepth:   cfg.Queue,
		Log:          log,
	}
	if strings.HasPrefix(cfg.Address, "ws://") || strings.HasPrefix(cfg.Address, "wss://") {
		return transport.OpenWS(cfg.Address, role, tcfg)
	}
	return transport.Open(cfg.Address, role, tcfg)
}
