// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// cleanupStale reports whether it removed a leftover socket at path whose
// creating process is no longer running. The creator records its pid in a
// file beside the socket; a readable pid naming a live process means the
// socket is in use and is left alone. A missing or unreadable pid file, or
// a pid with no corresponding process, marks the socket as stale.
func cleanupStale(path string, log zerolog.Logger) bool {
	if _, err := os.Stat(path); err != nil {
		return false // nothing to clean up
	}
	pidPath := path + ".pid"
	if pid, ok := readPid(pidPath); ok {
		alive, err := process.PidExists(int32(pid))
		if err == nil && alive {
			log.Debug().Str("socket", path).Int("pid", pid).Msg("socket owner is still running")
			return false
		}
	}
	if err := os.Remove(path); err != nil {
		log.Warn().Err(err).Str("socket", path).Msg("remove stale socket")
		return false
	}
	os.Remove(pidPath)
	log.Info().Str("socket", path).Msg("removed stale socket")
	return true
}

func readPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
