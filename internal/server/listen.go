package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

// ErrAlreadyRunning is returned by ListenUnix when another server owns the
// socket.
var ErrAlreadyRunning = errors.New("ttymux server already running")

// ListenUnix listens on socketPath, replacing a socket left behind by a
// server that died, and records this process's pid in pidPath.
func ListenUnix(socketPath, pidPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(socketPath, pidPath); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		ln.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return ln, nil
}

func cleanStaleSocket(socketPath, pidPath string) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	// A live server still accepts.
	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w (socket %s active)", ErrAlreadyRunning, socketPath)
	}

	if pidData, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(pidData))); err == nil && pid != os.Getpid() {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
				}
			}
		}
	}

	log.Info().Str("component", "server").Str("socket", socketPath).Msg("removing stale socket")
	os.Remove(socketPath)
	os.Remove(pidPath)
	return nil
}
