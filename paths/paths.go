// Package paths locates the per-user runtime directory and the files
// the daemon and clients rendezvous on inside it: the control socket,
// PID file, and log file.
//
// The runtime directory is "/tmp/amux-<euid>" so two users on a shared
// host never collide.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	socketName = "server.sock"
	pidName    = "daemon.pid"
	logName    = "daemon.log"
)

// RuntimeDir returns /tmp/amux-<euid>, creating it with mode 0700 if
// it does not already exist.
func RuntimeDir() (string, error) {
	dir := filepath.Join("/tmp", fmt.Sprintf("amux-%d", os.Geteuid()))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("paths: create runtime dir: %w", err)
	}
	return dir, nil
}

// SocketPath returns the control socket path, without checking that
// it exists.
func SocketPath() (string, error) {
	dir, err := RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, socketName), nil
}

// PIDPath returns the daemon PID file path.
func PIDPath() (string, error) {
	dir, err := RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, pidName), nil
}

// LogPath returns the daemon log file path.
func LogPath() (string, error) {
	dir, err := RuntimeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, logName), nil
}

// WritePID writes the current process's decimal PID, newline
// terminated, to PIDPath with mode 0600.
func WritePID() error {
	p, err := PIDPath()
	if err != nil {
		return err
	}
	return os.WriteFile(p, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600)
}

// ReadPID returns the PID recorded in PIDPath, or 0 if the file is
// absent or unparsable.
func ReadPID() int {
	p, err := PIDPath()
	if err != nil {
		return 0
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// ProcessAlive reports whether pid names a live process, owned by the
// caller or not, using a zero-signal probe (unix.Kill(pid, 0)). Unlike the
// zero-signal check that session package deliberately avoids for its
// own not-yet-reaped children (a zombie still answers signal 0
// successfully until its parent calls wait(2)), this is safe here:
// the daemon process being probed is not a child of the calling CLI
// process, so it has no zombie state to be fooled by — it is either
// genuinely running or genuinely gone.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		// EPERM means the process exists but is owned by someone else,
		// which still counts as alive.
		return true
	}
	return false
}

// RemoveStaleFiles deletes the socket and PID file, ignoring "already
// gone" errors. Called before binding a fresh listener and after
// orderly shutdown.
func RemoveStaleFiles() error {
	sock, err := SocketPath()
	if err != nil {
		return err
	}
	pid, err := PIDPath()
	if err != nil {
		return err
	}
	if err := os.Remove(sock); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(pid); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
