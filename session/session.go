// Package session owns the PTY child process lifecycle: spawning it
// under a pseudo-terminal, shuttling bytes between the child and its
// attached clients, mirroring output into a bounded scrollback ring,
// and tearing everything down cleanly on exit, kill, or daemon
// shutdown.
//
// Each session runs two goroutines: a blocking PTY-read loop, and a
// control loop whose single select statement holds the remaining
// event sources (input, resize, kill).
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/chriswa/amux/scrollback"
)

// KillGrace is the delay between SIGHUP and SIGKILL when a session is
// killed. Exposed as a var (not a const) so callers — tests, in
// particular — can shrink it.
var KillGrace = 250 * time.Millisecond

const (
	inputBuffer  = 256
	resizeBuffer = 16
	readChunk    = 32 * 1024
)

// Winsize is a terminal window size in character cells.
type Winsize struct {
	Rows uint16
	Cols uint16
}

// Session is one PTY-backed child process and the sinks used to drive
// it. Sessions never reference the registry that created them;
// teardown flows one way, from a kill signal through the I/O engine to
// the scrollback and broadcast being torn down.
type Session struct {
	Name      string
	Command   []string
	Pid       int
	CreatedAt time.Time

	ptmx *os.File
	cmd  *exec.Cmd

	scrollback *scrollback.Ring
	broadcast  *broadcaster

	inputCh  chan []byte
	resizeCh chan Winsize
	killCh   chan struct{}
	killOnce sync.Once
	doneCh   chan struct{} // closed once the child has been reaped

	// ioMu serializes each readLoop chunk's scrollback write + broadcast
	// publish against SubscribeWithScrollback's snapshot + subscribe, so
	// a newly attached client's scrollback replay and its first streamed
	// chunks never overlap.
	ioMu sync.Mutex

	alive atomic.Bool

	log *slog.Logger
}

// Spawn forks argv under a fresh PTY and starts the I/O engine. On
// success the returned Session is alive and its engine is running in
// the background.
func Spawn(name string, argv []string, size Winsize, log *slog.Logger) (*Session, error) {
	if len(argv) == 0 {
		return nil, errors.New("session: empty command")
	}
	if log == nil {
		log = slog.Default()
	}

	rows, cols := size.Rows, size.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = childEnv()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("session: pty start: %w", err)
	}

	s := &Session{
		Name:       name,
		Command:    argv,
		Pid:        cmd.Process.Pid,
		CreatedAt:  time.Now(),
		ptmx:       ptmx,
		cmd:        cmd,
		scrollback: scrollback.New(scrollback.Size),
		broadcast:  newBroadcaster(),
		inputCh:    make(chan []byte, inputBuffer),
		resizeCh:   make(chan Winsize, resizeBuffer),
		killCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		log:        log.With("session", name, "pid", cmd.Process.Pid),
	}
	s.alive.Store(true)

	readDone := make(chan struct{})
	go s.readLoop(readDone)
	go s.controlLoop(readDone)

	return s, nil
}

// childEnv builds the child's environment: inherit the parent
// environment unchanged, except PWD is set to the current directory at
// spawn time.
func childEnv() []string {
	env := os.Environ()
	if wd, err := os.Getwd(); err == nil {
		env = append(env, "PWD="+wd)
	}
	return env
}

// readLoop is the PTY->outside event source: every chunk read from the
// master is mirrored into scrollback and published to attached
// clients. EOF or a read error ends the session.
func (s *Session) readLoop(readDone chan<- struct{}) {
	defer close(readDone)
	buf := make([]byte, readChunk)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.ioMu.Lock()
			s.scrollback.Write(chunk)
			s.broadcast.Publish(chunk)
			s.ioMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// controlLoop is the single select carrying the remaining event
// sources: outside->PTY input, resize, and kill. It also waits for
// readLoop to observe EOF/error, at which point the child is reaped
// and the session torn down.
func (s *Session) controlLoop(readDone <-chan struct{}) {
	defer s.teardown()
	for {
		select {
		case data := <-s.inputCh:
			if len(data) == 0 {
				continue
			}
			if _, err := s.ptmx.Write(data); err != nil {
				s.log.Debug("pty write error", "error", err)
				return
			}
		case size := <-s.resizeCh:
			if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: size.Rows, Cols: size.Cols}); err != nil {
				s.log.Debug("resize error", "error", err)
			}
		case <-s.killCh:
			s.killChild(readDone)
			<-readDone
			return
		case <-readDone:
			return
		}
	}
}

// killChild signals SIGHUP, then SIGKILL if the PTY has not gone EOF
// within KillGrace. readDone closes when readLoop observes EOF on the
// master, which happens as soon as the kernel closes the child's copy
// of the slave fd at process exit — unlike a zero-signal liveness
// probe, this is not fooled by an exited-but-unwaited zombie still
// answering kill(pid, 0) successfully.
func (s *Session) killChild(readDone <-chan struct{}) {
	_ = s.cmd.Process.Signal(syscall.SIGHUP)
	timer := time.NewTimer(KillGrace)
	defer timer.Stop()
	select {
	case <-readDone:
	case <-timer.C:
		_ = s.cmd.Process.Signal(syscall.SIGKILL)
	}
}

// teardown runs exactly once, after the control loop exits for any
// reason: it reaps the child, marks the session dead, closes the
// broadcast (so every attached client observes end-of-stream), and
// closes the PTY master.
func (s *Session) teardown() {
	_, _ = s.cmd.Process.Wait()
	s.alive.Store(false)
	s.broadcast.Close()
	_ = s.ptmx.Close()
	close(s.doneCh)
	s.log.Info("session ended")
}

// Alive reports whether the child is still running. Once false it
// never becomes true again.
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// Done returns a channel closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// SendInput enqueues data for the PTY's stdin. Input sent after the
// child has exited but before the session is reaped is accepted and
// silently dropped; the input channel simply has no reader once the
// control loop has returned.
func (s *Session) SendInput(data []byte) {
	select {
	case s.inputCh <- data:
	case <-s.doneCh:
	}
}

// Resize enqueues a window size change.
func (s *Session) Resize(size Winsize) {
	select {
	case s.resizeCh <- size:
	case <-s.doneCh:
	}
}

// Kill signals the session's kill sink. Safe to call more than once;
// only the first call has any effect.
func (s *Session) Kill() {
	s.killOnce.Do(func() { close(s.killCh) })
}

// Subscribe registers a fresh output consumer. If the session has
// already ended, the returned subscription's channel is pre-closed.
func (s *Session) Subscribe() *Subscription {
	return s.broadcast.Subscribe()
}

// Unsubscribe removes a subscription registered with Subscribe.
func (s *Session) Unsubscribe(sub *Subscription) {
	s.broadcast.Unsubscribe(sub)
}

// Scrollback returns a snapshot of the session's recent output.
func (s *Session) Scrollback() []byte {
	return s.scrollback.Contents()
}

// SubscribeWithScrollback atomically snapshots scrollback and
// registers a fresh subscription, so no chunk read from the PTY can
// land in both the returned snapshot and the subscription's Ch: it is
// serialized against readLoop by the same lock readLoop holds across
// its own write+publish pair.
func (s *Session) SubscribeWithScrollback() (*Subscription, []byte) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	data := s.scrollback.Contents()
	sub := s.broadcast.Subscribe()
	return sub, data
}

// CommandString renders Command the way ps/list output shows it.
func (s *Session) CommandString() string {
	out := ""
	for i, part := range s.Command {
		if i > 0 {
			out += " "
		}
		out += part
	}
	return out
}
