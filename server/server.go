// Package server accepts client connections on the daemon's Unix
// socket and dispatches each to the registry: one request/response
// frame per connection, except Attach, which upgrades the connection
// to bidirectional streaming until Detach, session end, or peer
// disconnect.
package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/chriswa/amux/paths"
	"github.com/chriswa/amux/protocol"
	"github.com/chriswa/amux/registry"
	"github.com/chriswa/amux/session"
	"github.com/chriswa/amux/wire"
)

// ReapInterval is how often the reaper sweeps dead sessions out of the
// registry.
const ReapInterval = 30 * time.Second

// Server owns the listening socket and the session registry behind
// it.
type Server struct {
	reg *registry.Registry
	log *slog.Logger

	ln net.Listener

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	connWG       sync.WaitGroup
}

// New constructs a Server. Call Serve to run it.
func New(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		reg:        registry.New(log),
		log:        log,
		shutdownCh: make(chan struct{}),
	}
}

// Serve binds the control socket, removing any stale one first, and
// runs the accept loop and reaper until Shutdown is called or the
// listener fails. It always returns after the socket and PID file are
// cleaned up.
func (s *Server) Serve() error {
	if err := paths.RemoveStaleFiles(); err != nil {
		return fmt.Errorf("server: cleaning stale files: %w", err)
	}
	sockPath, err := paths.SocketPath()
	if err != nil {
		return err
	}
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", sockPath, err)
	}
	s.ln = ln
	defer func() {
		_ = paths.RemoveStaleFiles()
	}()

	if err := os.Chmod(sockPath, 0600); err != nil {
		s.log.Warn("chmod socket failed", "error", err)
	}
	if err := paths.WritePID(); err != nil {
		s.log.Warn("write pid file failed", "error", err)
	}

	s.log.Info("listening", "socket", sockPath)

	go s.reapLoop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				s.connWG.Wait()
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting new connections. Existing connections are
// allowed to finish their current frame.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		if s.ln != nil {
			_ = s.ln.Close()
		}
	})
}

func (s *Server) reapLoop() {
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			if dead := s.reg.Reap(); len(dead) > 0 {
				s.log.Debug("reaped sessions", "names", dead)
			}
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrFrameTooLarge):
			s.log.Warn("rejected oversize frame", "error", err)
		case errors.Is(err, io.EOF):
			// client disconnected before sending anything
		default:
			s.log.Debug("read frame failed", "error", err)
		}
		return
	}
	msg, err := protocol.DecodeClientMessage(payload)
	if err != nil {
		s.log.Warn("rejected malformed message", "error", err)
		s.writeError(conn, err.Error())
		return
	}

	if msg.Type == protocol.TypeAttach {
		s.handleAttach(conn, msg)
		return
	}

	resp := s.dispatchOneShot(msg)
	_ = s.writeMessage(conn, resp)
}

// dispatchOneShot handles every request type except Attach, which
// needs the connection kept open.
func (s *Server) dispatchOneShot(msg protocol.ClientMessage) protocol.DaemonMessage {
	switch msg.Type {
	case protocol.TypePing:
		return protocol.DaemonMessage{Type: protocol.TypePong}

	case protocol.TypeCreateSession:
		if len(msg.Command) == 0 {
			return errMsg("create_session requires a non-empty command")
		}
		size := session.Winsize{Rows: msg.Rows, Cols: msg.Cols}
		name, err := s.reg.Create(msg.Name, msg.Command, size)
		if err != nil {
			return errMsg(err.Error())
		}
		return protocol.DaemonMessage{Type: protocol.TypeSessionCreated, Name: name}

	case protocol.TypeListSessions:
		return protocol.DaemonMessage{Type: protocol.TypeSessionList, Entries: s.reg.List()}

	case protocol.TypeKillSession:
		if err := s.reg.Kill(msg.Name); err != nil {
			return errMsg(err.Error())
		}
		return protocol.DaemonMessage{Type: protocol.TypeOk}

	case protocol.TypeSendText:
		sess, err := s.reg.Get(msg.Name)
		if err != nil {
			return errMsg(err.Error())
		}
		sess.SendInput([]byte(msg.Text))
		return protocol.DaemonMessage{Type: protocol.TypeOk}

	case protocol.TypeKillServer:
		s.log.Info("kill_server requested")
		go s.orderlyShutdown()
		return protocol.DaemonMessage{Type: protocol.TypeOk}

	default:
		return errMsg(fmt.Sprintf("unexpected message type in one-shot dispatch: %q", msg.Type))
	}
}

// handleAttach upgrades conn into a bidirectional stream: scrollback
// replay, then output forwarding interleaved with reads of further
// AttachInput/AttachResize/Detach frames from the client.
func (s *Server) handleAttach(conn net.Conn, msg protocol.ClientMessage) {
	sess, err := s.reg.Get(msg.Name)
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}
	if !sess.Alive() {
		_ = s.writeMessage(conn, protocol.DaemonMessage{Type: protocol.TypeSessionEnded})
		return
	}

	if msg.Rows != 0 && msg.Cols != 0 {
		sess.Resize(session.Winsize{Rows: msg.Rows, Cols: msg.Cols})
	}

	sub, scrollback := sess.SubscribeWithScrollback()
	defer sess.Unsubscribe(sub)

	if err := s.writeMessage(conn, protocol.DaemonMessage{Type: protocol.TypeOutput, Bytes: scrollback}); err != nil {
		return
	}

	// done is closed when handleAttach returns for any reason, so the
	// reader goroutine below can give up on a blocked send to
	// clientFrames instead of leaking once nobody is left to receive it.
	done := make(chan struct{})
	defer close(done)

	// clientFrames delivers each successfully-decoded frame from the
	// attached client; it is closed (with the goroutine exiting) on
	// disconnect or decode error.
	clientFrames := make(chan protocol.ClientMessage)
	go func() {
		defer close(clientFrames)
		for {
			payload, err := wire.ReadFrame(conn)
			if err != nil {
				if errors.Is(err, wire.ErrFrameTooLarge) {
					s.log.Warn("rejected oversize frame during attach", "session", msg.Name, "error", err)
				}
				return
			}
			m, err := protocol.DecodeClientMessage(payload)
			if err != nil {
				s.log.Warn("rejected malformed message during attach", "session", msg.Name, "error", err)
				return
			}
			select {
			case clientFrames <- m:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case chunk, ok := <-sub.Ch:
			if !ok {
				select {
				case <-sub.Lagged:
					return // Ch was closed because this subscriber lagged
				default:
				}
				_ = s.writeMessage(conn, protocol.DaemonMessage{Type: protocol.TypeSessionEnded})
				return
			}
			if err := s.writeMessage(conn, protocol.DaemonMessage{Type: protocol.TypeOutput, Bytes: chunk}); err != nil {
				return
			}
		case <-sub.Lagged:
			// The session is still alive; the client just fell behind the
			// output stream. There is no wire representation for "lagged",
			// so drop the connection rather than falsely claiming the
			// session ended — the client reports this as a disconnect and
			// the session can still be reattached to.
			return
		case cm, ok := <-clientFrames:
			if !ok {
				return // peer disconnected or sent garbage
			}
			switch cm.Type {
			case protocol.TypeAttachInput:
				sess.SendInput(cm.Bytes)
			case protocol.TypeAttachResize:
				sess.Resize(session.Winsize{Rows: cm.Rows, Cols: cm.Cols})
			case protocol.TypeDetach:
				return
			default:
				s.log.Warn("unexpected frame during attach", "session", msg.Name, "type", cm.Type)
			}
		}
	}
}

// orderlyShutdown kills every session, waits for teardown, drains the
// registry, and stops the accept loop. Run in its own goroutine so the
// Ok response to kill_server reaches the client before the socket
// disappears out from under it.
func (s *Server) orderlyShutdown() {
	s.reg.KillAll()
	s.reg.WaitAllDone()
	s.reg.Reap()
	s.Shutdown()
}

func (s *Server) writeMessage(conn net.Conn, msg protocol.DaemonMessage) error {
	payload, err := protocol.EncodeDaemonMessage(msg)
	if err != nil {
		return err
	}
	return wire.WriteFrame(conn, payload)
}

func (s *Server) writeError(conn net.Conn, text string) {
	_ = s.writeMessage(conn, errMsg(text))
}

func errMsg(text string) protocol.DaemonMessage {
	return protocol.DaemonMessage{Type: protocol.TypeError, Message: text}
}
