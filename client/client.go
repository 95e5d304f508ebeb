// Package client is amux's thin daemon-facing helper: dial the
// control socket, send one request, decode one response. The
// interactive terminal loop (Attach) lives in its own file
// (attach.go), built directly on this package's Dial/Request
// primitives.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/chriswa/amux/paths"
	"github.com/chriswa/amux/protocol"
	"github.com/chriswa/amux/wire"
)

// ErrServerUnavailable is returned by Dial when no daemon is
// listening on the control socket.
type ErrServerUnavailable struct {
	Path string
	Err  error
}

func (e *ErrServerUnavailable) Error() string {
	return fmt.Sprintf("amux: daemon unavailable at %s: %v", e.Path, e.Err)
}

func (e *ErrServerUnavailable) Unwrap() error { return e.Err }

// Dial connects to the daemon's control socket.
func Dial() (net.Conn, error) {
	sockPath, err := paths.SocketPath()
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		return nil, &ErrServerUnavailable{Path: sockPath, Err: err}
	}
	return conn, nil
}

// Request sends a single client message over conn and returns the
// single daemon response — the one-shot request/response model every
// message type except Attach uses.
func Request(conn net.Conn, msg protocol.ClientMessage) (protocol.DaemonMessage, error) {
	payload, err := protocol.EncodeClientMessage(msg)
	if err != nil {
		return protocol.DaemonMessage{}, err
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		return protocol.DaemonMessage{}, fmt.Errorf("amux: write request: %w", err)
	}
	respPayload, err := wire.ReadFrame(conn)
	if err != nil {
		return protocol.DaemonMessage{}, fmt.Errorf("amux: read response: %w", err)
	}
	return protocol.DecodeDaemonMessage(respPayload)
}

// Ping performs a one-shot health check.
func Ping() error {
	conn, err := Dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := Request(conn, protocol.ClientMessage{Type: protocol.TypePing})
	if err != nil {
		return err
	}
	if resp.Type != protocol.TypePong {
		return fmt.Errorf("amux: unexpected ping response %q", resp.Type)
	}
	return nil
}

// CreateSession asks the daemon to spawn a new session and returns its
// assigned name.
func CreateSession(name string, command []string, rows, cols uint16) (string, error) {
	conn, err := Dial()
	if err != nil {
		return "", err
	}
	defer conn.Close()
	resp, err := Request(conn, protocol.ClientMessage{
		Type: protocol.TypeCreateSession, Name: name, Command: command, Rows: rows, Cols: cols,
	})
	if err != nil {
		return "", err
	}
	if resp.Type == protocol.TypeError {
		return "", fmt.Errorf("amux: %s", resp.Message)
	}
	return resp.Name, nil
}

// ListSessions returns every session the daemon knows about.
func ListSessions() ([]protocol.SessionInfo, error) {
	conn, err := Dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	resp, err := Request(conn, protocol.ClientMessage{Type: protocol.TypeListSessions})
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.TypeError {
		return nil, fmt.Errorf("amux: %s", resp.Message)
	}
	return resp.Entries, nil
}

// KillSession asks the daemon to kill the named session.
func KillSession(name string) error {
	conn, err := Dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := Request(conn, protocol.ClientMessage{Type: protocol.TypeKillSession, Name: name})
	if err != nil {
		return err
	}
	if resp.Type == protocol.TypeError {
		return fmt.Errorf("amux: %s", resp.Message)
	}
	return nil
}

// SendText injects text into the named session's stdin.
func SendText(name, text string) error {
	conn, err := Dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := Request(conn, protocol.ClientMessage{Type: protocol.TypeSendText, Name: name, Text: text})
	if err != nil {
		return err
	}
	if resp.Type == protocol.TypeError {
		return fmt.Errorf("amux: %s", resp.Message)
	}
	return nil
}

// KillServer asks the daemon to shut down.
func KillServer() error {
	conn, err := Dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := Request(conn, protocol.ClientMessage{Type: protocol.TypeKillServer})
	if err != nil {
		return err
	}
	if resp.Type == protocol.TypeError {
		return fmt.Errorf("amux: %s", resp.Message)
	}
	return nil
}
