package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/chriswa/amux/protocol"
	"github.com/chriswa/amux/wire"
)

// ctrlB is the attach prefix key, tmux-style: Ctrl+B then a command
// letter, recognized by a byte-level state machine over the raw
// stdin stream.
const ctrlB = 0x02

// ErrDetached is returned by Attach when the user detached normally
// (Ctrl+B d), as opposed to the session having ended underneath them.
var ErrDetached = errors.New("amux: detached")

// Attach runs the interactive terminal loop for session name: raw
// mode on stdin, scrollback replay, then bidirectional streaming until
// the user detaches, the session ends, or the connection drops.
func Attach(name string) error {
	conn, err := Dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	rows, cols := termSize()

	reqPayload, err := protocol.EncodeClientMessage(protocol.ClientMessage{
		Type: protocol.TypeAttach, Name: name, Rows: rows, Cols: cols,
	})
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, reqPayload); err != nil {
		return fmt.Errorf("amux: send attach request: %w", err)
	}

	first, err := readDaemonFrame(conn)
	if err != nil {
		return fmt.Errorf("amux: read attach response: %w", err)
	}
	switch first.Type {
	case protocol.TypeError:
		return fmt.Errorf("amux: %s", first.Message)
	case protocol.TypeSessionEnded:
		fmt.Fprintln(os.Stderr, "amux: session has already ended")
		return nil
	case protocol.TypeOutput:
		// Scrollback replay; fall through to the streaming loop below.
	default:
		return fmt.Errorf("amux: unexpected attach response %q", first.Type)
	}

	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("amux: enable raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	if len(first.Bytes) > 0 {
		os.Stdout.Write(first.Bytes)
	}

	return attachLoop(conn)
}

func attachLoop(conn net.Conn) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGWINCH)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			rows, cols := termSize()
			_ = sendAttachMessage(conn, protocol.ClientMessage{Type: protocol.TypeAttachResize, Rows: rows, Cols: cols})
		}
	}()

	daemonFrames := make(chan protocol.DaemonMessage)
	daemonErrCh := make(chan error, 1)
	go func() {
		for {
			msg, err := readDaemonFrame(conn)
			if err != nil {
				daemonErrCh <- err
				return
			}
			daemonFrames <- msg
		}
	}()

	stdinEvents := make(chan keyEvent)
	stdinErrCh := make(chan error, 1)
	go readStdinKeys(stdinEvents, stdinErrCh)

	for {
		select {
		case msg, ok := <-daemonFrames:
			if !ok {
				fmt.Fprintln(os.Stderr, "\r\namux: disconnected from server")
				return nil
			}
			switch msg.Type {
			case protocol.TypeOutput:
				os.Stdout.Write(msg.Bytes)
			case protocol.TypeSessionEnded:
				fmt.Fprintln(os.Stderr, "\r\namux: session ended")
				return nil
			case protocol.TypeError:
				fmt.Fprintf(os.Stderr, "\r\namux: error: %s\n", msg.Message)
				return nil
			}

		case err := <-daemonErrCh:
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(os.Stderr, "\r\namux: disconnected from server")
				return nil
			}
			return fmt.Errorf("amux: connection error: %w", err)

		case ev, ok := <-stdinEvents:
			if !ok {
				continue
			}
			if ev.detach {
				_ = sendAttachMessage(conn, protocol.ClientMessage{Type: protocol.TypeDetach})
				fmt.Fprintln(os.Stderr, "\r\namux: detached")
				return ErrDetached
			}
			if len(ev.data) == 0 {
				continue
			}
			if err := sendAttachMessage(conn, protocol.ClientMessage{Type: protocol.TypeAttachInput, Bytes: ev.data}); err != nil {
				return fmt.Errorf("amux: send input: %w", err)
			}

		case err := <-stdinErrCh:
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("amux: stdin error: %w", err)
			}
			return nil
		}
	}
}

// keyEvent is one decoded unit of stdin activity: either a chunk of
// bytes to forward, or a detach request.
type keyEvent struct {
	data   []byte
	detach bool
}

// readStdinKeys decodes raw stdin bytes into forwardable chunks,
// handling the Ctrl+B prefix key itself.
func readStdinKeys(out chan<- keyEvent, errCh chan<- error) {
	var dec keyDecoder
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk, detach := dec.feed(buf[:n])
			if len(chunk) > 0 {
				out <- keyEvent{data: chunk}
			}
			if detach {
				out <- keyEvent{detach: true}
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

// keyDecoder is a byte-level state machine recognizing the Ctrl+B
// prefix sequence. Everything outside the prefix sequence passes
// through unchanged.
type keyDecoder struct {
	prefixPending bool
}

func (d *keyDecoder) feed(in []byte) (out []byte, detach bool) {
	out = make([]byte, 0, len(in))
	for _, b := range in {
		if d.prefixPending {
			d.prefixPending = false
			switch b {
			case 'd', 'D':
				detach = true
			case ctrlB:
				out = append(out, ctrlB) // double Ctrl+B sends one literal
			default:
				// Unrecognized prefix command: drop the key, stay attached.
			}
			continue
		}
		if b == ctrlB {
			d.prefixPending = true
			continue
		}
		out = append(out, b)
	}
	return out, detach
}

func sendAttachMessage(conn net.Conn, msg protocol.ClientMessage) error {
	payload, err := protocol.EncodeClientMessage(msg)
	if err != nil {
		return err
	}
	return wire.WriteFrame(conn, payload)
}

func readDaemonFrame(conn net.Conn) (protocol.DaemonMessage, error) {
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		return protocol.DaemonMessage{}, err
	}
	return protocol.DecodeDaemonMessage(payload)
}

func termSize() (rows, cols uint16) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 24, 80
	}
	return uint16(h), uint16(w)
}
