// Package protocol defines the request/response schema exchanged
// between amux clients and the daemon, and the deterministic CBOR
// encoding used to put it on the wire (framed by package wire).
//
// Go has no tagged-union type, so each direction is a single flat
// struct carrying a Type discriminator and the union of all
// variant-specific fields tagged omitempty.
package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ClientMessage types, mirrored on the wire by the Type field.
const (
	TypePing          = "ping"
	TypeKillServer    = "kill_server"
	TypeCreateSession = "create_session"
	TypeListSessions  = "list_sessions"
	TypeKillSession   = "kill_session"
	TypeAttach        = "attach"
	TypeAttachInput   = "attach_input"
	TypeAttachResize  = "attach_resize"
	TypeDetach        = "detach"
	TypeSendText      = "send_text"
)

// DaemonMessage types.
const (
	TypePong           = "pong"
	TypeOk             = "ok"
	TypeError          = "error"
	TypeSessionCreated = "session_created"
	TypeSessionList    = "session_list"
	TypeOutput         = "output"
	TypeSessionEnded   = "session_ended"
)

// ClientMessage is every request a client can send to the daemon.
// Only the fields relevant to Type are populated; the rest are zero.
type ClientMessage struct {
	Type string `cbor:"type"`

	// CreateSession
	Name    string   `cbor:"name,omitempty"`
	Command []string `cbor:"command,omitempty"`
	Rows    uint16   `cbor:"rows,omitempty"`
	Cols    uint16   `cbor:"cols,omitempty"`

	// KillSession, SendText also reuse Name above.

	// Attach also reuses Name, Rows, Cols above.

	// AttachInput
	Bytes []byte `cbor:"bytes,omitempty"`

	// AttachResize reuses Rows, Cols above.

	// SendText
	Text string `cbor:"text,omitempty"`
}

// DaemonMessage is every response/event the daemon can send to a
// client.
type DaemonMessage struct {
	Type string `cbor:"type"`

	// Error
	Message string `cbor:"message,omitempty"`

	// SessionCreated
	Name string `cbor:"name,omitempty"`

	// SessionList
	Entries []SessionInfo `cbor:"entries,omitempty"`

	// Output
	Bytes []byte `cbor:"bytes,omitempty"`
}

// SessionInfo describes one session for ListSessions responses.
type SessionInfo struct {
	Name    string `cbor:"name"`
	Command string `cbor:"command"`
	Pid     int    `cbor:"pid"`
	Alive   bool   `cbor:"alive"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: cbor encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: cbor decoder initialization failed: " + err.Error())
	}
}

// ErrUnknownMessageType is returned by DecodeClientMessage/
// DecodeDaemonMessage when the wire payload names a Type this binary
// does not recognize — the schema version is implicit and lock-step
// between client and daemon, so this is always a hard protocol error.
type ErrUnknownMessageType struct {
	Type string
}

func (e *ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("protocol: unknown message type %q", e.Type)
}

var knownClientTypes = map[string]bool{
	TypePing: true, TypeKillServer: true, TypeCreateSession: true,
	TypeListSessions: true, TypeKillSession: true, TypeAttach: true,
	TypeAttachInput: true, TypeAttachResize: true, TypeDetach: true,
	TypeSendText: true,
}

var knownDaemonTypes = map[string]bool{
	TypePong: true, TypeOk: true, TypeError: true, TypeSessionCreated: true,
	TypeSessionList: true, TypeOutput: true, TypeSessionEnded: true,
}

// EncodeClientMessage returns the deterministic CBOR encoding of msg.
func EncodeClientMessage(msg ClientMessage) ([]byte, error) {
	return encMode.Marshal(msg)
}

// DecodeClientMessage decodes a CBOR-encoded ClientMessage, rejecting
// unrecognized Type values.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("protocol: decode client message: %w", err)
	}
	if !knownClientTypes[msg.Type] {
		return ClientMessage{}, &ErrUnknownMessageType{Type: msg.Type}
	}
	return msg, nil
}

// EncodeDaemonMessage returns the deterministic CBOR encoding of msg.
func EncodeDaemonMessage(msg DaemonMessage) ([]byte, error) {
	return encMode.Marshal(msg)
}

// DecodeDaemonMessage decodes a CBOR-encoded DaemonMessage, rejecting
// unrecognized Type values.
func DecodeDaemonMessage(data []byte) (DaemonMessage, error) {
	var msg DaemonMessage
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return DaemonMessage{}, fmt.Errorf("protocol: decode daemon message: %w", err)
	}
	if !knownDaemonTypes[msg.Type] {
		return DaemonMessage{}, &ErrUnknownMessageType{Type: msg.Type}
	}
	return msg, nil
}
