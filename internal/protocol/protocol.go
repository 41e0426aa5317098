// Package protocol is the framed wire format spoken between ttymux and its
// clients over TCP, unix sockets and tunnel streams.
//
// Wire format:
//
//	[4 bytes big-endian length][1 byte frame type][payload]
//
// The length covers the type byte and the payload. Control frames carry a
// JSON Request or Response. Data frames carry [8 byte big-endian session
// id][raw bytes].
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/peterje/ttymux/internal/ldisc"
	"github.com/peterje/ttymux/internal/registry"
	"github.com/peterje/ttymux/internal/session"
	"github.com/peterje/ttymux/internal/termios"
)

// Frame types.
const (
	FrameControl byte = 0x01 // JSON control message
	FrameInput   byte = 0x02 // bytes typed at the terminal side
	FrameLine    byte = 0x03 // one drained outbound entry
	FrameOutput  byte = 0x04 // inbound queue bytes for the terminal side
	FrameWrite   byte = 0x05 // reader output for the inbound queue
)

// MaxFrameSize bounds the length field of a frame.
const MaxFrameSize = 10 * 1024 * 1024

const sessionIDLen = 8

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrEmptyFrame    = errors.New("empty frame")
	ErrShortPayload  = errors.New("data payload too short")
)

// Commands sent by clients.
const (
	CmdPing       = "ping"
	CmdAllocate   = "allocate"
	CmdRemove     = "remove"
	CmdAttach     = "attach"
	CmdDetach     = "detach"
	CmdGetAttr    = "get_attr"
	CmdSetAttr    = "set_attr"
	CmdGetWinsize = "get_winsize"
	CmdSetWinsize = "set_winsize"
	CmdList       = "list"
)

// Events sent by the server.
const (
	EvtPong       = "pong"
	EvtOK         = "ok"
	EvtError      = "error"
	EvtAllocated  = "allocated"
	EvtAttributes = "attributes"
	EvtWinsize    = "winsize"
	EvtList       = "list"
	EvtEvent      = "event"  // control events for an attached reader, no request ID
	EvtClosed     = "closed" // session removed, no request ID
)

// Attach roles.
const (
	RoleTerminal = "terminal"
	RoleReader   = "reader"
)

// Error codes.
const (
	CodeNotFound      = "not_found"
	CodeDuplicateID   = "duplicate_id"
	CodeSessionClosed = "session_closed"
	CodeBadRequest    = "bad_request"
	CodeOutboundFull  = "outbound_full"
)

// Request is a JSON control message from client to server.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`

	// SessionID names the target session. For allocate, zero asks the
	// server to pick the next free id.
	SessionID uint64 `json:"session_id,omitempty"`

	// Attach fields
	Role string `json:"role,omitempty"`

	// set_attr takes either full attributes or stty-style settings.
	Attributes *termios.Attributes `json:"attributes,omitempty"`
	Settings   []string            `json:"settings,omitempty"`

	// set_winsize
	Winsize *termios.WindowSize `json:"winsize,omitempty"`
}

// Response is a JSON control message from server to client.
type Response struct {
	ID    string `json:"id"`
	Event string `json:"event"`

	SessionID uint64 `json:"session_id,omitempty"`

	// Error response
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	Attributes *termios.Attributes `json:"attributes,omitempty"`
	Winsize    *termios.WindowSize `json:"winsize,omitempty"`
	Sessions   []uint64            `json:"sessions,omitempty"`
	Events     []ldisc.Event       `json:"events,omitempty"`
}

// Err returns the error carried by an error response, or nil.
func (r Response) Err() error {
	if r.Event != EvtError {
		return nil
	}
	return &Error{Code: r.Code, Message: r.Error}
}

// Error is a failed request as reported by the server.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap maps the code back to the sentinel it was produced from, so
// callers can use errors.Is across the wire.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeNotFound:
		return registry.ErrNotFound
	case CodeDuplicateID:
		return registry.ErrDuplicateID
	case CodeSessionClosed:
		return session.ErrSessionClosed
	case CodeOutboundFull:
		return session.ErrOutboundFull
	}
	return nil
}

// Code returns the error code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, registry.ErrDuplicateID):
		return CodeDuplicateID
	case errors.Is(err, session.ErrSessionClosed):
		return CodeSessionClosed
	case errors.Is(err, session.ErrOutboundFull):
		return CodeOutboundFull
	}
	return CodeBadRequest
}

// ErrorResponse builds the error response to the request with the given id.
func ErrorResponse(id string, err error) Response {
	return Response{ID: id, Event: EvtError, Code: Code(err), Error: err.Error()}
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, frameType byte, payload []byte) error {
	if 1+len(payload) > MaxFrameSize {
		return fmt.Errorf("write frame: %w: %d", ErrFrameTooLarge, 1+len(payload))
	}
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = frameType
	copy(buf[5:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// WriteControl writes msg as a JSON control frame.
func WriteControl(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return WriteFrame(w, FrameControl, data)
}

// WriteData writes a data frame for the given session.
func WriteData(w io.Writer, frameType byte, id uint64, data []byte) error {
	payload := make([]byte, sessionIDLen+len(data))
	binary.BigEndian.PutUint64(payload, id)
	copy(payload[sessionIDLen:], data)
	return WriteFrame(w, frameType, payload)
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, ErrEmptyFrame
	}
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

// ParseData splits a data frame payload into session id and bytes.
func ParseData(payload []byte) (uint64, []byte, error) {
	if len(payload) < sessionIDLen {
		return 0, nil, ErrShortPayload
	}
	return binary.BigEndian.Uint64(payload), payload[sessionIDLen:], nil
}

// Writer serializes frame writes from several goroutines onto one stream.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteControl writes msg as a control frame.
func (w *Writer) WriteControl(msg any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteControl(w.w, msg)
}

// WriteData writes a data frame.
func (w *Writer) WriteData(frameType byte, id uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteData(w.w, frameType, id, data)
}
