// Package client speaks the ttymux protocol to a server over a unix socket,
// TCP or a tunnel stream.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/peterje/ttymux/internal/protocol"
	"github.com/peterje/ttymux/internal/termios"
	"github.com/peterje/ttymux/internal/tunnel"
)

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("client closed")

const chanSize = 256

// sessionChans holds the per-session delivery channels.
type sessionChans struct {
	lines  chan []byte
	output chan []byte
	events chan protocol.Response
	done   chan struct{}
}

// Client is a protocol connection. It is safe for concurrent use.
type Client struct {
	conn    net.Conn
	w       *protocol.Writer
	log     zerolog.Logger
	onClose func() error

	// Pending request-response correlation
	pendingMu sync.Mutex
	pending   map[string]chan protocol.Response

	sessionMu sync.Mutex
	sessions  map[uint64]*sessionChans

	reqCounter atomic.Uint64
	closeOnce  sync.Once
	closed     chan struct{}
}

// New runs the protocol over an established connection.
func New(conn net.Conn) *Client {
	c := &Client{
		conn:     conn,
		w:        protocol.NewWriter(conn),
		log:      log.With().Str("component", "client").Logger(),
		pending:  make(map[string]chan protocol.Response),
		sessions: make(map[uint64]*sessionChans),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to a server listening on network and addr.
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return New(conn), nil
}

// DialTunnel connects through the server's websocket tunnel endpoint.
func DialTunnel(url, token string, insecure bool) (*Client, error) {
	sess, err := tunnel.Dial(url, token, insecure)
	if err != nil {
		return nil, err
	}
	stream, err := sess.Open()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	c := New(stream)
	c.onClose = sess.Close
	return c, nil
}

// Close disconnects from the server.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, protocol.Request{Command: protocol.CmdPing}, protocol.EvtPong)
	return err
}

// Allocate creates a session. id 0 lets the server pick one. The session
// is removed when this client disconnects.
func (c *Client) Allocate(ctx context.Context, id uint64) (uint64, error) {
	resp, err := c.request(ctx, protocol.Request{Command: protocol.CmdAllocate, SessionID: id}, protocol.EvtAllocated)
	if err != nil {
		return 0, err
	}
	return resp.SessionID, nil
}

// Remove destroys a session.
func (c *Client) Remove(ctx context.Context, id uint64) error {
	_, err := c.request(ctx, protocol.Request{Command: protocol.CmdRemove, SessionID: id}, protocol.EvtOK)
	return err
}

// Attach starts delivery for a session in the given role
// (protocol.RoleTerminal or protocol.RoleReader).
func (c *Client) Attach(ctx context.Context, id uint64, role string) error {
	c.chans(id)
	_, err := c.request(ctx, protocol.Request{Command: protocol.CmdAttach, SessionID: id, Role: role}, protocol.EvtOK)
	return err
}

// Detach stops delivery. An empty role detaches every role.
func (c *Client) Detach(ctx context.Context, id uint64, role string) error {
	_, err := c.request(ctx, protocol.Request{Command: protocol.CmdDetach, SessionID: id, Role: role}, protocol.EvtOK)
	return err
}

// Attributes returns a session's terminal attributes.
func (c *Client) Attributes(ctx context.Context, id uint64) (termios.Attributes, error) {
	return c.attributes(ctx, protocol.Request{Command: protocol.CmdGetAttr, SessionID: id})
}

// SetAttributes replaces a session's terminal attributes.
func (c *Client) SetAttributes(ctx context.Context, id uint64, attr termios.Attributes) (termios.Attributes, error) {
	return c.attributes(ctx, protocol.Request{Command: protocol.CmdSetAttr, SessionID: id, Attributes: &attr})
}

// Configure applies stty-style settings such as "-echo" or "intr=^X".
func (c *Client) Configure(ctx context.Context, id uint64, settings ...string) (termios.Attributes, error) {
	return c.attributes(ctx, protocol.Request{Command: protocol.CmdSetAttr, SessionID: id, Settings: settings})
}

func (c *Client) attributes(ctx context.Context, req protocol.Request) (termios.Attributes, error) {
	resp, err := c.request(ctx, req, protocol.EvtAttributes)
	if err != nil {
		return termios.Attributes{}, err
	}
	if resp.Attributes == nil {
		return termios.Attributes{}, fmt.Errorf("%s: response without attributes", req.Command)
	}
	return *resp.Attributes, nil
}

// WindowSize returns a session's window size.
func (c *Client) WindowSize(ctx context.Context, id uint64) (termios.WindowSize, error) {
	return c.winsize(ctx, protocol.Request{Command: protocol.CmdGetWinsize, SessionID: id})
}

// SetWindowSize replaces a session's window size.
func (c *Client) SetWindowSize(ctx context.Context, id uint64, ws termios.WindowSize) (termios.WindowSize, error) {
	return c.winsize(ctx, protocol.Request{Command: protocol.CmdSetWinsize, SessionID: id, Winsize: &ws})
}

func (c *Client) winsize(ctx context.Context, req protocol.Request) (termios.WindowSize, error) {
	resp, err := c.request(ctx, req, protocol.EvtWinsize)
	if err != nil {
		return termios.WindowSize{}, err
	}
	if resp.Winsize == nil {
		return termios.WindowSize{}, fmt.Errorf("%s: response without winsize", req.Command)
	}
	return *resp.Winsize, nil
}

// List returns the live session ids in ascending order.
func (c *Client) List(ctx context.Context) ([]uint64, error) {
	resp, err := c.request(ctx, protocol.Request{Command: protocol.CmdList}, protocol.EvtList)
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Write sends bytes typed at the terminal side of a session.
func (c *Client) Write(id uint64, p []byte) error {
	return c.w.WriteData(protocol.FrameInput, id, p)
}

// WriteInbound sends reader output to the session's inbound queue.
func (c *Client) WriteInbound(id uint64, p []byte) error {
	return c.w.WriteData(protocol.FrameWrite, id, p)
}

// Lines delivers drained outbound entries while attached as reader. An
// empty entry is end-of-file. Lines are never dropped, so the channel must
// be consumed.
func (c *Client) Lines(id uint64) <-chan []byte {
	return c.chans(id).lines
}

// Output delivers inbound queue bytes while attached as terminal.
func (c *Client) Output(id uint64) <-chan []byte {
	return c.chans(id).output
}

// Events delivers unsolicited messages for a session: control events and
// window size changes for readers, and asynchronous errors.
func (c *Client) Events(id uint64) <-chan protocol.Response {
	return c.chans(id).events
}

// Closed is closed when the server reports the session gone.
func (c *Client) Closed(id uint64) <-chan struct{} {
	return c.chans(id).done
}

func (c *Client) chans(id uint64) *sessionChans {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	sc, ok := c.sessions[id]
	if !ok {
		sc = &sessionChans{
			lines:  make(chan []byte, chanSize),
			output: make(chan []byte, chanSize),
			events: make(chan protocol.Response, chanSize),
			done:   make(chan struct{}),
		}
		c.sessions[id] = sc
	}
	return sc
}

func (c *Client) nextReqID() string {
	return fmt.Sprintf("r%d", c.reqCounter.Add(1))
}

func (c *Client) request(ctx context.Context, req protocol.Request, want string) (protocol.Response, error) {
	req.ID = c.nextReqID()

	// Register pending response channel
	ch := make(chan protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.w.WriteControl(req); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Command, err)
	}

	select {
	case resp := <-ch:
		if err := resp.Err(); err != nil {
			return resp, fmt.Errorf("%s: %w", req.Command, err)
		}
		if resp.Event != want {
			return resp, fmt.Errorf("%s: unexpected response %q", req.Command, resp.Event)
		}
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	case <-c.closed:
		return protocol.Response{}, ErrClosed
	}
}

func (c *Client) readLoop() {
	defer c.Close()

	reader := bufio.NewReader(c.conn)
	for {
		frameType, payload, err := protocol.ReadFrame(reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}

		switch frameType {
		case protocol.FrameControl:
			c.handleControlFrame(payload)
		case protocol.FrameLine, protocol.FrameOutput:
			c.handleDataFrame(frameType, payload)
		}
	}
}

func (c *Client) handleControlFrame(payload []byte) {
	var resp protocol.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.log.Warn().Err(err).Msg("bad control message")
		return
	}

	// Unsolicited messages carry no request ID.
	if resp.ID == "" {
		sc := c.chans(resp.SessionID)
		if resp.Event == protocol.EvtClosed {
			c.sessionMu.Lock()
			select {
			case <-sc.done:
			default:
				close(sc.done)
			}
			c.sessionMu.Unlock()
			return
		}
		select {
		case sc.events <- resp:
		default:
			// Slow consumer, drop event
		}
		return
	}

	// Route response to pending request
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) handleDataFrame(frameType byte, payload []byte) {
	id, data, err := protocol.ParseData(payload)
	if err != nil {
		return
	}
	sc := c.chans(id)

	if frameType == protocol.FrameLine {
		select {
		case sc.lines <- data:
		case <-c.closed:
		}
		return
	}
	select {
	case sc.output <- data:
	default:
		// Slow consumer, drop output
	}
}
