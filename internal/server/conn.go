package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peterje/ttymux/internal/control"
	"github.com/peterje/ttymux/internal/protocol"
	"github.com/peterje/ttymux/internal/session"
	"github.com/peterje/ttymux/internal/termios"
)

var errAlreadyAttached = errors.New("already attached")

// inputBacklog is how many input frames may wait for one session before
// further frames for it are refused.
const inputBacklog = 256

// inputWorker consumes input frames for one session so a session blocked on
// a full outbound queue holds up only its own input.
type inputWorker struct {
	sess  *session.Session
	queue chan []byte
}

type attachKey struct {
	id   session.ID
	role string
}

type attachment struct {
	cancel context.CancelFunc
}

// conn is one protocol peer.
type conn struct {
	srv *Server
	nc  net.Conn
	w   *protocol.Writer
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	owned    map[session.ID]struct{}
	attached map[attachKey]*attachment
	inputs   map[session.ID]*inputWorker
}

func newConn(s *Server, nc net.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		srv:      s,
		nc:       nc,
		w:        protocol.NewWriter(nc),
		log:      s.log.With().Str("conn", uuid.NewString()).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		owned:    make(map[session.ID]struct{}),
		attached: make(map[attachKey]*attachment),
		inputs:   make(map[session.ID]*inputWorker),
	}
}

func (c *conn) serve() {
	c.log.Debug().Str("remote", c.nc.RemoteAddr().String()).Msg("connection opened")
	defer c.close()

	reader := bufio.NewReader(c.nc)
	for {
		frameType, payload, err := protocol.ReadFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Msg("read frame")
			}
			return
		}

		switch frameType {
		case protocol.FrameControl:
			c.srv.metrics.Frame("control")
			c.handleControl(payload)
		case protocol.FrameInput:
			c.srv.metrics.Frame("input")
			c.handleInput(payload)
		case protocol.FrameWrite:
			c.srv.metrics.Frame("write")
			c.handleWrite(payload)
		default:
			c.log.Warn().Uint8("type", frameType).Msg("unexpected frame type")
		}
	}
}

// close ends every attachment and removes the sessions this peer allocated.
func (c *conn) close() {
	c.cancel()
	c.nc.Close()
	c.wg.Wait()

	c.mu.Lock()
	owned := make([]session.ID, 0, len(c.owned))
	for id := range c.owned {
		owned = append(owned, id)
	}
	c.owned = nil
	c.mu.Unlock()

	for _, id := range owned {
		if err := c.srv.reg.Remove(id); err == nil {
			c.log.Info().Uint64("session", uint64(id)).Msg("removed session of closed connection")
		}
	}
	c.log.Debug().Msg("connection closed")
}

func (c *conn) send(resp protocol.Response) {
	if err := c.w.WriteControl(resp); err != nil {
		c.log.Debug().Err(err).Str("event", resp.Event).Msg("write response")
	}
}

func (c *conn) sendError(id string, err error) {
	c.send(protocol.ErrorResponse(id, err))
}

func (c *conn) handleControl(payload []byte) {
	var req protocol.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		c.log.Warn().Err(err).Msg("bad control message")
		c.sendError("", fmt.Errorf("decode request: %w", err))
		return
	}

	switch req.Command {
	case protocol.CmdPing:
		c.send(protocol.Response{ID: req.ID, Event: protocol.EvtPong})
	case protocol.CmdAllocate:
		c.handleAllocate(req)
	case protocol.CmdRemove:
		c.handleRemove(req)
	case protocol.CmdAttach:
		c.handleAttach(req)
	case protocol.CmdDetach:
		c.handleDetach(req)
	case protocol.CmdGetAttr, protocol.CmdSetAttr:
		c.handleAttributes(req)
	case protocol.CmdGetWinsize, protocol.CmdSetWinsize:
		c.handleWinsize(req)
	case protocol.CmdList:
		ids := c.srv.reg.List()
		out := make([]uint64, len(ids))
		for i, id := range ids {
			out[i] = uint64(id)
		}
		c.send(protocol.Response{ID: req.ID, Event: protocol.EvtList, Sessions: out})
	default:
		c.sendError(req.ID, fmt.Errorf("unknown command %q", req.Command))
	}
}

func (c *conn) handleAllocate(req protocol.Request) {
	var (
		sess *session.Session
		err  error
	)
	if req.SessionID == 0 {
		sess, err = c.srv.reg.AllocateNext()
	} else {
		sess, err = c.srv.reg.Allocate(session.ID(req.SessionID))
	}
	if err != nil {
		c.sendError(req.ID, err)
		return
	}

	c.mu.Lock()
	c.owned[sess.ID()] = struct{}{}
	c.mu.Unlock()

	c.log.Info().Uint64("session", uint64(sess.ID())).Msg("session allocated")
	c.send(protocol.Response{ID: req.ID, Event: protocol.EvtAllocated, SessionID: uint64(sess.ID())})
}

func (c *conn) handleRemove(req protocol.Request) {
	id := session.ID(req.SessionID)
	if err := c.srv.reg.Remove(id); err != nil {
		c.sendError(req.ID, err)
		return
	}
	c.mu.Lock()
	delete(c.owned, id)
	c.mu.Unlock()

	c.log.Info().Uint64("session", req.SessionID).Msg("session removed")
	c.send(protocol.Response{ID: req.ID, Event: protocol.EvtOK, SessionID: req.SessionID})
}

func (c *conn) handleAttach(req protocol.Request) {
	sess, err := c.srv.reg.Get(session.ID(req.SessionID))
	if err != nil {
		c.sendError(req.ID, err)
		return
	}

	if req.Role != protocol.RoleTerminal && req.Role != protocol.RoleReader {
		c.sendError(req.ID, fmt.Errorf("unknown role %q", req.Role))
		return
	}

	key := attachKey{id: sess.ID(), role: req.Role}
	ctx, cancel := context.WithCancel(c.ctx)
	a := &attachment{cancel: cancel}

	c.mu.Lock()
	if _, ok := c.attached[key]; ok {
		c.mu.Unlock()
		cancel()
		c.sendError(req.ID, fmt.Errorf("session %d as %s: %w", req.SessionID, req.Role, errAlreadyAttached))
		return
	}
	c.attached[key] = a
	c.mu.Unlock()

	var pumps []func(context.Context)
	if req.Role == protocol.RoleTerminal {
		pumps = append(pumps, func(ctx context.Context) { c.pumpOutput(ctx, sess) })
	} else {
		// Subscribe before acknowledging so no event after the ack is missed.
		notices, unsub := sess.Subscribe()
		pumps = append(pumps,
			func(ctx context.Context) { c.pumpLines(ctx, sess) },
			func(ctx context.Context) {
				defer unsub()
				c.pumpNotices(ctx, sess, notices)
			},
		)
	}

	// Acknowledge before any data frame for the session goes out.
	c.send(protocol.Response{ID: req.ID, Event: protocol.EvtOK, SessionID: req.SessionID})

	var pumpWG sync.WaitGroup
	for _, pump := range pumps {
		pumpWG.Add(1)
		c.wg.Add(1)
		go func(pump func(context.Context)) {
			defer c.wg.Done()
			defer pumpWG.Done()
			pump(ctx)
		}(pump)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		pumpWG.Wait()
		cancel()

		c.mu.Lock()
		if c.attached[key] == a {
			delete(c.attached, key)
		}
		c.mu.Unlock()

		select {
		case <-sess.Done():
			c.send(protocol.Response{Event: protocol.EvtClosed, SessionID: uint64(sess.ID())})
		default:
		}
	}()
	c.log.Debug().Uint64("session", req.SessionID).Str("role", req.Role).Msg("attached")
}

func (c *conn) handleDetach(req protocol.Request) {
	id := session.ID(req.SessionID)
	c.mu.Lock()
	n := 0
	for key, a := range c.attached {
		if key.id == id && (req.Role == "" || key.role == req.Role) {
			a.cancel()
			delete(c.attached, key)
			n++
		}
	}
	c.mu.Unlock()

	if n == 0 {
		c.sendError(req.ID, fmt.Errorf("session %d is not attached", req.SessionID))
		return
	}
	c.send(protocol.Response{ID: req.ID, Event: protocol.EvtOK, SessionID: req.SessionID})
}

func (c *conn) handleAttributes(req protocol.Request) {
	sess, err := c.srv.reg.Get(session.ID(req.SessionID))
	if err != nil {
		c.sendError(req.ID, err)
		return
	}

	if req.Command == protocol.CmdSetAttr {
		var attr termios.Attributes
		switch {
		case req.Attributes != nil:
			attr = *req.Attributes
		case len(req.Settings) > 0:
			attr, err = termios.Apply(sess.Attributes(), req.Settings)
			if err != nil {
				c.sendError(req.ID, err)
				return
			}
		default:
			c.sendError(req.ID, errors.New("set_attr needs attributes or settings"))
			return
		}
		sess.SetAttributes(attr)
	}

	attr := sess.Attributes()
	c.send(protocol.Response{
		ID:         req.ID,
		Event:      protocol.EvtAttributes,
		SessionID:  req.SessionID,
		Attributes: &attr,
	})
}

func (c *conn) handleWinsize(req protocol.Request) {
	sess, err := c.srv.reg.Get(session.ID(req.SessionID))
	if err != nil {
		c.sendError(req.ID, err)
		return
	}

	if req.Command == protocol.CmdSetWinsize {
		if req.Winsize == nil {
			c.sendError(req.ID, errors.New("set_winsize needs winsize"))
			return
		}
		sess.SetWindowSize(*req.Winsize)
	}

	ws := sess.WindowSize()
	c.send(protocol.Response{
		ID:        req.ID,
		Event:     protocol.EvtWinsize,
		SessionID: req.SessionID,
		Winsize:   &ws,
	})
}

func (c *conn) handleInput(payload []byte) {
	id, data, err := protocol.ParseData(payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad input frame")
		return
	}
	sess, err := c.srv.reg.Get(session.ID(id))
	if err != nil {
		c.send(protocol.Response{Event: protocol.EvtError, SessionID: id, Code: protocol.Code(err), Error: err.Error()})
		return
	}

	w := c.workerFor(sess)
	if w == nil {
		return
	}
	select {
	case w.queue <- data:
	default:
		c.log.Warn().Uint64("session", id).Msg("input backlog full, frame refused")
		c.send(protocol.Response{
			Event:     protocol.EvtError,
			SessionID: id,
			Code:      protocol.CodeOutboundFull,
			Error:     "input backlog full",
		})
	}
}

// workerFor returns the input worker for sess, starting one if needed. It
// returns nil once the connection is closing.
func (c *conn) workerFor(sess *session.Session) *inputWorker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return nil
	}
	if w, ok := c.inputs[sess.ID()]; ok && w.sess == sess {
		return w
	}

	w := &inputWorker{sess: sess, queue: make(chan []byte, inputBacklog)}
	c.inputs[sess.ID()] = w
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runInput(w)

		c.mu.Lock()
		if c.inputs[sess.ID()] == w {
			delete(c.inputs, sess.ID())
		}
		c.mu.Unlock()
	}()
	return w
}

// runInput feeds queued frames through the session's discipline until the
// connection closes or the session goes away.
func (c *conn) runInput(w *inputWorker) {
	sess := w.sess
	id := uint64(sess.ID())
	for {
		var data []byte
		select {
		case <-c.ctx.Done():
			return
		case <-sess.Done():
			return
		case data = <-w.queue:
		}

		events, err := sess.Consume(c.ctx, data)
		c.srv.metrics.Input(len(data), events)
		if err != nil {
			c.log.Debug().Err(err).Uint64("session", id).Msg("consume")
			if errors.Is(err, session.ErrOutboundFull) {
				c.send(protocol.Response{Event: protocol.EvtError, SessionID: id, Code: protocol.CodeOutboundFull, Error: err.Error()})
			}
		}
		if err := control.Apply(sess, events); err != nil {
			c.log.Debug().Err(err).Uint64("session", id).Msg("apply control events")
		}
		if errors.Is(err, session.ErrSessionClosed) || c.ctx.Err() != nil {
			return
		}
	}
}

func (c *conn) handleWrite(payload []byte) {
	id, data, err := protocol.ParseData(payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad write frame")
		return
	}
	sess, err := c.srv.reg.Get(session.ID(id))
	if err != nil {
		c.send(protocol.Response{Event: protocol.EvtError, SessionID: id, Code: protocol.Code(err), Error: err.Error()})
		return
	}
	if _, err := sess.WriteInbound(data); err != nil {
		c.log.Debug().Err(err).Uint64("session", id).Msg("write inbound")
	}
}

// pumpOutput streams the inbound queue to a terminal peer.
func (c *conn) pumpOutput(ctx context.Context, sess *session.Session) {
	id := uint64(sess.ID())
	for {
		data, err := sess.ReadInbound(ctx)
		if err != nil {
			return
		}
		if err := c.w.WriteData(protocol.FrameOutput, id, data); err != nil {
			return
		}
	}
}

// pumpLines drains the outbound queue to a reader peer.
func (c *conn) pumpLines(ctx context.Context, sess *session.Session) {
	id := uint64(sess.ID())
	for {
		entry, err := sess.Drain(ctx)
		if err != nil {
			return
		}
		if err := c.w.WriteData(protocol.FrameLine, id, entry); err != nil {
			c.log.Debug().Err(err).Uint64("session", id).Msg("requeue undelivered entry")
			sess.Unread(entry)
			return
		}
		c.srv.metrics.LineDrained()
	}
}

// pumpNotices forwards published control events and resizes to a reader.
func (c *conn) pumpNotices(ctx context.Context, sess *session.Session, ch <-chan session.Notice) {
	id := uint64(sess.ID())
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			resp := protocol.Response{SessionID: id}
			if n.Resize != nil {
				resp.Event = protocol.EvtWinsize
				resp.Winsize = n.Resize
			} else {
				resp.Event = protocol.EvtEvent
				resp.Events = n.Events
			}
			if err := c.w.WriteControl(resp); err != nil {
				return
			}
		}
	}
}
