// Package session holds the per-terminal state the line discipline runs
// against: attributes, window size, the open line, the outbound queue of
// completed lines and the inbound queue of bytes bound for the far side.
//
// All methods are safe for concurrent use. Consume and Drain on one session
// are mutually exclusive; different sessions never share a lock.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/peterje/ttymux/internal/ldisc"
	"github.com/peterje/ttymux/internal/termios"
)

var (
	// ErrSessionClosed is returned by blocking calls woken by Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrOutboundFull is returned by Consume when entries were dropped
	// under OverflowDrop.
	ErrOutboundFull = errors.New("outbound queue full")
)

// ID is the stable handle of a session.
type ID uint64

// Overflow selects what Consume does when the outbound queue is full.
type Overflow int

const (
	// OverflowBlock makes Consume wait until a reader drains an entry.
	OverflowBlock Overflow = iota
	// OverflowDrop discards the entry and reports ErrOutboundFull.
	OverflowDrop
)

// ParseOverflow maps "block" and "drop" to an Overflow policy.
func ParseOverflow(s string) (Overflow, error) {
	switch s {
	case "block", "":
		return OverflowBlock, nil
	case "drop":
		return OverflowDrop, nil
	}
	return 0, errors.New("overflow policy must be 'block' or 'drop'")
}

func (o Overflow) String() string {
	if o == OverflowDrop {
		return "drop"
	}
	return "block"
}

// Option configures a Session.
type Option func(*Session)

// WithOutboundLimit bounds the outbound queue to n entries. Zero means
// unbounded.
func WithOutboundLimit(n int) Option {
	return func(s *Session) { s.limit = n }
}

// WithOverflow sets the policy applied when the outbound queue is full.
func WithOverflow(o Overflow) Option {
	return func(s *Session) { s.overflow = o }
}

// Notice is delivered to subscribers. Exactly one field is set.
type Notice struct {
	Events []ldisc.Event
	Resize *termios.WindowSize
}

// Session is one logical terminal.
type Session struct {
	id        ID
	createdAt time.Time
	limit     int
	overflow  Overflow

	// writeMu keeps completed entries of concurrent Consume calls in order
	// while one of them waits for queue space.
	writeMu sync.Mutex

	mu             sync.Mutex
	attr           termios.Attributes
	winsize        termios.WindowSize
	cooked         []byte
	outbound       [][]byte
	inbound        []byte
	inboundStopped bool
	dropped        uint64
	closed         bool
	changed        chan struct{}
	done           chan struct{}

	subMu       sync.Mutex
	subscribers map[chan Notice]struct{}
}

// New returns a session with default attributes and window size.
func New(id ID, opts ...Option) *Session {
	s := &Session{
		id:          id,
		createdAt:   time.Now(),
		attr:        termios.Default(),
		winsize:     termios.DefaultWindowSize(),
		changed:     make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[chan Notice]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session's handle.
func (s *Session) ID() ID {
	return s.id
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Attributes returns the current terminal attributes.
func (s *Session) Attributes() termios.Attributes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attr
}

// SetAttributes replaces the terminal attributes. No validation is done.
func (s *Session) SetAttributes(a termios.Attributes) {
	s.mu.Lock()
	s.attr = a
	s.mu.Unlock()
}

// WindowSize returns the current window size.
func (s *Session) WindowSize() termios.WindowSize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winsize
}

// SetWindowSize replaces the window size and notifies subscribers.
func (s *Session) SetWindowSize(ws termios.WindowSize) {
	s.mu.Lock()
	s.winsize = ws
	s.mu.Unlock()
	s.publish(Notice{Resize: &ws})
}

// notifyLocked wakes every goroutine waiting on a state change.
// s.mu must be held.
func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Consume runs p through the line discipline. Completed lines are appended
// to the outbound queue in order and the control events produced are
// returned for the caller to act on.
//
// Under OverflowBlock, Consume waits for queue space; if ctx ends or the
// session closes first, the entries not yet queued are discarded.
func (s *Session) Consume(ctx context.Context, p []byte) ([]ldisc.Event, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	res := ldisc.ConsumeWith(s.attr, s.cooked, p, editLine)
	s.cooked = res.Cooked

	var err error
	for _, entry := range res.Completed {
		for s.limit > 0 && len(s.outbound) >= s.limit && s.overflow == OverflowBlock {
			wait := s.changed
			s.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return res.Events, ctx.Err()
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return res.Events, ErrSessionClosed
			}
		}
		if s.limit > 0 && len(s.outbound) >= s.limit {
			s.dropped++
			err = ErrOutboundFull
			continue
		}
		s.outbound = append(s.outbound, entry)
	}
	if len(res.Completed) > 0 {
		s.notifyLocked()
	}
	s.mu.Unlock()
	return res.Events, err
}

// Drain removes and returns the oldest outbound entry, blocking while the
// queue is empty. Entries still queued when the session closes are handed
// out first; after that Drain fails with ErrSessionClosed. An empty entry
// pushed in canonical mode marks end-of-file; in non-canonical mode it is
// the chunk a zero VMIN releases.
func (s *Session) Drain(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if entry, ok := s.popLocked(); ok {
			s.mu.Unlock()
			return entry, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSessionClosed
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryDrain is Drain without blocking.
func (s *Session) TryDrain() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

// Unread puts entry back at the head of the outbound queue, for a reader
// that drained it but could not deliver it. The queue limit does not apply.
func (s *Session) Unread(entry []byte) {
	s.mu.Lock()
	s.outbound = append([][]byte{entry}, s.outbound...)
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Session) popLocked() ([]byte, bool) {
	if len(s.outbound) == 0 {
		return nil, false
	}
	entry := s.outbound[0]
	s.outbound[0] = nil
	s.outbound = s.outbound[1:]
	s.notifyLocked()
	return entry, true
}

// Cooked returns a copy of the open line.
func (s *Session) Cooked() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.cooked...)
}

// editLine gives WordErase and Kill their meaning: a word erase removes the
// last word and the blanks after it, a kill removes the whole line.
func editLine(kind ldisc.Kind, line []byte) int {
	if kind != ldisc.WordErase {
		return 0
	}
	i := len(line)
	for i > 0 && isBlank(line[i-1]) {
		i--
	}
	for i > 0 && !isBlank(line[i-1]) {
		i--
	}
	return i
}

func isBlank(b byte) bool {
	return b == ' ' || b == '\t'
}

// WriteInbound queues p for delivery to the far side.
func (s *Session) WriteInbound(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	s.inbound = append(s.inbound, p...)
	s.notifyLocked()
	return len(p), nil
}

// ReadInbound returns everything queued for the far side, blocking while
// the queue is empty or delivery is stopped.
func (s *Session) ReadInbound(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.inbound) > 0 && !s.inboundStopped {
			data := s.inbound
			s.inbound = nil
			s.mu.Unlock()
			return data, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSessionClosed
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// StopInbound holds back inbound delivery until StartInbound.
func (s *Session) StopInbound() {
	s.mu.Lock()
	s.inboundStopped = true
	s.mu.Unlock()
}

// StartInbound resumes inbound delivery.
func (s *Session) StartInbound() {
	s.mu.Lock()
	s.inboundStopped = false
	s.notifyLocked()
	s.mu.Unlock()
}

// InboundStopped reports whether delivery is held back.
func (s *Session) InboundStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inboundStopped
}

// Stats is a point-in-time view of a session's queues.
type Stats struct {
	Pending   int    `json:"pending"`
	CookedLen int    `json:"cooked_len"`
	Inbound   int    `json:"inbound"`
	Dropped   uint64 `json:"dropped"`
	Closed    bool   `json:"closed"`
}

// Stats returns the current queue sizes.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:   len(s.outbound),
		CookedLen: len(s.cooked),
		Inbound:   len(s.inbound),
		Dropped:   s.dropped,
		Closed:    s.closed,
	}
}

// Subscribe returns a channel of notices and an unsubscribe function.
// The channel is closed when the session closes.
func (s *Session) Subscribe() (<-chan Notice, func()) {
	ch := make(chan Notice, 64)
	s.subMu.Lock()
	select {
	case <-s.done:
		close(ch)
	default:
		s.subscribers[ch] = struct{}{}
	}
	s.subMu.Unlock()

	unsub := func() {
		s.subMu.Lock()
		delete(s.subscribers, ch)
		s.subMu.Unlock()
	}
	return ch, unsub
}

// Publish forwards control events to subscribers.
func (s *Session) Publish(events []ldisc.Event) {
	if len(events) == 0 {
		return
	}
	s.publish(Notice{Events: events})
}

func (s *Session) publish(n Notice) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- n:
		default:
			// Slow subscriber, drop notice
		}
	}
}

// Close destroys the session and releases every blocked caller.
// It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.notifyLocked()
	s.mu.Unlock()

	s.subMu.Lock()
	close(s.done)
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
	s.subMu.Unlock()
}

// Done returns a channel that is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
