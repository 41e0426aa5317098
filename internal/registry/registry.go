// Package registry maps session ids to live sessions.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/peterje/ttymux/internal/session"
)

var (
	// ErrNotFound is returned when no live session has the requested id.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateID is returned by Allocate when the id is already live.
	ErrDuplicateID = errors.New("session id already in use")
)

// Observer is told about structural changes. Calls happen outside the
// registry lock.
type Observer interface {
	SessionAllocated(s *session.Session)
	SessionRemoved(id session.ID)
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithSessionOptions sets the options every allocated session gets.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Registry) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// Registry is a concurrency-safe collection of sessions. Lookups share a
// read lock; Allocate and Remove take the write lock only for the map
// update, never while a session lock is held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[session.ID]*session.Session
	next     session.ID

	sessionOpts []session.Option
	observers   []Observer
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[session.ID]*session.Session),
		next:     1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allocate creates a session with default attributes under id.
func (r *Registry) Allocate(id session.ID) (*session.Session, error) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("allocate %d: %w", id, ErrDuplicateID)
	}
	sess := session.New(id, r.sessionOpts...)
	r.sessions[id] = sess
	if id >= r.next {
		r.next = id + 1
	}
	r.mu.Unlock()

	for _, o := range r.observers {
		o.SessionAllocated(sess)
	}
	return sess, nil
}

// AllocateNext creates a session under the lowest unused id above every id
// handed out so far. It never hands out id 0, even after the counter wraps.
func (r *Registry) AllocateNext() (*session.Session, error) {
	r.mu.Lock()
	id := r.next
	for {
		if _, ok := r.sessions[id]; id != 0 && !ok {
			break
		}
		id++
	}
	sess := session.New(id, r.sessionOpts...)
	r.sessions[id] = sess
	r.next = id + 1
	r.mu.Unlock()

	for _, o := range r.observers {
		o.SessionAllocated(sess)
	}
	return sess, nil
}

// Get returns the live session with the given id.
func (r *Registry) Get(id session.ID) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return sess, nil
}

// Remove deletes the session and closes it, waking any blocked reader.
func (r *Registry) Remove(id session.ID) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("remove %d: %w", id, ErrNotFound)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	sess.Close()
	for _, o := range r.observers {
		o.SessionRemoved(id)
	}
	return nil
}

// List returns the live session ids in ascending order.
func (r *Registry) List() []session.ID {
	r.mu.RLock()
	ids := make([]session.ID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll removes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[session.ID]*session.Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
		for _, o := range r.observers {
			o.SessionRemoved(sess.ID())
		}
	}
}
