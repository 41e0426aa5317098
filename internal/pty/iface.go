package pty

import "github.com/peterje/ttymux/internal/session"

// Sessions is the registry view a Manager needs to find and retire
// sessions.
type Sessions interface {
	Get(id session.ID) (*session.Session, error)
	Remove(id session.ID) error
}
