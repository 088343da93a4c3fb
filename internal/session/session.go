// Package session holds per-connection state and the registry of live
// connections.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is the state of one client connection. It is owned by the
// goroutine serving that connection and is never shared.
type Session struct {
	ID         string
	RemoteAddr string
	Peer       string
	StartedAt  time.Time

	// Framed switches replies to dot-terminated blocks.
	Framed bool

	Commands int64
	Uploaded int64

	cwd string
}

// New creates a session whose working directory is the jail root.
func New(root, remoteAddr string) *Session {
	return &Session{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
		cwd:        root,
	}
}

// Cwd returns the canonical working directory.
func (s *Session) Cwd() string {
	return s.cwd
}

// SetCwd replaces the working directory. The path must already have been
// resolved inside the jail.
func (s *Session) SetCwd(path string) {
	s.cwd = path
}

// ShortID is the session ID prefix used in log lines.
func (s *Session) ShortID() string {
	if len(s.ID) > 8 {
		return s.ID[:8]
	}
	return s.ID
}

// Info is an immutable description of a session, safe to hand to other
// goroutines.
type Info struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	Peer       string    `json:"peer,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// Info snapshots the identifying fields of the session.
func (s *Session) Info() Info {
	return Info{
		ID:         s.ID,
		RemoteAddr: s.RemoteAddr,
		Peer:       s.Peer,
		StartedAt:  s.StartedAt,
	}
}
