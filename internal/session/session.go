// Package session carries the identity and transport of one participant
// through the presence and mesh layers.
package session

import (
	"errors"
	"log/slog"

	"github.com/BioHazard786/ZoneVoice/internal/protocol"
)

var ErrNoSignaler = errors.New("session has no signaler")

// Signaler delivers a message to the relay.
type Signaler interface {
	Send(msg *protocol.Message) error
}

// Context is the per-participant state every component is constructed with.
type Context struct {
	UserID      string
	DisplayName string

	// ConnectionID is assigned by the relay in its welcome message and is
	// the id other participants address us by.
	ConnectionID string

	Signaler Signaler
	Logger   *slog.Logger
}

// New returns a session context. A nil logger is replaced by slog.Default.
func New(userID, displayName, connectionID string, signaler Signaler, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		UserID:       userID,
		DisplayName:  displayName,
		ConnectionID: connectionID,
		Signaler:     signaler,
		Logger:       logger.With("self", connectionID),
	}
}

// Send forwards msg through the session's signaler.
func (c *Context) Send(msg *protocol.Message) error {
	if c.Signaler == nil {
		return ErrNoSignaler
	}
	return c.Signaler.Send(msg)
}
