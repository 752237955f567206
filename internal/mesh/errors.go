package mesh

import (
	"errors"
	"fmt"
)

var (
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrICEFailed          = errors.New("ice connection failed")
	ErrLinkClosed         = errors.New("link closed")
	ErrUnexpectedSignal   = errors.New("unexpected signal")
)

// LinkError describes a failure on the link to one remote peer.
type LinkError struct {
	Op      string
	Peer    string
	Err     error
	Details string
}

func (e *LinkError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.Peer, e.Err, e.Details)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func newLinkError(op, peer string, err error) *LinkError {
	return &LinkError{Op: op, Peer: peer, Err: err}
}

func wrapLinkError(op, peer string, err error, details string) *LinkError {
	return &LinkError{Op: op, Peer: peer, Err: err, Details: details}
}
