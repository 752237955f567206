package protocol

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var ErrInvalidMessage = errors.New("invalid message")

const (
	maxIDLength          = 128
	maxDisplayNameLength = 64

	// MaxCoordinate bounds positions so zone keys stay well inside int64.
	MaxCoordinate = 1e12
)

// Validate checks a message received from a client. It only looks at the
// envelope; SDP and candidate bodies are left to the peers.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeJoin:
		if m.UserID == "" || len(m.UserID) > maxIDLength {
			return invalid(m.Type, "user_id must be 1-%d bytes", maxIDLength)
		}
		if !utf8.ValidString(m.DisplayName) || utf8.RuneCountInString(m.DisplayName) > maxDisplayNameLength {
			return invalid(m.Type, "display_name must be valid UTF-8 of at most %d characters", maxDisplayNameLength)
		}
		return validatePosition(m.Type, m.Position)

	case TypeLeave:
		return nil

	case TypeMove:
		return validatePosition(m.Type, m.Position)

	case TypeOffer, TypeAnswer:
		if err := validateTarget(m); err != nil {
			return err
		}
		if m.SDP == nil {
			return invalid(m.Type, "missing sdp")
		}
		return nil

	case TypeICECandidate:
		if err := validateTarget(m); err != nil {
			return err
		}
		if m.Candidate == nil {
			return invalid(m.Type, "missing candidate")
		}
		return nil

	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)

	default:
		return fmt.Errorf("%w: type %q is not accepted from clients", ErrInvalidMessage, m.Type)
	}
}

func validateTarget(m *Message) error {
	if m.TargetID == "" || len(m.TargetID) > maxIDLength {
		return invalid(m.Type, "target_id must be 1-%d bytes", maxIDLength)
	}
	return nil
}

func validatePosition(t Type, p *Position) error {
	if p == nil {
		return invalid(t, "missing position")
	}
	for _, v := range []float64{p.X, p.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > MaxCoordinate {
			return invalid(t, "position out of range")
		}
	}
	return nil
}

func invalid(t Type, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidMessage, t, fmt.Sprintf(format, args...))
}
