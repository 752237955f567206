package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/zone"
)

var ErrUnexpectedMessage = errors.New("unexpected message before welcome")

// RelayError is an error message sent by the relay.
type RelayError struct {
	Reason string
}

func (e *RelayError) Error() string {
	return "relay: " + e.Reason
}

// Presence receives zone membership events.
type Presence interface {
	HandleJoined(z zone.ID, roster []protocol.Peer)
	HandlePeerJoined(z zone.ID, peer protocol.Peer)
	HandlePeerLeft(z zone.ID, peerID string)
	HandlePeerMoved(z zone.ID, peer protocol.Peer)
	Disconnected()
}

// Signals receives negotiation messages from other participants.
type Signals interface {
	HandleOffer(from string, sdp protocol.SessionDescription)
	HandleAnswer(from string, sdp protocol.SessionDescription)
	HandleCandidate(from string, candidate protocol.Candidate)
}

// Handler routes incoming relay messages to presence and the mesh.
type Handler struct {
	client *Client
	logger *slog.Logger

	// Errors carries error messages from the relay. Old errors are dropped
	// when nobody reads them.
	Errors chan *RelayError
}

// NewHandler creates a new message handler.
func NewHandler(client *Client, logger *slog.Logger) *Handler {
	return &Handler{
		client: client,
		logger: logger,
		Errors: make(chan *RelayError, 4),
	}
}

// AwaitWelcome blocks until the relay's welcome arrives. It must be called
// before Run.
func (h *Handler) AwaitWelcome(ctx context.Context) (*protocol.Welcome, error) {
	select {
	case msg, ok := <-h.client.Incoming():
		if !ok {
			return nil, ErrClosed
		}
		switch {
		case msg.Type == protocol.TypeWelcome && msg.Welcome != nil:
			if msg.Welcome.Version != protocol.Version {
				h.logger.Warn("relay speaks a different protocol version",
					"relay", msg.Welcome.Version,
					"local", protocol.Version,
				)
			}
			return msg.Welcome, nil
		case msg.Type == protocol.TypeError:
			return nil, &RelayError{Reason: msg.Error}
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Type)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run dispatches messages until the connection ends, then tells presence
// it is disconnected.
func (h *Handler) Run(presence Presence, signals Signals) {
	defer presence.Disconnected()

	for msg := range h.client.Incoming() {
		h.dispatch(presence, signals, msg)
	}
}

func (h *Handler) dispatch(presence Presence, signals Signals, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoined:
		if msg.Zone == nil {
			h.malformed(msg)
			return
		}
		presence.HandleJoined(*msg.Zone, msg.Roster)

	case protocol.TypePeerJoined:
		if msg.Zone == nil || msg.Peer == nil {
			h.malformed(msg)
			return
		}
		presence.HandlePeerJoined(*msg.Zone, *msg.Peer)

	case protocol.TypePeerLeft:
		if msg.Zone == nil || msg.SenderID == "" {
			h.malformed(msg)
			return
		}
		presence.HandlePeerLeft(*msg.Zone, msg.SenderID)

	case protocol.TypePeerMoved:
		if msg.Zone == nil || msg.Peer == nil {
			h.malformed(msg)
			return
		}
		presence.HandlePeerMoved(*msg.Zone, *msg.Peer)

	case protocol.TypeOffer, protocol.TypeAnswer:
		if msg.SenderID == "" || msg.SDP == nil {
			h.malformed(msg)
			return
		}
		if msg.Type == protocol.TypeOffer {
			signals.HandleOffer(msg.SenderID, *msg.SDP)
		} else {
			signals.HandleAnswer(msg.SenderID, *msg.SDP)
		}

	case protocol.TypeICECandidate:
		if msg.SenderID == "" || msg.Candidate == nil {
			h.malformed(msg)
			return
		}
		signals.HandleCandidate(msg.SenderID, *msg.Candidate)

	case protocol.TypeError:
		h.logger.Error("relay reported an error", "reason", msg.Error)
		select {
		case h.Errors <- &RelayError{Reason: msg.Error}:
		default:
		}

	default:
		h.logger.Debug("ignoring message", "type", msg.Type)
	}
}

func (h *Handler) malformed(msg *protocol.Message) {
	h.logger.Warn("ignoring malformed message from relay", "type", msg.Type, "sender", msg.SenderID)
}
