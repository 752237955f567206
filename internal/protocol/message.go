package protocol

import "github.com/BioHazard786/ZoneVoice/internal/zone"

// Version is sent in the welcome message so clients can detect a relay
// speaking an incompatible schema.
const Version = "1"

// Type tags a Message.
type Type string

// Client to relay.
const (
	TypeJoin  Type = "join"
	TypeLeave Type = "leave"
	TypeMove  Type = "move"
)

// Relayed verbatim between clients.
const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
)

// Relay to client.
const (
	TypeWelcome    Type = "welcome"
	TypeJoined     Type = "joined"
	TypePeerJoined Type = "peer-joined"
	TypePeerLeft   Type = "peer-left"
	TypePeerMoved  Type = "peer-moved"
	TypeError      Type = "error"
)

// IsSignal reports whether t is one of the point-to-point negotiation types
// the relay forwards without looking at.
func (t Type) IsSignal() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

// Message is the single envelope for every websocket frame in both
// directions. Only the fields relevant to Type are set.
type Message struct {
	Type     Type   `json:"type" msgpack:"type"`
	SenderID string `json:"sender_id,omitempty" msgpack:"sender_id,omitempty"`
	TargetID string `json:"target_id,omitempty" msgpack:"target_id,omitempty"`

	// join
	UserID      string    `json:"user_id,omitempty" msgpack:"user_id,omitempty"`
	DisplayName string    `json:"display_name,omitempty" msgpack:"display_name,omitempty"`
	Position    *Position `json:"position,omitempty" msgpack:"position,omitempty"`

	// joined, peer-joined, peer-left, peer-moved
	Zone   *zone.ID `json:"zone,omitempty" msgpack:"zone,omitempty"`
	Roster []Peer   `json:"roster,omitempty" msgpack:"roster,omitempty"`
	Peer   *Peer    `json:"peer,omitempty" msgpack:"peer,omitempty"`

	// offer, answer, ice-candidate
	SDP       *SessionDescription `json:"sdp,omitempty" msgpack:"sdp,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty" msgpack:"candidate,omitempty"`

	// welcome
	Welcome *Welcome `json:"welcome,omitempty" msgpack:"welcome,omitempty"`

	// error
	Error string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Position is a point in world units.
type Position struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// Peer describes another participant as seen by a client.
type Peer struct {
	ID          string   `json:"peer_id" msgpack:"peer_id"`
	UserID      string   `json:"user_id" msgpack:"user_id"`
	DisplayName string   `json:"display_name" msgpack:"display_name"`
	Position    Position `json:"position" msgpack:"position"`
}

// Welcome is the first message a relay sends on a new connection.
type Welcome struct {
	ConnectionID string  `json:"connection_id" msgpack:"connection_id"`
	ZoneSize     float64 `json:"zone_size" msgpack:"zone_size"`
	Version      string  `json:"version" msgpack:"version"`
}

// SessionDescription carries an SDP offer or answer. The relay never reads
// it.
type SessionDescription struct {
	Type string `json:"type" msgpack:"type"`
	SDP  string `json:"sdp" msgpack:"sdp"`
}

// Candidate carries one trickled ICE candidate. The relay never reads it.
type Candidate struct {
	Candidate        string  `json:"candidate" msgpack:"candidate"`
	SDPMid           *string `json:"sdp_mid,omitempty" msgpack:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdp_mline_index,omitempty" msgpack:"sdp_mline_index,omitempty"`
	UsernameFragment *string `json:"username_fragment,omitempty" msgpack:"username_fragment,omitempty"`
}

// NewError builds an error message for the relay to send back.
func NewError(reason string) *Message {
	return &Message{Type: TypeError, Error: reason}
}
