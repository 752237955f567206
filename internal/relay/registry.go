package relay

import (
	"log/slog"
	"sort"

	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/zone"
)

// Participant is the relay's authoritative record of one connection.
type Participant struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	Position     protocol.Position

	// Zone is nil until the first join and after a leave.
	Zone *zone.ID
}

func (p *Participant) peer() protocol.Peer {
	return protocol.Peer{
		ID:          p.ConnectionID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Position:    p.Position,
	}
}

// Delivery is one message the hub must send to one connection.
type Delivery struct {
	To      string
	Message *protocol.Message
}

// Registry tracks which connection is in which zone. It is not safe for
// concurrent use: the hub's event loop is its only caller.
type Registry struct {
	grid         zone.Grid
	zones        map[zone.ID]map[string]struct{}
	participants map[string]*Participant
	logger       *slog.Logger
}

// NewRegistry returns an empty registry that quantizes positions with grid.
func NewRegistry(grid zone.Grid, logger *slog.Logger) *Registry {
	return &Registry{
		grid:         grid,
		zones:        make(map[zone.ID]map[string]struct{}),
		participants: make(map[string]*Participant),
		logger:       logger,
	}
}

// Grid returns the zone grid used for joins.
func (r *Registry) Grid() zone.Grid {
	return r.grid
}

// Participant returns a copy of the record for connID.
func (r *Registry) Participant(connID string) (Participant, bool) {
	p, ok := r.participants[connID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Join places connID in the zone containing pos. A connection already in
// another zone is first removed from it; only that old zone hears about the
// departure. The caller receives the roster of its new zone and every other
// member of that zone receives exactly one peer-joined.
func (r *Registry) Join(connID, userID, displayName string, pos protocol.Position) []Delivery {
	target := r.grid.Key(pos.X, pos.Y)

	var out []Delivery

	p, ok := r.participants[connID]
	if !ok {
		p = &Participant{ConnectionID: connID}
		r.participants[connID] = p
	}
	if p.Zone != nil && *p.Zone != target {
		out = append(out, r.leave(p)...)
	}

	p.UserID = userID
	p.DisplayName = displayName
	p.Position = pos
	p.Zone = &target

	members, ok := r.zones[target]
	if !ok {
		members = make(map[string]struct{})
		r.zones[target] = members
	}
	members[connID] = struct{}{}

	roster := make([]protocol.Peer, 0, len(members)-1)
	announce := p.peer()
	for _, other := range r.sortedMembers(target) {
		if other == connID {
			continue
		}
		roster = append(roster, r.participants[other].peer())
		out = append(out, Delivery{
			To: other,
			Message: &protocol.Message{
				Type: protocol.TypePeerJoined,
				Zone: zoneRef(target),
				Peer: &announce,
			},
		})
	}

	out = append(out, Delivery{
		To: connID,
		Message: &protocol.Message{
			Type:   protocol.TypeJoined,
			Zone:   zoneRef(target),
			Roster: roster,
		},
	})

	r.logger.Info("participant joined zone",
		"connection", connID,
		"user", userID,
		"zone", target.String(),
		"members", len(members),
	)
	return out
}

// Leave removes connID from its zone. Leaving while not in a zone is a no-op.
func (r *Registry) Leave(connID string) []Delivery {
	p, ok := r.participants[connID]
	if !ok || p.Zone == nil {
		return nil
	}
	return r.leave(p)
}

func (r *Registry) leave(p *Participant) []Delivery {
	old := *p.Zone
	p.Zone = nil

	members := r.zones[old]
	delete(members, p.ConnectionID)
	if len(members) == 0 {
		delete(r.zones, old)
	}

	var out []Delivery
	for _, other := range r.sortedMembers(old) {
		out = append(out, Delivery{
			To: other,
			Message: &protocol.Message{
				Type:     protocol.TypePeerLeft,
				SenderID: p.ConnectionID,
				Zone:     zoneRef(old),
			},
		})
	}

	r.logger.Info("participant left zone",
		"connection", p.ConnectionID,
		"zone", old.String(),
		"remaining", len(members),
	)
	return out
}

// Move records a new position and tells the rest of the zone. Membership is
// never recomputed here: crossing a boundary is the client's explicit
// leave/join.
func (r *Registry) Move(connID string, pos protocol.Position) []Delivery {
	p, ok := r.participants[connID]
	if !ok {
		return nil
	}
	p.Position = pos
	if p.Zone == nil {
		return nil
	}

	current := *p.Zone
	moved := p.peer()

	var out []Delivery
	for _, other := range r.sortedMembers(current) {
		if other == connID {
			continue
		}
		out = append(out, Delivery{
			To: other,
			Message: &protocol.Message{
				Type: protocol.TypePeerMoved,
				Zone: zoneRef(current),
				Peer: &moved,
			},
		})
	}
	return out
}

// Route forwards an offer, answer or ICE candidate to msg.TargetID with the
// sender stamped on it. Messages to a connection that is gone or no longer
// shares the sender's zone are dropped; the target's peer-left is what the
// sender acts on.
func (r *Registry) Route(senderID string, msg *protocol.Message) []Delivery {
	sender, ok := r.participants[senderID]
	if !ok || sender.Zone == nil {
		r.logger.Debug("dropping signal from connection outside any zone",
			"type", msg.Type,
			"sender", senderID,
		)
		return nil
	}

	target, ok := r.participants[msg.TargetID]
	if !ok {
		r.logger.Info("dropping signal for disconnected target",
			"type", msg.Type,
			"sender", senderID,
			"target", msg.TargetID,
		)
		return nil
	}
	if target.Zone == nil || *target.Zone != *sender.Zone {
		r.logger.Info("dropping signal across zones",
			"type", msg.Type,
			"sender", senderID,
			"target", msg.TargetID,
		)
		return nil
	}

	forwarded := *msg
	forwarded.SenderID = senderID
	return []Delivery{{To: msg.TargetID, Message: &forwarded}}
}

// Disconnect leaves the current zone and forgets the participant.
func (r *Registry) Disconnect(connID string) []Delivery {
	out := r.Leave(connID)
	delete(r.participants, connID)
	return out
}

// ZoneSnapshot lists the members of one zone.
type ZoneSnapshot struct {
	Zone    zone.ID         `json:"zone"`
	Name    string          `json:"name"`
	Members []protocol.Peer `json:"members"`
}

// Zones returns every occupied zone, ordered by name.
func (r *Registry) Zones() []ZoneSnapshot {
	out := make([]ZoneSnapshot, 0, len(r.zones))
	for id := range r.zones {
		snap := ZoneSnapshot{Zone: id, Name: id.String()}
		for _, connID := range r.sortedMembers(id) {
			snap.Members = append(snap.Members, r.participants[connID].peer())
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) sortedMembers(id zone.ID) []string {
	members := r.zones[id]
	ids := make([]string, 0, len(members))
	for connID := range members {
		ids = append(ids, connID)
	}
	sort.Strings(ids)
	return ids
}

func zoneRef(id zone.ID) *zone.ID {
	return &id
}
