// Package presence tracks which zone the local participant is in and keeps
// the relay and the peer mesh consistent with it.
//
// A participant is Disconnected until Start, then InZone. Crossing a zone
// boundary is edge-triggered: the old zone is left and every peer link torn
// down before the new zone is joined, so a link never spans two zones.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/session"
	"github.com/BioHazard786/ZoneVoice/internal/zone"
)

var (
	ErrNotStarted     = errors.New("presence not started")
	ErrAlreadyStarted = errors.New("presence already started")
)

// State is the participant's connection state.
type State int

const (
	Disconnected State = iota
	Connected
	InZone
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case InZone:
		return "in-zone"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MeshController is the part of the peer mesh presence drives.
type MeshController interface {
	Discover(peerID string, initiate bool)
	Depart(peerID string)
	CloseAll()
}

// Observer is told about roster changes. Calls are made without any
// presence lock held, so an observer may call back into the Client.
type Observer interface {
	ZoneChanged(z zone.ID, roster []protocol.Peer)
	PeerJoined(peer protocol.Peer)
	PeerLeft(peerID string)
	PeerMoved(peer protocol.Peer)
	Disconnected()
}

// Client is the local participant's presence state machine.
type Client struct {
	sess     *session.Context
	grid     zone.Grid
	mesh     MeshController
	observer Observer

	mu       sync.Mutex
	state    State
	position protocol.Position
	zone     zone.ID
	roster   map[string]protocol.Peer
}

// New creates a presence client. observer may be nil.
func New(sess *session.Context, grid zone.Grid, mesh MeshController, observer Observer) *Client {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Client{
		sess:     sess,
		grid:     grid,
		mesh:     mesh,
		observer: observer,
		roster:   make(map[string]protocol.Peer),
	}
}

// Start joins the zone containing (x, y).
func (c *Client) Start(x, y float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Disconnected {
		return ErrAlreadyStarted
	}
	c.state = Connected
	c.position = protocol.Position{X: x, Y: y}

	if err := c.join(); err != nil {
		c.state = Disconnected
		return err
	}
	return nil
}

// Move records a new local position. Within a zone it is broadcast as a
// move; crossing into another zone leaves the old one, closes every peer
// link and then joins the new one. After a crossing whose join failed the
// next move retries the join.
func (c *Client) Move(x, y float64) error {
	c.mu.Lock()

	switch c.state {
	case Disconnected:
		c.mu.Unlock()
		return ErrNotStarted
	case Connected:
		// A previous crossing left the old zone but never joined the next.
		defer c.mu.Unlock()
		c.position = protocol.Position{X: x, Y: y}
		return c.join()
	}
	c.position = protocol.Position{X: x, Y: y}

	target := c.grid.Key(x, y)
	if target == c.zone {
		pos := c.position
		c.mu.Unlock()
		return c.sess.Send(&protocol.Message{Type: protocol.TypeMove, Position: &pos})
	}
	defer c.mu.Unlock()

	c.sess.Logger.Info("crossing zone boundary", "from", c.zone.String(), "to", target.String())

	if err := c.sess.Send(&protocol.Message{Type: protocol.TypeLeave}); err != nil {
		return fmt.Errorf("leave %s: %w", c.zone, err)
	}
	c.mesh.CloseAll()
	clear(c.roster)
	c.state = Connected

	return c.join()
}

// join sends a join for the current position and records the new zone.
// The roster arrives with the relay's joined message.
func (c *Client) join() error {
	target := c.grid.Key(c.position.X, c.position.Y)
	pos := c.position
	err := c.sess.Send(&protocol.Message{
		Type:        protocol.TypeJoin,
		UserID:      c.sess.UserID,
		DisplayName: c.sess.DisplayName,
		Position:    &pos,
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", target, err)
	}
	c.zone = target
	c.state = InZone
	return nil
}

// HandleJoined installs the roster of a zone we just joined. Every member
// gets a passive link: they were here first and will offer to us.
func (c *Client) HandleJoined(z zone.ID, roster []protocol.Peer) {
	c.mu.Lock()
	if !c.current(z) {
		c.mu.Unlock()
		c.sess.Logger.Debug("ignoring stale roster", "zone", z.String())
		return
	}

	clear(c.roster)
	for _, p := range roster {
		if p.ID == c.sess.ConnectionID {
			continue
		}
		c.roster[p.ID] = p
		c.mesh.Discover(p.ID, false)
	}
	snapshot := c.sortedRoster()
	c.mu.Unlock()

	c.sess.Logger.Info("joined zone", "zone", z.String(), "peers", len(snapshot))
	c.observer.ZoneChanged(z, snapshot)
}

// HandlePeerJoined adds a newcomer to our zone. As the existing member we
// initiate the link.
func (c *Client) HandlePeerJoined(z zone.ID, peer protocol.Peer) {
	c.mu.Lock()
	if !c.current(z) || peer.ID == c.sess.ConnectionID {
		c.mu.Unlock()
		c.sess.Logger.Debug("ignoring stale peer-joined", "zone", z.String(), "peer", peer.ID)
		return
	}
	c.roster[peer.ID] = peer
	c.mesh.Discover(peer.ID, true)
	c.mu.Unlock()

	c.sess.Logger.Info("peer joined", "peer", peer.ID, "name", peer.DisplayName)
	c.observer.PeerJoined(peer)
}

// HandlePeerLeft tears down the link to a departed peer.
func (c *Client) HandlePeerLeft(z zone.ID, peerID string) {
	c.mu.Lock()
	if !c.current(z) {
		c.mu.Unlock()
		c.sess.Logger.Debug("ignoring stale peer-left", "zone", z.String(), "peer", peerID)
		return
	}
	_, known := c.roster[peerID]
	delete(c.roster, peerID)
	c.mesh.Depart(peerID)
	c.mu.Unlock()

	if known {
		c.sess.Logger.Info("peer left", "peer", peerID)
		c.observer.PeerLeft(peerID)
	}
}

// HandlePeerMoved updates a peer's position.
func (c *Client) HandlePeerMoved(z zone.ID, peer protocol.Peer) {
	c.mu.Lock()
	if !c.current(z) {
		c.mu.Unlock()
		return
	}
	if _, ok := c.roster[peer.ID]; !ok {
		c.mu.Unlock()
		return
	}
	c.roster[peer.ID] = peer
	c.mu.Unlock()

	c.observer.PeerMoved(peer)
}

// Disconnected drops all presence state after the relay connection ends.
func (c *Client) Disconnected() {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.zone = zone.ID{}
	clear(c.roster)
	c.mesh.CloseAll()
	c.mu.Unlock()

	c.sess.Logger.Info("disconnected from relay")
	c.observer.Disconnected()
}

// CoZoned reports whether peerID is in the local participant's current
// zone. The mesh uses it to admit offers from peers it has no link for.
func (c *Client) CoZoned(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != InZone {
		return false
	}
	_, ok := c.roster[peerID]
	return ok
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Zone returns the current zone and whether we are in one.
func (c *Client) Zone() (zone.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zone, c.state == InZone
}

// Position returns the last local position.
func (c *Client) Position() protocol.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Roster returns the peers sharing our zone, ordered by display name.
func (c *Client) Roster() []protocol.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedRoster()
}

func (c *Client) current(z zone.ID) bool {
	return c.state == InZone && c.zone == z
}

func (c *Client) sortedRoster() []protocol.Peer {
	out := make([]protocol.Peer, 0, len(c.roster))
	for _, p := range c.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type nopObserver struct{}

func (nopObserver) ZoneChanged(zone.ID, []protocol.Peer) {}
func (nopObserver) PeerJoined(protocol.Peer)             {}
func (nopObserver) PeerLeft(string)                      {}
func (nopObserver) PeerMoved(protocol.Peer)              {}
func (nopObserver) Disconnected()                        {}
