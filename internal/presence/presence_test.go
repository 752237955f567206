package presence

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/session"
	"github.com/BioHazard786/ZoneVoice/internal/zone"
)

// journal records relay sends and mesh calls in one ordered list.
type journal struct {
	entries []string
	links   map[string]bool
	sendErr error

	// failType limits sendErr to sends of that message type.
	failType protocol.Type
}

func newJournal() *journal {
	return &journal{links: make(map[string]bool)}
}

func (j *journal) Send(msg *protocol.Message) error {
	if j.sendErr != nil && (j.failType == "" || j.failType == msg.Type) {
		return j.sendErr
	}
	entry := "send " + string(msg.Type)
	if msg.Position != nil {
		entry += fmt.Sprintf(" %g,%g", msg.Position.X, msg.Position.Y)
	}
	j.entries = append(j.entries, entry)
	return nil
}

func (j *journal) Discover(peerID string, initiate bool) {
	j.links[peerID] = initiate
	j.entries = append(j.entries, fmt.Sprintf("discover %s initiate=%t", peerID, initiate))
}

func (j *journal) Depart(peerID string) {
	delete(j.links, peerID)
	j.entries = append(j.entries, "depart "+peerID)
}

func (j *journal) CloseAll() {
	clear(j.links)
	j.entries = append(j.entries, "close-all")
}

func (j *journal) reset() { j.entries = nil }

func newClient(t *testing.T) (*Client, *journal) {
	t.Helper()
	j := newJournal()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess := session.New("user-self", "self", "self", j, logger)
	return New(sess, zone.MustGrid(zone.DefaultSize), j, nil), j
}

func peer(id string, x, y float64) protocol.Peer {
	return protocol.Peer{ID: id, UserID: "user-" + id, DisplayName: id, Position: protocol.Position{X: x, Y: y}}
}

func TestStartSendsJoin(t *testing.T) {
	c, j := newClient(t)

	if err := c.Move(1, 1); !errors.Is(err, ErrNotStarted) {
		t.Errorf("move before start = %v, want ErrNotStarted", err)
	}
	if err := c.Start(50, 50); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(50, 50); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second start = %v, want ErrAlreadyStarted", err)
	}

	if want := []string{"send join 50,50"}; !slices.Equal(j.entries, want) {
		t.Errorf("entries = %v, want %v", j.entries, want)
	}
	if z, ok := c.Zone(); !ok || z != (zone.ID{}) {
		t.Errorf("zone = %v/%t, want Zone_0_0", z, ok)
	}
	if c.State() != InZone {
		t.Errorf("state = %v, want in-zone", c.State())
	}
}

func TestStartFailureStaysDisconnected(t *testing.T) {
	c, j := newClient(t)
	j.sendErr = errors.New("socket gone")

	if err := c.Start(0, 0); err == nil {
		t.Fatal("start succeeded without a relay")
	}
	if c.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
}

func TestMoveWithinZoneIsBroadcast(t *testing.T) {
	c, j := newClient(t)
	c.Start(50, 50)
	c.HandleJoined(zone.ID{}, []protocol.Peer{peer("a", 10, 10)})
	j.reset()

	if err := c.Move(499.5, 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if want := []string{"send move 499.5,0"}; !slices.Equal(j.entries, want) {
		t.Errorf("entries = %v, want %v", j.entries, want)
	}
	if !c.CoZoned("a") {
		t.Error("peer lost by a move inside the zone")
	}
}

// Crossing 490 -> 510 must leave, tear every link down and clear the
// roster before the join for the new zone goes out.
func TestZoneCrossingOrder(t *testing.T) {
	c, j := newClient(t)
	c.Start(490, 10)
	c.HandleJoined(zone.ID{}, []protocol.Peer{peer("b", 480, 10)})
	j.reset()

	if err := c.Move(510, 10); err != nil {
		t.Fatalf("move: %v", err)
	}

	want := []string{"send leave", "close-all", "send join 510,10"}
	if !slices.Equal(j.entries, want) {
		t.Errorf("entries = %v, want %v", j.entries, want)
	}
	if c.CoZoned("b") {
		t.Error("peer from the old zone still admitted")
	}
	if len(c.Roster()) != 0 {
		t.Errorf("roster = %v, want empty until joined arrives", c.Roster())
	}
	if z, _ := c.Zone(); z != (zone.ID{X: 1, Y: 0}) {
		t.Errorf("zone = %v, want Zone_1_0", z)
	}

	j.reset()
	c.HandleJoined(zone.ID{X: 1, Y: 0}, []protocol.Peer{peer("c", 600, 10)})
	if want := []string{"discover c initiate=false"}; !slices.Equal(j.entries, want) {
		t.Errorf("entries = %v, want %v", j.entries, want)
	}
}

func TestCrossingJoinFailureLeavesZone(t *testing.T) {
	c, j := newClient(t)
	c.Start(490, 10)
	c.HandleJoined(zone.ID{}, []protocol.Peer{peer("b", 480, 10)})
	j.reset()

	j.sendErr, j.failType = errors.New("socket gone"), protocol.TypeJoin
	if err := c.Move(510, 10); err == nil {
		t.Fatal("crossing succeeded without a join")
	}
	if want := []string{"send leave", "close-all"}; !slices.Equal(j.entries, want) {
		t.Errorf("entries = %v, want %v", j.entries, want)
	}
	if c.State() != Connected {
		t.Errorf("state = %v, want connected", c.State())
	}
	if _, ok := c.Zone(); ok {
		t.Error("still reports a zone after leaving it")
	}
	if c.CoZoned("b") {
		t.Error("peer from the left zone still admitted")
	}

	j.sendErr = nil
	j.reset()
	if err := c.Move(520, 10); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if want := []string{"send join 520,10"}; !slices.Equal(j.entries, want) {
		t.Errorf("entries = %v, want %v", j.entries, want)
	}
	if z, ok := c.Zone(); !ok || z != (zone.ID{X: 1, Y: 0}) {
		t.Errorf("zone = %v/%t, want Zone_1_0", z, ok)
	}
}

func TestStaleEventsIgnored(t *testing.T) {
	c, j := newClient(t)
	c.Start(510, 10)
	c.HandleJoined(zone.ID{X: 1}, nil)
	j.reset()

	old := zone.ID{}
	c.HandleJoined(old, []protocol.Peer{peer("x", 1, 1)})
	c.HandlePeerJoined(old, peer("y", 2, 2))
	c.HandlePeerLeft(old, "z")
	c.HandlePeerMoved(old, peer("x", 3, 3))

	if len(j.entries) != 0 {
		t.Errorf("stale events reached the mesh: %v", j.entries)
	}
	if len(c.Roster()) != 0 {
		t.Errorf("roster = %v, want empty", c.Roster())
	}
}

func TestInitiatorRule(t *testing.T) {
	c, j := newClient(t)
	c.Start(50, 50)
	c.HandleJoined(zone.ID{}, []protocol.Peer{peer("early", 10, 10)})
	c.HandlePeerJoined(zone.ID{}, peer("late", 20, 20))

	if j.links["early"] {
		t.Error("newcomer initiated toward an existing member")
	}
	if initiate, ok := j.links["late"]; !ok || !initiate {
		t.Error("existing member did not initiate toward the newcomer")
	}

	c.HandlePeerMoved(zone.ID{}, peer("late", 99, 99))
	roster := c.Roster()
	if len(roster) != 2 || roster[1].ID != "late" || roster[1].Position.X != 99 {
		t.Errorf("roster = %+v", roster)
	}

	c.HandlePeerLeft(zone.ID{}, "late")
	if _, ok := j.links["late"]; ok {
		t.Error("link kept after peer-left")
	}
	if c.CoZoned("late") {
		t.Error("departed peer still admitted")
	}
}

func TestSelfInRosterIgnored(t *testing.T) {
	c, j := newClient(t)
	c.Start(50, 50)
	c.HandleJoined(zone.ID{}, []protocol.Peer{peer("self", 50, 50), peer("a", 1, 1)})
	c.HandlePeerJoined(zone.ID{}, peer("self", 50, 50))

	if _, ok := j.links["self"]; ok {
		t.Error("created a link to ourselves")
	}
}

func TestDisconnected(t *testing.T) {
	c, j := newClient(t)
	c.Start(50, 50)
	c.HandleJoined(zone.ID{}, []protocol.Peer{peer("a", 1, 1)})
	j.reset()

	c.Disconnected()
	c.Disconnected()

	if want := []string{"close-all"}; !slices.Equal(j.entries, want) {
		t.Errorf("entries = %v, want %v", j.entries, want)
	}
	if c.State() != Disconnected || c.CoZoned("a") {
		t.Error("state kept after disconnect")
	}
	if err := c.Move(60, 60); !errors.Is(err, ErrNotStarted) {
		t.Errorf("move after disconnect = %v, want ErrNotStarted", err)
	}
}
