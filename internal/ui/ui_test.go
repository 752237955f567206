package ui

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/ZoneVoice/internal/mesh"
	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/relay"
	"github.com/BioHazard786/ZoneVoice/internal/zone"
)

type fakeController struct {
	mu      sync.Mutex
	snap    Snapshot
	moves   []protocol.Position
	moveErr error
}

func (c *fakeController) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

func (c *fakeController) Move(x, y float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moves = append(c.moves, protocol.Position{X: x, Y: y})
	if c.moveErr != nil {
		return c.moveErr
	}
	c.snap.Position = protocol.Position{X: x, Y: y}
	return nil
}

func (c *fakeController) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Muted = !c.snap.Muted
	return c.snap.Muted
}

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	case "shift+down":
		return tea.KeyMsg{Type: tea.KeyShiftDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newModel(ctrl *fakeController) *ZoneModel {
	ctrl.snap = Snapshot{
		Name:     "alice",
		State:    "in-zone",
		Zone:     "Zone_0_0",
		Position: protocol.Position{X: 50, Y: 50},
	}
	return NewZoneModel(ctrl, NewFeed())
}

func TestMoveKeysAreSerialized(t *testing.T) {
	ctrl := &fakeController{}
	m := newModel(ctrl)

	_, cmd := m.Update(key("right"))
	if cmd == nil {
		t.Fatal("first key press issued no move")
	}
	// Presses while a move is in flight only adjust the target.
	if _, next := m.Update(key("up")); next != nil {
		t.Fatal("second move issued while the first is in flight")
	}
	m.Update(key("shift+down"))

	done := cmd()
	_, cmd = m.Update(done)
	if cmd == nil {
		t.Fatal("pending target was not sent after the first move finished")
	}
	m.Update(cmd())

	want := []protocol.Position{{X: 60, Y: 50}, {X: 60, Y: 140}}
	if len(ctrl.moves) != len(want) {
		t.Fatalf("moves = %v, want %v", ctrl.moves, want)
	}
	for i := range want {
		if ctrl.moves[i] != want[i] {
			t.Errorf("move[%d] = %v, want %v", i, ctrl.moves[i], want[i])
		}
	}
	if m.moving {
		t.Error("model still moving after the last move completed")
	}
}

func TestMoveErrorResetsTarget(t *testing.T) {
	ctrl := &fakeController{}
	m := newModel(ctrl)
	ctrl.moveErr = errors.New("relay gone")

	_, cmd := m.Update(key("l"))
	m.Update(cmd())

	if m.err == nil || !strings.Contains(m.View(), "relay gone") {
		t.Error("move error not shown")
	}
	if m.target != (protocol.Position{X: 50, Y: 50}) {
		t.Errorf("target = %v, want the last confirmed position", m.target)
	}
}

func TestMuteAndQuit(t *testing.T) {
	ctrl := &fakeController{}
	m := newModel(ctrl)

	m.Update(key("m"))
	if !m.snap.Muted || !strings.Contains(m.View(), "muted") {
		t.Error("mute not reflected in the view")
	}

	_, cmd := m.Update(key("q"))
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
	if m.View() != "" {
		t.Error("view not cleared after quitting")
	}
}

func TestFeedShowsActivity(t *testing.T) {
	ctrl := &fakeController{}
	feed := NewFeed()
	ctrl.snap = Snapshot{Name: "alice", Zone: "Zone_0_0"}
	m := NewZoneModel(ctrl, feed)

	feed.PeerJoined(protocol.Peer{ID: "b", DisplayName: "bob"})
	feed.LinkStateChanged("b", mesh.StateConnected)
	feed.ZoneChanged(zone.ID{X: 1, Y: 0}, nil)

	wait := m.waitForActivity()
	for i := 0; i < 3; i++ {
		_, next := m.Update(wait())
		wait = next
	}

	view := m.View()
	for _, want := range []string{"bob joined", "link b connected", "entered Zone_1_0"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestFeedNeverBlocks(t *testing.T) {
	feed := NewFeed()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			feed.PeerLeft("x")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posting to a full feed blocked")
	}
}

func TestViewListsPeers(t *testing.T) {
	ctrl := &fakeController{}
	m := newModel(ctrl)
	ctrl.snap.Peers = []PeerRow{
		{ID: "0b1c2d3e-aaaa", Name: "bob", Position: protocol.Position{X: 70, Y: 20}, Link: "connected"},
		{ID: "9f8e7d6c-bbbb", Name: "carol"},
	}
	m.Update(refreshMsg(time.Now()))

	view := m.View()
	for _, want := range []string{"Zone_0_0", "bob", "0b1c2d3e", "connected", "carol", "no link"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestZonesView(t *testing.T) {
	if !strings.Contains(ZonesView(nil), "No occupied zones") {
		t.Error("empty relay not reported")
	}

	view := ZonesView([]relay.ZoneSnapshot{{
		Zone: zone.ID{X: 0, Y: 0},
		Name: "Zone_0_0",
		Members: []protocol.Peer{
			{ID: "p1", DisplayName: "alice", Position: protocol.Position{X: 10, Y: 20}},
			{ID: "p2", DisplayName: "bob"},
		},
	}})
	if strings.Count(view, "Zone_0_0") != 1 {
		t.Errorf("zone name should head its group once:\n%s", view)
	}
	if !strings.Contains(view, "alice") || !strings.Contains(view, "10, 20") {
		t.Errorf("member row missing:\n%s", view)
	}
}

func TestSessionSummaryView(t *testing.T) {
	view := SessionSummaryView(SessionSummary{
		Name:       "alice",
		LastZone:   "Zone_1_0",
		Duration:   90 * time.Second,
		FramesSent: 4500,
		Peers: []PeerSummary{
			{Name: "bob", PeerID: "p2", Packets: 100, Bytes: 2048, Duration: time.Minute},
		},
	})
	for _, want := range []string{"alice in Zone_1_0 for 1m30s", "bob", "2.0 KiB", "4500 frames sent"} {
		if !strings.Contains(view, want) {
			t.Errorf("summary missing %q:\n%s", want, view)
		}
	}
}

func TestFormatting(t *testing.T) {
	cases := map[int64]string{0: "0 B", 1023: "1023 B", 1536: "1.5 KiB", 5 << 20: "5.0 MiB"}
	for n, want := range cases {
		if got := formatBytes(n); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", n, got, want)
		}
	}
	if got := formatDuration(2*time.Hour + 5*time.Minute); got != "2h05m" {
		t.Errorf("formatDuration = %q", got)
	}
	if got := shortID("0b1c2d3e-aaaa-bbbb"); got != "0b1c2d3e" {
		t.Errorf("shortID = %q", got)
	}
}
