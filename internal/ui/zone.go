package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/ZoneVoice/internal/mesh"
	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/zone"
)

const (
	moveStep        = 10.0
	jumpStep        = 100.0
	refreshInterval = 250 * time.Millisecond
	maxActivity     = 6
)

// PeerRow is one co-zoned peer as the zone view shows it.
type PeerRow struct {
	ID       string
	Name     string
	Position protocol.Position
	Link     string
}

// Snapshot is the state the zone view renders.
type Snapshot struct {
	Name     string
	State    string
	Zone     string
	Position protocol.Position
	Muted    bool
	Peers    []PeerRow
}

// Controller is what the zone view drives. Move may block on the network
// and is always called from a command goroutine.
type Controller interface {
	Snapshot() Snapshot
	Move(x, y float64) error
	ToggleMute() bool
}

// Feed carries presence and link events into a running zone view. Posting
// never blocks; events are dropped when the view falls behind.
type Feed struct {
	events chan string
}

func NewFeed() *Feed {
	return &Feed{events: make(chan string, 64)}
}

// Printf posts a free-form line to the activity log.
func (f *Feed) Printf(format string, args ...any) {
	select {
	case f.events <- fmt.Sprintf(format, args...):
	default:
	}
}

func (f *Feed) ZoneChanged(z zone.ID, roster []protocol.Peer) {
	f.Printf("entered %s with %d peer(s)", z, len(roster))
}

func (f *Feed) PeerJoined(peer protocol.Peer) {
	f.Printf("%s joined", peer.DisplayName)
}

func (f *Feed) PeerLeft(peerID string) {
	f.Printf("%s left", shortID(peerID))
}

func (f *Feed) PeerMoved(protocol.Peer) {}

func (f *Feed) Disconnected() {
	f.Printf("disconnected from relay")
}

func (f *Feed) LinkStateChanged(peerID string, state mesh.LinkState) {
	f.Printf("link %s %s", shortID(peerID), state)
}

func (f *Feed) PeerUnreachable(peerID string, err error) {
	f.Printf("%s unreachable: %v", shortID(peerID), err)
}

type refreshMsg time.Time

type activityMsg string

type moveDoneMsg struct {
	pos protocol.Position
	err error
}

// ZoneModel is the interactive view of the local participant's zone.
// Moves are serialized: one Move call is in flight at a time, and key
// presses made meanwhile accumulate into the next target.
type ZoneModel struct {
	ctrl    Controller
	feed    *Feed
	spinner spinner.Model

	snap     Snapshot
	target   protocol.Position
	moving   bool
	activity []string
	err      error
	quitting bool
}

func NewZoneModel(ctrl Controller, feed *Feed) *ZoneModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	snap := ctrl.Snapshot()
	return &ZoneModel{
		ctrl:    ctrl,
		feed:    feed,
		spinner: s,
		snap:    snap,
		target:  snap.Position,
	}
}

func (m *ZoneModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForActivity(), refreshCmd())
}

func refreshCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m *ZoneModel) waitForActivity() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	return func() tea.Msg {
		return activityMsg(<-m.feed.events)
	}
}

func (m *ZoneModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case moveDoneMsg:
		m.moving = false
		m.snap = m.ctrl.Snapshot()
		if msg.err != nil {
			m.err = msg.err
			m.target = m.snap.Position
			return m, nil
		}
		m.err = nil
		if m.target != msg.pos {
			return m, m.move()
		}
		return m, nil

	case refreshMsg:
		if m.quitting {
			return m, nil
		}
		m.snap = m.ctrl.Snapshot()
		if !m.moving {
			m.target = m.snap.Position
		}
		return m, refreshCmd()

	case activityMsg:
		m.activity = append(m.activity, string(msg))
		if len(m.activity) > maxActivity {
			m.activity = m.activity[len(m.activity)-maxActivity:]
		}
		m.snap = m.ctrl.Snapshot()
		return m, m.waitForActivity()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *ZoneModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var dx, dy float64
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "m":
		m.snap.Muted = m.ctrl.ToggleMute()
		return m, nil
	case "up", "k":
		dy = -moveStep
	case "down", "j":
		dy = moveStep
	case "left", "h":
		dx = -moveStep
	case "right", "l":
		dx = moveStep
	case "shift+up", "K":
		dy = -jumpStep
	case "shift+down", "J":
		dy = jumpStep
	case "shift+left", "H":
		dx = -jumpStep
	case "shift+right", "L":
		dx = jumpStep
	default:
		return m, nil
	}

	m.target.X += dx
	m.target.Y += dy
	if m.moving {
		return m, nil
	}
	return m, m.move()
}

func (m *ZoneModel) move() tea.Cmd {
	m.moving = true
	pos := m.target
	ctrl := m.ctrl
	return func() tea.Msg {
		return moveDoneMsg{pos: pos, err: ctrl.Move(pos.X, pos.Y)}
	}
}

func (m *ZoneModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	zoneName := m.snap.Zone
	if zoneName == "" {
		zoneName = m.spinner.View() + " " + m.snap.State
	}
	mic := IconMic + " live"
	if m.snap.Muted {
		mic = IconMuted + " muted"
	}
	header := fmt.Sprintf("%s %s  %s  %s",
		IconZone,
		TitleStyle.Render(zoneName),
		MutedStyle.Render(fmt.Sprintf("(%.0f, %.0f)", m.target.X, m.target.Y)),
		mic,
	)
	b.WriteString("\n" + BoxStyle.Render(header) + "\n\n")

	if len(m.snap.Peers) == 0 {
		b.WriteString(MutedStyle.Render("  Nobody else is here") + "\n")
	}
	for _, p := range m.snap.Peers {
		link := p.Link
		if link == "" {
			link = "no link"
		}
		style, ok := linkStateStyles[link]
		if !ok {
			style = MutedStyle
		}
		b.WriteString(fmt.Sprintf("  %s %s %s %s %s\n",
			IconPeer,
			BoldStyle.Width(24).Render(truncate(p.Name, 22)),
			MutedStyle.Width(10).Render(shortID(p.ID)),
			MutedStyle.Width(14).Render(fmt.Sprintf("(%.0f, %.0f)", p.Position.X, p.Position.Y)),
			style.Render(link),
		))
	}

	if len(m.activity) > 0 {
		b.WriteString("\n")
		for _, line := range m.activity {
			b.WriteString(MutedStyle.Render("  · "+line) + "\n")
		}
	}
	if m.err != nil {
		b.WriteString("\n" + ErrorStyle.Render(IconError+" "+m.err.Error()) + "\n")
	}

	b.WriteString("\n" + MutedStyle.Render("arrows/hjkl move · shift to jump · m mute · q quit"))
	return b.String()
}
