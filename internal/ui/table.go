package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	prettytable "github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/ZoneVoice/internal/relay"
)

// ZonesView renders a relay's zone occupancy.
func ZonesView(zones []relay.ZoneSnapshot) string {
	if len(zones) == 0 {
		return MutedStyle.Render("No occupied zones")
	}

	var rows [][]string
	for _, z := range zones {
		for i, m := range z.Members {
			name := z.Name
			if i > 0 {
				name = ""
			}
			rows = append(rows, []string{
				name,
				truncate(m.DisplayName, 24),
				shortID(m.ID),
				fmt.Sprintf("%.0f, %.0f", m.Position.X, m.Position.Y),
			})
		}
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Zone", "Name", "Peer", "Position").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// PeerSummary is the audio received from one peer during a session.
type PeerSummary struct {
	Name      string
	PeerID    string
	Packets   uint64
	Bytes     uint64
	Duration  time.Duration
	Recording string
}

// SessionSummary describes a finished session.
type SessionSummary struct {
	Name       string
	LastZone   string
	Duration   time.Duration
	FramesSent uint64
	Peers      []PeerSummary
}

// SessionSummaryView renders the end-of-session table.
func SessionSummaryView(s SessionSummary) string {
	t := prettytable.NewWriter()
	t.SetStyle(prettytable.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Format.Footer = text.FormatDefault
	t.SetTitle(fmt.Sprintf("%s in %s for %s", s.Name, s.LastZone, formatDuration(s.Duration)))

	t.AppendHeader(prettytable.Row{"Peer", "ID", "Packets", "Received", "Heard for", "Recording"})
	var packets, bytes uint64
	for _, p := range s.Peers {
		packets += p.Packets
		bytes += p.Bytes
		t.AppendRow(prettytable.Row{
			truncate(p.Name, 24),
			shortID(p.PeerID),
			p.Packets,
			formatBytes(int64(p.Bytes)),
			formatDuration(p.Duration),
			p.Recording,
		})
	}
	t.AppendFooter(prettytable.Row{"Total", "", packets, formatBytes(int64(bytes)), "", fmt.Sprintf("%d frames sent", s.FramesSent)})
	t.SetColumnConfigs([]prettytable.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	return t.Render()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return truncate(id, 8)
}
