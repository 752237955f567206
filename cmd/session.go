package cmd

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/ZoneVoice/internal/media"
	"github.com/BioHazard786/ZoneVoice/internal/mesh"
	"github.com/BioHazard786/ZoneVoice/internal/presence"
	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/ui"
	"github.com/BioHazard786/ZoneVoice/internal/zone"
)

// sessionObserver fans presence and mesh events out to the zone view and
// the audio sink, and remembers peer names for the final summary.
type sessionObserver struct {
	feed *ui.Feed
	sink *media.Sink

	mu       sync.Mutex
	names    map[string]string
	lastZone zone.ID
	zoned    bool
}

func newSessionObserver(feed *ui.Feed, sink *media.Sink) *sessionObserver {
	return &sessionObserver{
		feed:  feed,
		sink:  sink,
		names: make(map[string]string),
	}
}

func (o *sessionObserver) remember(peers ...protocol.Peer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range peers {
		o.names[p.ID] = p.DisplayName
	}
}

func (o *sessionObserver) name(peerID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n, ok := o.names[peerID]; ok {
		return n
	}
	return peerID
}

func (o *sessionObserver) ZoneChanged(z zone.ID, roster []protocol.Peer) {
	o.remember(roster...)
	o.mu.Lock()
	o.lastZone, o.zoned = z, true
	o.mu.Unlock()
	o.feed.ZoneChanged(z, roster)
}

func (o *sessionObserver) PeerJoined(peer protocol.Peer) {
	o.remember(peer)
	o.feed.PeerJoined(peer)
}

func (o *sessionObserver) PeerLeft(peerID string) {
	o.feed.PeerLeft(peerID)
}

func (o *sessionObserver) PeerMoved(peer protocol.Peer) {
	o.remember(peer)
	o.feed.PeerMoved(peer)
}

func (o *sessionObserver) Disconnected() {
	o.feed.Disconnected()
}

func (o *sessionObserver) LinkStateChanged(peerID string, state mesh.LinkState) {
	o.feed.LinkStateChanged(peerID, state)
}

func (o *sessionObserver) PeerUnreachable(peerID string, err error) {
	o.feed.PeerUnreachable(peerID, err)
}

func (o *sessionObserver) RemoteAudio(peerID string, track *webrtc.TrackRemote) {
	o.feed.Printf("hearing %s", o.name(peerID))
	o.sink.RemoteAudio(peerID, track)
}

// summary turns the sink's per-stream stats into the session table.
func (o *sessionObserver) summary(self string, started time.Time, framesSent uint64) ui.SessionSummary {
	s := ui.SessionSummary{
		Name:       self,
		LastZone:   "no zone",
		Duration:   time.Since(started),
		FramesSent: framesSent,
	}
	o.mu.Lock()
	if o.zoned {
		s.LastZone = o.lastZone.String()
	}
	o.mu.Unlock()

	for _, st := range o.sink.Stats() {
		end := st.Ended
		if end.IsZero() {
			end = time.Now()
		}
		s.Peers = append(s.Peers, ui.PeerSummary{
			Name:      o.name(st.PeerID),
			PeerID:    st.PeerID,
			Packets:   st.Packets,
			Bytes:     st.Bytes,
			Duration:  end.Sub(st.Started),
			Recording: st.Recording,
		})
	}
	return s
}

// zoneController adapts presence, the mesh and the audio source to the
// zone view.
type zoneController struct {
	name     string
	presence *presence.Client
	mesh     *mesh.Manager
	source   *media.Source
}

func (c *zoneController) Snapshot() ui.Snapshot {
	snap := ui.Snapshot{
		Name:     c.name,
		State:    c.presence.State().String(),
		Position: c.presence.Position(),
		Muted:    c.source == nil || c.source.Muted(),
	}
	if z, ok := c.presence.Zone(); ok {
		snap.Zone = z.String()
	}
	for _, p := range c.presence.Roster() {
		row := ui.PeerRow{ID: p.ID, Name: p.DisplayName, Position: p.Position}
		if link, ok := c.mesh.Link(p.ID); ok {
			row.Link = link.State.String()
		}
		snap.Peers = append(snap.Peers, row)
	}
	return snap
}

func (c *zoneController) Move(x, y float64) error {
	return c.presence.Move(x, y)
}

// ToggleMute reports muted when there is no audio file to send.
func (c *zoneController) ToggleMute() bool {
	if c.source == nil {
		return true
	}
	return c.source.ToggleMute()
}
