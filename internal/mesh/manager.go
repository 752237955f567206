// Package mesh keeps one WebRTC peer connection per nearby participant and
// negotiates it over the relay with trickle ICE.
//
// Locking: Manager.mu guards the link map and Link.mu guards one link's
// negotiation. The two are never held together, and peers are closed and
// observers called with neither held.
package mesh

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/ZoneVoice/internal/protocol"
	"github.com/BioHazard786/ZoneVoice/internal/session"
)

// DefaultNegotiationTimeout bounds how long a link may take to connect.
const DefaultNegotiationTimeout = 30 * time.Second

// Observer hears about link lifecycle events.
type Observer interface {
	LinkStateChanged(peerID string, state LinkState)
	PeerUnreachable(peerID string, err error)
	RemoteAudio(peerID string, track *webrtc.TrackRemote)
}

// Options configures a Manager.
type Options struct {
	NegotiationTimeout time.Duration

	// Admit reports whether an offer from a peer we have no link for may
	// create one. Nil admits nobody.
	Admit func(peerID string) bool

	Observer Observer
}

// Manager owns the links of one participant.
type Manager struct {
	sess     *session.Context
	factory  PeerFactory
	track    webrtc.TrackLocal
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger

	mu    sync.Mutex
	links map[string]*Link
	admit func(peerID string) bool
	// epoch advances on CloseAll. An admission decided in an older epoch
	// must not create a link.
	epoch uint64

	// spawn runs negotiation steps off the caller's goroutine.
	spawn func(func())
}

// NewManager creates a manager that attaches track (which may be nil) to
// every link it creates.
func NewManager(sess *session.Context, factory PeerFactory, track webrtc.TrackLocal, opts Options) *Manager {
	timeout := opts.NegotiationTimeout
	if timeout <= 0 {
		timeout = DefaultNegotiationTimeout
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Manager{
		sess:     sess,
		factory:  factory,
		track:    track,
		timeout:  timeout,
		observer: observer,
		logger:   sess.Logger.With("component", "mesh"),
		links:    make(map[string]*Link),
		admit:    opts.Admit,
		spawn:    func(f func()) { go f() },
	}
}

// SetAdmit replaces the admission predicate.
func (m *Manager) SetAdmit(admit func(peerID string) bool) {
	m.mu.Lock()
	m.admit = admit
	m.mu.Unlock()
}

// Discover creates a link to peerID unless one exists. With initiate set
// the link starts negotiating with an offer; otherwise it waits for one.
func (m *Manager) Discover(peerID string, initiate bool) {
	if peerID == m.sess.ConnectionID {
		return
	}
	if _, ok := m.lookup(peerID); ok {
		m.logger.Debug("link already exists", "peer", peerID)
		return
	}

	l, err := m.newLink(peerID, initiate)
	if err != nil {
		m.logger.Error("creating link failed", "peer", peerID, "error", err)
		m.observer.PeerUnreachable(peerID, err)
		return
	}

	m.mu.Lock()
	if _, ok := m.links[peerID]; ok {
		m.mu.Unlock()
		m.discard(l)
		return
	}
	m.links[peerID] = l
	m.mu.Unlock()

	m.logger.Debug("link created", "peer", peerID, "initiator", initiate)
	m.notify(l)

	if initiate {
		m.spawn(func() { m.offer(l) })
	}
}

// Depart closes the link to peerID, if any.
func (m *Manager) Depart(peerID string) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	delete(m.links, peerID)
	m.mu.Unlock()

	if ok && m.closeLink(l) {
		m.logger.Info("link closed", "peer", peerID)
	}
}

// CloseAll closes every link.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*Link)
	m.epoch++
	m.mu.Unlock()

	for _, l := range links {
		m.closeLink(l)
	}
	if len(links) > 0 {
		m.logger.Info("closed all links", "count", len(links))
	}
}

// Links returns every open link ordered by remote id.
func (m *Manager) Links() []LinkInfo {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	out := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		out = append(out, l.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// Link returns the link to peerID.
func (m *Manager) Link(peerID string) (LinkInfo, bool) {
	l, ok := m.lookup(peerID)
	if !ok {
		return LinkInfo{}, false
	}
	return l.info(), true
}

// HandleOffer answers an offer from peerID. An offer from a peer with no
// link is accepted only if the admission predicate allows it.
func (m *Manager) HandleOffer(peerID string, sd protocol.SessionDescription) {
	desc, err := toSessionDescription(webrtc.SDPTypeOffer, sd)
	if err != nil {
		m.logger.Warn("ignoring offer", "peer", peerID, "error", err)
		return
	}
	if peerID == m.sess.ConnectionID {
		return
	}

	l, ok := m.lookup(peerID)
	if !ok {
		epoch, ok := m.admitted(peerID)
		if !ok {
			m.logger.Info("ignoring offer from peer outside our zone", "peer", peerID)
			return
		}
		if l = m.adopt(peerID, epoch); l == nil {
			return
		}
	}

	m.spawn(func() { m.applyOffer(l, desc) })
}

// HandleAnswer completes negotiation on a link we offered on.
func (m *Manager) HandleAnswer(peerID string, sd protocol.SessionDescription) {
	desc, err := toSessionDescription(webrtc.SDPTypeAnswer, sd)
	if err != nil {
		m.logger.Warn("ignoring answer", "peer", peerID, "error", err)
		return
	}

	l, ok := m.lookup(peerID)
	if !ok {
		m.logger.Debug("discarding answer for unknown peer", "peer", peerID)
		return
	}

	m.spawn(func() { m.applyAnswer(l, desc) })
}

// HandleCandidate adds a remote ICE candidate, buffering it until the
// remote description is set. Candidates for unknown peers are discarded.
func (m *Manager) HandleCandidate(peerID string, c protocol.Candidate) {
	l, ok := m.lookup(peerID)
	if !ok {
		m.logger.Debug("discarding candidate for unknown peer", "peer", peerID)
		return
	}

	init := toCandidateInit(c)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateClosed {
		return
	}
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		return
	}
	if err := l.peer.AddICECandidate(init); err != nil {
		m.logger.Warn("adding remote candidate failed", "peer", peerID, "error", err)
	}
}

func (m *Manager) newLink(peerID string, initiator bool) (*Link, error) {
	peer, err := m.factory.NewPeer()
	if err != nil {
		return nil, newLinkError("create peer", peerID, err)
	}

	l := &Link{
		LocalID:   m.sess.ConnectionID,
		RemoteID:  peerID,
		Initiator: initiator,
		peer:      peer,
		created:   time.Now(),
	}

	if m.track != nil {
		if err := peer.AttachTrack(m.track); err != nil {
			peer.Close()
			return nil, newLinkError("attach track", peerID, err)
		}
	}

	peer.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		m.localCandidate(l, c)
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.connectionStateChanged(l, state)
	})
	peer.OnTrack(func(track *webrtc.TrackRemote) {
		m.logger.Info("receiving remote audio", "peer", peerID, "codec", track.Codec().MimeType)
		m.observer.RemoteAudio(peerID, track)
	})

	l.mu.Lock()
	l.timer = time.AfterFunc(m.timeout, func() { m.expire(l) })
	l.mu.Unlock()
	return l, nil
}

// adopt creates a passive link for an offer admitted in epoch. If another
// link appeared meanwhile that one is returned; if the links were closed
// since admission nothing is created.
func (m *Manager) adopt(peerID string, epoch uint64) *Link {
	l, err := m.newLink(peerID, false)
	if err != nil {
		m.logger.Error("creating link failed", "peer", peerID, "error", err)
		m.observer.PeerUnreachable(peerID, err)
		return nil
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.discard(l)
		m.logger.Info("dropping offer admitted before links were reset", "peer", peerID)
		return nil
	}
	if existing, ok := m.links[peerID]; ok {
		m.mu.Unlock()
		m.discard(l)
		return existing
	}
	m.links[peerID] = l
	m.mu.Unlock()

	m.notify(l)
	return l
}

func (m *Manager) offer(l *Link) {
	l.mu.Lock()
	if l.state != StateNew {
		l.mu.Unlock()
		return
	}
	l.state = StateOffering

	desc, err := l.peer.CreateOffer()
	if err != nil {
		l.mu.Unlock()
		m.fail(l, newLinkError("create offer", l.RemoteID, err))
		return
	}
	err = m.sess.Send(&protocol.Message{
		Type:     protocol.TypeOffer,
		TargetID: l.RemoteID,
		SDP:      fromSessionDescription(desc),
	})
	if err != nil {
		l.mu.Unlock()
		m.fail(l, newLinkError("send offer", l.RemoteID, err))
		return
	}
	m.flushOutbound(l)
	l.mu.Unlock()

	m.logger.Debug("offer sent", "peer", l.RemoteID)
	m.notify(l)
}

func (m *Manager) applyOffer(l *Link, desc webrtc.SessionDescription) {
	l.mu.Lock()
	switch {
	case l.state == StateClosed:
		l.mu.Unlock()
		return

	case l.remoteSet:
		l.mu.Unlock()
		m.logger.Warn("ignoring duplicate offer", "peer", l.RemoteID)
		return

	case l.state == StateOffering:
		l.mu.Unlock()
		if l.shouldOffer() {
			m.logger.Info("offer collision, keeping ours", "peer", l.RemoteID)
			return
		}
		m.logger.Info("offer collision, answering theirs", "peer", l.RemoteID)
		if next := m.yield(l); next != nil {
			m.applyOffer(next, desc)
		}
		return
	}

	l.state = StateAnswering

	if err := l.peer.SetRemoteDescription(desc); err != nil {
		l.mu.Unlock()
		m.fail(l, newLinkError("set remote description", l.RemoteID, err))
		return
	}
	l.remoteSet = true
	m.flushPending(l)

	answer, err := l.peer.CreateAnswer()
	if err != nil {
		l.mu.Unlock()
		m.fail(l, newLinkError("create answer", l.RemoteID, err))
		return
	}
	err = m.sess.Send(&protocol.Message{
		Type:     protocol.TypeAnswer,
		TargetID: l.RemoteID,
		SDP:      fromSessionDescription(answer),
	})
	if err != nil {
		l.mu.Unlock()
		m.fail(l, newLinkError("send answer", l.RemoteID, err))
		return
	}
	m.flushOutbound(l)
	if l.state == StateAnswering {
		l.state = StateNegotiating
	}
	l.mu.Unlock()

	m.logger.Debug("answer sent", "peer", l.RemoteID)
	m.notify(l)
}

func (m *Manager) applyAnswer(l *Link, desc webrtc.SessionDescription) {
	l.mu.Lock()
	if l.state != StateOffering || l.remoteSet {
		state := l.state
		l.mu.Unlock()
		m.logger.Warn("ignoring unexpected answer", "peer", l.RemoteID, "state", state.String())
		return
	}

	if err := l.peer.SetRemoteDescription(desc); err != nil {
		l.mu.Unlock()
		m.fail(l, newLinkError("set remote description", l.RemoteID, err))
		return
	}
	l.remoteSet = true
	m.flushPending(l)
	l.state = StateNegotiating
	l.mu.Unlock()

	m.logger.Debug("answer applied", "peer", l.RemoteID)
	m.notify(l)
}

// yield replaces an offering link with a passive one after losing an
// offer collision.
func (m *Manager) yield(old *Link) *Link {
	next, err := m.newLink(old.RemoteID, false)
	if err != nil {
		m.fail(old, err)
		return nil
	}

	m.mu.Lock()
	if current, ok := m.links[old.RemoteID]; !ok || current != old {
		m.mu.Unlock()
		m.discard(next)
		return nil
	}
	m.links[old.RemoteID] = next
	m.mu.Unlock()

	m.closeLink(old)
	m.notify(next)
	return next
}

// flushPending applies buffered remote candidates. l.mu must be held.
func (m *Manager) flushPending(l *Link) {
	for _, c := range l.pending {
		if err := l.peer.AddICECandidate(c); err != nil {
			m.logger.Warn("adding buffered candidate failed", "peer", l.RemoteID, "error", err)
		}
	}
	l.pending = nil
}

// flushOutbound sends local candidates gathered before our SDP went out.
// l.mu must be held.
func (m *Manager) flushOutbound(l *Link) {
	l.localSent = true
	for _, c := range l.outbound {
		m.sendCandidate(l, c)
	}
	l.outbound = nil
}

func (m *Manager) localCandidate(l *Link, c *webrtc.ICECandidateInit) {
	if c == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateClosed {
		return
	}
	if !l.localSent {
		l.outbound = append(l.outbound, *c)
		return
	}
	m.sendCandidate(l, *c)
}

func (m *Manager) sendCandidate(l *Link, c webrtc.ICECandidateInit) {
	err := m.sess.Send(&protocol.Message{
		Type:      protocol.TypeICECandidate,
		TargetID:  l.RemoteID,
		Candidate: fromCandidateInit(c),
	})
	if err != nil {
		m.logger.Warn("sending candidate failed", "peer", l.RemoteID, "error", err)
	}
}

func (m *Manager) connectionStateChanged(l *Link, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		if l.state == StateClosed {
			l.mu.Unlock()
			return
		}
		l.state = StateConnected
		if l.timer != nil {
			l.timer.Stop()
		}
		l.mu.Unlock()

		m.logger.Info("peer connected", "peer", l.RemoteID)
		m.notify(l)

	case webrtc.PeerConnectionStateFailed:
		m.fail(l, newLinkError("connect", l.RemoteID, ErrICEFailed))

	case webrtc.PeerConnectionStateDisconnected:
		m.logger.Warn("peer connection interrupted", "peer", l.RemoteID)
	}
}

func (m *Manager) expire(l *Link) {
	state := l.State()
	if state == StateConnected || state == StateClosed {
		return
	}
	m.fail(l, wrapLinkError("negotiate", l.RemoteID, ErrNegotiationTimeout,
		fmt.Sprintf("still %s after %s", state, m.timeout)))
}

// fail closes l and reports its peer unreachable. No retry is made.
func (m *Manager) fail(l *Link, err error) {
	m.mu.Lock()
	if current, ok := m.links[l.RemoteID]; ok && current == l {
		delete(m.links, l.RemoteID)
	}
	m.mu.Unlock()

	if !m.closeLink(l) {
		return
	}
	m.logger.Warn("peer unreachable", "peer", l.RemoteID, "error", err)
	m.observer.PeerUnreachable(l.RemoteID, err)
}

// closeLink tears l down and reports whether it was still open. The shared
// track is detached from the link, never stopped.
func (m *Manager) closeLink(l *Link) bool {
	if !l.markClosed() {
		return false
	}
	m.release(l)
	m.observer.LinkStateChanged(l.RemoteID, StateClosed)
	return true
}

// discard closes a link that was never published.
func (m *Manager) discard(l *Link) {
	if l.markClosed() {
		m.release(l)
	}
}

func (m *Manager) release(l *Link) {
	if err := l.peer.DetachTrack(); err != nil {
		m.logger.Debug("detaching track failed", "peer", l.RemoteID, "error", err)
	}
	if err := l.peer.Close(); err != nil {
		m.logger.Debug("closing peer failed", "peer", l.RemoteID, "error", err)
	}
}

func (m *Manager) lookup(peerID string) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[peerID]
	return l, ok
}

// admitted runs the admission predicate and returns the epoch it was
// decided in.
func (m *Manager) admitted(peerID string) (uint64, bool) {
	m.mu.Lock()
	admit, epoch := m.admit, m.epoch
	m.mu.Unlock()
	return epoch, admit != nil && admit(peerID)
}

func (m *Manager) notify(l *Link) {
	m.observer.LinkStateChanged(l.RemoteID, l.State())
}

type nopObserver struct{}

func (nopObserver) LinkStateChanged(string, LinkState)      {}
func (nopObserver) PeerUnreachable(string, error)           {}
func (nopObserver) RemoteAudio(string, *webrtc.TrackRemote) {}
