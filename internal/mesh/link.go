package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// LinkState is the negotiation state of one link.
type LinkState int

const (
	StateNew LinkState = iota
	StateOffering
	StateAnswering
	StateNegotiating
	StateConnected
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}

// Link is the peer connection to one remote participant. Closed is
// terminal: a closed link is never reused.
type Link struct {
	LocalID   string
	RemoteID  string
	Initiator bool

	peer Peer

	mu        sync.Mutex
	state     LinkState
	remoteSet bool
	localSent bool

	// pending holds remote candidates that arrived before the remote
	// description; outbound holds local ones gathered before our SDP went
	// out. Both are flushed in arrival order.
	pending  []webrtc.ICECandidateInit
	outbound []webrtc.ICECandidateInit

	timer   *time.Timer
	created time.Time
}

// LinkInfo is a point-in-time view of a link.
type LinkInfo struct {
	RemoteID  string
	State     LinkState
	Initiator bool
	Age       time.Duration
}

// State returns the link's current state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) info() LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkInfo{
		RemoteID:  l.RemoteID,
		State:     l.state,
		Initiator: l.Initiator,
		Age:       time.Since(l.created),
	}
}

// shouldOffer applies the glare rule: the smaller id keeps offering.
func (l *Link) shouldOffer() bool {
	return l.LocalID < l.RemoteID
}

// markClosed moves the link to Closed and reports whether it was open.
func (l *Link) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return false
	}
	l.state = StateClosed
	if l.timer != nil {
		l.timer.Stop()
	}
	l.pending = nil
	l.outbound = nil
	return true
}
