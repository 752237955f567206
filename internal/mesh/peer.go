package mesh

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/ZoneVoice/internal/protocol"
)

// Peer is one WebRTC peer connection as the manager drives it.
type Peer interface {
	AttachTrack(track webrtc.TrackLocal) error
	DetachTrack() error

	// CreateOffer and CreateAnswer also install the result as the local
	// description.
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate is called with nil when gathering finishes.
	OnICECandidate(f func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote))

	Close() error
}

// PeerFactory creates peers for new links.
type PeerFactory interface {
	NewPeer() (Peer, error)
}

// ICEConfig configures the pion peer connections.
type ICEConfig struct {
	Servers []webrtc.ICEServer
	Policy  webrtc.ICETransportPolicy

	// IncludeLoopback gathers 127.0.0.1 candidates, for single-host
	// setups and tests.
	IncludeLoopback bool
}

// PionFactory builds pion peer connections that can carry Opus audio.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory returns a factory using ice for every connection.
func NewPionFactory(ice ICEConfig) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if ice.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:         ice.Servers,
			ICETransportPolicy: ice.Policy,
		},
	}, nil
}

// NewPeer creates a peer connection.
func (f *PionFactory) NewPeer() (Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	sender *webrtc.RTPSender
}

func (p *pionPeer) AttachTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sender != nil {
		return errors.New("track already attached")
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	p.sender = sender

	// RTCP must be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) DetachTrack() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sender == nil {
		return nil
	}
	sender := p.sender
	p.sender = nil
	if p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil
	}
	return p.pc.RemoveTrack(sender)
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnTrack(f func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func toSessionDescription(t webrtc.SDPType, sd protocol.SessionDescription) (webrtc.SessionDescription, error) {
	if sd.Type != "" && webrtc.NewSDPType(sd.Type) != t {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s sdp in %s message", ErrUnexpectedSignal, sd.Type, t)
	}
	return webrtc.SessionDescription{Type: t, SDP: sd.SDP}, nil
}

func fromSessionDescription(desc webrtc.SessionDescription) *protocol.SessionDescription {
	return &protocol.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toCandidateInit(c protocol.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(c webrtc.ICECandidateInit) *protocol.Candidate {
	return &protocol.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
