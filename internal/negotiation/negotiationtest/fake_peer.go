// Package negotiationtest provides an in-memory peer connection that follows
// the offer/answer signaling state rules without any network.
package negotiationtest

import (
	"errors"
	"fmt"
	"sync"

	"rillcast/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

var ErrInvalidState = errors.New("invalid signaling state")

type FakePeer struct {
	mu sync.Mutex

	state      webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	lastRemote *webrtc.SessionDescription

	onCandidate func(*webrtc.ICECandidate)
	onICE       func(webrtc.ICEConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	Offers        []webrtc.OfferOptions
	Answers       int
	RemoteSets    int
	Candidates    []webrtc.ICECandidateInit
	Tracks        []webrtc.TrackLocal
	RTCP          []rtcp.Packet
	Closed        bool
	AddTrackError error
	// AnswerErrors fail that many CreateAnswer calls before answering again.
	AnswerErrors int
}

var _ ports.PeerConnection = (*FakePeer)(nil)

func NewFakePeer() *FakePeer {
	return &FakePeer{state: webrtc.SignalingStateStable}
}

// Factory returns a PeerFactory that records every peer it creates.
func Factory(created *[]*FakePeer, mu *sync.Mutex) ports.PeerFactory {
	return func() (ports.PeerConnection, error) {
		p := NewFakePeer()
		mu.Lock()
		*created = append(*created, p)
		mu.Unlock()
		return p, nil
	}
}

func (p *FakePeer) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return webrtc.SessionDescription{}, ErrInvalidState
	}
	var opts webrtc.OfferOptions
	if options != nil {
		opts = *options
	}
	p.Offers = append(p.Offers, opts)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(p.Offers))}, nil
}

func (p *FakePeer) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer in %s", ErrInvalidState, p.state)
	}
	if p.AnswerErrors > 0 {
		p.AnswerErrors--
		return webrtc.SessionDescription{}, errors.New("answer failed")
	}
	p.Answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.Answers)}, nil
}

func (p *FakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer &&
		(p.state == webrtc.SignalingStateStable || p.state == webrtc.SignalingStateHaveLocalOffer):
		p.state = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveRemoteOffer:
		p.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: set local %s in %s", ErrInvalidState, desc.Type, p.state)
	}
	p.local = &desc
	return nil
}

func (p *FakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if desc.Type == webrtc.SDPTypeRollback {
		if p.state != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("%w: rollback in %s", ErrInvalidState, p.state)
		}
		p.state = webrtc.SignalingStateStable
		p.remote = p.lastRemote
		return nil
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.state == webrtc.SignalingStateStable:
		p.lastRemote = p.remote
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.state == webrtc.SignalingStateHaveLocalOffer:
		p.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: set remote %s in %s", ErrInvalidState, desc.Type, p.state)
	}
	p.remote = &desc
	p.RemoteSets++
	return nil
}

func (p *FakePeer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *FakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return fmt.Errorf("%w: candidate without remote description", ErrInvalidState)
	}
	p.Candidates = append(p.Candidates, candidate)
	return nil
}

func (p *FakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ForceState puts the peer in an arbitrary signaling state.
func (p *FakePeer) ForceState(state webrtc.SignalingState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

func (p *FakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = f
}

func (p *FakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = f
}

func (p *FakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *FakePeer) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AddTrackError != nil {
		return nil, p.AddTrackError
	}
	p.Tracks = append(p.Tracks, track)
	return nil, nil
}

func (p *FakePeer) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RTCP = append(p.RTCP, pkts...)
	return nil
}

func (p *FakePeer) Close() error {
	p.mu.Lock()
	p.Closed = true
	p.state = webrtc.SignalingStateClosed
	p.mu.Unlock()
	return nil
}

// EmitCandidate delivers a host candidate to the registered handler.
func (p *FakePeer) EmitCandidate(port uint16) {
	p.mu.Lock()
	f := p.onCandidate
	p.mu.Unlock()
	if f == nil {
		return
	}
	f(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "192.0.2.10",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
}

// SetICEState reports an ICE connection state change.
func (p *FakePeer) SetICEState(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	f := p.onICE
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (p *FakePeer) OfferCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Offers)
}

func (p *FakePeer) LastOffer() webrtc.OfferOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Offers) == 0 {
		return webrtc.OfferOptions{}
	}
	return p.Offers[len(p.Offers)-1]
}

func (p *FakePeer) AnswerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Answers
}

func (p *FakePeer) AppliedCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Candidates)
}

func (p *FakePeer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

func (p *FakePeer) TrackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Tracks)
}
