package ports

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the subset of *webrtc.PeerConnection used for one
// broadcaster-to-viewer link.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// PeerFactory creates a fresh peer connection per link.
type PeerFactory func() (PeerConnection, error)

// Segment is one captured slice of the local media.
type Segment struct {
	Data     []byte
	Duration time.Duration
}

// MediaSource is the broadcaster's live capture.
type MediaSource interface {
	// Tracks are attached to every viewer link.
	Tracks() []webrtc.TrackLocal
	// CutSegment returns everything captured since the previous cut.
	CutSegment() (Segment, error)
}

// SegmentEncoder turns captured bytes into a transportable payload.
type SegmentEncoder func(raw []byte) ([]byte, error)

// TrackSink receives remote media on the viewer side.
type TrackSink interface {
	HandleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}
