package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Kind tags which track a packet belongs to inside a recorded segment.
type Kind byte

const (
	KindVideo Kind = 'v'
	KindAudio Kind = 'a'
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

const (
	frameHeaderLen = 3
	maxPacketSize  = 1500
)

var ErrMalformedSegment = errors.New("malformed segment")

// RTPSource is the broadcaster's capture. Packets written to it are
// forwarded to every viewer link through local static tracks and also
// framed into the pending segment until the next cut.
type RTPSource struct {
	video *webrtc.TrackLocalStaticRTP
	audio *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	pending bytes.Buffer
	cutAt   time.Time
	now     func() time.Time

	logger *zap.SugaredLogger
}

var _ ports.MediaSource = (*RTPSource)(nil)

func NewRTPSource(streamID domain.StreamID, logger *zap.SugaredLogger) (*RTPSource, error) {
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", string(streamID),
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", string(streamID),
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return &RTPSource{
		video:  video,
		audio:  audio,
		cutAt:  time.Now(),
		now:    time.Now,
		logger: logger,
	}, nil
}

func (s *RTPSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.video, s.audio}
}

func (s *RTPSource) WriteVideo(pkt *rtp.Packet) error {
	return s.write(KindVideo, s.video, pkt)
}

func (s *RTPSource) WriteAudio(pkt *rtp.Packet) error {
	return s.write(KindAudio, s.audio, pkt)
}

func (s *RTPSource) write(kind Kind, track *webrtc.TrackLocalStaticRTP, pkt *rtp.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s packet: %w", kind, err)
	}
	if len(raw) > 0xFFFF {
		return fmt.Errorf("%s packet of %d bytes too large", kind, len(raw))
	}

	s.mu.Lock()
	var header [frameHeaderLen]byte
	header[0] = byte(kind)
	binary.BigEndian.PutUint16(header[1:], uint16(len(raw)))
	s.pending.Write(header[:])
	s.pending.Write(raw)
	s.mu.Unlock()

	// Viewers without a bound sender simply miss the packet.
	if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("forward %s packet: %w", kind, err)
	}
	return nil
}

// CutSegment returns the packets framed since the previous cut.
func (s *RTPSource) CutSegment() (ports.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	segment := ports.Segment{
		Data:     append([]byte(nil), s.pending.Bytes()...),
		Duration: now.Sub(s.cutAt),
	}
	s.pending.Reset()
	s.cutAt = now
	return segment, nil
}

// Ingest reads RTP datagrams from a UDP address (for example an ffmpeg or
// GStreamer rtp sink) until ctx is done.
func (s *RTPSource) Ingest(ctx context.Context, address string, kind Kind) error {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return fmt.Errorf("listen %s ingest on %s: %w", kind, address, err)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.logger.Infow("rtp ingest listening", "kind", kind.String(), "address", conn.LocalAddr().String())

	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s ingest: %w", kind, err)
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Debugw("dropping malformed rtp datagram", "kind", kind.String(), "error", err)
			continue
		}

		if kind == KindVideo {
			err = s.WriteVideo(pkt)
		} else {
			err = s.WriteAudio(pkt)
		}
		if err != nil {
			s.logger.Warnw("failed to write ingested packet", "kind", kind.String(), "error", err)
		}
	}
}

// Packet is one RTP packet recovered from a recorded segment.
type Packet struct {
	Kind   Kind
	Packet *rtp.Packet
}

// ParseSegment splits recorded segment bytes back into RTP packets.
func ParseSegment(data []byte) ([]Packet, error) {
	var packets []Packet
	for len(data) > 0 {
		if len(data) < frameHeaderLen {
			return packets, fmt.Errorf("%w: truncated frame header", ErrMalformedSegment)
		}
		kind := Kind(data[0])
		size := int(binary.BigEndian.Uint16(data[1:frameHeaderLen]))
		data = data[frameHeaderLen:]
		if len(data) < size {
			return packets, fmt.Errorf("%w: frame wants %d bytes, %d left", ErrMalformedSegment, size, len(data))
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(data[:size]); err != nil {
			return packets, fmt.Errorf("%w: %v", ErrMalformedSegment, err)
		}
		packets = append(packets, Packet{Kind: kind, Packet: pkt})
		data = data[size:]
	}
	return packets, nil
}
