package media

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func packet(seq uint16, payload string) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           1234,
		},
		Payload: []byte(payload),
	}
}

func TestRTPSource_CutSegmentRoundTrip(t *testing.T) {
	src, err := NewRTPSource("s1", zap.NewNop().Sugar())
	require.NoError(t, err)

	base := time.Unix(1000, 0)
	src.cutAt = base
	src.now = func() time.Time { return base.Add(10 * time.Second) }

	require.NoError(t, src.WriteVideo(packet(1, "frame-1")))
	require.NoError(t, src.WriteAudio(packet(2, "opus")))
	require.NoError(t, src.WriteVideo(packet(3, "frame-2")))

	segment, err := src.CutSegment()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, segment.Duration)

	packets, err := ParseSegment(segment.Data)
	require.NoError(t, err)
	require.Len(t, packets, 3)
	assert.Equal(t, KindVideo, packets[0].Kind)
	assert.Equal(t, KindAudio, packets[1].Kind)
	assert.Equal(t, uint16(3), packets[2].Packet.SequenceNumber)
	assert.Equal(t, []byte("frame-2"), packets[2].Packet.Payload)

	next, err := src.CutSegment()
	require.NoError(t, err)
	assert.Empty(t, next.Data)
	assert.Zero(t, next.Duration)
}

func TestRTPSource_Tracks(t *testing.T) {
	src, err := NewRTPSource("s1", zap.NewNop().Sugar())
	require.NoError(t, err)

	tracks := src.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "video", tracks[0].Kind().String())
	assert.Equal(t, "audio", tracks[1].Kind().String())
	assert.Equal(t, "s1", tracks[0].StreamID())
}

func TestParseSegment_Truncated(t *testing.T) {
	src, err := NewRTPSource("s1", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, src.WriteVideo(packet(1, "frame")))
	segment, _ := src.CutSegment()

	packets, err := ParseSegment(segment.Data[:len(segment.Data)-2])
	assert.ErrorIs(t, err, ErrMalformedSegment)
	assert.Empty(t, packets)

	_, err = ParseSegment([]byte{'v', 0})
	assert.ErrorIs(t, err, ErrMalformedSegment)
}

func TestRTPSource_Ingest(t *testing.T) {
	src, err := NewRTPSource("s1", zap.NewNop().Sugar())
	require.NoError(t, err)

	// Grab a free port and release it for the ingest listener.
	reserved, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := reserved.LocalAddr().String()
	require.NoError(t, reserved.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Ingest(ctx, addr, KindAudio) }()

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	raw, err := packet(7, "opus").Marshal()
	require.NoError(t, err)

	var packets []Packet
	require.Eventually(t, func() bool {
		_, _ = conn.Write(raw)
		_, _ = conn.Write([]byte{0x01})
		segment, _ := src.CutSegment()
		got, _ := ParseSegment(segment.Data)
		packets = append(packets, got...)
		return len(packets) > 0
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, KindAudio, packets[0].Kind)
	assert.Equal(t, uint16(7), packets[0].Packet.SequenceNumber)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ingest did not stop")
	}
}
