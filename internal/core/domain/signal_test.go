package domain

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalingEvent_WireShapeIsFlat(t *testing.T) {
	ev := SignalingEvent{
		SenderUserID: "viewer-1",
		Timestamp:    time.UnixMilli(1700000000123),
		Payload:      SeekPayload{Time: 42.5},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "seek", raw["type"])
	assert.Equal(t, "viewer-1", raw["senderUserId"])
	assert.Equal(t, 42.5, raw["time"])
	assert.EqualValues(t, 1700000000123, raw["timestamp"])
}

func TestSignalingEvent_DecodesEveryType(t *testing.T) {
	cases := map[string]EventType{
		`{"type":"offer","senderUserId":"b","sdp":"v=0","round":3}`:  EventOffer,
		`{"type":"answer","senderUserId":"v","sdp":"v=0","round":3}`: EventAnswer,
		`{"type":"ice-candidate","senderUserId":"v","candidate":null}`: EventICECandidate,
		`{"type":"seek","senderUserId":"v","time":1}`:                   EventSeek,
		`{"type":"playback-rate","senderUserId":"v","rate":1.5}`:        EventPlaybackRate,
		`{"type":"playback-state","senderUserId":"v","playing":true}`:   EventPlaybackState,
		`{"type":"go-live","senderUserId":"v"}`:                         EventGoLive,
		`{"type":"quality-change","senderUserId":"v","quality":"low"}`:  EventQualityChange,
		`{"type":"stream-state","senderUserId":"b","status":"ended"}`:   EventStreamState,
		`{"type":"join","senderUserId":"v","displayName":"Vee"}`:        EventJoin,
		`{"type":"leave","senderUserId":"v"}`:                           EventLeave,
	}

	for wire, want := range cases {
		var ev SignalingEvent
		require.NoError(t, json.Unmarshal([]byte(wire), &ev), wire)
		assert.Equal(t, want, ev.Type(), wire)
		assert.NoError(t, ev.Validate(), wire)
	}
}

func TestSignalingEvent_OfferKeepsRound(t *testing.T) {
	var ev SignalingEvent
	require.NoError(t, json.Unmarshal([]byte(`{"type":"offer","senderUserId":"b","sdp":"v=0","round":7,"iceRestart":true}`), &ev))

	offer, ok := ev.Payload.(OfferPayload)
	require.True(t, ok)
	assert.Equal(t, uint64(7), offer.Round)
	assert.True(t, offer.ICERestart)
	assert.True(t, ev.Timestamp.IsZero())
}

func TestSignalingEvent_UnknownTypeRejected(t *testing.T) {
	var ev SignalingEvent
	err := json.Unmarshal([]byte(`{"type":"bogus","senderUserId":"x"}`), &ev)
	assert.True(t, errors.Is(err, ErrInvalidEvent))
}

func TestSignalingEvent_Validate(t *testing.T) {
	assert.Error(t, NewEvent("", SeekPayload{Time: 1}).Validate())
	assert.Error(t, NewEvent("v", SeekPayload{Time: -1}).Validate())
	assert.Error(t, NewEvent("v", PlaybackRatePayload{Rate: 0}).Validate())
	assert.Error(t, NewEvent("v", PlaybackRatePayload{Rate: 8}).Validate())
	assert.Error(t, NewEvent("v", QualityChangePayload{Quality: "8k"}).Validate())
	assert.Error(t, NewEvent("b", OfferPayload{}).Validate())
	assert.Error(t, (&SignalingEvent{SenderUserID: "v"}).Validate())
	assert.NoError(t, NewEvent("v", PlaybackRatePayload{Rate: 2}).Validate())
}

func TestSignalingEvent_ValidateRejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.ErrorIs(t, NewEvent("v", SeekPayload{Time: v}).Validate(), ErrInvalidEvent, "seek %v", v)
		assert.ErrorIs(t, NewEvent("v", PlaybackRatePayload{Rate: v}).Validate(), ErrInvalidEvent, "rate %v", v)
	}
}

func TestICECandidatePayload_Complete(t *testing.T) {
	cand := "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"
	mid := "0"
	idx := uint16(0)
	empty := ""

	assert.False(t, ICECandidatePayload{}.Complete())
	assert.False(t, ICECandidatePayload{Candidate: &empty, SDPMid: &mid}.Complete())
	assert.False(t, ICECandidatePayload{Candidate: &cand}.Complete())
	assert.True(t, ICECandidatePayload{Candidate: &cand, SDPMid: &mid}.Complete())
	assert.True(t, ICECandidatePayload{Candidate: &cand, SDPMLineIndex: &idx}.Complete())
}

func TestBufferWindow_Locate(t *testing.T) {
	w := NewBufferWindow("s", []ChunkInfo{
		{Seq: 1, DurationSeconds: 10},
		{Seq: 2, DurationSeconds: 8},
		{Seq: 3, DurationSeconds: 10},
	})
	assert.Equal(t, 28.0, w.TotalSeconds)

	info, offset, ok := w.Locate(12)
	require.True(t, ok)
	assert.Equal(t, int64(2), info.Seq)
	assert.InDelta(t, 2.0, offset, 1e-9)

	info, _, ok = w.Locate(100)
	require.True(t, ok)
	assert.Equal(t, int64(3), info.Seq)

	_, _, ok = NewBufferWindow("s", nil).Locate(0)
	assert.False(t, ok)
}
