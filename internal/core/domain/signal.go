package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// EventType tags the payload carried by a SignalingEvent.
type EventType string

const (
	EventOffer         EventType = "offer"
	EventAnswer        EventType = "answer"
	EventICECandidate  EventType = "ice-candidate"
	EventSeek          EventType = "seek"
	EventPlaybackRate  EventType = "playback-rate"
	EventPlaybackState EventType = "playback-state"
	EventGoLive        EventType = "go-live"
	EventQualityChange EventType = "quality-change"
	EventStreamState   EventType = "stream-state"
	EventJoin          EventType = "join"
	EventLeave         EventType = "leave"
)

// EventPayload is implemented by exactly one payload type per EventType.
type EventPayload interface {
	EventType() EventType
}

// SignalingEvent is a write-once, consume-once mailbox record.
type SignalingEvent struct {
	SenderUserID UserID
	Timestamp    time.Time
	Payload      EventPayload
}

// NewEvent builds an event for the given sender. Timestamp is left for the
// store to assign.
func NewEvent(sender UserID, payload EventPayload) *SignalingEvent {
	return &SignalingEvent{SenderUserID: sender, Payload: payload}
}

func (e *SignalingEvent) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

type OfferPayload struct {
	SDP        string `json:"sdp"`
	Round      uint64 `json:"round"`
	ICERestart bool   `json:"iceRestart,omitempty"`
}

type AnswerPayload struct {
	SDP   string `json:"sdp"`
	Round uint64 `json:"round"`
}

// ICECandidatePayload mirrors the nullable wire fields of a candidate.
type ICECandidatePayload struct {
	Candidate     *string `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// Complete reports whether the candidate carries enough fields to be applied.
func (p ICECandidatePayload) Complete() bool {
	if p.Candidate == nil || *p.Candidate == "" {
		return false
	}
	return p.SDPMid != nil || p.SDPMLineIndex != nil
}

type SeekPayload struct {
	Time float64 `json:"time"`
}

type PlaybackRatePayload struct {
	Rate float64 `json:"rate"`
}

type PlaybackStatePayload struct {
	Playing bool `json:"playing"`
}

type GoLivePayload struct{}

type QualityChangePayload struct {
	Quality Quality `json:"quality"`
}

type StreamStatePayload struct {
	Status StreamStatus `json:"status"`
}

type JoinPayload struct {
	DisplayName string `json:"displayName,omitempty"`
}

type LeavePayload struct{}

func (OfferPayload) EventType() EventType         { return EventOffer }
func (AnswerPayload) EventType() EventType        { return EventAnswer }
func (ICECandidatePayload) EventType() EventType  { return EventICECandidate }
func (SeekPayload) EventType() EventType          { return EventSeek }
func (PlaybackRatePayload) EventType() EventType  { return EventPlaybackRate }
func (PlaybackStatePayload) EventType() EventType { return EventPlaybackState }
func (GoLivePayload) EventType() EventType        { return EventGoLive }
func (QualityChangePayload) EventType() EventType { return EventQualityChange }
func (StreamStatePayload) EventType() EventType   { return EventStreamState }
func (JoinPayload) EventType() EventType          { return EventJoin }
func (LeavePayload) EventType() EventType         { return EventLeave }

const MaxPlaybackRate = 4.0

// Validate checks payload invariants that the wire format cannot express.
func (e *SignalingEvent) Validate() error {
	if e.SenderUserID == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidEvent)
	}
	switch p := e.Payload.(type) {
	case OfferPayload:
		if p.SDP == "" {
			return fmt.Errorf("%w: empty offer sdp", ErrInvalidEvent)
		}
	case AnswerPayload:
		if p.SDP == "" {
			return fmt.Errorf("%w: empty answer sdp", ErrInvalidEvent)
		}
	case SeekPayload:
		if math.IsNaN(p.Time) || math.IsInf(p.Time, 0) {
			return fmt.Errorf("%w: seek time %v", ErrInvalidEvent, p.Time)
		}
		if p.Time < 0 {
			return fmt.Errorf("%w: negative seek time", ErrInvalidEvent)
		}
	case PlaybackRatePayload:
		if math.IsNaN(p.Rate) || p.Rate <= 0 || p.Rate > MaxPlaybackRate {
			return fmt.Errorf("%w: playback rate %v out of range", ErrInvalidEvent, p.Rate)
		}
	case QualityChangePayload:
		if _, err := ParseQuality(string(p.Quality)); err != nil {
			return err
		}
	case StreamStatePayload:
		if p.Status != StatusLive && p.Status != StatusEnded {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, p.Status)
		}
	case ICECandidatePayload, PlaybackStatePayload, GoLivePayload, JoinPayload, LeavePayload:
	case nil:
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	default:
		return fmt.Errorf("%w: unsupported payload %T", ErrInvalidEvent, p)
	}
	return nil
}

type eventEnvelope struct {
	Type         EventType `json:"type"`
	SenderUserID UserID    `json:"senderUserId"`
	Timestamp    int64     `json:"timestamp,omitempty"`
}

// MarshalJSON flattens the payload fields next to type, senderUserId and
// timestamp (milliseconds since epoch).
func (e SignalingEvent) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}

	env := eventEnvelope{Type: e.Payload.EventType(), SenderUserID: e.SenderUserID}
	if !e.Timestamp.IsZero() {
		env.Timestamp = e.Timestamp.UnixMilli()
	}
	head, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var headFields map[string]json.RawMessage
	if err := json.Unmarshal(head, &headFields); err != nil {
		return nil, err
	}
	for k, v := range headFields {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the envelope and then the payload selected by type.
func (e *SignalingEvent) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var payload EventPayload
	var err error
	switch env.Type {
	case EventOffer:
		payload, err = decodePayload[OfferPayload](data)
	case EventAnswer:
		payload, err = decodePayload[AnswerPayload](data)
	case EventICECandidate:
		payload, err = decodePayload[ICECandidatePayload](data)
	case EventSeek:
		payload, err = decodePayload[SeekPayload](data)
	case EventPlaybackRate:
		payload, err = decodePayload[PlaybackRatePayload](data)
	case EventPlaybackState:
		payload, err = decodePayload[PlaybackStatePayload](data)
	case EventGoLive:
		payload = GoLivePayload{}
	case EventQualityChange:
		payload, err = decodePayload[QualityChangePayload](data)
	case EventStreamState:
		payload, err = decodePayload[StreamStatePayload](data)
	case EventJoin:
		payload, err = decodePayload[JoinPayload](data)
	case EventLeave:
		payload = LeavePayload{}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, env.Type)
	}
	if err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEvent, env.Type, err)
	}

	e.SenderUserID = env.SenderUserID
	e.Payload = payload
	e.Timestamp = time.Time{}
	if env.Timestamp != 0 {
		e.Timestamp = time.UnixMilli(env.Timestamp)
	}
	return nil
}

func decodePayload[T EventPayload](data []byte) (EventPayload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
