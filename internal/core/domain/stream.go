package domain

import (
	"fmt"
	"time"
)

type StreamID string
type UserID string
type SessionID string

// Role is the part a client plays in a stream.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

func (r Role) Valid() bool {
	return r == RoleBroadcaster || r == RoleViewer
}

type StreamStatus string

const (
	StatusLive  StreamStatus = "live"
	StatusEnded StreamStatus = "ended"
)

// StreamMetadata is the shared document describing a broadcast. Only the
// broadcaster writes status and endedAt; viewerCount is adjusted atomically
// by every connecting or disconnecting viewer.
type StreamMetadata struct {
	StreamID    StreamID     `json:"streamId"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	UserID      UserID       `json:"userId"`
	Username    string       `json:"username"`
	StartedAt   time.Time    `json:"startedAt"`
	EndedAt     *time.Time   `json:"endedAt,omitempty"`
	Status      StreamStatus `json:"status"`
	ViewerCount int64        `json:"viewerCount"`
	Thumbnail   string       `json:"thumbnail,omitempty"`
}

// Quality is a requested playback quality level.
type Quality string

const (
	QualityAuto   Quality = "auto"
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

func ParseQuality(s string) (Quality, error) {
	switch q := Quality(s); q {
	case QualityAuto, QualityHigh, QualityMedium, QualityLow:
		return q, nil
	default:
		return "", fmt.Errorf("%w: unknown quality %q", ErrInvalidEvent, s)
	}
}

// SessionPhase is the lifecycle of a StreamSession:
// idle -> connecting -> live -> ended, with error reachable from connecting or live.
type SessionPhase string

const (
	PhaseIdle       SessionPhase = "idle"
	PhaseConnecting SessionPhase = "connecting"
	PhaseLive       SessionPhase = "live"
	PhaseEnded      SessionPhase = "ended"
	PhaseError      SessionPhase = "error"
)

// Terminal reports whether no further transition is possible.
func (p SessionPhase) Terminal() bool {
	return p == PhaseEnded || p == PhaseError
}

// StreamState is the per-client view of playback. Each side derives its own
// copy from signaling events; it is never shared between peers.
type StreamState struct {
	Phase         SessionPhase `json:"phase"`
	Waiting       bool         `json:"waiting"`
	IsLive        bool         `json:"isLive"`
	CurrentTime   float64      `json:"currentTime"`
	TotalDuration float64      `json:"totalDuration"`
	IsPlaying     bool         `json:"isPlaying"`
	PlaybackRate  float64      `json:"playbackRate"`
	Quality       Quality      `json:"quality"`
}
