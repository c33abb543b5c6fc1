package domain

import "errors"

var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamEnded         = errors.New("stream has ended")
	ErrChunkNotFound       = errors.New("chunk not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionClosed       = errors.New("session closed")
	ErrNotBroadcaster      = errors.New("operation requires broadcaster role")
	ErrNotViewer           = errors.New("operation requires viewer role")
	ErrNotConnected        = errors.New("session is not connected")
	ErrAlreadyBroadcasting = errors.New("broadcast already started")
	ErrWrongSignalingState = errors.New("wrong signaling state")
	ErrStaleRound          = errors.New("stale negotiation round")
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrICEFailed           = errors.New("ice connection failed")
	ErrNegotiationStuck    = errors.New("negotiation did not complete")
	ErrInvalidEvent        = errors.New("invalid signaling event")
	ErrLinkClosed          = errors.New("peer link closed")
)
