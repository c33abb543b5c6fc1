package ports

import (
	"context"
	"time"

	"rillcast/internal/core/domain"
)

// MailboxKey addresses one recipient's signaling mailbox inside a stream.
type MailboxKey struct {
	StreamID  domain.StreamID
	Recipient domain.UserID
}

func (k MailboxKey) String() string {
	return string(k.StreamID) + "/" + string(k.Recipient)
}

// SignalStore is the shared real-time store backing signaling mailboxes.
// Take removes the events it returns, so each event is delivered at most once.
type SignalStore interface {
	Append(ctx context.Context, key MailboxKey, event *domain.SignalingEvent) error
	// Take waits up to wait for at least one event and returns every event
	// currently queued, oldest first. An empty result is not an error.
	Take(ctx context.Context, key MailboxKey, wait time.Duration) ([]*domain.SignalingEvent, error)
	Purge(ctx context.Context, key MailboxKey) error
}

// ChunkStore persists recorded chunks. Only the broadcaster appends and
// deletes; any client may read.
type ChunkStore interface {
	// AppendChunk assigns Seq and Timestamp before persisting.
	AppendChunk(ctx context.Context, streamID domain.StreamID, chunk *domain.StreamChunk) error
	ChunkInfos(ctx context.Context, streamID domain.StreamID) ([]domain.ChunkInfo, error)
	ChunksAfter(ctx context.Context, streamID domain.StreamID, afterSeq int64) ([]*domain.StreamChunk, error)
	GetChunk(ctx context.Context, streamID domain.StreamID, seq int64) (*domain.StreamChunk, error)
	DeleteChunk(ctx context.Context, streamID domain.StreamID, seq int64) error
}

// MetadataStore holds StreamMetadata documents.
type MetadataStore interface {
	PutMetadata(ctx context.Context, meta *domain.StreamMetadata) error
	GetMetadata(ctx context.Context, streamID domain.StreamID) (*domain.StreamMetadata, error)
	SetStatus(ctx context.Context, streamID domain.StreamID, status domain.StreamStatus, endedAt *time.Time) error
	// AdjustViewerCount applies delta atomically and never lets the count
	// drop below zero. It returns the resulting count.
	AdjustViewerCount(ctx context.Context, streamID domain.StreamID, delta int64) (int64, error)
	ListLive(ctx context.Context) ([]*domain.StreamMetadata, error)
}

// BroadcastLease is a held claim on a stream's broadcaster slot.
type BroadcastLease interface {
	Release(ctx context.Context) error
}

// BroadcastLocks lets at most one broadcaster publish a stream across every
// node sharing the store.
type BroadcastLocks interface {
	// AcquireBroadcast returns domain.ErrAlreadyBroadcasting while another
	// holder owns the stream.
	AcquireBroadcast(ctx context.Context, streamID domain.StreamID) (BroadcastLease, error)
}

// Store bundles every surface of the shared store.
type Store interface {
	SignalStore
	ChunkStore
	MetadataStore
	BroadcastLocks
	Ping(ctx context.Context) error
	Close() error
}
