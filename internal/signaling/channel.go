package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/infrastructure/monitoring"
	"rillcast/pkg/tracing"

	"go.uber.org/zap"
)

// EventHandler receives each event taken from a mailbox, in arrival order.
type EventHandler func(event *domain.SignalingEvent)

// ChunkHandler receives each newly observed chunk, oldest first.
type ChunkHandler func(chunk *domain.StreamChunk)

// ErrorHandler receives store failures from a subscription loop.
type ErrorHandler func(err error)

type Options struct {
	// WaitTimeout bounds one blocking take; it also paces the loop after
	// a failed take.
	WaitTimeout       time.Duration
	ChunkPollInterval time.Duration
	Metrics           *monitoring.PrometheusCollector
}

// Channel moves signaling events through per-recipient mailboxes and
// publishes recorded chunks. It never retries; failures go back to the
// caller or to the subscription's ErrorHandler.
type Channel struct {
	signals ports.SignalStore
	chunks  ports.ChunkStore
	logger  *zap.SugaredLogger
	opts    Options
}

func NewChannel(signals ports.SignalStore, chunks ports.ChunkStore, logger *zap.SugaredLogger, opts Options) *Channel {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 2 * time.Second
	}
	if opts.ChunkPollInterval <= 0 {
		opts.ChunkPollInterval = time.Second
	}
	return &Channel{
		signals: signals,
		chunks:  chunks,
		logger:  logger,
		opts:    opts,
	}
}

// Publish appends event to the recipient's mailbox.
func (c *Channel) Publish(ctx context.Context, to ports.MailboxKey, event *domain.SignalingEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	ctx, span := tracing.TraceSignaling(ctx, "publish", string(to.StreamID), string(to.Recipient))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.EventTypeKey.String(string(event.Type())))

	if err := c.signals.Append(ctx, to, event); err != nil {
		tracing.RecordError(ctx, err)
		c.opts.Metrics.RecordSignalingError("publish")
		return fmt.Errorf("publish %s to %s: %w", event.Type(), to, err)
	}

	c.opts.Metrics.RecordEventPublished(event.Type())
	c.logger.Debugw("published signaling event",
		"stream_id", to.StreamID,
		"recipient", to.Recipient,
		"type", event.Type(),
		"sender", event.SenderUserID,
	)
	return nil
}

// Subscribe starts consuming the mailbox at key. Each event is removed from
// the store before handler sees it, so it is delivered at most once.
func (c *Channel) Subscribe(ctx context.Context, key ports.MailboxKey, handler EventHandler, onError ErrorHandler) *Subscription {
	sub := newSubscription(ctx)
	go func() {
		defer close(sub.done)
		for sub.ctx.Err() == nil {
			events, err := c.take(sub.ctx, key)
			for _, event := range events {
				if sub.ctx.Err() != nil {
					// Taken but not delivered; the subscriber is gone.
					c.logger.Debugw("dropping event after unsubscribe",
						"stream_id", key.StreamID,
						"recipient", key.Recipient,
						"type", event.Type(),
					)
					continue
				}
				c.opts.Metrics.RecordEventConsumed(event.Type())
				handler(event)
			}
			if err != nil && sub.ctx.Err() == nil {
				c.opts.Metrics.RecordSignalingError("take")
				onError(err)
				sub.pause(c.opts.WaitTimeout)
			}
		}
	}()
	return sub
}

// Purge drops whatever is still queued in the mailbox at key.
func (c *Channel) Purge(ctx context.Context, key ports.MailboxKey) error {
	if err := c.signals.Purge(ctx, key); err != nil {
		c.opts.Metrics.RecordSignalingError("purge")
		return fmt.Errorf("purge %s: %w", key, err)
	}
	return nil
}

func (c *Channel) take(ctx context.Context, key ports.MailboxKey) ([]*domain.SignalingEvent, error) {
	events, err := c.signals.Take(ctx, key, c.opts.WaitTimeout)
	if err != nil && ctx.Err() != nil {
		return events, nil
	}
	if err != nil {
		return events, fmt.Errorf("take from %s: %w", key, err)
	}
	return events, nil
}

// PublishChunk appends chunk to the stream's rolling buffer. The store
// assigns Seq and Timestamp.
func (c *Channel) PublishChunk(ctx context.Context, streamID domain.StreamID, chunk *domain.StreamChunk) error {
	ctx, span := tracing.TraceRecording(ctx, "publish_chunk", string(streamID))
	defer span.End()

	if err := c.chunks.AppendChunk(ctx, streamID, chunk); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("publish chunk for %s: %w", streamID, err)
	}
	tracing.AddSpanAttributes(ctx, tracing.ChunkSeqKey.Int64(chunk.Seq))
	return nil
}

// SubscribeChunks polls for chunks with Seq greater than afterSeq. Chunks
// are never removed by reading, so any number of viewers may follow the
// same stream.
func (c *Channel) SubscribeChunks(ctx context.Context, streamID domain.StreamID, afterSeq int64, handler ChunkHandler, onError ErrorHandler) *Subscription {
	sub := newSubscription(ctx)
	go func() {
		defer close(sub.done)
		last := afterSeq
		for {
			chunks, err := c.chunks.ChunksAfter(sub.ctx, streamID, last)
			if err != nil && sub.ctx.Err() == nil {
				onError(fmt.Errorf("poll chunks for %s: %w", streamID, err))
			}
			for _, chunk := range chunks {
				if sub.ctx.Err() != nil {
					return
				}
				if chunk.Seq > last {
					last = chunk.Seq
				}
				handler(chunk)
			}
			if !sub.pause(c.opts.ChunkPollInterval) {
				return
			}
		}
	}()
	return sub
}

func (c *Channel) ChunkInfos(ctx context.Context, streamID domain.StreamID) ([]domain.ChunkInfo, error) {
	return c.chunks.ChunkInfos(ctx, streamID)
}

func (c *Channel) DeleteChunk(ctx context.Context, streamID domain.StreamID, seq int64) error {
	return c.chunks.DeleteChunk(ctx, streamID, seq)
}

func (c *Channel) GetChunk(ctx context.Context, streamID domain.StreamID, seq int64) (*domain.StreamChunk, error) {
	return c.chunks.GetChunk(ctx, streamID, seq)
}

// BufferWindow lists the chunks currently retained for streamID.
func (c *Channel) BufferWindow(ctx context.Context, streamID domain.StreamID) (domain.BufferWindow, error) {
	infos, err := c.chunks.ChunkInfos(ctx, streamID)
	if err != nil {
		return domain.BufferWindow{}, fmt.Errorf("buffer window for %s: %w", streamID, err)
	}
	return domain.NewBufferWindow(streamID, infos), nil
}

// Subscription is a running consumer loop.
type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newSubscription(parent context.Context) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Close stops the loop and waits for it to exit, so no handler runs after
// it returns. It must not be called from inside the subscription's own
// handler; use Stop there.
func (s *Subscription) Close() {
	s.Stop()
	<-s.done
}

// Stop cancels the loop without waiting.
func (s *Subscription) Stop() {
	s.once.Do(s.cancel)
}

// Done is closed once the loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
