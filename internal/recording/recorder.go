package recording

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/infrastructure/monitoring"
	"rillcast/pkg/tracing"

	"go.uber.org/zap"
)

type Config struct {
	SegmentDuration time.Duration
	// BufferCap bounds the summed duration of retained chunks.
	BufferCap time.Duration
}

func DefaultConfig() Config {
	return Config{
		SegmentDuration: 10 * time.Second,
		BufferCap:       4 * time.Hour,
	}
}

// ChunkLog is where recorded chunks go. The recorder is its only writer
// for a given stream.
type ChunkLog interface {
	PublishChunk(ctx context.Context, streamID domain.StreamID, chunk *domain.StreamChunk) error
	ChunkInfos(ctx context.Context, streamID domain.StreamID) ([]domain.ChunkInfo, error)
	DeleteChunk(ctx context.Context, streamID domain.StreamID, seq int64) error
}

// Passthrough stores captured bytes unchanged.
func Passthrough(raw []byte) ([]byte, error) {
	return raw, nil
}

// Recorder cuts the broadcaster's media into fixed-duration chunks and keeps
// the stream's rolling buffer under BufferCap by evicting the oldest chunks.
type Recorder struct {
	streamID domain.StreamID
	log      ChunkLog
	source   ports.MediaSource
	encode   ports.SegmentEncoder
	cfg      Config
	logger   *zap.SugaredLogger
	metrics  *monitoring.PrometheusCollector
	onError  func(error)

	// mu serializes append and eviction against readers of the index.
	mu    sync.Mutex
	index []domain.ChunkInfo
	total time.Duration

	life    sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func New(streamID domain.StreamID, log ChunkLog, source ports.MediaSource, encode ports.SegmentEncoder, cfg Config, logger *zap.SugaredLogger, metrics *monitoring.PrometheusCollector, onError func(error)) *Recorder {
	if encode == nil {
		encode = Passthrough
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Recorder{
		streamID: streamID,
		log:      log,
		source:   source,
		encode:   encode,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		onError:  onError,
	}
}

// Start loads whatever the stream already retains and begins cutting a
// segment every SegmentDuration.
func (r *Recorder) Start(ctx context.Context) error {
	r.life.Lock()
	defer r.life.Unlock()

	if r.stopped {
		return domain.ErrStreamEnded
	}
	if r.done != nil {
		return nil
	}

	infos, err := r.log.ChunkInfos(ctx, r.streamID)
	if err != nil {
		return fmt.Errorf("load retained chunks: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Seq < infos[j].Seq })

	r.mu.Lock()
	r.index = infos
	r.total = 0
	for _, info := range infos {
		r.total += info.Duration()
	}
	r.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(loopCtx, r.done)

	r.logger.Infow("recording started",
		"stream_id", r.streamID,
		"segment_duration", r.cfg.SegmentDuration,
		"buffer_cap", r.cfg.BufferCap,
		"retained_chunks", len(infos),
	)
	return nil
}

// Stop cancels the segment timer and waits for an in-flight segment to
// finish. No chunk is recorded after Stop returns.
func (r *Recorder) Stop() {
	r.life.Lock()
	defer r.life.Unlock()

	if r.stopped {
		return
	}
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.logger.Infow("recording stopped", "stream_id", r.streamID, "buffered", r.BufferedDuration())
}

func (r *Recorder) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.SegmentDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		segment, err := r.source.CutSegment()
		if err != nil {
			r.metrics.RecordRecordingError("capture")
			r.report(fmt.Errorf("capture segment: %w", err))
			continue
		}
		if len(segment.Data) == 0 {
			r.logger.Debugw("no media captured in interval", "stream_id", r.streamID)
			continue
		}
		if err := r.RecordSegment(ctx, segment); err != nil && ctx.Err() == nil {
			r.report(err)
		}
	}
}

// RecordSegment encodes and appends one segment, then evicts from the
// front of the buffer while the retained duration exceeds the cap.
func (r *Recorder) RecordSegment(ctx context.Context, segment ports.Segment) error {
	ctx, span := tracing.TraceRecording(ctx, "segment", string(r.streamID))
	defer span.End()
	start := time.Now()

	payload, err := r.encode(segment.Data)
	if err != nil {
		r.metrics.RecordRecordingError("encode")
		tracing.RecordError(ctx, err)
		return fmt.Errorf("encode segment: %w", err)
	}

	duration := segment.Duration
	if duration <= 0 {
		duration = r.cfg.SegmentDuration
	}
	chunk := &domain.StreamChunk{
		ChunkInfo: domain.ChunkInfo{
			DurationSeconds: duration.Seconds(),
			SizeBytes:       int64(len(payload)),
		},
		Data: payload,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.log.PublishChunk(ctx, r.streamID, chunk); err != nil {
		r.metrics.RecordRecordingError("publish")
		tracing.RecordError(ctx, err)
		return fmt.Errorf("publish segment: %w", err)
	}
	r.index = append(r.index, chunk.ChunkInfo)
	r.total += chunk.Duration()
	r.metrics.RecordChunkRecorded(time.Since(start))

	evicted := r.evictLocked(ctx)
	r.metrics.SetBufferedSeconds(r.streamID, r.total.Seconds())

	r.logger.Debugw("recorded chunk",
		"stream_id", r.streamID,
		"seq", chunk.Seq,
		"size", chunk.SizeBytes,
		"evicted", evicted,
		"buffered", r.total,
	)
	return nil
}

func (r *Recorder) evictLocked(ctx context.Context) int {
	evicted := 0
	for r.total > r.cfg.BufferCap && len(r.index) > 0 {
		oldest := r.index[0]
		err := r.log.DeleteChunk(ctx, r.streamID, oldest.Seq)
		if err != nil && !errors.Is(err, domain.ErrChunkNotFound) {
			// Leave the rest for the next pass.
			r.metrics.RecordRecordingError("evict")
			r.report(fmt.Errorf("evict chunk %d: %w", oldest.Seq, err))
			break
		}
		r.index = r.index[1:]
		r.total -= oldest.Duration()
		r.metrics.RecordChunkEvicted()
		evicted++
	}
	return evicted
}

func (r *Recorder) report(err error) {
	r.logger.Errorw("recording error", "stream_id", r.streamID, "error", err)
	r.onError(err)
}

func (r *Recorder) BufferedDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Retained returns the chunks currently kept, oldest first.
func (r *Recorder) Retained() []domain.ChunkInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ChunkInfo(nil), r.index...)
}
