package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/recording"
	"rillcast/internal/signaling"
	"rillcast/pkg/cache"
	"rillcast/pkg/errors"

	"github.com/gin-gonic/gin"
)

// StreamHandler serves stream metadata and the rolling buffer. It only
// reads; broadcasts are driven through sessions.
type StreamHandler struct {
	metadata        ports.MetadataStore
	channel         *signaling.Channel
	segmentDuration time.Duration
	// live caches the live listing; nil when caching is off.
	live *cache.Cache[[]*domain.StreamMetadata]
}

// NewStreamHandler builds the handler. A positive listCacheTTL serves the
// live listing from a cache refreshed at most once per TTL.
func NewStreamHandler(
	metadata ports.MetadataStore,
	channel *signaling.Channel,
	segmentDuration time.Duration,
	listCacheTTL time.Duration,
) *StreamHandler {
	h := &StreamHandler{
		metadata:        metadata,
		channel:         channel,
		segmentDuration: segmentDuration,
	}
	if listCacheTTL > 0 {
		h.live = cache.New[[]*domain.StreamMetadata](listCacheTTL)
	}
	return h
}

func (h *StreamHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/streams", h.ListStreams)
	api.GET("/streams/:id", h.GetStream)
	api.GET("/streams/:id/buffer", h.GetBuffer)
	api.GET("/streams/:id/at", h.Locate)
	api.GET("/streams/:id/playlist.m3u8", h.GetPlaylist)
	api.GET("/streams/:id/chunks/:seq", h.GetChunk)
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	streams, err := h.listLive(c)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	if streams == nil {
		streams = []*domain.StreamMetadata{}
	}
	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}

func (h *StreamHandler) listLive(c *gin.Context) ([]*domain.StreamMetadata, error) {
	if h.live == nil {
		return h.metadata.ListLive(c.Request.Context())
	}
	return h.live.GetOrLoad(c.Request.Context(), "live", h.metadata.ListLive)
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	meta, err := h.metadata.GetMetadata(c.Request.Context(), streamID)
	if err != nil {
		c.Error(toAppError(err).WithContext("stream_id", streamID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": meta})
}

func (h *StreamHandler) GetBuffer(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))

	window, err := h.channel.BufferWindow(c.Request.Context(), streamID)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	if window.Chunks == nil {
		window.Chunks = []domain.ChunkInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"buffer": window})
}

// Locate answers which chunk covers ?t= seconds into the buffer, and where
// inside it.
func (h *StreamHandler) Locate(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))
	t, err := strconv.ParseFloat(c.Query("t"), 64)
	if err != nil || t < 0 {
		c.Error(errors.NewInvalidInputError("t must be a non-negative number of seconds"))
		return
	}

	window, err := h.channel.BufferWindow(c.Request.Context(), streamID)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	info, offset, ok := window.Locate(t)
	if !ok {
		c.Error(errors.NewNotFoundError("chunk").WithContext("t", t))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chunk":  info,
		"offset": offset,
	})
}

func (h *StreamHandler) GetPlaylist(c *gin.Context) {
	ctx := c.Request.Context()
	streamID := domain.StreamID(c.Param("id"))

	meta, err := h.metadata.GetMetadata(ctx, streamID)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	window, err := h.channel.BufferWindow(ctx, streamID)
	if err != nil {
		c.Error(toAppError(err))
		return
	}

	playlist := recording.Playlist(window, h.segmentDuration.Seconds(), meta.Status == domain.StatusEnded, func(seq int64) string {
		return fmt.Sprintf("chunks/%d", seq)
	})
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/vnd.apple.mpegurl", []byte(playlist))
}

func (h *StreamHandler) GetChunk(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		c.Error(errors.NewInvalidInputError("seq must be a positive integer"))
		return
	}

	chunk, err := h.channel.GetChunk(c.Request.Context(), streamID, seq)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Header("X-Chunk-Seq", strconv.FormatInt(chunk.Seq, 10))
	c.Header("X-Chunk-Duration", strconv.FormatFloat(chunk.DurationSeconds, 'f', 3, 64))
	c.Header("Cache-Control", "public, max-age=3600, immutable")
	c.Data(http.StatusOK, "application/octet-stream", chunk.Data)
}
