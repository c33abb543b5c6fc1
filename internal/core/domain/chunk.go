package domain

import "time"

// ChunkInfo describes one recorded segment without its payload.
type ChunkInfo struct {
	Seq             int64     `json:"seq" msgpack:"seq"`
	Timestamp       time.Time `json:"timestamp" msgpack:"timestamp"`
	DurationSeconds float64   `json:"duration" msgpack:"duration"`
	SizeBytes       int64     `json:"size" msgpack:"size"`
}

func (c ChunkInfo) Duration() time.Duration {
	return time.Duration(c.DurationSeconds * float64(time.Second))
}

// StreamChunk is one fixed-duration segment of the broadcast. Seq and
// Timestamp are assigned by the store when the chunk is appended.
type StreamChunk struct {
	ChunkInfo
	Data []byte `json:"data" msgpack:"data"`
}

// BufferWindow summarizes the chunks currently retained for a stream.
type BufferWindow struct {
	StreamID     StreamID    `json:"streamId"`
	Chunks       []ChunkInfo `json:"chunks"`
	TotalSeconds float64     `json:"totalSeconds"`
}

// NewBufferWindow builds a window from infos already ordered oldest first.
func NewBufferWindow(streamID StreamID, infos []ChunkInfo) BufferWindow {
	w := BufferWindow{StreamID: streamID, Chunks: infos}
	for _, info := range infos {
		w.TotalSeconds += info.DurationSeconds
	}
	return w
}

// Locate returns the chunk covering offset seconds from the start of the
// window and the offset inside that chunk.
func (w BufferWindow) Locate(offset float64) (ChunkInfo, float64, bool) {
	if len(w.Chunks) == 0 || offset < 0 {
		return ChunkInfo{}, 0, false
	}
	var start float64
	for _, info := range w.Chunks {
		if offset < start+info.DurationSeconds {
			return info, offset - start, true
		}
		start += info.DurationSeconds
	}
	last := w.Chunks[len(w.Chunks)-1]
	return last, last.DurationSeconds, true
}
