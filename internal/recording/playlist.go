package recording

import (
	"fmt"
	"math"
	"strings"

	"rillcast/internal/core/domain"
)

// Playlist renders a buffer window as an HLS media playlist so a viewer can
// scrub the rolling buffer with any HLS client. chunkURL maps a sequence
// number to the URI serving that chunk.
func Playlist(window domain.BufferWindow, targetDuration float64, ended bool, chunkURL func(seq int64) string) string {
	var b strings.Builder

	target := targetDuration
	for _, chunk := range window.Chunks {
		target = math.Max(target, chunk.DurationSeconds)
	}

	var first int64
	if len(window.Chunks) > 0 {
		first = window.Chunks[0].Seq
	}

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(target)))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)

	for _, chunk := range window.Chunks {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", chunk.DurationSeconds)
		b.WriteString(chunkURL(chunk.Seq))
		b.WriteByte('\n')
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}
