package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/infrastructure/store/memory"
	"rillcast/internal/negotiation"
	"rillcast/internal/negotiation/negotiationtest"
	"rillcast/internal/recording"
	"rillcast/internal/signaling"
	"rillcast/pkg/retry"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

const streamID domain.StreamID = "stream-1"

type harness struct {
	store *memory.MemoryStore
	deps  Deps

	mu    sync.Mutex
	peers []*negotiationtest.FakePeer
}

func newHarness() *harness {
	store := memory.NewMemoryStore()
	h := &harness{store: store}
	logger := zap.NewNop().Sugar()
	h.deps = Deps{
		Channel: signaling.NewChannel(store, store, logger, signaling.Options{
			WaitTimeout:       20 * time.Millisecond,
			ChunkPollInterval: 10 * time.Millisecond,
		}),
		Metadata:    store,
		Locks:       store,
		NewPeer:     negotiationtest.Factory(&h.peers, &h.mu),
		Negotiation: negotiation.Config{MaxICERestarts: 1},
		Recording:   recording.Config{SegmentDuration: 20 * time.Millisecond, BufferCap: time.Hour},
		Retry:       retry.Config{},
		Logger:      logger,
	}
	return h
}

func (h *harness) session(t require.TestingT, role domain.Role, user domain.UserID) *Session {
	s, err := New(Options{
		ID:          domain.SessionID("sess-" + string(user)),
		StreamID:    streamID,
		UserID:      user,
		DisplayName: string(user),
		Role:        role,
	}, h.deps)
	require.NoError(t, err)
	return s
}

func (h *harness) viewerCount(t testing.TB) int64 {
	meta, err := h.store.GetMetadata(context.Background(), streamID)
	require.NoError(t, err)
	return meta.ViewerCount
}

func (h *harness) chunkCount(t testing.TB) int {
	infos, err := h.store.ChunkInfos(context.Background(), streamID)
	require.NoError(t, err)
	return len(infos)
}

type stubSource struct{}

func (stubSource) Tracks() []webrtc.TrackLocal { return nil }

func (stubSource) CutSegment() (ports.Segment, error) {
	return ports.Segment{Data: []byte("media"), Duration: 20 * time.Millisecond}, nil
}

func viewerPeer(t *testing.T, s *Session) *negotiationtest.FakePeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotNil(t, s.link)
	peer, ok := s.link.peer.(*negotiationtest.FakePeer)
	require.True(t, ok)
	return peer
}

func TestSession_BroadcastScenario(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	host := h.session(t, domain.RoleBroadcaster, "host")
	require.NoError(t, host.StartBroadcasting(ctx, stubSource{}, domain.StreamMetadata{Title: "launch"}))

	meta, err := h.store.GetMetadata(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLive, meta.Status)
	assert.Equal(t, "launch", meta.Title)
	assert.Equal(t, domain.PhaseLive, host.State().Phase)

	viewers := make([]*Session, 3)
	for i := range viewers {
		viewers[i] = h.session(t, domain.RoleViewer, domain.UserID(fmt.Sprintf("viewer-%d", i)))
		require.NoError(t, viewers[i].Connect(ctx))
	}
	assert.Equal(t, int64(3), h.viewerCount(t))

	require.Eventually(t, func() bool { return len(host.Viewers()) == 3 }, 2*time.Second, 5*time.Millisecond)
	for _, v := range viewers {
		v := v
		require.Eventually(t, func() bool {
			l := host.viewerLink(v.UserID())
			return l != nil && l.neg.Round() == 1 && l.neg.SignalingState() == webrtc.SignalingStateStable
		}, 2*time.Second, 5*time.Millisecond, "link to %s never settled", v.UserID())
		assert.Equal(t, 1, viewerPeer(t, v).AnswerCount())
		assert.False(t, v.State().Waiting)
	}

	viewerPeer(t, viewers[0]).SetICEState(webrtc.ICEConnectionStateConnected)
	require.Eventually(t, func() bool { return viewers[0].State().Phase == domain.PhaseLive }, time.Second, 5*time.Millisecond)

	require.NoError(t, viewers[0].Cleanup(ctx))
	assert.Equal(t, int64(2), h.viewerCount(t))
	require.Eventually(t, func() bool { return len(host.Viewers()) == 2 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return h.chunkCount(t) > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, host.EndStream(ctx))

	meta, err = h.store.GetMetadata(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, meta.Status)
	require.NotNil(t, meta.EndedAt)

	recorded := h.chunkCount(t)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, recorded, h.chunkCount(t), "no chunks after EndStream")

	for _, v := range viewers[1:] {
		v := v
		require.Eventually(t, func() bool { return v.State().Phase == domain.PhaseEnded }, 2*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, int64(0), h.viewerCount(t))
}

func TestSession_EndStreamIsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	host := h.session(t, domain.RoleBroadcaster, "host")
	require.NoError(t, host.StartBroadcasting(ctx, stubSource{}, domain.StreamMetadata{Title: "once"}))
	require.NoError(t, host.EndStream(ctx))

	first, err := h.store.GetMetadata(ctx, streamID)
	require.NoError(t, err)

	require.NoError(t, host.EndStream(ctx))
	require.NoError(t, host.Cleanup(ctx))

	second, err := h.store.GetMetadata(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, first.EndedAt, second.EndedAt, "second EndStream must not rewrite metadata")
	assert.Equal(t, domain.PhaseEnded, host.State().Phase)

	_, open := <-host.States()
	for open {
		_, open = <-host.States()
	}
}

func TestSession_RoleGuards(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	host := h.session(t, domain.RoleBroadcaster, "host")
	viewer := h.session(t, domain.RoleViewer, "viewer")

	assert.ErrorIs(t, viewer.StartBroadcasting(ctx, stubSource{}, domain.StreamMetadata{}), domain.ErrNotBroadcaster)
	assert.ErrorIs(t, viewer.EndStream(ctx), domain.ErrNotBroadcaster)
	assert.ErrorIs(t, host.Seek(ctx, 1), domain.ErrNotViewer)
	assert.ErrorIs(t, host.SetQuality(ctx, domain.QualityLow), domain.ErrNotViewer)
	assert.ErrorIs(t, viewer.TogglePlay(ctx), domain.ErrNotConnected)

	require.NoError(t, host.StartBroadcasting(ctx, stubSource{}, domain.StreamMetadata{}))
	assert.ErrorIs(t, host.StartBroadcasting(ctx, stubSource{}, domain.StreamMetadata{}), domain.ErrAlreadyBroadcasting)

	require.NoError(t, host.EndStream(ctx))
	assert.ErrorIs(t, host.StartBroadcasting(ctx, stubSource{}, domain.StreamMetadata{}), domain.ErrSessionClosed)
	assert.ErrorIs(t, host.Connect(ctx), domain.ErrSessionClosed)

	_, err := New(Options{StreamID: streamID, UserID: "x", Role: "janitor"}, h.deps)
	assert.Error(t, err)
}

func TestSession_SecondBroadcasterIsRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	first := h.session(t, domain.RoleBroadcaster, "first")
	require.NoError(t, first.StartBroadcasting(ctx, stubSource{}, domain.StreamMetadata{Title: "one"}))

	rival := h.session(t, domain.RoleBroadcaster, "rival")
	assert.ErrorIs(t, rival.StartBroadcasting(ctx, stubSource{}, domain.StreamMetadata{Title: "two"}), domain.ErrAlreadyBroadcasting)
	assert.Equal(t, domain.PhaseIdle, rival.State().Phase)

	meta, err := h.store.GetMetadata(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, "one", meta.Title)

	require.NoError(t, first.EndStream(ctx))
	require.NoError(t, rival.StartBroadcasting(ctx, stubSource{}, domain.StreamMetadata{Title: "two"}))
	require.NoError(t, rival.EndStream(ctx))
}

func TestSession_ViewerBeforeBroadcastWaits(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	viewer := h.session(t, domain.RoleViewer, "early")
	require.NoError(t, viewer.Connect(ctx))
	assert.True(t, viewer.State().Waiting)
	assert.Equal(t, domain.PhaseConnecting, viewer.State().Phase)

	host := h.session(t, domain.RoleBroadcaster, "host")
	require.NoError(t, host.Connect(ctx))
	require.Eventually(t, func() bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		_, ok := host.pending["early"]
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, host.StartBroadcasting(ctx, stubSource{}, domain.StreamMetadata{}))
	require.Eventually(t, func() bool { return !viewer.State().Waiting }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.viewerCount(t))

	require.NoError(t, viewer.Cleanup(ctx))
	require.NoError(t, host.EndStream(ctx))
}

func TestSession_ViewerOfEndedStream(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.store.PutMetadata(ctx, &domain.StreamMetadata{StreamID: streamID, Status: domain.StatusEnded}))

	viewer := h.session(t, domain.RoleViewer, "late")
	require.NoError(t, viewer.Connect(ctx))

	assert.Equal(t, domain.PhaseEnded, viewer.State().Phase)
	assert.Equal(t, int64(0), h.viewerCount(t))
	require.NoError(t, viewer.Cleanup(ctx))
}

func TestSession_ViewerControls(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.store.PutMetadata(ctx, &domain.StreamMetadata{StreamID: streamID, Status: domain.StatusLive}))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.deps.Channel.PublishChunk(ctx, streamID, &domain.StreamChunk{
			ChunkInfo: domain.ChunkInfo{DurationSeconds: 10},
			Data:      []byte{byte(i)},
		}))
	}

	viewer := h.session(t, domain.RoleViewer, "viewer")
	require.NoError(t, viewer.Connect(ctx))
	defer viewer.Cleanup(ctx)
	assert.Equal(t, 30.0, viewer.State().TotalDuration)

	require.NoError(t, viewer.Seek(ctx, 12))
	state := viewer.State()
	assert.Equal(t, 12.0, state.CurrentTime)
	assert.False(t, state.IsLive)

	require.NoError(t, viewer.Seek(ctx, 99))
	assert.Equal(t, 30.0, viewer.State().CurrentTime)
	assert.ErrorIs(t, viewer.Seek(ctx, -1), domain.ErrInvalidEvent)

	assert.ErrorIs(t, viewer.SetPlaybackRate(ctx, 10), domain.ErrInvalidEvent)
	assert.Equal(t, 1.0, viewer.State().PlaybackRate)
	require.NoError(t, viewer.SetPlaybackRate(ctx, 1.5))
	assert.Equal(t, 1.5, viewer.State().PlaybackRate)

	assert.ErrorIs(t, viewer.SetQuality(ctx, "ultra"), domain.ErrInvalidEvent)
	require.NoError(t, viewer.SetQuality(ctx, domain.QualityLow))
	assert.Equal(t, domain.QualityLow, viewer.State().Quality)

	playing := viewer.State().IsPlaying
	require.NoError(t, viewer.TogglePlay(ctx))
	assert.Equal(t, !playing, viewer.State().IsPlaying)

	require.NoError(t, viewer.GoLive(ctx))
	state = viewer.State()
	assert.True(t, state.IsLive)
	assert.Equal(t, 30.0, state.CurrentTime)

	chunk, offset, err := viewer.ChunkAt(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(2), chunk.Seq)
	assert.InDelta(t, 2.0, offset, 1e-9)

	events, err := h.store.Take(ctx, BroadcasterMailbox(streamID), 0)
	require.NoError(t, err)
	var types []domain.EventType
	for _, e := range events {
		types = append(types, e.Type())
	}
	assert.Equal(t, []domain.EventType{
		domain.EventJoin,
		domain.EventSeek,
		domain.EventSeek,
		domain.EventPlaybackRate,
		domain.EventQualityChange,
		domain.EventPlaybackState,
		domain.EventGoLive,
	}, types)

	meta, err := h.store.GetMetadata(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLive, meta.Status, "controls never touch metadata")
}

func TestSession_NonFiniteControlsAreRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.store.PutMetadata(ctx, &domain.StreamMetadata{StreamID: streamID, Status: domain.StatusLive}))

	viewer := h.session(t, domain.RoleViewer, "viewer")
	require.NoError(t, viewer.Connect(ctx))
	defer viewer.Cleanup(ctx)
	before := viewer.State()

	assert.ErrorIs(t, viewer.Seek(ctx, math.NaN()), domain.ErrInvalidEvent)
	assert.ErrorIs(t, viewer.SetPlaybackRate(ctx, math.NaN()), domain.ErrInvalidEvent)

	after := viewer.State()
	assert.Equal(t, before.CurrentTime, after.CurrentTime)
	assert.Equal(t, before.PlaybackRate, after.PlaybackRate)
}

func TestSession_ViewerICEFailureIsFatal(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.store.PutMetadata(ctx, &domain.StreamMetadata{StreamID: streamID, Status: domain.StatusLive}))

	viewer := h.session(t, domain.RoleViewer, "viewer")
	require.NoError(t, viewer.Connect(ctx))
	assert.Equal(t, int64(1), h.viewerCount(t))

	viewerPeer(t, viewer).SetICEState(webrtc.ICEConnectionStateFailed)

	require.Eventually(t, func() bool { return viewer.State().Phase == domain.PhaseError }, time.Second, 5*time.Millisecond)
	var reported []error
	for err := range viewer.Errors() {
		reported = append(reported, err)
	}
	require.NotEmpty(t, reported)
	assert.ErrorIs(t, reported[0], domain.ErrICEFailed)
	assert.Equal(t, int64(0), h.viewerCount(t))

	require.NoError(t, viewer.Cleanup(ctx))
	assert.Equal(t, int64(0), h.viewerCount(t))
}

func TestSession_DroppedViewerIsReleased(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	host := h.session(t, domain.RoleBroadcaster, "host")
	require.NoError(t, host.StartBroadcasting(ctx, stubSource{}, domain.StreamMetadata{Title: "drop"}))
	defer host.Cleanup(ctx)

	viewer := h.session(t, domain.RoleViewer, "viewer")
	require.NoError(t, viewer.Connect(ctx))
	require.Eventually(t, func() bool { return host.viewerLink("viewer") != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.viewerCount(t))

	host.dropViewer("viewer", host.viewerLink("viewer"), fmt.Errorf("offer timed out"))

	require.Eventually(t, func() bool { return viewer.State().Phase == domain.PhaseError }, 2*time.Second, 5*time.Millisecond)
	var reported []error
	for err := range viewer.Errors() {
		reported = append(reported, err)
	}
	require.NotEmpty(t, reported)
	assert.ErrorIs(t, reported[0], domain.ErrLinkClosed)
	assert.Equal(t, int64(0), h.viewerCount(t))
	assert.Equal(t, domain.PhaseLive, host.State().Phase, "broadcast carries on")
}

func TestSession_ConcurrentViewersConverge(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.store.PutMetadata(ctx, &domain.StreamMetadata{StreamID: streamID, Status: domain.StatusLive}))

	const n = 20
	viewers := make([]*Session, n)
	var wg sync.WaitGroup
	for i := range viewers {
		viewers[i] = h.session(t, domain.RoleViewer, domain.UserID(fmt.Sprintf("v%d", i)))
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			assert.NoError(t, s.Connect(ctx))
		}(viewers[i])
	}
	wg.Wait()
	assert.Equal(t, int64(n), h.viewerCount(t))

	for _, v := range viewers {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				_ = s.Cleanup(ctx)
			}(v)
		}
	}
	wg.Wait()
	assert.Equal(t, int64(0), h.viewerCount(t))
}

func TestSession_ViewerCountMatchesOpenSessions(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness()
		ctx := context.Background()
		if err := h.store.PutMetadata(ctx, &domain.StreamMetadata{StreamID: streamID, Status: domain.StatusLive}); err != nil {
			rt.Fatalf("put metadata: %v", err)
		}

		var open []*Session
		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if len(open) == 0 || rapid.Bool().Draw(rt, "connect") {
				v := h.session(rt, domain.RoleViewer, domain.UserID(fmt.Sprintf("v%d", i)))
				if err := v.Connect(ctx); err != nil {
					rt.Fatalf("connect: %v", err)
				}
				open = append(open, v)
			} else {
				idx := rapid.IntRange(0, len(open)-1).Draw(rt, "viewer")
				repeats := rapid.IntRange(1, 3).Draw(rt, "repeats")
				for j := 0; j < repeats; j++ {
					_ = open[idx].Cleanup(ctx)
				}
				open = append(open[:idx], open[idx+1:]...)
			}

			meta, err := h.store.GetMetadata(ctx, streamID)
			if err != nil {
				rt.Fatalf("get metadata: %v", err)
			}
			if meta.ViewerCount != int64(len(open)) {
				rt.Fatalf("viewer count %d, open sessions %d", meta.ViewerCount, len(open))
			}
		}
		for _, v := range open {
			_ = v.Cleanup(ctx)
		}
	})
}
