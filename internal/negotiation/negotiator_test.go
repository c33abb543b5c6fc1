package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/negotiation/negotiationtest"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// outbox collects what one side sends so the test can deliver it later.
type outbox struct {
	mu       sync.Mutex
	payloads []domain.EventPayload
	fail     error
}

func (o *outbox) send(ctx context.Context, p domain.EventPayload) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.payloads = append(o.payloads, p)
	return nil
}

func (o *outbox) drain() []domain.EventPayload {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.payloads
	o.payloads = nil
	return out
}

func (o *outbox) snapshot() []domain.EventPayload {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.EventPayload(nil), o.payloads...)
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func newNegotiator(t *testing.T, role domain.Role, cfg Config) (*Negotiator, *negotiationtest.FakePeer, *outbox, *errorSink) {
	t.Helper()
	pc := negotiationtest.NewFakePeer()
	out := &outbox{}
	sink := &errorSink{}
	n := New(context.Background(), role, pc, out.send, cfg, Hooks{OnError: sink.record}, zap.NewNop().Sugar(), nil)
	t.Cleanup(func() { _ = n.Close() })
	return n, pc, out, sink
}

func firstOffer(t *testing.T, payloads []domain.EventPayload) domain.OfferPayload {
	t.Helper()
	for _, p := range payloads {
		if offer, ok := p.(domain.OfferPayload); ok {
			return offer
		}
	}
	t.Fatal("no offer sent")
	return domain.OfferPayload{}
}

func TestNegotiator_OfferAnswerRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, bpc, bout, _ := newNegotiator(t, domain.RoleBroadcaster, Config{})
	v, vpc, vout, _ := newNegotiator(t, domain.RoleViewer, Config{})

	require.NoError(t, b.Offer(ctx))
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, bpc.SignalingState())

	offer := firstOffer(t, bout.drain())
	assert.Equal(t, uint64(1), offer.Round)

	require.NoError(t, v.HandleOffer(ctx, offer))
	assert.Equal(t, webrtc.SignalingStateStable, vpc.SignalingState())

	sent := vout.drain()
	require.Len(t, sent, 1)
	answer, ok := sent[0].(domain.AnswerPayload)
	require.True(t, ok)
	assert.Equal(t, offer.Round, answer.Round)

	require.NoError(t, b.HandleAnswer(ctx, answer))
	assert.Equal(t, webrtc.SignalingStateStable, bpc.SignalingState())
}

func TestNegotiator_OfferRequiresStable(t *testing.T) {
	b, bpc, _, _ := newNegotiator(t, domain.RoleBroadcaster, Config{})
	bpc.ForceState(webrtc.SignalingStateHaveRemoteOffer)

	err := b.Offer(context.Background())
	assert.ErrorIs(t, err, domain.ErrWrongSignalingState)
	assert.Equal(t, 0, bpc.OfferCount())
}

func TestNegotiator_AnswerGuards(t *testing.T) {
	ctx := context.Background()
	b, bpc, _, _ := newNegotiator(t, domain.RoleBroadcaster, Config{})
	require.NoError(t, b.Offer(ctx))

	err := b.HandleAnswer(ctx, domain.AnswerPayload{SDP: "late", Round: 0})
	assert.ErrorIs(t, err, domain.ErrStaleRound)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, bpc.SignalingState())

	require.NoError(t, b.HandleAnswer(ctx, domain.AnswerPayload{SDP: "a", Round: 1}))

	// A duplicate of the applied answer arrives in stable.
	err = b.HandleAnswer(ctx, domain.AnswerPayload{SDP: "a", Round: 1})
	assert.ErrorIs(t, err, domain.ErrWrongSignalingState)
	assert.Equal(t, webrtc.SignalingStateStable, bpc.SignalingState())
}

func TestNegotiator_DuplicateOfferIsDiscarded(t *testing.T) {
	ctx := context.Background()
	v, vpc, vout, _ := newNegotiator(t, domain.RoleViewer, Config{})
	offer := domain.OfferPayload{SDP: "offer-1", Round: 1}

	require.NoError(t, v.HandleOffer(ctx, offer))
	err := v.HandleOffer(ctx, offer)

	assert.ErrorIs(t, err, domain.ErrStaleRound)
	assert.Equal(t, 1, vpc.AnswerCount())
	assert.Equal(t, webrtc.SignalingStateStable, vpc.SignalingState())
	assert.Len(t, vout.drain(), 1)
}

func TestNegotiator_OfferWhileHaveRemoteOffer(t *testing.T) {
	ctx := context.Background()
	v, vpc, vout, _ := newNegotiator(t, domain.RoleViewer, Config{})
	vpc.ForceState(webrtc.SignalingStateHaveRemoteOffer)

	err := v.HandleOffer(ctx, domain.OfferPayload{SDP: "offer-2", Round: 2})

	assert.ErrorIs(t, err, domain.ErrWrongSignalingState)
	assert.Equal(t, 0, vpc.AnswerCount())
	assert.Equal(t, webrtc.SignalingStateHaveRemoteOffer, vpc.SignalingState())
	assert.Empty(t, vout.drain())
}

func TestNegotiator_FailedAnswerRollsBack(t *testing.T) {
	ctx := context.Background()
	v, vpc, vout, _ := newNegotiator(t, domain.RoleViewer, Config{})
	vpc.AnswerErrors = 1

	err := v.HandleOffer(ctx, domain.OfferPayload{SDP: "offer-1", Round: 1})
	require.Error(t, err)
	assert.Equal(t, webrtc.SignalingStateStable, vpc.SignalingState())
	assert.Nil(t, vpc.RemoteDescription())
	assert.Empty(t, vout.drain())

	require.NoError(t, v.HandleOffer(ctx, domain.OfferPayload{SDP: "offer-2", Round: 2}))
	assert.Equal(t, webrtc.SignalingStateStable, vpc.SignalingState())
	sent := vout.drain()
	require.Len(t, sent, 1)
	answer, ok := sent[0].(domain.AnswerPayload)
	require.True(t, ok)
	assert.Equal(t, uint64(2), answer.Round)
}

func TestNegotiator_RoleGuards(t *testing.T) {
	ctx := context.Background()
	b, _, _, _ := newNegotiator(t, domain.RoleBroadcaster, Config{})
	v, _, _, _ := newNegotiator(t, domain.RoleViewer, Config{})

	assert.ErrorIs(t, v.Offer(ctx), domain.ErrNotBroadcaster)
	assert.ErrorIs(t, v.HandleAnswer(ctx, domain.AnswerPayload{SDP: "a", Round: 1}), domain.ErrNotBroadcaster)
	assert.ErrorIs(t, b.HandleOffer(ctx, domain.OfferPayload{SDP: "o", Round: 1}), domain.ErrNotViewer)
}

func TestNegotiator_CandidateBeforeRemoteDescription(t *testing.T) {
	ctx := context.Background()
	v, vpc, _, _ := newNegotiator(t, domain.RoleViewer, Config{})

	cand := "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host"
	mid := "0"
	early := domain.ICECandidatePayload{Candidate: &cand, SDPMid: &mid}

	require.NoError(t, v.HandleCandidate(ctx, early))
	assert.Equal(t, 0, vpc.AppliedCandidates())

	require.NoError(t, v.HandleOffer(ctx, domain.OfferPayload{SDP: "offer-1", Round: 1}))
	require.NoError(t, v.HandleCandidate(ctx, early))
	assert.Equal(t, 1, vpc.AppliedCandidates())
}

func TestNegotiator_IncompleteCandidateIgnored(t *testing.T) {
	ctx := context.Background()
	v, vpc, _, _ := newNegotiator(t, domain.RoleViewer, Config{})
	require.NoError(t, v.HandleOffer(ctx, domain.OfferPayload{SDP: "offer-1", Round: 1}))

	cand := "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host"
	require.NoError(t, v.HandleCandidate(ctx, domain.ICECandidatePayload{Candidate: &cand}))
	require.NoError(t, v.HandleCandidate(ctx, domain.ICECandidatePayload{}))
	assert.Equal(t, 0, vpc.AppliedCandidates())
}

func TestNegotiator_LocalCandidatesFollowDescription(t *testing.T) {
	ctx := context.Background()
	b, bpc, bout, _ := newNegotiator(t, domain.RoleBroadcaster, Config{})

	bpc.EmitCandidate(5000)
	assert.Empty(t, bout.snapshot())

	require.NoError(t, b.Offer(ctx))
	bpc.EmitCandidate(5002)

	sent := bout.drain()
	require.Len(t, sent, 3)
	assert.IsType(t, domain.OfferPayload{}, sent[0])
	for _, p := range sent[1:] {
		c, ok := p.(domain.ICECandidatePayload)
		require.True(t, ok)
		assert.True(t, c.Complete())
	}
}

func TestNegotiator_ICEFailureRestartsThenGivesUp(t *testing.T) {
	ctx := context.Background()
	b, bpc, bout, sink := newNegotiator(t, domain.RoleBroadcaster, Config{MaxICERestarts: 1})
	require.NoError(t, b.Offer(ctx))
	require.NoError(t, b.HandleAnswer(ctx, domain.AnswerPayload{SDP: "a", Round: 1}))
	bout.drain()

	bpc.SetICEState(webrtc.ICEConnectionStateFailed)
	require.Eventually(t, func() bool { return bpc.OfferCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, bpc.LastOffer().ICERestart)

	restart := firstOffer(t, bout.drain())
	assert.Equal(t, uint64(2), restart.Round)
	assert.True(t, restart.ICERestart)
	assert.Empty(t, sink.all())

	require.NoError(t, b.HandleAnswer(ctx, domain.AnswerPayload{SDP: "a2", Round: 2}))
	bpc.SetICEState(webrtc.ICEConnectionStateFailed)

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, sink.all()[0], domain.ErrICEFailed)
	assert.Equal(t, 2, bpc.OfferCount())
}

func TestNegotiator_ConnectedResetsRestartBudget(t *testing.T) {
	ctx := context.Background()
	b, bpc, _, sink := newNegotiator(t, domain.RoleBroadcaster, Config{MaxICERestarts: 1})
	require.NoError(t, b.Offer(ctx))
	require.NoError(t, b.HandleAnswer(ctx, domain.AnswerPayload{SDP: "a", Round: 1}))

	bpc.SetICEState(webrtc.ICEConnectionStateFailed)
	require.Eventually(t, func() bool { return bpc.OfferCount() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.HandleAnswer(ctx, domain.AnswerPayload{SDP: "a", Round: 2}))

	bpc.SetICEState(webrtc.ICEConnectionStateConnected)
	bpc.SetICEState(webrtc.ICEConnectionStateFailed)

	require.Eventually(t, func() bool { return bpc.OfferCount() == 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.all())
}

func TestNegotiator_ViewerICEGrace(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within grace", func(t *testing.T) {
		v, vpc, _, sink := newNegotiator(t, domain.RoleViewer, Config{ICEFailureGrace: 80 * time.Millisecond})
		require.NoError(t, v.HandleOffer(ctx, domain.OfferPayload{SDP: "o", Round: 1}))

		vpc.SetICEState(webrtc.ICEConnectionStateFailed)
		vpc.SetICEState(webrtc.ICEConnectionStateConnected)
		time.Sleep(150 * time.Millisecond)
		assert.Empty(t, sink.all())
	})

	t.Run("fails after grace", func(t *testing.T) {
		v, vpc, _, sink := newNegotiator(t, domain.RoleViewer, Config{ICEFailureGrace: 20 * time.Millisecond})
		require.NoError(t, v.HandleOffer(ctx, domain.OfferPayload{SDP: "o", Round: 1}))

		vpc.SetICEState(webrtc.ICEConnectionStateFailed)
		require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, sink.all()[0], domain.ErrICEFailed)
	})
}

func TestNegotiator_UnansweredOfferIsReoffered(t *testing.T) {
	ctx := context.Background()
	b, bpc, bout, sink := newNegotiator(t, domain.RoleBroadcaster, Config{Timeout: 20 * time.Millisecond, MaxReoffers: 2})
	require.NoError(t, b.Offer(ctx))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, sink.all()[0], domain.ErrNegotiationStuck)
	assert.Equal(t, 3, bpc.OfferCount())

	var rounds []uint64
	for _, p := range bout.drain() {
		if offer, ok := p.(domain.OfferPayload); ok {
			rounds = append(rounds, offer.Round)
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, rounds)

	// The first round's answer is stale once a re-offer went out.
	assert.ErrorIs(t, b.HandleAnswer(ctx, domain.AnswerPayload{SDP: "a", Round: 1}), domain.ErrStaleRound)
}

func TestNegotiator_AnsweredOfferIsNotReoffered(t *testing.T) {
	ctx := context.Background()
	b, bpc, _, sink := newNegotiator(t, domain.RoleBroadcaster, Config{Timeout: 20 * time.Millisecond, MaxReoffers: 2})
	require.NoError(t, b.Offer(ctx))
	require.NoError(t, b.HandleAnswer(ctx, domain.AnswerPayload{SDP: "a", Round: 1}))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, bpc.OfferCount())
	assert.Empty(t, sink.all())
}

func TestNegotiator_SendFailureSurfaces(t *testing.T) {
	b, _, bout, _ := newNegotiator(t, domain.RoleBroadcaster, Config{})
	bout.fail = errors.New("store down")

	err := b.Offer(context.Background())
	assert.ErrorContains(t, err, "store down")
}

func TestNegotiator_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	v, vpc, _, _ := newNegotiator(t, domain.RoleViewer, Config{})

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())
	assert.True(t, vpc.IsClosed())
	assert.ErrorIs(t, v.HandleOffer(ctx, domain.OfferPayload{SDP: "o", Round: 1}), domain.ErrLinkClosed)
}
