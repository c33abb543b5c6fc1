package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/infrastructure/monitoring"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaler delivers a locally generated offer, answer or candidate to the
// remote side of the link.
type Signaler func(ctx context.Context, payload domain.EventPayload) error

type Config struct {
	// Timeout is how long an offer may stay unanswered before it is sent
	// again under a new round. Zero disables re-offers.
	Timeout     time.Duration
	MaxReoffers int
	// MaxICERestarts bounds consecutive restarts without reaching connected.
	MaxICERestarts int
	// ICEFailureGrace is how long the answering side waits for a restart
	// offer after ICE fails.
	ICEFailureGrace time.Duration
}

type Hooks struct {
	OnConnected func()
	// OnError receives session-fatal failures: ErrICEFailed or
	// ErrNegotiationStuck. It is called at most once.
	OnError func(error)
}

// Negotiator drives the offer/answer exchange of one broadcaster-to-viewer
// link. The broadcaster side offers; the viewer side answers.
type Negotiator struct {
	role    domain.Role
	pc      ports.PeerConnection
	send    Signaler
	cfg     Config
	hooks   Hooks
	logger  *zap.SugaredLogger
	metrics *monitoring.PrometheusCollector

	ctx    context.Context
	cancel context.CancelFunc
	states chan webrtc.ICEConnectionState

	mu          sync.Mutex
	round       uint64 // offerer: round of the latest offer; answerer: round of the last applied offer
	reoffers    int
	iceRestarts int
	offerTimer  *time.Timer
	graceTimer  *time.Timer
	firstOffer  time.Time
	connected   bool
	failed      bool
	closed      bool

	// candMu orders local candidates after the description they belong to.
	candMu    sync.Mutex
	published bool
	held      []domain.ICECandidatePayload
}

func New(ctx context.Context, role domain.Role, pc ports.PeerConnection, send Signaler, cfg Config, hooks Hooks, logger *zap.SugaredLogger, metrics *monitoring.PrometheusCollector) *Negotiator {
	ctx, cancel := context.WithCancel(ctx)
	n := &Negotiator{
		role:    role,
		pc:      pc,
		send:    send,
		cfg:     cfg,
		hooks:   hooks,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		states:  make(chan webrtc.ICEConnectionState, 16),
	}

	pc.OnICECandidate(n.handleLocalCandidate)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		select {
		case n.states <- state:
		case <-n.ctx.Done():
		}
	})
	go n.watchICE()

	return n
}

func (n *Negotiator) SignalingState() webrtc.SignalingState {
	return n.pc.SignalingState()
}

func (n *Negotiator) Round() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.round
}

// Offer starts a negotiation round. Only the broadcaster offers, and only
// from stable.
func (n *Negotiator) Offer(ctx context.Context) error {
	if n.role != domain.RoleBroadcaster {
		return domain.ErrNotBroadcaster
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return domain.ErrLinkClosed
	}
	if state := n.pc.SignalingState(); state != webrtc.SignalingStateStable {
		return fmt.Errorf("%w: cannot offer in %s", domain.ErrWrongSignalingState, state)
	}
	if n.firstOffer.IsZero() {
		n.firstOffer = time.Now()
	}
	return n.offerLocked(ctx, false)
}

// offerLocked creates and publishes an offer under a new round.
func (n *Negotiator) offerLocked(ctx context.Context, iceRestart bool) error {
	offer, err := n.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	n.holdCandidates()
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	n.round++
	payload := domain.OfferPayload{SDP: offer.SDP, Round: n.round, ICERestart: iceRestart}
	if err := n.send(ctx, payload); err != nil {
		return fmt.Errorf("send offer round %d: %w", n.round, err)
	}
	n.releaseCandidates(ctx)
	n.armOfferTimerLocked()

	n.logger.Infow("sent offer", "round", n.round, "ice_restart", iceRestart)
	return nil
}

// HandleAnswer applies the answer to the outstanding offer. Answers for
// another round, or arriving outside have-local-offer, are rejected without
// touching the connection.
func (n *Negotiator) HandleAnswer(ctx context.Context, answer domain.AnswerPayload) error {
	if n.role != domain.RoleBroadcaster {
		return domain.ErrNotBroadcaster
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return domain.ErrLinkClosed
	}
	if answer.Round != n.round {
		return fmt.Errorf("%w: answer round %d, current %d", domain.ErrStaleRound, answer.Round, n.round)
	}
	if state := n.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: answer in %s", domain.ErrWrongSignalingState, state)
	}

	err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	stopTimer(n.offerTimer)
	n.reoffers = 0

	n.logger.Infow("applied answer", "round", answer.Round)
	return nil
}

// HandleOffer answers an incoming offer. Only the viewer answers, only
// from stable, and only for a round newer than the last one applied.
func (n *Negotiator) HandleOffer(ctx context.Context, offer domain.OfferPayload) error {
	if n.role != domain.RoleViewer {
		return domain.ErrNotViewer
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return domain.ErrLinkClosed
	}
	if offer.Round <= n.round {
		return fmt.Errorf("%w: offer round %d, applied %d", domain.ErrStaleRound, offer.Round, n.round)
	}
	if state := n.pc.SignalingState(); state != webrtc.SignalingStateStable {
		return fmt.Errorf("%w: offer in %s", domain.ErrWrongSignalingState, state)
	}

	err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	if state := n.pc.SignalingState(); state != webrtc.SignalingStateHaveRemoteOffer {
		return fmt.Errorf("%w: cannot answer in %s", domain.ErrWrongSignalingState, state)
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return n.rollbackLocked(fmt.Errorf("create answer: %w", err))
	}
	n.holdCandidates()
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return n.rollbackLocked(fmt.Errorf("set local answer: %w", err))
	}
	n.round = offer.Round

	if err := n.send(ctx, domain.AnswerPayload{SDP: answer.SDP, Round: offer.Round}); err != nil {
		return fmt.Errorf("send answer round %d: %w", offer.Round, err)
	}
	n.releaseCandidates(ctx)

	n.logger.Infow("sent answer", "round", offer.Round, "ice_restart", offer.ICERestart)
	return nil
}

// rollbackLocked returns the connection to stable after an offer was applied
// but could not be answered, so the next round can be.
func (n *Negotiator) rollbackLocked(cause error) error {
	err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
	if err != nil {
		n.logger.Errorw("failed to roll back remote offer", "error", err)
		return errors.Join(cause, fmt.Errorf("roll back remote offer: %w", err))
	}
	n.logger.Warnw("rolled back unanswered offer", "error", cause)
	return cause
}

// HandleCandidate applies a remote candidate. Incomplete candidates and
// candidates arriving before any remote description are dropped silently.
func (n *Negotiator) HandleCandidate(ctx context.Context, c domain.ICECandidatePayload) error {
	if !c.Complete() {
		n.logger.Debugw("ignoring incomplete ice candidate")
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return domain.ErrLinkClosed
	}
	if n.pc.RemoteDescription() == nil {
		n.logger.Debugw("dropping ice candidate before remote description",
			"candidate", *c.Candidate,
		)
		return nil
	}

	init := webrtc.ICECandidateInit{
		Candidate:     *c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close releases the peer connection. It is safe to call more than once.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	stopTimer(n.offerTimer)
	stopTimer(n.graceTimer)
	n.cancel()
	n.mu.Unlock()

	return n.pc.Close()
}

func (n *Negotiator) holdCandidates() {
	n.candMu.Lock()
	n.published = false
	n.candMu.Unlock()
}

func (n *Negotiator) releaseCandidates(ctx context.Context) {
	n.candMu.Lock()
	defer n.candMu.Unlock()

	n.published = true
	held := n.held
	n.held = nil
	for _, c := range held {
		if err := n.send(ctx, c); err != nil {
			n.logger.Warnw("failed to send held ice candidate", "error", err)
		}
	}
}

func (n *Negotiator) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	candidate := init.Candidate
	payload := domain.ICECandidatePayload{
		Candidate:     &candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}

	n.candMu.Lock()
	defer n.candMu.Unlock()

	if !n.published {
		n.held = append(n.held, payload)
		return
	}
	if err := n.send(n.ctx, payload); err != nil && n.ctx.Err() == nil {
		n.logger.Warnw("failed to send ice candidate", "error", err)
	}
}

func (n *Negotiator) watchICE() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case state := <-n.states:
			n.handleICEState(state)
		}
	}
}

func (n *Negotiator) handleICEState(state webrtc.ICEConnectionState) {
	n.logger.Infow("ice connection state changed", "ice_state", state.String())

	n.mu.Lock()
	if n.closed || n.failed {
		n.mu.Unlock()
		return
	}

	var (
		connected bool
		setup     time.Duration
		fatal     error
	)
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		stopTimer(n.graceTimer)
		n.iceRestarts = 0
		if !n.connected {
			n.connected = true
			connected = true
			if !n.firstOffer.IsZero() {
				setup = time.Since(n.firstOffer)
			}
		}
	case webrtc.ICEConnectionStateFailed:
		if n.role == domain.RoleBroadcaster {
			fatal = n.restartICELocked()
		} else {
			fatal = n.armGraceLocked()
		}
	}
	if fatal != nil {
		n.failLocked(fatal)
	}
	n.mu.Unlock()

	if connected {
		if n.role == domain.RoleBroadcaster {
			n.metrics.RecordLinkConnected(setup)
		}
		if n.hooks.OnConnected != nil {
			n.hooks.OnConnected()
		}
	}
	if fatal != nil && n.hooks.OnError != nil {
		n.hooks.OnError(fatal)
	}
}

// restartICELocked re-offers with fresh ICE credentials, or gives up once
// the restart budget is spent.
func (n *Negotiator) restartICELocked() error {
	if n.iceRestarts >= n.cfg.MaxICERestarts {
		return fmt.Errorf("%w after %d restarts", domain.ErrICEFailed, n.iceRestarts)
	}
	n.iceRestarts++
	n.metrics.RecordICERestart()

	if err := n.offerLocked(n.ctx, true); err != nil {
		n.logger.Warnw("ice restart offer failed", "attempt", n.iceRestarts, "error", err)
		return fmt.Errorf("%w: restart offer: %v", domain.ErrICEFailed, err)
	}
	return nil
}

func (n *Negotiator) armGraceLocked() error {
	if n.cfg.ICEFailureGrace <= 0 {
		return domain.ErrICEFailed
	}
	stopTimer(n.graceTimer)
	n.graceTimer = time.AfterFunc(n.cfg.ICEFailureGrace, func() {
		n.mu.Lock()
		if n.closed || n.failed {
			n.mu.Unlock()
			return
		}
		err := fmt.Errorf("%w: no recovery within %s", domain.ErrICEFailed, n.cfg.ICEFailureGrace)
		n.failLocked(err)
		n.mu.Unlock()

		if n.hooks.OnError != nil {
			n.hooks.OnError(err)
		}
	})
	return nil
}

func (n *Negotiator) armOfferTimerLocked() {
	stopTimer(n.offerTimer)
	if n.cfg.Timeout <= 0 {
		return
	}
	round := n.round
	n.offerTimer = time.AfterFunc(n.cfg.Timeout, func() { n.offerExpired(round) })
}

// offerExpired re-offers when the offer of round is still unanswered.
func (n *Negotiator) offerExpired(round uint64) {
	n.mu.Lock()
	if n.closed || n.failed || n.round != round || n.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		n.mu.Unlock()
		return
	}

	var fatal error
	if n.reoffers >= n.cfg.MaxReoffers {
		fatal = fmt.Errorf("%w: round %d unanswered after %d re-offers", domain.ErrNegotiationStuck, round, n.reoffers)
	} else {
		n.reoffers++
		n.metrics.RecordReoffer()
		n.logger.Warnw("offer unanswered, re-offering", "round", round, "attempt", n.reoffers)
		if err := n.offerLocked(n.ctx, false); err != nil {
			fatal = fmt.Errorf("%w: re-offer: %v", domain.ErrNegotiationStuck, err)
		}
	}
	if fatal != nil {
		n.failLocked(fatal)
	}
	n.mu.Unlock()

	if fatal != nil && n.hooks.OnError != nil {
		n.hooks.OnError(fatal)
	}
}

func (n *Negotiator) failLocked(err error) {
	n.failed = true
	stopTimer(n.offerTimer)
	stopTimer(n.graceTimer)

	reason := "negotiation_stuck"
	if errors.Is(err, domain.ErrICEFailed) {
		reason = "ice_failed"
	}
	n.metrics.RecordNegotiationFailure(reason)
	n.logger.Errorw("peer link failed", "round", n.round, "error", err)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
