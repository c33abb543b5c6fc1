// Package session wires signaling, peer negotiation and recording into the
// control surface one client uses to broadcast or watch a stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/infrastructure/monitoring"
	"rillcast/internal/negotiation"
	"rillcast/internal/recording"
	"rillcast/internal/signaling"
	"rillcast/pkg/retry"

	"go.uber.org/zap"
)

// broadcasterInbox names the broadcaster's mailbox. User ids never start
// with '@', so it cannot collide with a viewer mailbox.
const broadcasterInbox domain.UserID = "@broadcaster"

// cleanupTimeout bounds the store writes made while tearing a session down.
const cleanupTimeout = 5 * time.Second

// BroadcasterMailbox addresses the single broadcaster of streamID.
func BroadcasterMailbox(streamID domain.StreamID) ports.MailboxKey {
	return ports.MailboxKey{StreamID: streamID, Recipient: broadcasterInbox}
}

// Deps are the collaborators shared by every session of a process.
type Deps struct {
	Channel     *signaling.Channel
	Metadata    ports.MetadataStore
	// Locks, when set, keeps a second broadcaster of the same stream from
	// starting on any node.
	Locks       ports.BroadcastLocks
	NewPeer     ports.PeerFactory
	Negotiation negotiation.Config
	Recording   recording.Config
	// Retry applies to idempotent metadata writes only. Viewer count
	// adjustments are never retried.
	Retry   retry.Config
	Logger  *zap.SugaredLogger
	Metrics *monitoring.PrometheusCollector
}

type Options struct {
	ID          domain.SessionID
	StreamID    domain.StreamID
	UserID      domain.UserID
	DisplayName string
	Role        domain.Role
	// Sink receives remote media on a viewer session. It may be nil.
	Sink ports.TrackSink
}

// Session is one client's participation in a stream, as broadcaster or as
// viewer. State snapshots are delivered on States and reported failures on
// Errors; both channels are closed once the session has released its
// resources.
type Session struct {
	opts   Options
	deps   Deps
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    domain.StreamState
	closing  bool
	released bool
	inbox    *signaling.Subscription

	// broadcaster
	source   ports.MediaSource
	lease    ports.BroadcastLease
	recorder *recording.Recorder
	meta     *domain.StreamMetadata
	links    map[domain.UserID]*link
	pending  map[domain.UserID]struct{}

	// viewer
	link        *link
	chunks      *signaling.Subscription
	window      domain.BufferWindow
	counted     bool
	streamEnded bool

	states chan domain.StreamState
	errs   chan error
}

type link struct {
	peer ports.PeerConnection
	neg  *negotiation.Negotiator
}

func (l *link) close() {
	_ = l.neg.Close()
}

func New(opts Options, deps Deps) (*Session, error) {
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", opts.Role)
	}
	if opts.StreamID == "" || opts.UserID == "" {
		return nil, errors.New("stream id and user id are required")
	}
	if deps.Channel == nil || deps.Metadata == nil || deps.NewPeer == nil {
		return nil, errors.New("channel, metadata store and peer factory are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts: opts,
		deps: deps,
		logger: deps.Logger.With(
			"session_id", opts.ID,
			"stream_id", opts.StreamID,
			"user_id", opts.UserID,
			"role", opts.Role,
		),
		ctx:    ctx,
		cancel: cancel,
		state: domain.StreamState{
			Phase:        domain.PhaseIdle,
			PlaybackRate: 1,
			Quality:      domain.QualityAuto,
		},
		links:   make(map[domain.UserID]*link),
		pending: make(map[domain.UserID]struct{}),
		states:  make(chan domain.StreamState, 1),
		errs:    make(chan error, 16),
	}
	deps.Metrics.RecordSessionOpened(opts.Role)
	return s, nil
}

func (s *Session) ID() domain.SessionID              { return s.opts.ID }
func (s *Session) StreamID() domain.StreamID         { return s.opts.StreamID }
func (s *Session) UserID() domain.UserID             { return s.opts.UserID }
func (s *Session) Role() domain.Role                 { return s.opts.Role }
func (s *Session) States() <-chan domain.StreamState { return s.states }
func (s *Session) Errors() <-chan error              { return s.errs }

// State returns the current snapshot.
func (s *Session) State() domain.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect subscribes to the session's mailbox. A viewer also creates its
// peer link, announces itself to the broadcaster and is counted exactly
// once. Connecting a session that is already past idle is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.state.Phase != domain.PhaseIdle {
		s.mu.Unlock()
		return nil
	}
	s.state.Phase = domain.PhaseConnecting
	s.emitLocked()
	s.mu.Unlock()

	var err error
	if s.opts.Role == domain.RoleBroadcaster {
		err = s.connectBroadcaster()
	} else {
		err = s.connectViewer(ctx)
	}
	if err != nil {
		s.fail(err)
		return err
	}
	s.logger.Infow("session connected")
	return nil
}

// Cleanup releases the session. A broadcaster's cleanup ends the stream;
// a viewer's cleanup announces the departure and uncounts it. Calling it
// again has no effect.
func (s *Session) Cleanup(ctx context.Context) error {
	return s.finish(ctx, domain.PhaseEnded, nil, false)
}

// fail moves the session to the error phase.
func (s *Session) fail(err error) {
	s.logger.Errorw("session failed", "error", err)
	_ = s.finish(context.Background(), domain.PhaseError, err, false)
}

// finish moves the session to a terminal phase exactly once and releases
// everything it owns. fromLoop is set when called from the session's own
// mailbox handler, which cannot wait for itself to return.
func (s *Session) finish(ctx context.Context, phase domain.SessionPhase, cause error, fromLoop bool) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true

	s.state.Phase = phase
	s.state.Waiting = false
	s.state.IsPlaying = false
	if phase == domain.PhaseEnded {
		s.state.IsLive = false
	}
	s.emitLocked()
	if cause != nil {
		s.reportLocked(cause)
	}

	counted := s.counted
	s.counted = false
	notify := !s.streamEnded
	rec := s.recorder
	started := s.meta != nil
	audience := make([]domain.UserID, 0, len(s.links)+len(s.pending))
	for viewer := range s.links {
		audience = append(audience, viewer)
	}
	for viewer := range s.pending {
		audience = append(audience, viewer)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var err error
	if s.opts.Role == domain.RoleBroadcaster {
		err = s.closeBroadcast(ctx, rec, started, audience)
	} else {
		err = s.closeViewing(ctx, counted, notify)
	}
	s.release(fromLoop)

	s.logger.Infow("session finished", "phase", phase, "error", err)
	return err
}

// release stops every loop owned by the session and closes its output
// channels. No callback is delivered once it returns.
func (s *Session) release(fromLoop bool) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	inbox, chunks := s.inbox, s.chunks
	owned := make([]*link, 0, len(s.links)+1)
	for _, l := range s.links {
		owned = append(owned, l)
	}
	if s.link != nil {
		owned = append(owned, s.link)
	}
	s.links = map[domain.UserID]*link{}
	s.link = nil
	s.mu.Unlock()

	s.cancel()
	for _, l := range owned {
		l.close()
	}
	for _, sub := range []*signaling.Subscription{inbox, chunks} {
		if sub == nil {
			continue
		}
		if fromLoop {
			sub.Stop()
		} else {
			sub.Close()
		}
	}

	s.mu.Lock()
	close(s.states)
	close(s.errs)
	s.mu.Unlock()

	s.deps.Metrics.RecordSessionClosed(s.opts.Role)
}

// emitLocked publishes the current state, replacing a snapshot nobody has
// read yet.
func (s *Session) emitLocked() {
	if s.released {
		return
	}
	select {
	case <-s.states:
	default:
	}
	s.states <- s.state
}

func (s *Session) report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportLocked(err)
}

func (s *Session) reportLocked(err error) {
	if s.released {
		return
	}
	select {
	case s.errs <- err:
	default:
		s.logger.Warnw("error channel full, dropping error", "error", err)
	}
}

func (s *Session) signaler(to ports.MailboxKey) negotiation.Signaler {
	return func(ctx context.Context, payload domain.EventPayload) error {
		return s.deps.Channel.Publish(ctx, to, domain.NewEvent(s.opts.UserID, payload))
	}
}

func (s *Session) reportSignaling(err error) {
	s.logger.Warnw("signaling error", "error", err)
	s.report(err)
}

func (s *Session) setInbox(sub *signaling.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inbox = sub
	return true
}

// isNegotiationReject reports whether err is an out-of-state or stale
// negotiation event, which is dropped rather than surfaced.
func isNegotiationReject(err error) bool {
	return errors.Is(err, domain.ErrWrongSignalingState) ||
		errors.Is(err, domain.ErrStaleRound) ||
		errors.Is(err, domain.ErrLinkClosed)
}
