package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/negotiation"
	"rillcast/internal/recording"
	"rillcast/pkg/retry"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

func (s *Session) connectBroadcaster() error {
	inbox := s.deps.Channel.Subscribe(s.ctx, BroadcasterMailbox(s.opts.StreamID), s.onBroadcasterEvent, s.reportSignaling)
	if !s.setInbox(inbox) {
		inbox.Close()
		return domain.ErrSessionClosed
	}
	return nil
}

// StartBroadcasting publishes the stream as live, starts recording source
// and offers a link to every viewer that has already joined. It connects
// the session first if needed and may be called only once.
func (s *Session) StartBroadcasting(ctx context.Context, source ports.MediaSource, meta domain.StreamMetadata) error {
	if s.opts.Role != domain.RoleBroadcaster {
		return domain.ErrNotBroadcaster
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.source != nil {
		s.mu.Unlock()
		return domain.ErrAlreadyBroadcasting
	}
	s.source = source
	idle := s.state.Phase == domain.PhaseIdle
	s.mu.Unlock()

	if err := s.claimStream(ctx); err != nil {
		return err
	}

	if idle {
		if err := s.Connect(ctx); err != nil {
			return err
		}
	}

	meta.StreamID = s.opts.StreamID
	meta.UserID = s.opts.UserID
	if meta.Username == "" {
		meta.Username = s.opts.DisplayName
	}
	meta.StartedAt = time.Now().UTC()
	meta.EndedAt = nil
	meta.Status = domain.StatusLive
	meta.ViewerCount = 0

	err := retry.Retry(ctx, s.deps.Retry, func() error {
		return s.deps.Metadata.PutMetadata(ctx, &meta)
	})
	if err != nil {
		err = fmt.Errorf("publish stream metadata: %w", err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.meta = &meta
	s.mu.Unlock()

	rec := recording.New(s.opts.StreamID, s.deps.Channel, source, nil, s.deps.Recording, s.logger, s.deps.Metrics, func(err error) {
		s.report(fmt.Errorf("recording: %w", err))
	})
	if err := rec.Start(s.ctx); err != nil {
		err = fmt.Errorf("start recording: %w", err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		rec.Stop()
		return domain.ErrSessionClosed
	}
	s.recorder = rec
	s.state.Phase = domain.PhaseLive
	s.state.IsLive = true
	s.state.IsPlaying = true
	s.emitLocked()
	pending := make([]domain.UserID, 0, len(s.pending))
	for viewer := range s.pending {
		pending = append(pending, viewer)
	}
	s.pending = make(map[domain.UserID]struct{})
	s.mu.Unlock()

	s.deps.Metrics.RecordStreamStarted(s.opts.StreamID)
	s.logger.Infow("broadcast started", "title", meta.Title, "waiting_viewers", len(pending))

	for _, viewer := range pending {
		s.addViewer(viewer)
	}
	return nil
}

// claimStream takes the stream's broadcast lease. On failure the session
// gives up its source reservation and stays usable.
func (s *Session) claimStream(ctx context.Context) error {
	if s.deps.Locks == nil {
		return nil
	}
	lease, err := s.deps.Locks.AcquireBroadcast(ctx, s.opts.StreamID)
	if err != nil {
		s.mu.Lock()
		s.source = nil
		s.mu.Unlock()
		if !errors.Is(err, domain.ErrAlreadyBroadcasting) {
			err = fmt.Errorf("claim stream: %w", err)
		}
		return err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = lease.Release(ctx)
		return domain.ErrSessionClosed
	}
	s.lease = lease
	s.mu.Unlock()
	return nil
}

// EndStream marks the stream ended, stops recording and releases every
// viewer link. Calling it again has no effect.
func (s *Session) EndStream(ctx context.Context) error {
	if s.opts.Role != domain.RoleBroadcaster {
		return domain.ErrNotBroadcaster
	}
	return s.finish(ctx, domain.PhaseEnded, nil, false)
}

// Buffered reports how much media the rolling buffer currently holds.
func (s *Session) Buffered() time.Duration {
	s.mu.Lock()
	rec := s.recorder
	s.mu.Unlock()
	if rec == nil {
		return 0
	}
	return rec.BufferedDuration()
}

// Viewers lists the viewers that currently have a link.
func (s *Session) Viewers() []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	viewers := make([]domain.UserID, 0, len(s.links))
	for viewer := range s.links {
		viewers = append(viewers, viewer)
	}
	return viewers
}

func (s *Session) closeBroadcast(ctx context.Context, rec *recording.Recorder, started bool, audience []domain.UserID) error {
	if rec != nil {
		rec.Stop()
	}

	var errs []error
	if started {
		endedAt := time.Now().UTC()
		cfg := s.deps.Retry
		cfg.NonRetryable = append(cfg.NonRetryable, domain.ErrStreamNotFound)
		err := retry.Retry(ctx, cfg, func() error {
			return s.deps.Metadata.SetStatus(ctx, s.opts.StreamID, domain.StatusEnded, &endedAt)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("mark stream ended: %w", err))
		}

		ended := domain.StreamStatePayload{Status: domain.StatusEnded}
		for _, viewer := range audience {
			to := ports.MailboxKey{StreamID: s.opts.StreamID, Recipient: viewer}
			if err := s.deps.Channel.Publish(ctx, to, domain.NewEvent(s.opts.UserID, ended)); err != nil {
				errs = append(errs, fmt.Errorf("notify %s: %w", viewer, err))
			}
		}
		s.deps.Metrics.RecordStreamEnded(s.opts.StreamID)
		s.logger.Infow("broadcast ended", "notified_viewers", len(audience))
	}

	if err := s.deps.Channel.Purge(ctx, BroadcasterMailbox(s.opts.StreamID)); err != nil {
		s.logger.Warnw("failed to purge broadcaster mailbox", "error", err)
	}

	s.mu.Lock()
	lease := s.lease
	s.lease = nil
	s.mu.Unlock()
	if lease != nil {
		if err := lease.Release(ctx); err != nil {
			s.logger.Warnw("failed to release broadcast lease", "error", err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) onBroadcasterEvent(event *domain.SignalingEvent) {
	viewer := event.SenderUserID

	switch p := event.Payload.(type) {
	case domain.JoinPayload:
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return
		}
		live := s.recorder != nil
		if !live {
			s.pending[viewer] = struct{}{}
		}
		s.mu.Unlock()

		s.logger.Infow("viewer joined", "viewer_id", viewer, "display_name", p.DisplayName, "live", live)
		if live {
			s.addViewer(viewer)
		}

	case domain.LeavePayload:
		s.mu.Lock()
		l := s.links[viewer]
		delete(s.links, viewer)
		delete(s.pending, viewer)
		s.mu.Unlock()
		if l != nil {
			l.close()
		}
		s.logger.Infow("viewer left", "viewer_id", viewer)

	case domain.AnswerPayload:
		l := s.viewerLink(viewer)
		if l == nil {
			s.logger.Warnw("discarding answer from unknown viewer", "viewer_id", viewer, "round", p.Round)
			return
		}
		if err := l.neg.HandleAnswer(s.ctx, p); err != nil {
			s.logger.Warnw("discarding answer", "viewer_id", viewer, "round", p.Round, "error", err)
			if !isNegotiationReject(err) {
				s.dropViewer(viewer, l, err)
			}
		}

	case domain.ICECandidatePayload:
		l := s.viewerLink(viewer)
		if l == nil {
			return
		}
		if err := l.neg.HandleCandidate(s.ctx, p); err != nil {
			s.logger.Warnw("failed to apply viewer candidate", "viewer_id", viewer, "error", err)
		}

	case domain.SeekPayload, domain.PlaybackRatePayload, domain.PlaybackStatePayload,
		domain.GoLivePayload, domain.QualityChangePayload:
		s.logger.Debugw("viewer control", "viewer_id", viewer, "type", event.Type())

	default:
		s.logger.Warnw("unexpected event in broadcaster mailbox", "viewer_id", viewer, "type", event.Type())
	}
}

func (s *Session) viewerLink(viewer domain.UserID) *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[viewer]
}

// addViewer builds a fresh link for viewer, replacing any earlier one, and
// sends the first offer.
func (s *Session) addViewer(viewer domain.UserID) {
	pc, err := s.deps.NewPeer()
	if err != nil {
		s.report(fmt.Errorf("create peer for %s: %w", viewer, err))
		return
	}
	for _, track := range s.source.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			s.report(fmt.Errorf("add %s track for %s: %w", track.Kind(), viewer, err))
			return
		}
		if sender != nil {
			go s.drainRTCP(viewer, sender)
		}
	}

	var l *link
	to := ports.MailboxKey{StreamID: s.opts.StreamID, Recipient: viewer}
	neg := negotiation.New(s.ctx, domain.RoleBroadcaster, pc, s.signaler(to), s.deps.Negotiation, negotiation.Hooks{
		OnConnected: func() {
			s.logger.Infow("viewer link connected", "viewer_id", viewer)
		},
		OnError: func(err error) {
			s.dropViewer(viewer, l, err)
		},
	}, s.logger.With("viewer_id", viewer), s.deps.Metrics)
	l = &link{peer: pc, neg: neg}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		l.close()
		return
	}
	previous := s.links[viewer]
	s.links[viewer] = l
	s.mu.Unlock()

	if previous != nil {
		previous.close()
	}
	if err := neg.Offer(s.ctx); err != nil {
		s.dropViewer(viewer, l, fmt.Errorf("offer: %w", err))
	}
}

// dropViewer closes a failed link and tells the viewer it is gone. The
// broadcast itself carries on.
func (s *Session) dropViewer(viewer domain.UserID, l *link, err error) {
	s.mu.Lock()
	current := s.links[viewer] == l
	if current {
		delete(s.links, viewer)
	}
	s.mu.Unlock()

	l.close()
	s.logger.Warnw("dropped viewer link", "viewer_id", viewer, "error", err)
	s.report(fmt.Errorf("viewer %s: %w", viewer, err))

	if !current {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), cleanupTimeout)
	defer cancel()
	to := ports.MailboxKey{StreamID: s.opts.StreamID, Recipient: viewer}
	if err := s.deps.Channel.Publish(ctx, to, domain.NewEvent(s.opts.UserID, domain.LeavePayload{})); err != nil {
		s.logger.Warnw("failed to notify dropped viewer", "viewer_id", viewer, "error", err)
	}
}

// drainRTCP reads feedback for one sender until the sender closes.
func (s *Session) drainRTCP(viewer domain.UserID, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication:
				s.logger.Debugw("viewer requested keyframe", "viewer_id", viewer, "ssrc", p.MediaSSRC)
			case *rtcp.TransportLayerNack:
				s.logger.Debugw("viewer reported packet loss", "viewer_id", viewer, "ssrc", p.MediaSSRC, "nacks", len(p.Nacks))
			}
		}
	}
}
