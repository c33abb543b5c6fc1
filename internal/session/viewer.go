package session

import (
	"context"
	"errors"
	"fmt"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/negotiation"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

func (s *Session) connectViewer(ctx context.Context) error {
	meta, err := s.deps.Metadata.GetMetadata(ctx, s.opts.StreamID)
	waiting := false
	switch {
	case errors.Is(err, domain.ErrStreamNotFound):
		waiting = true
	case err != nil:
		return fmt.Errorf("load stream: %w", err)
	case meta.Status == domain.StatusEnded:
		s.logger.Infow("stream already ended")
		s.mu.Lock()
		s.streamEnded = true
		s.mu.Unlock()
		return s.finish(ctx, domain.PhaseEnded, nil, false)
	default:
		waiting = meta.Status != domain.StatusLive
	}

	window, err := s.deps.Channel.BufferWindow(ctx, s.opts.StreamID)
	if err != nil {
		return err
	}
	var lastSeq int64
	if n := len(window.Chunks); n > 0 {
		lastSeq = window.Chunks[n-1].Seq
	}

	pc, err := s.deps.NewPeer()
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	neg := negotiation.New(s.ctx, domain.RoleViewer, pc, s.signaler(BroadcasterMailbox(s.opts.StreamID)), s.deps.Negotiation, negotiation.Hooks{
		OnConnected: s.onLinkConnected,
		OnError:     s.fail,
	}, s.logger, s.deps.Metrics)
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.onTrack(pc, track, receiver)
	})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = neg.Close()
		return domain.ErrSessionClosed
	}
	s.link = &link{peer: pc, neg: neg}
	s.window = window
	s.state.Waiting = waiting
	s.state.TotalDuration = window.TotalSeconds
	s.state.CurrentTime = window.TotalSeconds
	s.emitLocked()
	s.mu.Unlock()

	inbox := s.deps.Channel.Subscribe(s.ctx, ports.MailboxKey{StreamID: s.opts.StreamID, Recipient: s.opts.UserID}, s.onViewerEvent, s.reportSignaling)
	if !s.setInbox(inbox) {
		inbox.Close()
		return domain.ErrSessionClosed
	}
	chunks := s.deps.Channel.SubscribeChunks(s.ctx, s.opts.StreamID, lastSeq, s.onChunk, s.reportSignaling)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		chunks.Close()
		return domain.ErrSessionClosed
	}
	s.chunks = chunks
	s.mu.Unlock()

	// One attempt only: a retried increment may count the viewer twice.
	count, err := s.deps.Metadata.AdjustViewerCount(ctx, s.opts.StreamID, 1)
	if err != nil {
		return fmt.Errorf("count viewer: %w", err)
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.uncount(ctx)
		return domain.ErrSessionClosed
	}
	s.counted = true
	s.mu.Unlock()
	s.deps.Metrics.SetViewerCount(s.opts.StreamID, count)

	join := domain.NewEvent(s.opts.UserID, domain.JoinPayload{DisplayName: s.opts.DisplayName})
	if err := s.deps.Channel.Publish(ctx, BroadcasterMailbox(s.opts.StreamID), join); err != nil {
		return fmt.Errorf("announce viewer: %w", err)
	}
	return nil
}

func (s *Session) closeViewing(ctx context.Context, counted, notify bool) error {
	var errs []error
	if notify {
		leave := domain.NewEvent(s.opts.UserID, domain.LeavePayload{})
		if err := s.deps.Channel.Publish(ctx, BroadcasterMailbox(s.opts.StreamID), leave); err != nil {
			errs = append(errs, fmt.Errorf("announce departure: %w", err))
		}
	}
	if counted {
		if err := s.uncount(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.deps.Channel.Purge(ctx, ports.MailboxKey{StreamID: s.opts.StreamID, Recipient: s.opts.UserID}); err != nil {
		s.logger.Warnw("failed to purge viewer mailbox", "error", err)
	}
	return errors.Join(errs...)
}

func (s *Session) uncount(ctx context.Context) error {
	count, err := s.deps.Metadata.AdjustViewerCount(ctx, s.opts.StreamID, -1)
	if err != nil {
		s.logger.Errorw("failed to uncount viewer", "error", err)
		return fmt.Errorf("uncount viewer: %w", err)
	}
	s.deps.Metrics.SetViewerCount(s.opts.StreamID, count)
	return nil
}

func (s *Session) onViewerEvent(event *domain.SignalingEvent) {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return
	}

	switch p := event.Payload.(type) {
	case domain.OfferPayload:
		if err := l.neg.HandleOffer(s.ctx, p); err != nil {
			s.logger.Warnw("discarding offer", "round", p.Round, "error", err)
			if !isNegotiationReject(err) {
				s.report(err)
			}
			return
		}
		s.mu.Lock()
		if s.state.Waiting {
			s.state.Waiting = false
			s.emitLocked()
		}
		s.mu.Unlock()

	case domain.ICECandidatePayload:
		if err := l.neg.HandleCandidate(s.ctx, p); err != nil {
			s.logger.Warnw("failed to apply broadcaster candidate", "error", err)
		}

	case domain.StreamStatePayload:
		if p.Status != domain.StatusEnded {
			return
		}
		s.logger.Infow("broadcaster ended the stream")
		s.mu.Lock()
		s.streamEnded = true
		s.mu.Unlock()
		_ = s.finish(context.Background(), domain.PhaseEnded, nil, true)

	case domain.LeavePayload:
		err := fmt.Errorf("%w: broadcaster dropped the link", domain.ErrLinkClosed)
		s.logger.Errorw("session failed", "error", err)
		_ = s.finish(context.Background(), domain.PhaseError, err, true)

	default:
		s.logger.Debugw("ignoring event", "type", event.Type(), "sender", event.SenderUserID)
	}
}

func (s *Session) onLinkConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.state.Phase = domain.PhaseLive
	s.state.Waiting = false
	s.state.IsLive = true
	s.state.IsPlaying = true
	s.state.CurrentTime = s.state.TotalDuration
	s.emitLocked()
	s.logger.Infow("watching live")
}

func (s *Session) onTrack(pc ports.PeerConnection, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.logger.Infow("receiving track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := pc.WriteRTCP(pli); err != nil {
			s.logger.Debugw("failed to request keyframe", "error", err)
		}
	}
	if s.opts.Sink != nil {
		s.opts.Sink.HandleTrack(track, receiver)
	}
}

// onChunk refreshes the retained window whenever the broadcaster records
// another chunk. Evictions only show up here, so the window is re-read
// rather than extended.
func (s *Session) onChunk(chunk *domain.StreamChunk) {
	window, err := s.deps.Channel.BufferWindow(s.ctx, s.opts.StreamID)
	if err != nil {
		if s.ctx.Err() == nil {
			s.reportSignaling(err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.window = window
	s.state.TotalDuration = window.TotalSeconds
	if s.state.IsLive || s.state.CurrentTime > window.TotalSeconds {
		s.state.CurrentTime = window.TotalSeconds
	}
	s.emitLocked()
}

// Seek moves playback to t seconds into the retained window.
func (s *Session) Seek(ctx context.Context, t float64) error {
	return s.control(ctx, func(st *domain.StreamState) domain.EventPayload {
		if t > st.TotalDuration {
			t = st.TotalDuration
		}
		st.CurrentTime = t
		st.IsLive = false
		return domain.SeekPayload{Time: t}
	})
}

func (s *Session) SetPlaybackRate(ctx context.Context, rate float64) error {
	return s.control(ctx, func(st *domain.StreamState) domain.EventPayload {
		st.PlaybackRate = rate
		return domain.PlaybackRatePayload{Rate: rate}
	})
}

func (s *Session) TogglePlay(ctx context.Context) error {
	return s.control(ctx, func(st *domain.StreamState) domain.EventPayload {
		st.IsPlaying = !st.IsPlaying
		return domain.PlaybackStatePayload{Playing: st.IsPlaying}
	})
}

// GoLive jumps back to the live edge.
func (s *Session) GoLive(ctx context.Context) error {
	return s.control(ctx, func(st *domain.StreamState) domain.EventPayload {
		st.IsLive = true
		st.IsPlaying = true
		st.CurrentTime = st.TotalDuration
		return domain.GoLivePayload{}
	})
}

func (s *Session) SetQuality(ctx context.Context, quality domain.Quality) error {
	return s.control(ctx, func(st *domain.StreamState) domain.EventPayload {
		st.Quality = quality
		return domain.QualityChangePayload{Quality: quality}
	})
}

// control applies a viewer playback change locally and tells the
// broadcaster. Stream metadata is never touched.
func (s *Session) control(ctx context.Context, apply func(st *domain.StreamState) domain.EventPayload) error {
	if s.opts.Role != domain.RoleViewer {
		return domain.ErrNotViewer
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.state.Phase == domain.PhaseIdle {
		s.mu.Unlock()
		return domain.ErrNotConnected
	}
	next := s.state
	event := domain.NewEvent(s.opts.UserID, apply(&next))
	if err := event.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.emitLocked()
	s.mu.Unlock()

	if err := s.deps.Channel.Publish(ctx, BroadcasterMailbox(s.opts.StreamID), event); err != nil {
		return fmt.Errorf("send %s: %w", event.Type(), err)
	}
	return nil
}

// BufferWindow lists the chunks the stream currently retains.
func (s *Session) BufferWindow(ctx context.Context) (domain.BufferWindow, error) {
	return s.deps.Channel.BufferWindow(ctx, s.opts.StreamID)
}

// ChunkAt returns the chunk covering t seconds into the retained window and
// the offset of t inside it.
func (s *Session) ChunkAt(ctx context.Context, t float64) (*domain.StreamChunk, float64, error) {
	window, err := s.BufferWindow(ctx)
	if err != nil {
		return nil, 0, err
	}
	info, offset, ok := window.Locate(t)
	if !ok {
		return nil, 0, fmt.Errorf("%w: nothing buffered at %.1fs", domain.ErrChunkNotFound, t)
	}
	chunk, err := s.deps.Channel.GetChunk(ctx, s.opts.StreamID, info.Seq)
	if err != nil {
		return nil, 0, err
	}
	return chunk, offset, nil
}
