package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SourceProvider returns the media a broadcaster session sends. The source
// must stop capturing once ctx is done.
type SourceProvider func(ctx context.Context, streamID domain.StreamID) (ports.MediaSource, error)

// Update is one item of a session's outward feed: a state snapshot or a
// reported error.
type Update struct {
	SessionID domain.SessionID    `json:"sessionId"`
	State     *domain.StreamState `json:"state,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type OpenRequest struct {
	StreamID    domain.StreamID
	UserID      domain.UserID
	DisplayName string
	Role        domain.Role
	Sink        ports.TrackSink
}

// SessionManager owns the sessions of this process by id.
type SessionManager struct {
	deps    session.Deps
	sources SourceProvider
	logger  *zap.SugaredLogger

	attachTimeout time.Duration

	mu      sync.RWMutex
	entries map[domain.SessionID]*entry
}

type entry struct {
	session *session.Session
	done    chan struct{}

	mu         sync.Mutex
	stopSource context.CancelFunc
	detached   *time.Timer
	last       *Update
	watchers   map[int]chan Update
	nextWatch  int
	finished   bool
}

func NewSessionManager(deps session.Deps, sources SourceProvider, logger *zap.SugaredLogger) *SessionManager {
	return &SessionManager{
		deps:    deps,
		sources: sources,
		logger:  logger,
		entries: make(map[domain.SessionID]*entry),
	}
}

// SetAttachTimeout makes the manager close any session that has had no
// watcher for d, counting from Open or from the last watcher leaving.
// Zero disables it.
func (m *SessionManager) SetAttachTimeout(d time.Duration) {
	m.attachTimeout = d
}

// Open creates and connects a session. A broadcaster without a stream id
// gets a fresh one.
func (m *SessionManager) Open(ctx context.Context, req OpenRequest) (*session.Session, error) {
	if req.StreamID == "" {
		if req.Role != domain.RoleBroadcaster {
			return nil, fmt.Errorf("%w: stream id required to watch", domain.ErrStreamNotFound)
		}
		req.StreamID = domain.StreamID(uuid.NewString())
	}

	id := domain.SessionID(uuid.NewString())
	s, err := session.New(session.Options{
		ID:          id,
		StreamID:    req.StreamID,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Role:        req.Role,
		Sink:        req.Sink,
	}, m.deps)
	if err != nil {
		return nil, err
	}

	e := &entry{
		session:  s,
		done:     make(chan struct{}),
		watchers: make(map[int]chan Update),
	}
	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()
	go m.pump(e)

	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	if m.attachTimeout > 0 {
		e.mu.Lock()
		if !e.finished && len(e.watchers) == 0 {
			e.detached = time.AfterFunc(m.attachTimeout, func() { m.expire(e) })
		}
		e.mu.Unlock()
	}

	m.logger.Infow("session opened",
		"session_id", id,
		"stream_id", req.StreamID,
		"user_id", req.UserID,
		"role", req.Role,
	)
	return s, nil
}

func (m *SessionManager) Get(id domain.SessionID) (*session.Session, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

func (m *SessionManager) entry(id domain.SessionID) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return e, nil
}

// StartBroadcast obtains a media source for the session's stream and goes
// live with it.
func (m *SessionManager) StartBroadcast(ctx context.Context, id domain.SessionID, meta domain.StreamMetadata) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	if e.session.Role() != domain.RoleBroadcaster {
		return domain.ErrNotBroadcaster
	}
	if m.sources == nil {
		return errors.New("no media source configured")
	}
	srcCtx, stop := context.WithCancel(context.Background())
	e.mu.Lock()
	switch {
	case e.finished:
		e.mu.Unlock()
		stop()
		return domain.ErrSessionClosed
	case e.stopSource != nil:
		e.mu.Unlock()
		stop()
		return domain.ErrAlreadyBroadcasting
	}
	e.stopSource = stop
	e.mu.Unlock()

	source, err := m.sources(srcCtx, e.session.StreamID())
	if err != nil {
		m.releaseSource(e)
		return fmt.Errorf("open media source: %w", err)
	}
	if err := e.session.StartBroadcasting(ctx, source, meta); err != nil {
		m.releaseSource(e)
		return err
	}
	return nil
}

func (m *SessionManager) releaseSource(e *entry) {
	e.mu.Lock()
	stop := e.stopSource
	e.stopSource = nil
	e.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Close cleans the session up and waits until it is forgotten.
func (m *SessionManager) Close(ctx context.Context, id domain.SessionID) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	err = e.session.Cleanup(ctx)
	select {
	case <-e.done:
	case <-ctx.Done():
	}
	return err
}

// Watch subscribes to a session's updates. The latest state is delivered
// first. The channel is closed when the session finishes or cancel is
// called.
func (m *SessionManager) Watch(id domain.SessionID) (<-chan Update, func(), error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Update, 16)
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	key := e.nextWatch
	e.nextWatch++
	e.watchers[key] = ch
	if e.detached != nil {
		e.detached.Stop()
	}
	if e.last != nil {
		ch <- *e.last
	}
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if w, ok := e.watchers[key]; ok {
			delete(e.watchers, key)
			close(w)
		}
		if len(e.watchers) == 0 && !e.finished && m.attachTimeout > 0 {
			if e.detached == nil {
				e.detached = time.AfterFunc(m.attachTimeout, func() { m.expire(e) })
			} else {
				e.detached.Reset(m.attachTimeout)
			}
		}
	}
	return ch, cancel, nil
}

// expire closes a session whose client never attached or went away.
func (m *SessionManager) expire(e *entry) {
	e.mu.Lock()
	idle := !e.finished && len(e.watchers) == 0
	e.mu.Unlock()
	if !idle {
		return
	}

	id := e.session.ID()
	m.logger.Infow("closing unattended session", "session_id", id, "stream_id", e.session.StreamID())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Close(ctx, id); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		m.logger.Warnw("session cleanup failed", "session_id", id, "error", err)
	}
}

// Count returns the number of open sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Shutdown cleans up every open session.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]domain.SessionID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id domain.SessionID) {
			defer wg.Done()
			if err := m.Close(ctx, id); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
				m.logger.Warnw("session cleanup failed", "session_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// pump forwards a session's output to its watchers until the session has
// released everything, then forgets it.
func (m *SessionManager) pump(e *entry) {
	s := e.session
	states, errs := s.States(), s.Errors()
	for states != nil || errs != nil {
		select {
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			e.publish(Update{SessionID: s.ID(), State: &st})
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			e.publish(Update{SessionID: s.ID(), Error: err.Error()})
		}
	}

	e.mu.Lock()
	e.finished = true
	if e.detached != nil {
		e.detached.Stop()
	}
	if e.stopSource != nil {
		e.stopSource()
	}
	for key, w := range e.watchers {
		delete(e.watchers, key)
		close(w)
	}
	e.mu.Unlock()

	m.mu.Lock()
	delete(m.entries, s.ID())
	m.mu.Unlock()
	close(e.done)

	m.logger.Infow("session closed", "session_id", s.ID(), "stream_id", s.StreamID(), "phase", s.State().Phase)
}

func (e *entry) publish(u Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u.State != nil {
		e.last = &u
	}
	for _, w := range e.watchers {
		select {
		case w <- u:
		default:
			// Slow watcher; it will catch up with the next state.
		}
	}
}
