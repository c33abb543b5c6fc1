package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/services"
	"rillcast/internal/infrastructure/middleware"
	"rillcast/internal/session"
	"rillcast/pkg/config"
	"rillcast/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ControlMessage is what a client may send over the socket.
type ControlMessage struct {
	Type    string         `json:"type"`
	Time    float64        `json:"time,omitempty"`
	Rate    float64        `json:"rate,omitempty"`
	Quality domain.Quality `json:"quality,omitempty"`
}

const (
	ControlSeek    = "seek"
	ControlRate    = "rate"
	ControlToggle  = "toggle"
	ControlLive    = "live"
	ControlQuality = "quality"
	ControlLeave   = "leave"
)

// maxErrorMessage caps error text pushed to clients.
const maxErrorMessage = 200

// ServerMessage is pushed to the client for every session update.
type ServerMessage struct {
	Type    string              `json:"type"`
	State   *domain.StreamState `json:"state,omitempty"`
	Message string              `json:"message,omitempty"`
}

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	// ConnectionsPerMinute limits new sockets per client key.
	ConnectionsPerMinute int
	MaxConcurrent        int
	MaxMessageSize       int64
	// CleanupOnDisconnect ends the session when its socket drops.
	CleanupOnDisconnect bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PingInterval:        cfg.Signaling.PingInterval,
		PongTimeout:         cfg.Signaling.PongTimeout,
		WriteTimeout:        10 * time.Second,
		AllowedOrigins:      cfg.Auth.AllowedOrigins,
		CleanupOnDisconnect: true,
	}
	if cfg.RateLimiting.Enabled {
		opts.ConnectionsPerMinute = cfg.RateLimiting.WebSocket.ConnectionsPerMinute
		opts.MaxConcurrent = cfg.RateLimiting.WebSocket.MaxConcurrent
		opts.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	return opts
}

// WebSocketServer pushes session updates to clients and accepts playback
// controls from them.
type WebSocketServer struct {
	manager  *services.SessionManager
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	limiter *middleware.KeyedLimiter
	sem     chan struct{}

	mu          sync.RWMutex
	connections map[domain.SessionID]int
}

func NewWebSocketServer(manager *services.SessionManager, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= opts.PingInterval {
		opts.PongTimeout = 2 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	s := &WebSocketServer{
		manager:     manager,
		opts:        opts,
		logger:      logger,
		connections: make(map[domain.SessionID]int),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if opts.ConnectionsPerMinute > 0 {
		s.limiter = middleware.PerMinute(opts.ConnectionsPerMinute)
	}
	if opts.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) allow(clientKey string) bool {
	return s.limiter == nil || s.limiter.Allow(clientKey)
}

// Serve upgrades the request and relays sess until the session finishes or
// the client goes away.
func (s *WebSocketServer) Serve(w http.ResponseWriter, r *http.Request, sess *session.Session, clientKey string) {
	if !s.allow(clientKey) {
		http.Error(w, "too many websocket connections", http.StatusTooManyRequests)
		return
	}
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		default:
			http.Error(w, "too many concurrent websocket connections", http.StatusServiceUnavailable)
			return
		}
	}

	updates, unwatch, err := s.manager.Watch(sess.ID())
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer unwatch()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "session_id", sess.ID(), "error", err)
		return
	}
	defer conn.Close()

	s.track(sess.ID(), 1)
	defer s.track(sess.ID(), -1)
	s.logger.Infow("session socket connected", "session_id", sess.ID(), "client", clientKey)

	if s.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messages := make(chan ControlMessage, 10)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go s.readControls(conn, messages, readErr, done)

	clientGone := false
loop:
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				s.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
				break loop
			}
			if err := s.writeJSON(conn, toServerMessage(update)); err != nil {
				s.logger.Infow("error pushing update", "session_id", sess.ID(), "error", err)
				clientGone = true
				break loop
			}

		case msg := <-messages:
			if msg.Type == ControlLeave {
				clientGone = true
				break loop
			}
			if err := dispatch(r.Context(), sess, msg); err != nil {
				s.logger.Infow("control rejected", "session_id", sess.ID(), "type", msg.Type, "error", err)
				_ = s.writeJSON(conn, errorMessage(err.Error()))
			}

		case <-pingTicker.C:
			if err := s.write(conn, websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "session_id", sess.ID(), "error", err)
				clientGone = true
				break loop
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from client", "session_id", sess.ID(), "error", err)
			}
			clientGone = true
			break loop
		}
	}

	if clientGone && s.opts.CleanupOnDisconnect {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.manager.Close(ctx, sess.ID()); err != nil {
			s.logger.Warnw("cleanup after disconnect failed", "session_id", sess.ID(), "error", err)
		}
	}
	s.logger.Infow("session socket closed", "session_id", sess.ID(), "client_gone", clientGone)
}

// readControls feeds client messages to the serve loop until the socket
// fails or done is closed.
func (s *WebSocketServer) readControls(conn *websocket.Conn, messages chan<- ControlMessage, readErr chan<- error, done <-chan struct{}) {
	for {
		var msg ControlMessage
		if err := conn.ReadJSON(&msg); err != nil {
			readErr <- err
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		select {
		case messages <- msg:
		case <-done:
			return
		}
	}
}

func dispatch(ctx context.Context, sess *session.Session, msg ControlMessage) error {
	switch msg.Type {
	case ControlSeek:
		return sess.Seek(ctx, msg.Time)
	case ControlRate:
		return sess.SetPlaybackRate(ctx, msg.Rate)
	case ControlToggle:
		return sess.TogglePlay(ctx)
	case ControlLive:
		return sess.GoLive(ctx)
	case ControlQuality:
		return sess.SetQuality(ctx, msg.Quality)
	default:
		return fmt.Errorf("unknown control %q", msg.Type)
	}
}

func toServerMessage(u services.Update) ServerMessage {
	if u.State != nil {
		return ServerMessage{Type: "state", State: u.State}
	}
	return errorMessage(u.Error)
}

func errorMessage(text string) ServerMessage {
	return ServerMessage{Type: "error", Message: utils.TruncateString(text, maxErrorMessage)}
}

func (s *WebSocketServer) writeJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteJSON(v)
}

func (s *WebSocketServer) write(conn *websocket.Conn, messageType int, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteMessage(messageType, data)
}

func (s *WebSocketServer) track(id domain.SessionID, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[id] += delta
	if s.connections[id] <= 0 {
		delete(s.connections, id)
	}
}

// ConnectionCount returns the number of open sockets.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.connections {
		n += c
	}
	return n
}
