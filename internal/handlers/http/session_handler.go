package http

import (
	"net/http"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/services"
	"rillcast/internal/infrastructure/middleware"
	"rillcast/internal/infrastructure/signal"
	"rillcast/internal/session"
	"rillcast/pkg/errors"
	"rillcast/pkg/utils"
	"rillcast/pkg/validation"

	"github.com/gin-gonic/gin"
)

// SessionHandler exposes StreamSessions over HTTP. Every route acts on
// behalf of the authenticated user and only on that user's sessions.
type SessionHandler struct {
	manager     *services.SessionManager
	authService services.AuthService
	events      *signal.WebSocketServer
}

func NewSessionHandler(
	manager *services.SessionManager,
	authService services.AuthService,
	events *signal.WebSocketServer,
) *SessionHandler {
	return &SessionHandler{
		manager:     manager,
		authService: authService,
		events:      events,
	}
}

func (h *SessionHandler) SetupRoutes(api *gin.RouterGroup) {
	api.POST("/sessions", h.OpenSession)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.CloseSession)
	api.GET("/sessions/:id/events", h.Events)

	api.POST("/sessions/:id/start", h.StartBroadcast)
	api.POST("/sessions/:id/end", h.EndStream)

	api.POST("/sessions/:id/seek", h.Seek)
	api.POST("/sessions/:id/rate", h.SetPlaybackRate)
	api.POST("/sessions/:id/toggle", h.TogglePlay)
	api.POST("/sessions/:id/live", h.GoLive)
	api.POST("/sessions/:id/quality", h.SetQuality)
}

type sessionView struct {
	ID       domain.SessionID   `json:"id"`
	StreamID domain.StreamID    `json:"streamId"`
	UserID   domain.UserID      `json:"userId"`
	Role     domain.Role        `json:"role"`
	State    domain.StreamState `json:"state"`
}

func viewOf(s *session.Session) sessionView {
	return sessionView{
		ID:       s.ID(),
		StreamID: s.StreamID(),
		UserID:   s.UserID(),
		Role:     s.Role(),
		State:    s.State(),
	}
}

type OpenSessionRequest struct {
	Role        domain.Role     `json:"role" binding:"required"`
	StreamID    domain.StreamID `json:"streamId,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
}

func (h *SessionHandler) OpenSession(c *gin.Context) {
	userID, username, ok := middleware.UserFromContext(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	var req OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if !req.Role.Valid() {
		c.Error(errors.NewInvalidInputError("role must be broadcaster or viewer"))
		return
	}
	if err := validation.ValidateStreamID(string(req.StreamID)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Role == domain.RoleViewer && req.StreamID == "" {
		c.Error(errors.NewInvalidInputError("streamId is required to watch"))
		return
	}
	req.DisplayName = utils.SanitizeString(req.DisplayName)
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = username
	}

	ctx := c.Request.Context()
	if req.Role == domain.RoleBroadcaster && req.StreamID != "" {
		if err := h.authService.CheckBroadcaster(ctx, userID, req.StreamID); err != nil {
			c.Error(toAppError(err))
			return
		}
	}

	s, err := h.manager.Open(ctx, services.OpenRequest{
		StreamID:    req.StreamID,
		UserID:      userID,
		DisplayName: req.DisplayName,
		Role:        req.Role,
	})
	if err != nil {
		c.Error(toAppError(err).WithContext("stream_id", req.StreamID))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": viewOf(s)})
}

// owned resolves :id to a session of the calling user.
func (h *SessionHandler) owned(c *gin.Context) (*session.Session, bool) {
	userID, _, ok := middleware.UserFromContext(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return nil, false
	}

	s, err := h.manager.Get(domain.SessionID(c.Param("id")))
	if err != nil {
		c.Error(toAppError(err))
		return nil, false
	}
	if s.UserID() != userID {
		c.Error(errors.NewNotFoundError("session"))
		return nil, false
	}
	return s, true
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	s, ok := h.owned(c)
	if !ok {
		return
	}
	view := gin.H{"session": viewOf(s)}
	if s.Role() == domain.RoleBroadcaster {
		view["bufferedSeconds"] = s.Buffered().Seconds()
		view["viewers"] = s.Viewers()
	}
	c.JSON(http.StatusOK, view)
}

func (h *SessionHandler) CloseSession(c *gin.Context) {
	s, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.manager.Close(c.Request.Context(), s.ID()); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// Events streams the session's state over a websocket until either side
// goes away.
func (h *SessionHandler) Events(c *gin.Context) {
	s, ok := h.owned(c)
	if !ok {
		return
	}
	h.events.Serve(c.Writer, c.Request, s, middleware.ClientIP(c.Request))
}

type StartBroadcastRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

func (h *SessionHandler) StartBroadcast(c *gin.Context) {
	s, ok := h.owned(c)
	if !ok {
		return
	}

	var req StartBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	req.Title = utils.SanitizeString(req.Title)
	req.Description = utils.SanitizeString(req.Description)
	if err := validation.ValidateTitle(req.Title); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateDescription(req.Description); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	_, username, _ := middleware.UserFromContext(c)
	meta := domain.StreamMetadata{
		Title:       req.Title,
		Description: req.Description,
		Username:    username,
		Thumbnail:   req.Thumbnail,
	}
	if err := h.manager.StartBroadcast(c.Request.Context(), s.ID(), meta); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(s)})
}

func (h *SessionHandler) EndStream(c *gin.Context) {
	s, ok := h.owned(c)
	if !ok {
		return
	}
	if err := s.EndStream(c.Request.Context()); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(s)})
}

type controlRequest struct {
	Time    *float64       `json:"time,omitempty"`
	Rate    *float64       `json:"rate,omitempty"`
	Quality domain.Quality `json:"quality,omitempty"`
}

// control runs a playback control against the caller's session and answers
// with the resulting state.
func (h *SessionHandler) control(c *gin.Context, apply func(s *session.Session, req controlRequest) error) {
	s, ok := h.owned(c)
	if !ok {
		return
	}

	var req controlRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}
	if err := apply(s, req); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.State()})
}

func (h *SessionHandler) Seek(c *gin.Context) {
	h.control(c, func(s *session.Session, req controlRequest) error {
		if req.Time == nil {
			return errors.NewInvalidInputError("time is required")
		}
		return s.Seek(c.Request.Context(), *req.Time)
	})
}

func (h *SessionHandler) SetPlaybackRate(c *gin.Context) {
	h.control(c, func(s *session.Session, req controlRequest) error {
		if req.Rate == nil {
			return errors.NewInvalidInputError("rate is required")
		}
		return s.SetPlaybackRate(c.Request.Context(), *req.Rate)
	})
}

func (h *SessionHandler) TogglePlay(c *gin.Context) {
	h.control(c, func(s *session.Session, _ controlRequest) error {
		return s.TogglePlay(c.Request.Context())
	})
}

func (h *SessionHandler) GoLive(c *gin.Context) {
	h.control(c, func(s *session.Session, _ controlRequest) error {
		return s.GoLive(c.Request.Context())
	})
}

func (h *SessionHandler) SetQuality(c *gin.Context) {
	h.control(c, func(s *session.Session, req controlRequest) error {
		quality, err := domain.ParseQuality(string(req.Quality))
		if err != nil {
			return err
		}
		return s.SetQuality(c.Request.Context(), quality)
	})
}
