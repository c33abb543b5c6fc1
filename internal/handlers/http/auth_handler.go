package http

import (
	"net/http"
	"strings"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/services"
	"rillcast/internal/infrastructure/middleware"
	"rillcast/pkg/errors"
	"rillcast/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

// SetupRoutes registers login on the public router and the token routes on
// an authenticated group.
func (h *AuthHandler) SetupRoutes(public *gin.RouterGroup, authed *gin.RouterGroup) {
	public.POST("/auth/login", h.Login)
	authed.POST("/auth/refresh", h.RefreshToken)
	authed.GET("/auth/me", h.Me)
}

type LoginRequest struct {
	Username string        `json:"username" binding:"required,max=50"`
	UserID   domain.UserID `json:"userId,omitempty"`
}

// Login issues a token for a username. There is no credential store; the
// user id is generated unless the client resumes an earlier one.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateStreamID(string(req.UserID)); err != nil {
		c.Error(errors.NewInvalidInputError("invalid user id"))
		return
	}

	userID := req.UserID
	if userID == "" {
		userID = domain.UserID(uuid.NewString())
	}
	h.issue(c, http.StatusOK, userID, req.Username)
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	userID, username, ok := middleware.UserFromContext(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}
	h.issue(c, http.StatusOK, userID, username)
}

func (h *AuthHandler) Me(c *gin.Context) {
	userID, username, ok := middleware.UserFromContext(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":  userID,
		"username": username,
	})
}

func (h *AuthHandler) issue(c *gin.Context, status int, userID domain.UserID, username string) {
	accessToken, err := h.authService.GenerateToken(userID, username)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(status, gin.H{
		"user_id":      userID,
		"username":     username,
		"access_token": accessToken,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}
