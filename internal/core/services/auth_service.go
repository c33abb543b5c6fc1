package services

import (
	"context"
	"errors"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

type AuthService interface {
	GenerateToken(userID domain.UserID, username string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	// CheckBroadcaster allows userID to broadcast streamID unless another
	// user already owns its metadata.
	CheckBroadcaster(ctx context.Context, userID domain.UserID, streamID domain.StreamID) error
}

type Claims struct {
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	metadata       ports.MetadataStore // may be nil for token-only use
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration, metadata ports.MetadataStore) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		metadata:       metadata,
	}
}

func (s *authService) GenerateToken(userID domain.UserID, username string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) CheckBroadcaster(ctx context.Context, userID domain.UserID, streamID domain.StreamID) error {
	if s.metadata == nil {
		return nil
	}

	meta, err := s.metadata.GetMetadata(ctx, streamID)
	if errors.Is(err, domain.ErrStreamNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	// Viewers may create a placeholder document before the broadcaster
	// arrives; it has no owner yet.
	if meta.UserID == "" || meta.UserID == userID {
		return nil
	}
	return ErrUnauthorized
}
