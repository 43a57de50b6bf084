package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tpcell/attempt-runner/internal/config"
)

// ErrMissingSubject is returned for tokens that do not identify a user.
var ErrMissingSubject = errors.New("token has no user identifier")

// TokenType is the portal role a token was issued for.
type TokenType string

const (
	TokenTypeStudent TokenType = "student"
	TokenTypeTPO     TokenType = "tpo"
	TokenTypeAdmin   TokenType = "admin"
)

// Staff reports whether the role may read results of every student.
func (t TokenType) Staff() bool {
	return t == TokenTypeTPO || t == TokenTypeAdmin
}

// Claims are the fields read from portal-issued tokens. The portal signs
// with a shared HMAC secret.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"role"`
	UserID    string    `json:"id"`
	Email     string    `json:"email,omitempty"`
}

// AuthService validates portal tokens.
type AuthService struct {
	cfg *config.Config
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{cfg: cfg}
}

// IssueToken signs a token in the portal's format. Only the local token
// tool uses it; production tokens come from the portal.
func (s *AuthService) IssueToken(userID string, role TokenType, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrMissingSubject
	}
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TokenType: role,
		UserID:    userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// ValidateToken verifies signature and expiry and normalizes the role.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrMissingSubject
	}
	claims.TokenType = TokenType(strings.ToLower(strings.TrimSpace(string(claims.TokenType))))
	return claims, nil
}
