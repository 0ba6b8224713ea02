package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/trendpipe/backend/internal/db"
	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/models"
)

const (
	AccessTokenExpiry  = 15 * time.Minute
	SessionTokenExpiry = 7 * 24 * time.Hour
	issuer             = "trendpipe"
)

type Claims struct {
	OwnerID string `json:"owner_id"`
	jwt.RegisteredClaims
}

// SessionStore persists hashed session tokens. Consume must delete and return the
// row in one step.
type SessionStore interface {
	Create(ctx context.Context, s *models.AuthSession) error
	Consume(ctx context.Context, tokenHash string) (*models.AuthSession, error)
	DeleteForOwner(ctx context.Context, ownerID string) error
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	SessionToken string `json:"sessionToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

type Service struct {
	sessions   SessionStore
	jwtSecret  []byte
	accessTTL  time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

func NewService(sessions SessionStore, jwtSecret string, accessTTL, sessionTTL time.Duration) *Service {
	if accessTTL <= 0 {
		accessTTL = AccessTokenExpiry
	}
	if sessionTTL <= 0 {
		sessionTTL = SessionTokenExpiry
	}
	return &Service{
		sessions:   sessions,
		jwtSecret:  []byte(jwtSecret),
		accessTTL:  accessTTL,
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// IssueSession stores a new single-use session token for ownerID and returns the
// raw token. Only its hash is persisted.
func (s *Service) IssueSession(ctx context.Context, ownerID string) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	raw := hex.EncodeToString(tokenBytes)

	now := s.now()
	session := &models.AuthSession{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		TokenHash: hashToken(raw),
		ExpiresAt: now.Add(s.sessionTTL),
		CreatedAt: now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return raw, nil
}

// Exchange consumes a session token and returns a replacement session token and
// an access token. The stored session is deleted before its expiry is checked,
// so a token can never be used twice.
func (s *Service) Exchange(ctx context.Context, raw string) (*TokenPair, error) {
	if raw == "" {
		return nil, apperrors.InvalidToken("session token is required")
	}

	session, err := s.sessions.Consume(ctx, hashToken(raw))
	if errors.Is(err, db.ErrNotFound) {
		logger.Ctx(ctx).Warn().Msg("Unknown or already used session token")
		return nil, apperrors.InvalidToken("invalid session token")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume session: %w", err)
	}

	if !s.now().Before(session.ExpiresAt) {
		return nil, apperrors.InvalidToken("session token expired")
	}

	sessionToken, err := s.IssueSession(ctx, session.OwnerID)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.generateAccessToken(session.OwnerID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		SessionToken: sessionToken,
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

// Logout removes every session of the owner
func (s *Service) Logout(ctx context.Context, ownerID string) error {
	return s.sessions.DeleteForOwner(ctx, ownerID)
}

func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.InvalidToken("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.InvalidToken("access token expired")
		}
		return nil, apperrors.InvalidToken("invalid access token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.OwnerID == "" {
		return nil, apperrors.InvalidToken("invalid access token")
	}

	return claims, nil
}

func (s *Service) generateAccessToken(ownerID string) (string, error) {
	now := s.now()
	claims := &Claims{
		OwnerID: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
