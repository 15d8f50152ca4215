package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/redis"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
)

const revokedKeyPrefix = "token:revoked:"

// JWTService verifies bearer tokens issued by the platform auth service.
type JWTService struct {
	secret []byte
	redis  redis.RedisClient
}

func NewJWTService(secret string, redisClient redis.RedisClient) *JWTService {
	return &JWTService{secret: []byte(secret), redis: redisClient}
}

// GenerateToken signs claims with the shared secret. Used by tooling and tests.
func (s *JWTService) GenerateToken(userID int64, role string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("JWT secret not set")
	}
	now := time.Now()
	claims := models.TokenClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%d-%d", userID, now.UnixNano()),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *JWTService) ValidateToken(ctx context.Context, tokenStr string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrAuthFailure, err)
	}
	if claims.UserID <= 0 {
		return nil, fmt.Errorf("%w: missing user_id", pkgerrors.ErrAuthFailure)
	}

	if claims.ID != "" && s.redis != nil {
		_, err := s.redis.Get(ctx, revokedKeyPrefix+claims.ID)
		switch {
		case err == nil:
			return nil, fmt.Errorf("%w: token revoked", pkgerrors.ErrAuthFailure)
		case !errors.Is(err, redis.ErrKeyNotFound):
			// Revocation list unreachable: fail open, signature and expiry already checked.
			slog.Warn("failed to check token revocation", "jti", claims.ID, "error", err)
		}
	}
	return claims, nil
}

// Revoke blacklists the token id until the token would have expired anyway.
func (s *JWTService) Revoke(ctx context.Context, claims *models.TokenClaims) error {
	if claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return s.redis.Set(ctx, revokedKeyPrefix+claims.ID, "1", ttl)
}
