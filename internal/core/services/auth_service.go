package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/pkg/clock"
	apperrors "studyroom/pkg/errors"
	"studyroom/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

type Claims struct {
	UserID domain.UserID `json:"user_id"`
	jwt.RegisteredClaims
}

// AuthService validates bearer tokens issued by the account service and
// resolves them to a connection identity.
type AuthService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
	users          ports.UserRepository
	clock          clock.Clock
}

func NewAuthService(
	jwtSecret string,
	accessTokenTTL time.Duration,
	users ports.UserRepository,
	clk clock.Clock,
) *AuthService {
	return &AuthService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
		users:          users,
		clock:          clk,
	}
}

// GenerateToken issues an access token. Production tokens come from the
// account service; this is used by tooling and tests.
func (s *AuthService) GenerateToken(userID domain.UserID) (string, error) {
	now := s.clock.Now()
	claims := &Claims{
		UserID: userID,
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

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = domain.UserID(claims.Subject)
	}
	if validation.ValidateID(string(claims.UserID), "user id") != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate turns a bearer token into the immutable identity of a
// connection. Every failure is an AuthenticationError.
func (s *AuthService) Authenticate(ctx context.Context, token string) (domain.UserContext, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return domain.UserContext{}, apperrors.NewAuthenticationError("authentication token is required", ErrMissingToken)
	}

	claims, err := s.ValidateToken(token)
	if err != nil {
		msg := "invalid authentication token"
		if errors.Is(err, ErrExpiredToken) {
			msg = "authentication token expired"
		}
		return domain.UserContext{}, apperrors.NewAuthenticationError(msg, err)
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return domain.UserContext{}, apperrors.NewAuthenticationError("user not found", err)
		}
		return domain.UserContext{}, apperrors.NewInternalError("failed to load user", err)
	}
	if user.Locked() {
		return domain.UserContext{}, apperrors.NewAuthenticationError("account is blocked", domain.ErrAccountLocked)
	}

	return domain.UserContext{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		Avatar:      user.Avatar,
		Role:        user.Role,
		Tier:        EffectiveTier(user, s.clock.Now()),
		Rank:        user.Rank,
	}, nil
}
