package services

import (
	"errors"
	"time"

	"chatcall/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// IdentityService knows the user this node acts for and authenticates the
// local clients driving it.
type IdentityService interface {
	LocalUser() domain.User
	GenerateToken(user domain.User) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	// Authorize validates the token and checks it was issued to the local
	// user.
	Authorize(tokenString string) (*Claims, error)
}

type Claims struct {
	UserID domain.UserID `json:"uid"`
	Name   string        `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type identityService struct {
	user      domain.User
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

func NewIdentityService(user domain.User, jwtSecret string, tokenTTL time.Duration) IdentityService {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &identityService{
		user:      user,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

func (s *identityService) LocalUser() domain.User {
	return s.user
}

func (s *identityService) GenerateToken(user domain.User) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: user.ID,
		Name:   user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *identityService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *identityService) Authorize(tokenString string) (*Claims, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.UserID != s.user.ID {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
