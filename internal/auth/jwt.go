// Package auth verifies and issues the JWT bearer tokens clients present
// on the auth frame, and evaluates document-level permissions.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token lifetimes. The access lifetime can be overridden through
// JWT_EXPIRATION_HOURS.
const (
	DefaultAccessTokenTTL  = 24 * time.Hour
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Permissions is the per-token capability triple. A "*" entry grants the
// capability for every document; IsAdmin implies both wildcards.
type Permissions struct {
	CanRead  []string `json:"canRead"`
	CanWrite []string `json:"canWrite"`
	IsAdmin  bool     `json:"isAdmin"`
}

// TokenPayload carries the verified claims of an access token.
type TokenPayload struct {
	UserID      string      `json:"userId"`
	Email       string      `json:"email,omitempty"`
	Permissions Permissions `json:"permissions"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMissingClaims = errors.New("token missing required claims")
	ErrShortSecret   = errors.New("jwt secret must be at least 32 bytes")
)

// VerifyToken validates signature and expiry and returns the decoded
// payload. Callers that answer clients must fold every failure into a
// single opaque INVALID_TOKEN response; the distinct errors exist for
// logging only.
func VerifyToken(tokenString, secret string) (*TokenPayload, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenPayload{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenPayload)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, ErrMissingClaims
	}
	return claims, nil
}

// GenerateAccessToken signs an access token carrying userID, email and
// permissions.
func GenerateAccessToken(userID, email string, perms Permissions, secret string, ttl time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := &TokenPayload{
		UserID:      userID,
		Email:       email,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// GenerateRefreshToken signs a refresh token that carries only the user id
// and the standard time claims.
func GenerateRefreshToken(userID, secret string, ttl time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// GenerateTokens issues the access/refresh pair with default lifetimes.
func GenerateTokens(userID, email string, perms Permissions, secret string) (accessToken, refreshToken string, err error) {
	accessToken, err = GenerateAccessToken(userID, email, perms, secret, DefaultAccessTokenTTL)
	if err != nil {
		return "", "", err
	}
	refreshToken, err = GenerateRefreshToken(userID, secret, DefaultRefreshTokenTTL)
	if err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}
