package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated identity behind one connection.
type Principal struct {
	UserID    string
	Name      string
	Moderator bool
}

type principalContextKey struct{}

type sessionClaims struct {
	Name      string `json:"name,omitempty"`
	Moderator bool   `json:"moderator,omitempty"`
	jwt.RegisteredClaims
}

// sessionAuthorizer verifies HMAC-signed session tokens issued by the
// account service.
type sessionAuthorizer struct {
	secret []byte
}

func newSessionAuthorizer(secret string) *sessionAuthorizer {
	return &sessionAuthorizer{secret: []byte(secret)}
}

// Authenticate resolves a session token into a principal. Moderator status
// from the token is a claim only; the moderation registry can grant it
// server-side as well.
func (a *sessionAuthorizer) Authenticate(token string) (Principal, error) {
	if a == nil || len(a.secret) == 0 {
		return Principal{}, errors.New("session auth is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, errors.New("session token is required")
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("parse session token: %w", err)
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid session token")
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return Principal{}, errors.New("session token has no subject")
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = userID
	}
	return Principal{
		UserID:    userID,
		Name:      name,
		Moderator: claims.Moderator,
	}, nil
}
