// Package identity resolves the username a connection runs under. Two modes
// exist: token mode, where a signed JWT carries the user's identity and the
// inbox grant is checked against the authorization service, and the baseline
// mode, where clients supply a free-form username (or get an anonymous one)
// and admission rests on the inbox allow-list alone.
package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is who a connection acts as.
type Identity struct {
	Username string
	UserID   int64
}

// claims is the JWT payload issued by the user-identity service.
type claims struct {
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
	jwt.RegisteredClaims
}

// FromToken parses and verifies an HS256 access token and returns the
// identity it carries. Expired or otherwise invalid tokens are rejected.
func FromToken(secret []byte, tokenStr string) (*Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	if c.Username == "" {
		return nil, fmt.Errorf("access token carries no username")
	}

	return &Identity{Username: c.Username, UserID: c.UserID}, nil
}

// Anonymous generates a guest identity for baseline-mode connections that
// did not supply a username.
func Anonymous() *Identity {
	return &Identity{Username: "guest-" + uuid.New().String()[:8]}
}
