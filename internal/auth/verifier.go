// Package auth verifies bearer identity tokens presented at handshake.
// The gateway only verifies tokens; minting and refresh belong to the
// accounts service.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medcoach/gateway/internal/domain"
)

// Identity is a verified caller identity, immutable for the lifetime of
// the session it admits.
type Identity struct {
	ID string
}

// Verifier validates an identity token.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// JWTVerifier verifies HS256-signed tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier for the given secret and issuer.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates the token. Expired, unsigned or otherwise
// invalid tokens report ErrUnauthenticated.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthenticated)
	}
	return Identity{ID: claims.Subject}, nil
}

// StaticVerifier maps fixed tokens to identities. Development and test
// configurations only.
type StaticVerifier struct {
	Tokens map[string]string
}

// Verify looks the token up in the static table.
func (v *StaticVerifier) Verify(token string) (Identity, error) {
	id, ok := v.Tokens[token]
	if !ok {
		return Identity{}, domain.ErrUnauthenticated
	}
	return Identity{ID: id}, nil
}
