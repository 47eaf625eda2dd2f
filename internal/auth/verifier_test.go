package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medcoach/gateway/internal/domain"
)

const (
	testSecret = "test-secret"
	testIssuer = "medcoach"
)

func signToken(t *testing.T, claims jwt.RegisteredClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "student-42",
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestVerifyValidToken(t *testing.T) {
	t.Parallel()

	v := NewJWTVerifier(testSecret, testIssuer)
	id, err := v.Verify(signToken(t, validClaims(), testSecret))
	require.NoError(t, err)
	assert.Equal(t, "student-42", id.ID)
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Parallel()

	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	v := NewJWTVerifier(testSecret, testIssuer)
	_, err := v.Verify(signToken(t, claims, testSecret))
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestVerifyWrongSecret(t *testing.T) {
	t.Parallel()

	v := NewJWTVerifier(testSecret, testIssuer)
	_, err := v.Verify(signToken(t, validClaims(), "other-secret"))
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestVerifyWrongIssuer(t *testing.T) {
	t.Parallel()

	claims := validClaims()
	claims.Issuer = "someone-else"

	v := NewJWTVerifier(testSecret, testIssuer)
	_, err := v.Verify(signToken(t, claims, testSecret))
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestVerifyMissingExpiry(t *testing.T) {
	t.Parallel()

	claims := validClaims()
	claims.ExpiresAt = nil

	v := NewJWTVerifier(testSecret, testIssuer)
	_, err := v.Verify(signToken(t, claims, testSecret))
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestVerifyMissingSubject(t *testing.T) {
	t.Parallel()

	claims := validClaims()
	claims.Subject = ""

	v := NewJWTVerifier(testSecret, testIssuer)
	_, err := v.Verify(signToken(t, claims, testSecret))
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestVerifyGarbage(t *testing.T) {
	t.Parallel()

	v := NewJWTVerifier(testSecret, testIssuer)
	_, err := v.Verify("not-a-jwt")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestStaticVerifier(t *testing.T) {
	t.Parallel()

	v := &StaticVerifier{Tokens: map[string]string{"dev-token": "dev-user"}}

	id, err := v.Verify("dev-token")
	require.NoError(t, err)
	assert.Equal(t, "dev-user", id.ID)

	_, err = v.Verify("unknown")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}
