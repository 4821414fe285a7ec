package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTIssuer_RoundTrip(t *testing.T) {
	issuer := NewJWTIssuer("secret")

	token, err := issuer.Issue("acc-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	id, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", id)
}

func TestJWTIssuer_WrongSecret(t *testing.T) {
	token, err := NewJWTIssuer("secret").Issue("acc-1", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTIssuer("other").Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTIssuer_Expired(t *testing.T) {
	issuer := NewJWTIssuer("secret")
	issued := time.Now().Add(-4 * time.Hour)
	issuer.now = func() time.Time { return issued }

	token, err := issuer.Issue("acc-1", 3*time.Hour)
	require.NoError(t, err)

	issuer.now = time.Now
	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWTIssuer_Garbage(t *testing.T) {
	_, err := NewJWTIssuer("secret").Verify("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTIssuer_RejectsNoneAlgorithm(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "acc-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTIssuer("secret").Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTIssuer_MissingSubject(t *testing.T) {
	issuer := NewJWTIssuer("secret")
	token, err := issuer.Issue("", time.Hour)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTIssuer_TokensAreUnique(t *testing.T) {
	issuer := NewJWTIssuer("secret")

	first, err := issuer.Issue("acc-1", time.Hour)
	require.NoError(t, err)
	second, err := issuer.Issue("acc-1", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
