package authn_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehq/runtime-core/internal/authn"
	"github.com/forgehq/runtime-core/internal/errs"
)

func signToken(t *testing.T, secret, subject string, expiry time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestValidateTokenAcceptsWellSignedToken(t *testing.T) {
	v := authn.New("shh-secret")
	token := signToken(t, "shh-secret", "user-1", time.Hour)

	subject, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", subject)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	v := authn.New("shh-secret")
	token := signToken(t, "other-secret", "user-1", time.Hour)

	_, err := v.ValidateToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidToken))
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	v := authn.New("shh-secret")
	token := signToken(t, "shh-secret", "user-1", -time.Hour)

	_, err := v.ValidateToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidToken))
}

func TestValidateTokenRejectsEmptyToken(t *testing.T) {
	v := authn.New("shh-secret")

	_, err := v.ValidateToken(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidToken))
}
