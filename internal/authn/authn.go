// Package authn verifies IDE Multiplexer auth tokens (spec §4.7's
// "Validates token (delegated)"). Token issuance is explicitly out of
// scope (spec Non-goals); this package only verifies.
//
// Grounded on r3e-network-service_layer's serviceauth package (JWT
// claims shape, ParseWithClaims usage) narrowed from RS256
// service-to-service tokens to the core's single shared HS256 secret,
// matching original_source's jwt.decode(token, settings.JWT_SECRET_KEY,
// algorithms=[settings.JWT_ALGORITHM]) call.
package authn

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forgehq/runtime-core/internal/errs"
)

// Claims is the closed set of fields this core reads from a verified
// token; Subject carries the user reference.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates IDE Multiplexer auth tokens against a single shared
// HMAC secret, implementing multiplex.AuthValidator.
type Verifier struct {
	secret []byte
}

// New constructs a Verifier against the configured JWT secret.
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// ValidateToken parses and verifies token, returning the subject (user
// reference) on success.
func (v *Verifier) ValidateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errs.New(errs.InvalidToken, "empty token")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errs.Wrap(errs.InvalidToken, "token verification failed", err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", errs.New(errs.InvalidToken, "token carries no subject")
	}
	return subject, nil
}
