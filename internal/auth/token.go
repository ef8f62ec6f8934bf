// Package auth issues and validates the symmetric signed tokens that
// protect the API, and guards requests with the resolved user identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is how long a minted token stays valid.
const TokenTTL = 30 * 24 * time.Hour

// ErrInvalidToken covers every verification failure; callers surface 401.
var ErrInvalidToken = errors.New("auth: invalid token")

// Tokens mints and verifies HMAC-signed tokens over the symmetric key
// stored in the config table.
type Tokens struct {
	key []byte
}

// NewTokens wraps the signing key.
func NewTokens(key []byte) *Tokens {
	if len(key) == 0 {
		panic("auth: signing key required")
	}
	return &Tokens{key: key}
}

// Mint issues a signed token whose subject is the user id.
func (t *Tokens) Mint(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry and returns the user id.
func (t *Tokens) Verify(tokenString string) (string, error) {
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.key, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
