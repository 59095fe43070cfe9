package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrExpired is returned for a bearer token whose exp claim has passed.
var ErrExpired = errors.New("token expired")

// CheckExpiry reads the exp claim of a JWT without verifying its
// signature. Tokens that are not JWTs or carry no exp are accepted; the
// server remains the authority.
func CheckExpiry(token string, now time.Time) error {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w at %s", ErrExpired, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}
