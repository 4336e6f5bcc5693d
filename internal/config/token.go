package config

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CheckToken inspects a controller access token without verifying its
// signature. Long-lived controller tokens are JWTs; an expired one is an
// error. Tokens that are not JWTs pass unchanged.
func CheckToken(token string, now time.Time) error {
	exp, ok := TokenExpiry(token)
	if !ok {
		return nil
	}
	if exp.Before(now) {
		return fmt.Errorf("access token expired at %s", exp.UTC().Format(time.RFC3339))
	}
	return nil
}

// TokenExpiry returns the exp claim of a JWT token, if it has one.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
