package cloud

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ParseExpiry reads the exp claim out of an opaque device token without
// verifying its signature — the relay is a client, not the token's issuer,
// so it has no signing key to check against. This only lets the supervisor
// pre-emptively refresh before a 401 round-trip (SPEC_FULL.md's domain
// stack decision for golang-jwt/jwt/v5).
func ParseExpiry(deviceToken string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(deviceToken, claims)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse device token: %w", err)
	}

	expVal, ok := claims["exp"]
	if !ok {
		return time.Time{}, fmt.Errorf("device token has no exp claim")
	}

	switch v := expVal.(type) {
	case float64:
		return time.Unix(int64(v), 0), nil
	case jwt.NumericDate:
		return v.Time, nil
	default:
		return time.Time{}, fmt.Errorf("device token exp claim has unexpected type %T", expVal)
	}
}

// NeedsRefresh reports whether expiry is near enough to warrant a
// pre-emptive refresh, given a lead time (the heartbeat loop passes five
// minutes).
func NeedsRefresh(expiry time.Time, lead time.Duration) bool {
	if expiry.IsZero() {
		return false
	}
	return time.Now().Add(lead).After(expiry)
}
