package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiringSoon reports whether a JWT-shaped access token's exp claim falls
// within within of now. The broker is the verifier of the token; we only need
// its expiry to warn before the next account-auth, so parsing is unverified
// (no signature check).
func tokenExpiringSoon(raw string, within time.Duration) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return false
	}
	expUnix, err := claims.GetExpirationTime()
	if err != nil || expUnix == nil {
		return false
	}
	return time.Until(expUnix.Time) < within
}
