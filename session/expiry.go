package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/ironsession/transport"
)

// DefaultTokenTTL is assumed when neither expires_in nor a JWT exp claim is
// available.
const DefaultTokenTTL = 15 * time.Minute

// jwtExpiry reads the exp claim without verifying the signature. The client
// cannot verify backend tokens; the value only schedules a refresh.
func jwtExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (c *Controller) expiryFor(tokens transport.TokenPair) time.Time {
	now := c.clock.Now()
	if tokens.ExpiresIn > 0 {
		return now.Add(tokens.ExpiresIn)
	}
	if exp, ok := jwtExpiry(tokens.AccessToken); ok {
		return exp
	}
	return now.Add(c.defaultTTL)
}
