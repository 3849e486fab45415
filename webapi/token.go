package webapi

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryFromJWT reads the exp claim of a JWT access token without verifying
// it. The client cannot verify the server's signature and only uses the
// value to decide when to refresh
func ExpiryFromJWT(accessToken string) (time.Time, bool) {
	if accessToken == "" {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
