package broker

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ExpiryFromJWT reads the exp claim of a JWT access token without verifying
// its signature. Only the server can verify the token; the client uses the
// claim to report when re-authentication will be needed.
func ExpiryFromJWT(accessToken string) (time.Time, bool) {
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

// NewToken builds a token from a login or refresh response. expiresIn is
// in seconds; when it is zero the JWT exp claim is used instead.
func NewToken(access, refresh, tokenType string, expiresIn int, now time.Time) *oauth2.Token {
	if tokenType == "" {
		tokenType = "Bearer"
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tokenType,
	}

	switch {
	case expiresIn > 0:
		tok.Expiry = now.Add(time.Duration(expiresIn) * time.Second)
	default:
		if exp, ok := ExpiryFromJWT(access); ok {
			tok.Expiry = exp
		}
	}

	return tok
}
