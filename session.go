package client

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionRepository is the application's auth session store. The client never writes
// tokens itself; it asks the repository to refresh and reads the result back.
type SessionRepository interface {
	// CachedToken returns the current access token without blocking.
	CachedToken() (string, bool)

	// RefreshToken renews the access token, typically with a network call. A nil
	// error means a new token is available from CachedToken.
	RefreshToken(ctx context.Context) error

	// Logout ends the session.
	Logout()
}

// RefreshTokenSource is implemented by repositories that also expose the refresh token.
type RefreshTokenSource interface {
	CachedRefreshToken() (string, bool)
}

// AuthSession is the coordinator's view of the current session.
type AuthSession struct {
	AccessToken  string
	RefreshToken string
	CachedAt     time.Time
}

// tokenExpiry reads the exp claim of a JWT access token without verifying it; the
// server remains the authority on validity. Opaque tokens report ok=false.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
