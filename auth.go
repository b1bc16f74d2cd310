package client

import (
	"context"
	"errors"
	"sync"
)

// AuthDecorator attaches the session token to outgoing requests and turns a 401 into
// at most one refresh-and-resubmit per logical call.
type AuthDecorator struct {
	coordinator *RefreshCoordinator
	scheme      string
}

// NewAuthDecorator returns a decorator using scheme (usually "Bearer").
func NewAuthDecorator(coordinator *RefreshCoordinator, scheme string) *AuthDecorator {
	if scheme == "" {
		scheme = "Bearer"
	}
	return &AuthDecorator{coordinator: coordinator, scheme: scheme}
}

// Attach sets the Authorization header from the cached token without blocking and
// returns the token used. With no token the header is removed and the request goes
// out unauthenticated.
func (a *AuthDecorator) Attach(req *Request) string {
	tok, ok := a.coordinator.CachedToken()
	if !ok {
		req.Header.Del("Authorization")
		return ""
	}
	req.Header.Set("Authorization", a.scheme+" "+tok)
	return tok
}

// HandleUnauthorized reacts to a 401 for req, which was sent with staleToken. It
// returns true when req should be resubmitted with a refreshed token. A request that
// was already resubmitted after a refresh is never refreshed again; the session is
// ended instead. The error is non-nil only if ctx ended while waiting for a refresh.
func (a *AuthDecorator) HandleUnauthorized(ctx context.Context, req *Request, staleToken string) (bool, error) {
	if req.flag(flagRetriedAfterRefresh) {
		a.coordinator.EndSession("request rejected again after token refresh")
		return false, nil
	}

	ok, err := a.coordinator.RefreshAfterUnauthorized(ctx, staleToken)
	if err != nil || !ok {
		return false, err
	}

	req.setFlag(flagRetriedAfterRefresh)
	return true, nil
}

// ErrRefreshUnsupported is returned by sessions that cannot renew their token.
var ErrRefreshUnsupported = errors.New("token refresh not supported")

// StaticSession is a [SessionRepository] holding a fixed token. It cannot refresh;
// after Logout it reports no token.
type StaticSession struct {
	mu    sync.RWMutex
	token string
}

// NewStaticSession returns a session holding token.
func NewStaticSession(token string) *StaticSession {
	return &StaticSession{token: token}
}

func (s *StaticSession) CachedToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

func (s *StaticSession) RefreshToken(_ context.Context) error {
	return ErrRefreshUnsupported
}

func (s *StaticSession) Logout() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}
