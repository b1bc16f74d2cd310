package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrRefreshFailed is returned to every waiter of a failed token refresh.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrSessionTerminated is returned once the session has been logged out.
	ErrSessionTerminated = errors.New("session terminated")
)

const refreshKey = "refresh"

// RefreshCoordinator renews the access token with at most one refresh in flight.
// Callers that need a new token while a refresh is running wait for that refresh and
// share its outcome. A failed refresh logs the session out exactly once and is not
// retried.
//
// The coordinator is the only writer of the [AuthSession]. The refresh runs on the
// coordinator's own context, so a waiter that gives up does not abort it for the
// others.
type RefreshCoordinator struct {
	repo  SessionRepository
	group singleflight.Group

	mu         sync.RWMutex
	session    AuthSession
	terminated bool

	baseCtx context.Context
	timeout time.Duration
	leeway  time.Duration

	logger  RequestLogger
	metrics *clientMetrics
	now     func() time.Time

	// joined, if set, is called once a caller has joined the refresh flight.
	joined func()
}

// NewRefreshCoordinator creates a coordinator for repo. baseCtx bounds the lifetime of
// refresh operations; each refresh is additionally limited to timeout.
func NewRefreshCoordinator(baseCtx context.Context, repo SessionRepository, timeout, leeway time.Duration) *RefreshCoordinator {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	c := &RefreshCoordinator{
		repo:    repo,
		baseCtx: baseCtx,
		timeout: timeout,
		leeway:  leeway,
		logger:  &NoopLogger{},
		now:     time.Now,
	}
	c.CachedToken()
	return c
}

// Session returns a copy of the current session.
func (c *RefreshCoordinator) Session() AuthSession {
	c.CachedToken()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Terminated reports whether the session has been logged out.
func (c *RefreshCoordinator) Terminated() bool {
	c.CachedToken()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminated
}

// CachedToken returns the repository's current token without blocking. A token that
// differs from the last one seen is adopted as the session; a new non-empty token
// after a logout starts a new session.
func (c *RefreshCoordinator) CachedToken() (string, bool) {
	tok, ok := c.repo.CachedToken()
	if !ok {
		tok = ""
	}

	c.mu.RLock()
	same := tok == c.session.AccessToken
	c.mu.RUnlock()
	if same {
		return tok, tok != ""
	}

	c.mu.Lock()
	if tok != c.session.AccessToken {
		c.session = c.newSession(tok)
		if tok != "" {
			c.terminated = false
		}
	}
	c.mu.Unlock()

	return tok, tok != ""
}

func (c *RefreshCoordinator) newSession(token string) AuthSession {
	s := AuthSession{AccessToken: token, CachedAt: c.now()}
	if src, ok := c.repo.(RefreshTokenSource); ok {
		if rt, ok := src.CachedRefreshToken(); ok {
			s.RefreshToken = rt
		}
	}
	return s
}

// EnsureValidToken returns a usable access token. A cached token that is not about to
// expire is returned as is; otherwise the token is refreshed, joining any refresh
// already in flight.
func (c *RefreshCoordinator) EnsureValidToken(ctx context.Context) (string, error) {
	tok, ok := c.CachedToken()
	if ok && !c.expiring(tok) {
		return tok, nil
	}

	if c.Terminated() {
		return "", ErrSessionTerminated
	}

	return c.refresh(ctx, tok)
}

// RefreshAfterUnauthorized renews the token after a request sent with staleToken was
// rejected with 401. It returns true when a newer token is available. If another
// refresh already replaced staleToken, no new refresh starts. The error is non-nil
// only when ctx ended before the outcome was known.
func (c *RefreshCoordinator) RefreshAfterUnauthorized(ctx context.Context, staleToken string) (bool, error) {
	tok, ok := c.CachedToken()

	if c.Terminated() {
		return false, nil
	}
	if ok && tok != staleToken {
		c.metrics.tokenRefresh("reused")
		return true, nil
	}

	_, err := c.refresh(ctx, staleToken)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrRefreshFailed) {
			return false, ctxErr
		}
		return false, nil
	}
	return true, nil
}

// EndSession logs the session out. Only the first call per session reaches the
// repository.
func (c *RefreshCoordinator) EndSession(reason string) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.mu.Unlock()

	c.logger.Warnf("ending session: %s", reason)
	c.metrics.logout()
	c.repo.Logout()
}

func (c *RefreshCoordinator) refresh(ctx context.Context, staleToken string) (string, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.runRefresh(staleToken)
	})
	if c.joined != nil {
		c.joined()
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *RefreshCoordinator) runRefresh(staleToken string) (string, error) {
	// A refresh that finished just before this flight started already replaced the
	// token this caller saw.
	if tok, ok := c.CachedToken(); ok && tok != staleToken && !c.expiring(tok) {
		c.metrics.tokenRefresh("reused")
		return tok, nil
	}

	c.mu.RLock()
	terminated := c.terminated
	c.mu.RUnlock()
	if terminated {
		return "", ErrSessionTerminated
	}

	ctx := c.baseCtx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := c.now()
	c.logger.Debugf("refreshing access token")

	err := c.repo.RefreshToken(ctx)
	tok, ok := c.repo.CachedToken()
	if err == nil && (!ok || tok == "") {
		err = errors.New("repository returned no token")
	}
	if err != nil {
		c.metrics.tokenRefresh("failure")
		c.logger.Errorf("token refresh failed after %s: %v", c.now().Sub(start), err)
		c.EndSession("token refresh failed")
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	c.mu.Lock()
	c.session = c.newSession(tok)
	c.terminated = false
	c.mu.Unlock()

	c.metrics.tokenRefresh("success")
	c.logger.Debugf("access token refreshed in %s", c.now().Sub(start))
	return tok, nil
}

// expiring reports whether a JWT token expires within the leeway. Opaque tokens are
// never considered expiring; the server decides with a 401.
func (c *RefreshCoordinator) expiring(token string) bool {
	exp, ok := tokenExpiry(token)
	if !ok {
		return false
	}
	return !c.now().Add(c.leeway).Before(exp)
}
