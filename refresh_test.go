package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestEnsureValidToken_ConcurrentValidTokenNeverRefreshes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		token string
	}{
		{"opaque token", "opaque-token"},
		{"unexpired jwt", signedToken(t, time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			session := newFakeSession(tt.token, refreshTo("fresh"))
			coordinator := NewRefreshCoordinator(context.Background(), session, time.Second, 30*time.Second)

			var wg sync.WaitGroup
			for range 10 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					tok, err := coordinator.EnsureValidToken(context.Background())
					if err != nil {
						t.Errorf("unexpected error: %v", err)
					}
					if tok != tt.token {
						t.Errorf("expected cached token, got %q", tok)
					}
				}()
			}
			wg.Wait()

			if session.refreshCalls.Load() != 0 {
				t.Errorf("expected no refresh, got %d", session.refreshCalls.Load())
			}
		})
	}
}

func TestEnsureValidToken_RefreshesExpiringToken(t *testing.T) {
	t.Parallel()

	expiring := signedToken(t, 10*time.Second)
	session := newFakeSession(expiring, refreshTo("fresh"))
	coordinator := NewRefreshCoordinator(context.Background(), session, time.Second, time.Minute)

	tok, err := coordinator.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "fresh" {
		t.Errorf("expected refreshed token, got %q", tok)
	}
	if session.refreshCalls.Load() != 1 {
		t.Errorf("expected 1 refresh, got %d", session.refreshCalls.Load())
	}
	if got := coordinator.Session().AccessToken; got != "fresh" {
		t.Errorf("expected session to hold the new token, got %q", got)
	}
}

func TestEnsureValidToken_MissingToken(t *testing.T) {
	t.Parallel()

	session := newFakeSession("", refreshTo("fresh"))
	coordinator := NewRefreshCoordinator(context.Background(), session, time.Second, 0)

	tok, err := coordinator.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "fresh" {
		t.Errorf("expected refreshed token, got %q", tok)
	}
}

func TestEnsureValidToken_TerminatedSession(t *testing.T) {
	t.Parallel()

	session := newFakeSession("token", refreshTo("fresh"))
	coordinator := NewRefreshCoordinator(context.Background(), session, time.Second, 0)

	coordinator.EndSession("test")

	if _, err := coordinator.EnsureValidToken(context.Background()); !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("expected ErrSessionTerminated, got: %v", err)
	}
	if session.refreshCalls.Load() != 0 {
		t.Errorf("expected no refresh after logout, got %d", session.refreshCalls.Load())
	}
}

func TestRefreshAfterUnauthorized_SingleFlight(t *testing.T) {
	t.Parallel()

	const n = 10

	release := make(chan struct{})
	session := newFakeSession("stale", func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "fresh", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	coordinator := NewRefreshCoordinator(context.Background(), session, 5*time.Second, 0)

	var wg sync.WaitGroup
	results := make(chan bool, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := coordinator.RefreshAfterUnauthorized(context.Background(), "stale")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for ok := range results {
		if !ok {
			t.Error("expected every caller to observe the refreshed token")
		}
	}
	if session.refreshCalls.Load() != 1 {
		t.Errorf("expected exactly 1 refresh, got %d", session.refreshCalls.Load())
	}
}

func TestRefreshAfterUnauthorized_ReusesNewerToken(t *testing.T) {
	t.Parallel()

	session := newFakeSession("stale", refreshTo("fresh"))
	coordinator := NewRefreshCoordinator(context.Background(), session, time.Second, 0)

	session.setToken("already-fresh")

	ok, err := coordinator.RefreshAfterUnauthorized(context.Background(), "stale")
	if err != nil || !ok {
		t.Fatalf("expected reuse of the newer token, got ok=%v err=%v", ok, err)
	}
	if session.refreshCalls.Load() != 0 {
		t.Errorf("expected no refresh, got %d", session.refreshCalls.Load())
	}
}

func TestRefreshAfterUnauthorized_FailureLogsOutOnce(t *testing.T) {
	t.Parallel()

	const n = 5

	release := make(chan struct{})
	session := newFakeSession("stale", func(ctx context.Context) (string, error) {
		<-release
		return "", errors.New("invalid refresh token")
	})
	coordinator := NewRefreshCoordinator(context.Background(), session, 5*time.Second, 0)

	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := coordinator.RefreshAfterUnauthorized(context.Background(), "stale")
			if ok || err != nil {
				t.Errorf("expected failure without error, got ok=%v err=%v", ok, err)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if session.refreshCalls.Load() != 1 {
		t.Errorf("expected exactly 1 refresh, got %d", session.refreshCalls.Load())
	}
	if session.logoutCalls.Load() != 1 {
		t.Errorf("expected exactly 1 logout, got %d", session.logoutCalls.Load())
	}
	if !coordinator.Terminated() {
		t.Error("expected session to be terminated")
	}

	// Later callers fail fast without another refresh.
	if ok, _ := coordinator.RefreshAfterUnauthorized(context.Background(), "stale"); ok {
		t.Error("expected no refresh after termination")
	}
	if session.refreshCalls.Load() != 1 {
		t.Errorf("expected no further refresh, got %d", session.refreshCalls.Load())
	}
}

func TestRefreshAfterUnauthorized_CancelledWaiterDoesNotAbortRefresh(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	refreshCtxErr := make(chan error, 1)

	session := newFakeSession("stale", func(ctx context.Context) (string, error) {
		close(started)
		<-release
		refreshCtxErr <- ctx.Err()
		return "fresh", nil
	})
	coordinator := NewRefreshCoordinator(context.Background(), session, 5*time.Second, 0)
	joined := make(chan struct{}, 2)
	coordinator.joined = func() { joined <- struct{}{} }

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := coordinator.RefreshAfterUnauthorized(firstCtx, "stale")
		firstDone <- err
	}()

	<-started

	secondDone := make(chan bool, 1)
	go func() {
		ok, err := coordinator.RefreshAfterUnauthorized(context.Background(), "stale")
		if err != nil {
			t.Errorf("unexpected error for second waiter: %v", err)
		}
		secondDone <- ok
	}()

	// Both callers must be waiting on the running flight before it completes.
	for i := 0; i < 2; i++ {
		select {
		case <-joined:
		case <-time.After(5 * time.Second):
			t.Fatal("waiters did not join the refresh")
		}
	}

	cancelFirst()
	if err := <-firstDone; !errors.Is(err, context.Canceled) {
		t.Errorf("expected first waiter to see cancellation, got: %v", err)
	}

	close(release)

	if ok := <-secondDone; !ok {
		t.Error("expected second waiter to receive the refreshed token")
	}
	if err := <-refreshCtxErr; err != nil {
		t.Errorf("expected refresh context to stay alive, got: %v", err)
	}
	if session.refreshCalls.Load() != 1 {
		t.Errorf("expected exactly 1 refresh, got %d", session.refreshCalls.Load())
	}
	if session.logoutCalls.Load() != 0 {
		t.Errorf("expected no logout, got %d", session.logoutCalls.Load())
	}
}

func TestRefreshCoordinator_NewTokenAfterLogoutStartsNewSession(t *testing.T) {
	t.Parallel()

	session := newFakeSession("token", refreshTo("fresh"))
	coordinator := NewRefreshCoordinator(context.Background(), session, time.Second, 0)

	coordinator.EndSession("first")
	coordinator.EndSession("second")

	if session.logoutCalls.Load() != 1 {
		t.Errorf("expected exactly 1 logout, got %d", session.logoutCalls.Load())
	}

	session.setToken("signed-in-again")

	if coordinator.Terminated() {
		t.Error("expected a new token to start a new session")
	}
	if tok, ok := coordinator.CachedToken(); !ok || tok != "signed-in-again" {
		t.Errorf("expected new token, got %q", tok)
	}
}

func TestRefreshCoordinator_EmptyTokenAfterRefreshFails(t *testing.T) {
	t.Parallel()

	session := newFakeSession("stale", refreshTo(""))
	coordinator := NewRefreshCoordinator(context.Background(), session, time.Second, 0)

	ok, err := coordinator.RefreshAfterUnauthorized(context.Background(), "stale")
	if ok || err != nil {
		t.Errorf("expected failed refresh, got ok=%v err=%v", ok, err)
	}
	if session.logoutCalls.Load() != 1 {
		t.Errorf("expected logout after empty token, got %d", session.logoutCalls.Load())
	}
}

func TestAuthDecorator(t *testing.T) {
	t.Parallel()

	session := newFakeSession("abc", refreshTo("def"))
	coordinator := NewRefreshCoordinator(context.Background(), session, time.Second, 0)
	auth := NewAuthDecorator(coordinator, "")

	req := NewRequest("GET", "/servers", nil)
	if sent := auth.Attach(req); sent != "abc" {
		t.Errorf("expected token abc, got %q", sent)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer abc" {
		t.Errorf("expected 'Bearer abc', got %q", got)
	}

	resubmit, err := auth.HandleUnauthorized(context.Background(), req, "abc")
	if err != nil || !resubmit {
		t.Fatalf("expected resubmission, got %v/%v", resubmit, err)
	}

	auth.Attach(req)
	if got := req.Header.Get("Authorization"); got != "Bearer def" {
		t.Errorf("expected 'Bearer def', got %q", got)
	}

	resubmit, err = auth.HandleUnauthorized(context.Background(), req, "def")
	if err != nil || resubmit {
		t.Errorf("expected no second resubmission, got %v/%v", resubmit, err)
	}
	if session.refreshCalls.Load() != 1 || session.logoutCalls.Load() != 1 {
		t.Errorf("expected 1 refresh and 1 logout, got %d/%d", session.refreshCalls.Load(), session.logoutCalls.Load())
	}

	other := NewRequest("GET", "/servers", nil)
	other.Header.Set("Authorization", "Bearer leftover")
	if sent := auth.Attach(other); sent != "" {
		t.Errorf("expected no token after logout, got %q", sent)
	}
	if got := other.Header.Get("Authorization"); got != "" {
		t.Errorf("expected Authorization header to be removed, got %q", got)
	}
}

func TestStaticSession(t *testing.T) {
	t.Parallel()

	s := NewStaticSession("fixed")
	if tok, ok := s.CachedToken(); !ok || tok != "fixed" {
		t.Errorf("expected fixed token, got %q", tok)
	}
	if err := s.RefreshToken(context.Background()); !errors.Is(err, ErrRefreshUnsupported) {
		t.Errorf("expected ErrRefreshUnsupported, got: %v", err)
	}
	s.Logout()
	if _, ok := s.CachedToken(); ok {
		t.Error("expected no token after logout")
	}
}

func TestTokenExpiry(t *testing.T) {
	t.Parallel()

	if _, ok := tokenExpiry("opaque"); ok {
		t.Error("expected opaque token to have no expiry")
	}

	tok := signedToken(t, time.Hour)
	exp, ok := tokenExpiry(tok)
	if !ok {
		t.Fatal("expected expiry for jwt")
	}
	if d := time.Until(exp); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("unexpected expiry %v", exp)
	}
}
