package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSession is a SessionRepository whose refresh behaviour is scripted per test.
type fakeSession struct {
	mu    sync.RWMutex
	token string

	refreshFn func(ctx context.Context) (string, error)

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
}

func newFakeSession(token string, refreshFn func(ctx context.Context) (string, error)) *fakeSession {
	return &fakeSession{token: token, refreshFn: refreshFn}
}

func (s *fakeSession) CachedToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

func (s *fakeSession) RefreshToken(ctx context.Context) error {
	s.refreshCalls.Add(1)
	if s.refreshFn == nil {
		return ErrRefreshUnsupported
	}

	tok, err := s.refreshFn(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Logout() {
	s.logoutCalls.Add(1)
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

func (s *fakeSession) setToken(tok string) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

func refreshTo(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// timeoutError is a net.Error reporting a timeout.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// newConnectedClient builds a client that skips the connect ping.
func newConnectedClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()

	opts = append([]Option{WithPingOnConnect(false)}, opts...)
	c := New(baseURL, opts...)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// selfSignedCert returns a throwaway self-signed certificate for host.
func selfSignedCert(t *testing.T, host string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}
