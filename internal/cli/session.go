package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// fileSession is the CLI's session repository. The token comes from --token or
// $ORBX_TOKEN; when a token file is configured, a refresh re-reads it so that an
// external sign-in helper can rotate the token while a command runs.
type fileSession struct {
	mu    sync.RWMutex
	token string
	path  string
}

func newFileSession(flagToken, flagPath string) (*fileSession, error) {
	s := &fileSession{token: flagToken, path: flagPath}
	if s.token == "" {
		s.token = os.Getenv("ORBX_TOKEN")
	}
	if s.path == "" {
		s.path = os.Getenv("ORBX_TOKEN_FILE")
	}

	if s.token == "" && s.path != "" {
		tok, err := readToken(s.path)
		if err != nil {
			return nil, err
		}
		s.token = tok
	}
	return s, nil
}

func (s *fileSession) CachedToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

func (s *fileSession) RefreshToken(_ context.Context) error {
	if s.path == "" {
		return errors.New("no token file configured")
	}

	tok, err := readToken(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok == "" || tok == s.token {
		return errors.New("token file holds no new token")
	}
	s.token = tok
	return nil
}

func (s *fileSession) Logout() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	slog.Warn("Session ended, sign in again to refresh the token file")
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
