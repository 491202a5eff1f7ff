package clients

import (
	"context"
	"os"
	"strings"
	"sync"
)

// CredentialProvider supplies the bearer token for API calls.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken fixed bearer token.
type StaticToken string

// Token returns the token or ErrUnauthenticated when it is empty.
func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrUnauthenticated
	}
	return string(t), nil
}

// TokenStore token holder that can be cleared after the backend rejects it.
type TokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewTokenStore creates a store holding the given token.
func NewTokenStore(token string) *TokenStore {
	return &TokenStore{token: strings.TrimSpace(token)}
}

// NewTokenStoreFromEnv reads the token from the environment variable.
func NewTokenStoreFromEnv(name string) *TokenStore {
	return NewTokenStore(os.Getenv(name))
}

// Token returns the current token or ErrUnauthenticated once cleared.
func (s *TokenStore) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == "" {
		return "", ErrUnauthenticated
	}
	return s.token, nil
}

// Set replaces the token.
func (s *TokenStore) Set(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// Clear drops the token; further calls fail with ErrUnauthenticated.
func (s *TokenStore) Clear() {
	s.Set("")
}
