// Package token holds the access/refresh credential pair of the client session.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const persistTimeout = time.Second

// Store is the single owner of the session credentials. All methods are safe for
// concurrent use. Persistence errors are logged and never roll back memory state.
type Store struct {
	mu    sync.RWMutex
	creds domain.Credentials
	kv    storage.KV
	log   zerolog.Logger
}

func NewStore(kv storage.KV, log zerolog.Logger) *Store {
	return &Store{kv: kv, log: log}
}

// Load restores persisted credentials. Missing state is not an error.
func (s *Store) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	data, err := s.kv.Get(ctx, storage.KeyCredentials)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var creds domain.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		s.log.Warn().Err(err).Msg("token: discarding unreadable credentials")
		return nil
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

func (s *Store) Get() domain.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *Store) Access() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.AccessToken
}

func (s *Store) Refresh() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.RefreshToken
}

// Set replaces both credentials, e.g. after login.
func (s *Store) Set(ctx context.Context, creds domain.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	s.persist(ctx)
}

// SetAccess stores a renewed access token. An empty refresh keeps the current one.
func (s *Store) SetAccess(ctx context.Context, access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds.AccessToken = access
	if refresh != "" {
		s.creds.RefreshToken = refresh
	}
	s.persist(ctx)
}

// Clear drops the credentials and reports whether there was anything to drop.
func (s *Store) Clear(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds.IsZero() {
		return false
	}
	s.creds = domain.Credentials{}
	if s.kv != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := s.kv.Delete(ctx, storage.KeyCredentials); err != nil {
			s.log.Error().Err(err).Msg("token: failed to delete persisted credentials")
		}
	}
	return true
}

// Actor returns a display name for the signed-in user taken from the access token
// claims. The token is not verified; the server does that.
func (s *Store) Actor() string {
	access := s.Access()
	if access == "" {
		return "unknown"
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return "unknown"
	}
	for _, key := range []string{"name", "email", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return "unknown"
}

// persist must be called with s.mu held so writes land in mutation order.
func (s *Store) persist(ctx context.Context) {
	if s.kv == nil {
		return
	}
	data, err := json.Marshal(s.creds)
	if err != nil {
		s.log.Error().Err(err).Msg("token: failed to encode credentials")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.kv.Set(ctx, storage.KeyCredentials, data); err != nil {
		s.log.Error().Err(err).Msg("token: failed to persist credentials")
	}
}
