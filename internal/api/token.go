package api

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/1ureka/roomlink/internal/util"
)

// refreshMargin is how long before expiry an access token is replaced.
const refreshMargin = 30 * time.Second

// TokenSource hands out the current access token, refreshing it when its
// exp claim is close. The signature is not verified: the backend does that,
// the client only needs the expiry.
type TokenSource struct {
	client *Client
	now    func() time.Time

	mu      sync.Mutex
	access  string
	refresh string
}

// Token returns a usable access token.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.access != "" && !s.expiring(s.access) {
		return s.access, nil
	}
	if s.refresh == "" {
		if s.access != "" {
			return s.access, nil
		}
		return "", ErrNoCredential
	}

	tokens, err := s.client.Refresh(ctx, s.refresh)
	if err != nil {
		return "", err
	}
	s.access = tokens.AccessToken
	if tokens.RefreshToken != "" {
		s.refresh = tokens.RefreshToken
	}
	util.LogDebug("access token refreshed")
	return s.access, nil
}

// Credential is Token under the name the signaling client expects.
func (s *TokenSource) Credential(ctx context.Context) (string, error) {
	return s.Token(ctx)
}

// expiring reports whether token's exp is within refreshMargin. Tokens that
// are not JWTs or carry no exp are treated as long-lived.
func (s *TokenSource) expiring(token string) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(s.now().Add(refreshMargin))
}
