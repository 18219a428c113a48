package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/maauso/clipchain-api/internal/generr"
)

// Token lifetime parameters.
const (
	TokenTTL      = 30 * time.Minute
	NotBeforeSkew = 5 * time.Second
	RefreshWindow = 5 * time.Minute
)

// JWTSigner mints HS256 bearer tokens with iss = access key. A token is
// reused until it is within RefreshWindow of expiry.
type JWTSigner struct {
	creds      *CredentialCache
	accessName string
	secretName string
	now        func() time.Time

	mu      sync.RWMutex
	token   string
	expires time.Time

	group  singleflight.Group
	issued atomic.Int64
}

// JWTOption configures a JWTSigner.
type JWTOption func(*JWTSigner)

// WithClock sets the time source.
func WithClock(now func() time.Time) JWTOption {
	return func(s *JWTSigner) {
		s.now = now
	}
}

// NewJWTSigner creates a signer that reads the access and secret keys under
// the given credential names.
func NewJWTSigner(creds *CredentialCache, accessName, secretName string, opts ...JWTOption) *JWTSigner {
	s := &JWTSigner{
		creds:      creds,
		accessName: accessName,
		secretName: secretName,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign sets the Authorization header.
func (s *JWTSigner) Sign(ctx context.Context, h http.Header) error {
	tok, err := s.Token(ctx)
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+tok)
	return nil
}

// Token returns a valid token, minting a new one when the cached token is
// missing or close to expiry. Concurrent callers share a single mint.
func (s *JWTSigner) Token(ctx context.Context) (string, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	v, err, _ := s.group.Do("token", func() (any, error) {
		if tok, ok := s.cached(); ok {
			return tok, nil
		}
		return s.mint(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Issued returns how many tokens this signer has minted.
func (s *JWTSigner) Issued() int64 {
	return s.issued.Load()
}

func (s *JWTSigner) cached() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || !s.now().Before(s.expires.Add(-RefreshWindow)) {
		return "", false
	}
	return s.token, true
}

func (s *JWTSigner) mint(ctx context.Context) (string, error) {
	access, err := s.creds.Get(ctx, s.accessName)
	if err != nil {
		return "", err
	}
	secret, err := s.creds.Get(ctx, s.secretName)
	if err != nil {
		return "", err
	}

	now := s.now()
	expires := now.Add(TokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    access,
		ExpiresAt: jwt.NewNumericDate(expires),
		NotBefore: jwt.NewNumericDate(now.Add(-NotBeforeSkew)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", generr.Wrap(generr.KindAuth, "", fmt.Errorf("sign token: %w", err))
	}

	s.mu.Lock()
	s.token = signed
	s.expires = expires
	s.mu.Unlock()
	s.issued.Add(1)

	return signed, nil
}
