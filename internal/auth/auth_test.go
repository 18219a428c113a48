package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/clipchain-api/internal/generr"
	"github.com/maauso/clipchain-api/internal/keystore"
)

// countingStore counts fetches and can be slowed down to widen races.
type countingStore struct {
	values map[string]string
	delay  time.Duration
	calls  atomic.Int32
}

func (s *countingStore) GetCredential(_ context.Context, name string) (string, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	return keystore.MapStore(s.values).GetCredential(context.Background(), name)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCredentialCache_FetchesOnce(t *testing.T) {
	store := &countingStore{values: map[string]string{"pollo_api_key": "k"}, delay: 20 * time.Millisecond}
	creds := NewCredentialCache(store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := creds.Get(context.Background(), "pollo_api_key")
			assert.NoError(t, err)
			assert.Equal(t, "k", v)
		}()
	}
	wg.Wait()

	_, err := creds.Get(context.Background(), "pollo_api_key")
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestCredentialCache_MissingIsAuth(t *testing.T) {
	creds := NewCredentialCache(keystore.MapStore{})
	_, err := creds.Get(context.Background(), "kling_secret_key")
	require.Error(t, err)
	assert.Equal(t, generr.KindAuth, generr.KindOf(err))
	assert.True(t, errors.Is(err, keystore.ErrNotFound))
}

func TestCredentialCache_Forget(t *testing.T) {
	store := &countingStore{values: map[string]string{"a": "1"}}
	creds := NewCredentialCache(store)
	ctx := context.Background()

	_, _ = creds.Get(ctx, "a")
	creds.Forget("a")
	_, _ = creds.Get(ctx, "a")
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestStaticKeySigner(t *testing.T) {
	creds := NewCredentialCache(keystore.MapStore{"pollo_api_key": "secret"})

	h := http.Header{}
	require.NoError(t, NewStaticKeySigner(creds, "pollo_api_key").Sign(context.Background(), h))
	assert.Equal(t, "secret", h.Get("x-api-key"))

	h = http.Header{}
	signer := NewStaticKeySigner(creds, "pollo_api_key", WithHeader("Authorization", "Bearer "))
	require.NoError(t, signer.Sign(context.Background(), h))
	assert.Equal(t, "Bearer secret", h.Get("Authorization"))
}

func newTestJWTSigner(clock *fakeClock) *JWTSigner {
	creds := NewCredentialCache(keystore.MapStore{"ak": "access-key", "sk": "secret-key"})
	return NewJWTSigner(creds, "ak", "sk", WithClock(clock.Now))
}

func TestJWTSigner_Claims(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestJWTSigner(clock)

	tok, err := s.Token(context.Background())
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return []byte("secret-key"), nil
	}, jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	assert.Equal(t, "HS256", parsed.Method.Alg())
	assert.Equal(t, "JWT", parsed.Header["typ"])
	assert.Equal(t, "access-key", claims.Issuer)
	assert.Equal(t, clock.now.Add(30*time.Minute).Unix(), claims.ExpiresAt.Unix())
	assert.Equal(t, clock.now.Add(-5*time.Second).Unix(), claims.NotBefore.Unix())

	h := http.Header{}
	require.NoError(t, s.Sign(context.Background(), h))
	assert.Equal(t, "Bearer "+tok, h.Get("Authorization"))
}

func TestJWTSigner_ReuseAndRefresh(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestJWTSigner(clock)
	ctx := context.Background()

	first, err := s.Token(ctx)
	require.NoError(t, err)

	clock.Advance(24 * time.Minute)
	second, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second, "token reused outside the refresh window")
	assert.Equal(t, int64(1), s.Issued())

	clock.Advance(time.Minute + time.Second)
	third, err := s.Token(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "token regenerated within 5 minutes of expiry")
	assert.Equal(t, int64(2), s.Issued())
}

func TestJWTSigner_ConcurrentRefreshMintsOnce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := &countingStore{values: map[string]string{"ak": "a", "sk": "s"}, delay: 20 * time.Millisecond}
	s := NewJWTSigner(NewCredentialCache(store), "ak", "sk", WithClock(clock.Now))

	const n = 32
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := s.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), s.Issued())
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
}
