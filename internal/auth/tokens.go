package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jason-czar/sportscast-live/internal/models"
)

// ErrInvalidGrant is returned when a token is issued without a session.
var ErrInvalidGrant = errors.New("sessionID is required")

// TokenStore defines the persistence contract for join token grants. Tokens
// are stored hashed; the plaintext never leaves the issuing response.
type TokenStore interface {
	Save(grant Grant) error
	Get(tokenHash string) (Grant, bool, error)
	Delete(tokenHash string) error
	PurgeExpired(now time.Time) error
}

// Grant describes what a join token admits: one source slot in one session.
type Grant struct {
	TokenHash string
	SessionID string
	SourceID  string
	Label     string
	Role      models.SourceRole
	ExpiresAt time.Time
}

// TokenOption configures a TokenManager instance.
type TokenOption func(*TokenManager)

// WithStore injects a custom TokenStore implementation.
func WithStore(store TokenStore) TokenOption {
	return func(m *TokenManager) {
		m.store = store
	}
}

// WithTokenLength sets the random byte length of newly issued tokens.
func WithTokenLength(length int) TokenOption {
	return func(m *TokenManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithHashSecret sets the salt mixed into token hashes so a leaked store
// cannot be brute-forced against bare SHA-256.
func WithHashSecret(secret string) TokenOption {
	return func(m *TokenManager) {
		if secret != "" {
			m.hashSecret = []byte(secret)
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) TokenOption {
	return func(m *TokenManager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// TokenManager issues and validates source join tokens against a backing
// store.
type TokenManager struct {
	store        TokenStore
	ttl          time.Duration
	tokenLength  int
	hashSecret   []byte
	clock        func() time.Time
	tokenFactory func(int) (string, error)
}

// NewTokenManager constructs a TokenManager with the provided token TTL and
// options. It defaults to a 24-hour TTL and an in-memory store for local
// development when no store is supplied.
func NewTokenManager(ttl time.Duration, opts ...TokenOption) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	manager := &TokenManager{
		ttl:          ttl,
		tokenLength:  32,
		hashSecret:   []byte("sportscast-join-token"),
		clock:        time.Now,
		tokenFactory: generateToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemoryTokenStore()
	}
	return manager
}

// Issue creates a join token bound to one source in one session. The
// plaintext token is returned exactly once.
func (m *TokenManager) Issue(sessionID, sourceID, label string, role models.SourceRole) (string, time.Time, error) {
	if sessionID == "" || sourceID == "" {
		return "", time.Time{}, ErrInvalidGrant
	}
	token, err := m.tokenFactory(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := m.clock().Add(m.ttl).UTC()
	grant := Grant{
		TokenHash: m.hash(token),
		SessionID: sessionID,
		SourceID:  sourceID,
		Label:     label,
		Role:      role,
		ExpiresAt: expiresAt,
	}
	if err := m.store.Save(grant); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate resolves a token to its grant. Expired tokens are deleted on
// sight and reported as absent.
func (m *TokenManager) Validate(token string) (Grant, bool, error) {
	if token == "" {
		return Grant{}, false, nil
	}
	hash := m.hash(token)
	grant, ok, err := m.store.Get(hash)
	if err != nil {
		return Grant{}, false, err
	}
	if !ok {
		return Grant{}, false, nil
	}
	if m.clock().After(grant.ExpiresAt) {
		_ = m.store.Delete(hash)
		return Grant{}, false, nil
	}
	return grant, true, nil
}

// Revoke deletes the token's grant from the backing store.
func (m *TokenManager) Revoke(token string) error {
	if token == "" {
		return nil
	}
	return m.store.Delete(m.hash(token))
}

// PurgeExpired removes any expired grants from the backing store.
func (m *TokenManager) PurgeExpired() error {
	return m.store.PurgeExpired(m.clock())
}

// Ping verifies the underlying token store is reachable when it exposes a
// ping method.
func (m *TokenManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (m *TokenManager) hash(token string) string {
	derived := pbkdf2.Key([]byte(token), m.hashSecret, 4096, 32, sha256.New)
	return hex.EncodeToString(derived)
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
