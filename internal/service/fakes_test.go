package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/clinic-auth-api/internal/models"
	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
	"github.com/noah-isme/clinic-auth-api/pkg/mailer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
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

// memoryStore is an in-memory users table plus auth event log. Each method
// holds the lock for its whole body, mirroring single-row atomicity.
type memoryStore struct {
	mu     sync.Mutex
	users  map[string]models.User
	events []models.AuthEvent

	findErr         error
	createErr       error
	setRefreshErr   error
	setResetErr     error
	appendErr       error
	listErr         error
	lastLoginCalls  int
	passwordUpdates int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{users: make(map[string]models.User)}
}

func (m *memoryStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if u.Email == email {
			user := u
			return &user, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memoryStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &u, nil
}

func (m *memoryStore) FindByResetTokenHash(ctx context.Context, digest string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ResetTokenHash != nil && *u.ResetTokenHash == digest {
			user := u
			return &user, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memoryStore) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, u := range m.users {
		if u.Email == user.Email {
			return appErrors.Clone(appErrors.ErrEmailAlreadyRegistered, "")
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	m.users[user.ID] = *user
	return nil
}

func (m *memoryStore) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLoginCalls++
	if u, ok := m.users[id]; ok {
		u.LastLogin = &ts
		m.users[id] = u
	}
	return nil
}

func (m *memoryStore) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	return m.update(id, nil, func(u *models.User) {
		m.passwordUpdates++
		u.PasswordHash = passwordHash
	})
}

func (m *memoryStore) SetRefreshToken(ctx context.Context, id, digest string, updatedAt time.Time) error {
	return m.update(id, m.setRefreshErr, func(u *models.User) {
		u.RefreshTokenHash = &digest
		u.ResetTokenHash = nil
		u.ResetExpiresAt = nil
	})
}

func (m *memoryStore) SetPendingReset(ctx context.Context, id, digest string, expiresAt, updatedAt time.Time) error {
	return m.update(id, m.setResetErr, func(u *models.User) {
		u.RefreshTokenHash = nil
		u.ResetTokenHash = &digest
		u.ResetExpiresAt = &expiresAt
	})
}

func (m *memoryStore) ClearCredentialSlot(ctx context.Context, id string, updatedAt time.Time) error {
	return m.update(id, nil, func(u *models.User) {
		u.RefreshTokenHash = nil
		u.ResetTokenHash = nil
		u.ResetExpiresAt = nil
	})
}

func (m *memoryStore) CompleteReset(ctx context.Context, id, resetDigest, passwordHash string, updatedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.ResetTokenHash == nil || *u.ResetTokenHash != resetDigest {
		return false, nil
	}
	u.PasswordHash = passwordHash
	u.RefreshTokenHash = nil
	u.ResetTokenHash = nil
	u.ResetExpiresAt = nil
	m.users[id] = u
	return true, nil
}

func (m *memoryStore) update(id string, injected error, fn func(u *models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if injected != nil {
		return injected
	}
	u, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	fn(&u)
	m.users[id] = u
	return nil
}

func (m *memoryStore) Append(ctx context.Context, event *models.AuthEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	copied := *event
	copied.Metadata = models.EventMetadata{}
	for k, v := range event.Metadata {
		copied.Metadata[k] = v
	}
	m.events = append(m.events, copied)
	return nil
}

func (m *memoryStore) ListByKindSince(ctx context.Context, userID string, kind models.EventKind, since time.Time) ([]models.AuthEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.AuthEvent
	for _, e := range m.events {
		if e.UserID == userID && e.Kind == kind && e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) TransitionKind(ctx context.Context, id, userID string, from, to models.EventKind, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		e := &m.events[i]
		if e.ID == id && e.UserID == userID && e.Kind == from && e.CreatedAt.After(since) {
			e.Kind = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) TransitionAll(ctx context.Context, userID string, from, to models.EventKind, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.events {
		e := &m.events[i]
		if e.UserID == userID && e.Kind == from && e.CreatedAt.After(since) {
			e.Kind = to
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) MergeMetadata(ctx context.Context, id string, patch models.EventMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			for k, v := range patch {
				m.events[i].Metadata[k] = v
			}
			return nil
		}
	}
	return nil
}

func (m *memoryStore) user(t *testing.T, id string) models.User {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	require.True(t, ok, "user %s not found", id)
	return u
}

func (m *memoryStore) eventsOfKind(userID string, kind models.EventKind) []models.AuthEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuthEvent
	for _, e := range m.events {
		if e.UserID == userID && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (m *memoryStore) setActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.Active = active
	m.users[id] = u
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	hits    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	raw, ok := c.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	c.hits++
	return json.Unmarshal(raw, dest)
}

func (c *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = raw
	c.mu.Unlock()
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *memoryCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

type recordingMail struct {
	mu       sync.Mutex
	messages []mailer.Message
}

func (r *recordingMail) Dispatch(msg mailer.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *recordingMail) sent() []mailer.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mailer.Message(nil), r.messages...)
}

var testTokenConfig = TokenConfig{
	AccessSecret:  "test-access-secret",
	RefreshSecret: "test-refresh-secret",
	Issuer:        "clinic-auth-api",
	AccessTTL:     15 * time.Minute,
	RefreshTTL:    7 * 24 * time.Hour,
}

type testEnv struct {
	store    *memoryStore
	cache    *memoryCache
	clock    *fakeClock
	mail     *recordingMail
	metrics  *MetricsService
	tokens   *TokenIssuer
	sessions *SessionService
	resets   *PasswordResetService
	auth     *AuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   newMemoryStore(),
		cache:   newMemoryCache(),
		clock:   newFakeClock(),
		mail:    &recordingMail{},
		metrics: NewMetricsService(),
	}

	cacheSvc := NewCacheService(env.cache, env.metrics, 30*time.Second, nil, true)
	audit := NewAuditRecorder(env.store, nil)
	policy := NewPasswordPolicy(DefaultPasswordMinLength)

	env.tokens = NewTokenIssuer(env.store, testTokenConfig, nil)
	env.tokens.now = env.clock.Now

	env.sessions = NewSessionService(env.store, SessionConfig{MaxConcurrent: 2, Window: 24 * time.Hour, UserAgentMaxLen: 255}, nil, env.metrics)
	env.sessions.now = env.clock.Now

	env.resets = NewPasswordResetService(env.store, policy, env.mail, audit, cacheSvc, env.metrics, ResetConfig{TokenTTL: time.Hour, URL: "https://clinic.test/reset"}, nil)
	env.resets.now = env.clock.Now

	env.auth = NewAuthService(AuthDeps{
		Users:    env.store,
		Tokens:   env.tokens,
		Sessions: env.sessions,
		Policy:   policy,
		Audit:    audit,
		Cache:    cacheSvc,
		Metrics:  env.metrics,
	}, nil, nil, AuthConfig{PrincipalTTL: 30 * time.Second})
	env.auth.now = env.clock.Now

	return env
}

func (e *testEnv) seedUser(t *testing.T, email, password string, active bool) models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		FirstName:    "Alice",
		LastName:     "Liddell",
		Role:         models.RoleDoctor,
		Active:       active,
		CreatedAt:    e.clock.Now(),
		UpdatedAt:    e.clock.Now(),
	}
	e.store.mu.Lock()
	e.store.users[user.ID] = user
	e.store.mu.Unlock()
	return user
}

func (e *testEnv) login(t *testing.T, email, password string) *models.LoginResponse {
	t.Helper()
	res, err := e.auth.Login(context.Background(), models.LoginRequest{Email: email, Password: password, IP: "10.0.0.1", UserAgent: "test-agent"})
	require.NoError(t, err)
	return res
}

func requireAppError(t *testing.T, err error, target *appErrors.Error) *appErrors.Error {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, target)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	return appErr
}
