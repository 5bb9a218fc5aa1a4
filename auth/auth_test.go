package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattwise/meter-engine/auth"
)

// In-memory store fakes for service tests.
type fakeStore struct {
	mu     sync.Mutex
	users  map[string]auth.User // keyed by email
	tokens map[string]auth.Token
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]auth.User), tokens: make(map[string]auth.Token)}
}

func (f *fakeStore) CreateUser(_ context.Context, u auth.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.users[u.Email]; exists {
		return auth.ErrEmailTaken
	}
	f.users[u.Email] = u
	return nil
}

func (f *fakeStore) UserByEmail(_ context.Context, email string) (*auth.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[email]; ok {
		return &u, nil
	}
	return nil, nil
}

func (f *fakeStore) UserByID(_ context.Context, id string) (*auth.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SaveToken(_ context.Context, t auth.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[t.ID] = t
	return nil
}

func (f *fakeStore) TokenExists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[id]
	return ok && t.ExpiresAt.After(time.Now()), nil
}

func (f *fakeStore) DeleteToken(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, id)
	return nil
}

func newService(ttl time.Duration) (*auth.Service, *fakeStore) {
	fs := newFakeStore()
	return auth.NewService(fs, fs, "test-secret", ttl), fs
}

func TestRegister_HashesAndNormalizes(t *testing.T) {
	svc, _ := newService(time.Hour)

	user, err := svc.Register(context.Background(), "  Ada  ", "  Ada@Example.COM ", "correct horse")

	require.NoError(t, err)
	assert.Equal(t, "Ada", user.Name)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.NotEqual(t, "correct horse", user.PasswordHash)
	assert.NotEmpty(t, user.ID)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc, _ := newService(time.Hour)
	ctx := context.Background()

	_, err := svc.Register(ctx, "Ada", "ada@example.com", "correct horse")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "Imposter", "ADA@example.com", "battery staple")
	assert.ErrorIs(t, err, auth.ErrEmailTaken)
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newService(time.Hour)
	ctx := context.Background()

	registered, err := svc.Register(ctx, "Ada", "ada@example.com", "correct horse")
	require.NoError(t, err)

	// Right password
	user, err := svc.Authenticate(ctx, "ada@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)

	// Wrong password and unknown email fail identically
	_, err = svc.Authenticate(ctx, "ada@example.com", "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestTokenLifecycle(t *testing.T) {
	// GIVEN an issued token
	svc, _ := newService(time.Hour)
	ctx := context.Background()

	user, err := svc.Register(ctx, "Ada", "ada@example.com", "correct horse")
	require.NoError(t, err)

	token, err := svc.IssueToken(ctx, user.ID)
	require.NoError(t, err)

	// WHEN verifying
	subject, err := svc.VerifyToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, subject)

	// AND after revocation
	require.NoError(t, svc.RevokeToken(ctx, token))

	// THEN the same token no longer verifies
	_, err = svc.VerifyToken(ctx, token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifyToken_Garbage(t *testing.T) {
	svc, _ := newService(time.Hour)

	_, err := svc.VerifyToken(context.Background(), "not.a.jwt")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	// A token signed under another secret must not verify.
	svcA, _ := newService(time.Hour)
	fs := newFakeStore()
	svcB := auth.NewService(fs, fs, "other-secret", time.Hour)

	user, err := svcA.Register(context.Background(), "Ada", "ada@example.com", "correct horse")
	require.NoError(t, err)
	token, err := svcA.IssueToken(context.Background(), user.ID)
	require.NoError(t, err)

	_, err = svcB.VerifyToken(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifyToken_Expired(t *testing.T) {
	svc, _ := newService(-time.Minute)
	ctx := context.Background()

	user, err := svc.Register(ctx, "Ada", "ada@example.com", "correct horse")
	require.NoError(t, err)

	token, err := svc.IssueToken(ctx, user.ID)
	require.NoError(t, err)

	_, err = svc.VerifyToken(ctx, token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
