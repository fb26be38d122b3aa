package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/credential"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store,
		credential.NewHasher(bcrypt.MinCost),
		credential.NewTokens("test-secret", time.Minute, time.Hour),
		logging.Discard(),
	)
	return svc, store
}

func registerUser(t *testing.T, svc *Service, email string) *User {
	t.Helper()
	u, err := svc.Register(context.Background(), RegisterRequest{Email: email, Password: "password123", FullName: "Test User"})
	require.NoError(t, err)
	return u
}

func TestRegister_NormalizesEmail(t *testing.T) {
	svc, _ := newTestService()

	u := registerUser(t, svc, "  Alice@Example.COM ")
	assert.Equal(t, "alice@example.com", u.Email)
	assert.True(t, u.IsActive)
	assert.False(t, u.IsSuperuser)
	assert.NotEqual(t, "password123", u.PasswordHash)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc, _ := newTestService()
	registerUser(t, svc, "alice@example.com")

	_, err := svc.Register(context.Background(), RegisterRequest{Email: "ALICE@example.com", Password: "password123"})
	assert.ErrorIs(t, err, ErrEmailTaken)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestRegister_Validation(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Register(context.Background(), RegisterRequest{Email: "nope", Password: "password123"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = svc.Register(context.Background(), RegisterRequest{Email: "a@b.io", Password: "short"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestLogin_AndAuthenticate(t *testing.T) {
	svc, _ := newTestService()
	u := registerUser(t, svc, "alice@example.com")

	pair, err := svc.Login(context.Background(), "alice@example.com", "password123")
	require.NoError(t, err)

	got, err := svc.Authenticate(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = svc.Authenticate(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogin_WrongPasswordAndUnknownEmailLookAlike(t *testing.T) {
	svc, _ := newTestService()
	registerUser(t, svc, "alice@example.com")

	_, err := svc.Login(context.Background(), "alice@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(context.Background(), "bob@example.com", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDeactivate_BlocksLoginAndTokens(t *testing.T) {
	svc, _ := newTestService()
	u := registerUser(t, svc, "alice@example.com")
	pair, err := svc.Login(context.Background(), "alice@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(context.Background(), u.ID))

	_, err = svc.Login(context.Background(), "alice@example.com", "password123")
	assert.ErrorIs(t, err, ErrInactiveUser)
	_, err = svc.Authenticate(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrInactiveUser)
	_, err = svc.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInactiveUser)
}

func TestRefresh_IssuesNewPair(t *testing.T) {
	svc, _ := newTestService()
	registerUser(t, svc, "alice@example.com")
	pair, err := svc.Login(context.Background(), "alice@example.com", "password123")
	require.NoError(t, err)

	next, err := svc.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, next.AccessToken)

	_, err = svc.Refresh(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestChangePassword(t *testing.T) {
	svc, _ := newTestService()
	u := registerUser(t, svc, "alice@example.com")

	err := svc.ChangePassword(context.Background(), u.ID, "not-it", "newpassword1")
	assert.ErrorIs(t, err, ErrWrongPassword)

	require.NoError(t, svc.ChangePassword(context.Background(), u.ID, "password123", "newpassword1"))
	_, err = svc.Login(context.Background(), "alice@example.com", "newpassword1")
	assert.NoError(t, err)
}

func TestUpdateProfile_EmailConflict(t *testing.T) {
	svc, _ := newTestService()
	registerUser(t, svc, "alice@example.com")
	bob := registerUser(t, svc, "bob@example.com")

	taken := "alice@example.com"
	_, err := svc.UpdateProfile(context.Background(), bob.ID, UpdateProfileRequest{Email: &taken})
	assert.ErrorIs(t, err, ErrEmailTaken)

	name := "Robert"
	updated, err := svc.UpdateProfile(context.Background(), bob.ID, UpdateProfileRequest{FullName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Robert", updated.FullName)
}

func TestPromoteAndCount(t *testing.T) {
	svc, store := newTestService()
	u := registerUser(t, svc, "root@example.com")
	other := registerUser(t, svc, "other@example.com")
	require.NoError(t, svc.Deactivate(context.Background(), other.ID))

	require.NoError(t, svc.Promote(context.Background(), "ROOT@example.com"))
	got, err := svc.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSuperuser)

	total, active, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, active)
}
