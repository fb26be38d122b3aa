// Package auth manages user accounts and bearer-token authentication.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/credential"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/idgen"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/validation"
)

var (
	ErrUserNotFound       = apperr.NotFound("user not found")
	ErrEmailTaken         = apperr.Conflict("email already registered")
	ErrInvalidCredentials = apperr.New(apperr.KindUnauthorized, "incorrect email or password")
	ErrInactiveUser       = apperr.New(apperr.KindUnauthorized, "user account is inactive")
	ErrInvalidToken       = apperr.New(apperr.KindUnauthorized, "invalid or expired token")
	ErrWrongPassword      = apperr.Validation("current password is incorrect")
)

// User is an account that can authenticate and belong to organizations.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	IsSuperuser  bool      `json:"is_superuser"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	Count(ctx context.Context) (total, active int, err error)
}

// RegisterRequest is the body of POST /v1/auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// UpdateProfileRequest is the body of PUT /v1/auth/me. Nil fields are left unchanged.
type UpdateProfileRequest struct {
	Email    *string `json:"email"`
	FullName *string `json:"full_name"`
}

// Service implements account operations.
type Service struct {
	store  Store
	hasher *credential.Hasher
	tokens *credential.Tokens
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an account service.
func NewService(store Store, hasher *credential.Hasher, tokens *credential.Tokens, logger *slog.Logger) *Service {
	return &Service{store: store, hasher: hasher, tokens: tokens, logger: logger, now: time.Now}
}

// Register creates an active, non-superuser account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	email := validation.NormalizeEmail(req.Email)
	fullName := validation.SanitizeString(req.FullName, validation.MaxNameLength)
	if err := validation.Validate(
		validation.Required("email", email),
		validation.Email("email", email),
		validation.Required("password", req.Password),
	); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid password", err)
	}

	now := s.now()
	u := &User{
		ID:           idgen.New(),
		Email:        email,
		FullName:     fullName,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", u.ID)
	return u, nil
}

// Login verifies credentials and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (*credential.TokenPair, error) {
	u, err := s.store.GetByEmail(ctx, validation.NormalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := s.hasher.Verify(u.PasswordHash, password); err != nil {
		if errors.Is(err, credential.ErrPasswordMismatch) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrInactiveUser
	}
	return s.tokens.Issue(u.ID)
}

// Refresh exchanges a refresh token for a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*credential.TokenPair, error) {
	userID, err := s.tokens.Verify(refreshToken, credential.TokenRefresh)
	if err != nil {
		return nil, ErrInvalidToken
	}
	u, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.tokens.Issue(u.ID)
}

// Authenticate resolves an access token to an active user.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*User, error) {
	userID, err := s.tokens.Verify(accessToken, credential.TokenAccess)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return s.activeUser(ctx, userID)
}

func (s *Service) activeUser(ctx context.Context, userID string) (*User, error) {
	u, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrInactiveUser
	}
	return u, nil
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, userID string) (*User, error) {
	return s.store.Get(ctx, userID)
}

// FindUserIDByEmail resolves an email to a user ID.
func (s *Service) FindUserIDByEmail(ctx context.Context, email string) (string, error) {
	u, err := s.store.GetByEmail(ctx, validation.NormalizeEmail(email))
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// UpdateProfile changes the caller's email and/or full name.
func (s *Service) UpdateProfile(ctx context.Context, userID string, req UpdateProfileRequest) (*User, error) {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if req.Email != nil {
		email := validation.NormalizeEmail(*req.Email)
		if err := validation.Validate(
			validation.Required("email", email),
			validation.Email("email", email),
		); err != nil {
			return nil, err
		}
		u.Email = email
	}
	if req.FullName != nil {
		u.FullName = validation.SanitizeString(*req.FullName, validation.MaxNameLength)
	}
	u.UpdatedAt = s.now()
	if err := s.store.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// ChangePassword replaces the caller's password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.hasher.Verify(u.PasswordHash, current); err != nil {
		if errors.Is(err, credential.ErrPasswordMismatch) {
			return ErrWrongPassword
		}
		return err
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid new password", err)
	}
	u.PasswordHash = hash
	u.UpdatedAt = s.now()
	return s.store.Update(ctx, u)
}

// Deactivate disables the caller's account. Existing tokens stop working
// on the next request because Authenticate rejects inactive users.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	u, err := s.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	u.IsActive = false
	u.UpdatedAt = s.now()
	if err := s.store.Update(ctx, u); err != nil {
		return err
	}
	s.logger.Info("user deactivated", "user_id", userID)
	return nil
}

// Promote grants superuser. Used by the operator bootstrap path.
func (s *Service) Promote(ctx context.Context, email string) error {
	u, err := s.store.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}
	u.IsSuperuser = true
	u.UpdatedAt = s.now()
	return s.store.Update(ctx, u)
}
