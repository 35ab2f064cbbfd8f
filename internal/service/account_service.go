package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/avatarforge/avatarforge/internal/auth"
	"github.com/avatarforge/avatarforge/internal/models"
	"github.com/avatarforge/avatarforge/internal/repository"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

// UserStore is the account persistence the auth endpoints need.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, email, passwordHash string) (*models.User, error)
}

type AccountService struct {
	users  UserStore
	tokens *auth.Manager
}

func NewAccountService(users UserStore, tokens *auth.Manager) *AccountService {
	return &AccountService{users: users, tokens: tokens}
}

// SignUp registers a new account and returns the user plus a session token.
func (s *AccountService) SignUp(ctx context.Context, email, password string) (*models.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, "", &ValidationError{Message: "Invalid email address"}
	}
	if len(password) < 6 {
		return nil, "", &ValidationError{Message: "Password must be at least 6 characters"}
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.Create(ctx, email, hash)
	if err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, "", &ValidationError{Message: "Email already registered"}
		}
		return nil, "", fmt.Errorf("create user: %w", err)
	}

	token, err := s.tokens.IssueToken(user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// LogIn verifies credentials and returns the user plus a session token.
func (s *AccountService) LogIn(ctx context.Context, email, password string) (*models.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, "", fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, "", ErrInvalidCredentials
	}

	match, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, "", fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.tokens.IssueToken(user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// Find returns the user for an authenticated id, or nil when unknown.
func (s *AccountService) Find(ctx context.Context, id string) (*models.User, error) {
	return s.users.FindByID(ctx, id)
}
