package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/internal/repository"
	"github.com/helGmoro/tardiaplataforma-code/pkg/crypto"
	jwtpkg "github.com/helGmoro/tardiaplataforma-code/pkg/jwt"
)

// ErrInvalidCredentials is returned for an unknown email or a wrong password.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ErrEmailTaken is returned when registering an email that already has an account.
var ErrEmailTaken = errors.New("email already registered")

// Service handles authentication workflows.
type Service struct {
	users     repository.UserRepository
	logger    *slog.Logger
	jwtSecret string
	tokenTTL  time.Duration
	now       func() time.Time
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, jwtSecret string, tokenTTL time.Duration) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return Service{users: users, logger: logger, jwtSecret: jwtSecret, tokenTTL: tokenTTL, now: time.Now}
}

// Session is the result of a successful register or login.
type Session struct {
	User        *domain.User
	AccessToken string
	ExpiresIn   time.Duration
}

// Register creates an account and signs the user in.
func (s Service) Register(ctx context.Context, email, password string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		if errors.Is(err, crypto.ErrPasswordTooShort) {
			return Session{}, fmt.Errorf("%w: password must be at least %d characters", domain.ErrValidation, crypto.MinPasswordLength)
		}
		return Session{}, err
	}
	user := &domain.User{
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return Session{}, ErrEmailTaken
		}
		return Session{}, err
	}
	session, err := s.issue(user)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return session, nil
}

// Login authenticates a user by email and password.
func (s Service) Login(ctx context.Context, email, password string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, ErrInvalidCredentials
	}
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	session, err := s.issue(user)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return session, nil
}

// Authorize validates a bearer token and returns the associated user.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, domain.ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(trimmed, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrUnauthorized
		}
		return nil, err
	}
	return user, nil
}

func (s Service) issue(user *domain.User) (Session, error) {
	access, err := jwtpkg.GenerateToken(user.ID, s.jwtSecret, s.tokenTTL)
	if err != nil {
		return Session{}, err
	}
	return Session{User: user, AccessToken: access, ExpiresIn: s.tokenTTL}, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", domain.ErrValidation)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: email is invalid", domain.ErrValidation)
	}
	return email, nil
}
