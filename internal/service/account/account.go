package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"companionchat/internal/apperr"
	"companionchat/internal/logger"
	"companionchat/internal/models"
	"companionchat/internal/storage"

	"github.com/sirupsen/logrus"
)

const (
	minPasswordLength = 6
	// bcrypt rejects input longer than 72 bytes.
	maxPasswordBytes = 72
)

var log = logger.Component("account")

// TokenRevoker drops every auth token of a user.
type TokenRevoker interface {
	RevokeUserTokens(ctx context.Context, userID int64) error
}

// JobCanceller drops a user's queued send jobs.
type JobCanceller interface {
	CancelUser(userID int64, reason string) int
}

// Store is the persistence surface the account service needs.
type Store interface {
	storage.CredentialStore
	ConversationStats(ctx context.Context, userID int64) (*storage.ConversationStats, error)
}

// Service handles the user lifecycle: registration, login, profile and balance.
type Service struct {
	store           Store
	tokens          TokenRevoker
	jobs            JobCanceller
	startingBalance int64
	now             func() time.Time
}

// NewService builds an account service. tokens and jobs may be nil.
func NewService(store Store, tokens TokenRevoker, jobs JobCanceller, startingBalance int64) *Service {
	return &Service{
		store:           store,
		tokens:          tokens,
		jobs:            jobs,
		startingBalance: startingBalance,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Stats summarises a user's account and usage.
type Stats struct {
	Credits               int64      `json:"tokens"`
	TotalChats            int        `json:"totalChats"`
	TotalMessages         int        `json:"totalMessages"`
	TotalTokens           int64      `json:"totalTokensUsed"`
	DaysSinceRegistration int        `json:"daysSinceRegistration"`
	LastLogin             *time.Time `json:"lastLogin,omitempty"`
	MemberSince           time.Time  `json:"memberSince"`
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", apperr.Validation("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", apperr.Validation("invalid email address")
	}
	return email, nil
}

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", apperr.Validation("username is required")
	}
	if len(username) > 64 {
		return "", apperr.Validation("username is too long")
	}
	return username, nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperr.Validation(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if len(password) > maxPasswordBytes {
		return apperr.Validation(fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
	}
	return nil
}

// Register creates an active user holding the starting balance.
func (s *Service) Register(ctx context.Context, email, username, password string) (*models.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	username, err = normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	hash, err := models.HashPassword(password)
	if err != nil {
		return nil, apperr.Internal("hash password", err)
	}
	now := s.now()
	user := &models.User{
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		Credits:      s.startingBalance,
		CreatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.Conflict("email or username already registered")
		}
		return nil, apperr.Internal("create user", err)
	}
	if err := s.store.TouchLogin(ctx, user.ID, now); err != nil {
		log.WithError(err).WithField("user_id", user.ID).Warn("record first login")
	} else {
		user.LastLoginAt = &now
	}
	log.WithFields(logrus.Fields{"user_id": user.ID, "credits": user.Credits}).Info("user registered")
	return user, nil
}

// Login checks credentials given an email or username. Deactivated users are refused.
func (s *Service) Login(ctx context.Context, login, password string) (*models.User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, apperr.Validation("login and password are required")
	}
	user, err := s.store.FindUserByLogin(ctx, login)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Unauthenticated("invalid credentials")
	}
	if err != nil {
		return nil, apperr.Internal("find user", err)
	}
	if !user.VerifyPassword(password) {
		return nil, apperr.Unauthenticated("invalid credentials")
	}
	if !user.IsActive {
		return nil, apperr.Unauthenticated("account is deactivated")
	}
	now := s.now()
	if err := s.store.TouchLogin(ctx, user.ID, now); err != nil {
		return nil, apperr.Internal("record login", err)
	}
	user.LastLoginAt = &now
	return user, nil
}

// Profile returns the active user.
func (s *Service) Profile(ctx context.Context, userID int64) (*models.User, error) {
	user, err := s.store.FindUserByID(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, apperr.Internal("find user", err)
	}
	if !user.IsActive {
		return nil, apperr.NotFound("user not found")
	}
	return user, nil
}

// UpdateProfile changes email and/or username; empty values keep the current one.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, email, username string) (*models.User, error) {
	user, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(email) != "" {
		if user.Email, err = normalizeEmail(email); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(username) != "" {
		if user.Username, err = normalizeUsername(username); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateProfile(ctx, userID, user.Email, user.Username); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, apperr.Conflict("email or username already in use")
		}
		return nil, apperr.Internal("update profile", err)
	}
	return s.Profile(ctx, userID)
}

// ChangePassword replaces the password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	user, err := s.Profile(ctx, userID)
	if err != nil {
		return err
	}
	if !user.VerifyPassword(current) {
		return apperr.Unauthenticated("current password is incorrect")
	}
	if err := validatePassword(next); err != nil {
		return err
	}
	hash, err := models.HashPassword(next)
	if err != nil {
		return apperr.Internal("hash password", err)
	}
	if err := s.store.UpdatePassword(ctx, userID, hash); err != nil {
		return apperr.Internal("update password", err)
	}
	return nil
}

// Stats reports balance, conversation totals and account age.
func (s *Service) Stats(ctx context.Context, userID int64) (*Stats, error) {
	user, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.ConversationStats(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("conversation stats", err)
	}
	return &Stats{
		Credits:               user.Credits,
		TotalChats:            conv.ActiveConversations,
		TotalMessages:         conv.TotalMessages,
		TotalTokens:           conv.TotalTokens,
		DaysSinceRegistration: int(s.now().Sub(user.CreatedAt).Hours() / 24),
		LastLogin:             user.LastLoginAt,
		MemberSince:           user.CreatedAt,
	}, nil
}

// Deactivate disables the account, revokes its tokens and drops queued sends.
func (s *Service) Deactivate(ctx context.Context, userID int64) error {
	if _, err := s.Profile(ctx, userID); err != nil {
		return err
	}
	if err := s.store.DeactivateUser(ctx, userID); err != nil {
		return apperr.Internal("deactivate user", err)
	}
	if s.jobs != nil {
		s.jobs.CancelUser(userID, "deactivated")
	}
	if s.tokens != nil {
		if err := s.tokens.RevokeUserTokens(ctx, userID); err != nil {
			log.WithError(err).WithField("user_id", userID).Error("revoke tokens of deactivated user")
		}
	}
	log.WithField("user_id", userID).Info("user deactivated")
	return nil
}

// GrantCredits tops up a user's balance and returns the new balance.
func (s *Service) GrantCredits(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, apperr.Validation("amount must be positive")
	}
	balance, err := s.store.CreditCredits(ctx, userID, amount)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, apperr.NotFound("user not found")
	}
	if err != nil {
		return 0, apperr.Internal("grant credits", err)
	}
	log.WithFields(logrus.Fields{"user_id": userID, "amount": amount, "credits": balance}).Info("credits granted")
	return balance, nil
}
