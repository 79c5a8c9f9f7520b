package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/npchat/internal/apperr"
	"github.com/pliu/npchat/internal/models"
	"github.com/pliu/npchat/internal/store"
)

const (
	DefaultSessionTTL      = 30 * 24 * time.Hour
	DefaultVerificationTTL = 15 * time.Minute

	// touchInterval throttles last_activity writes for cached sessions.
	touchInterval = time.Minute
)

// CodeSender delivers a verification code to a prospective user.
type CodeSender interface {
	SendVerificationCode(to, username, code, expiry string) error
}

type Options struct {
	SessionTTL      time.Duration
	VerificationTTL time.Duration
}

type cachedSession struct {
	userID    int64
	expiresAt time.Time
	touchedAt time.Time
}

// Service is the identity and session manager.
type Service struct {
	store  store.Store
	hasher PasswordHasher
	sender CodeSender
	logger *zap.Logger

	sessionTTL      time.Duration
	verificationTTL time.Duration

	Now      func() time.Time
	NewCode  func() (uint32, error)
	NewToken func() (string, error)

	mu       sync.Mutex
	sessions map[string]cachedSession
	// revocations counts forget calls; a resolve that saw a different
	// value must not repopulate the cache.
	revocations uint64
}

func NewService(s store.Store, hasher PasswordHasher, sender CodeSender, logger *zap.Logger, opts Options) *Service {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.VerificationTTL <= 0 {
		opts.VerificationTTL = DefaultVerificationTTL
	}
	return &Service{
		store:           s,
		hasher:          hasher,
		sender:          sender,
		logger:          logger,
		sessionTTL:      opts.SessionTTL,
		verificationTTL: opts.VerificationTTL,
		Now:             time.Now,
		NewCode:         RandomCode,
		NewToken:        RandomToken,
		sessions:        make(map[string]cachedSession),
	}
}

// RandomCode returns a uniformly random 6-digit code.
func RandomCode() (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return 0, err
	}
	return uint32(n.Int64()) + 100000, nil
}

// RandomToken returns 256 bits of randomness, hex-encoded.
func RandomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CheckUsername reports whether the username is free in both the user and
// pending registration tables.
func (s *Service) CheckUsername(ctx context.Context, username string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return false, nil
	}
	exists, err := s.store.UsernameExists(ctx, username)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return false, nil
	}
	p, err := s.store.GetPending(ctx, username)
	return s.pendingFree(p, err)
}

func (s *Service) CheckEmail(ctx context.Context, email string) (bool, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return false, nil
	}
	exists, err := s.store.EmailExists(ctx, email)
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return false, nil
	}
	p, err := s.store.GetPendingByEmail(ctx, email)
	return s.pendingFree(p, err)
}

func (s *Service) pendingFree(p *models.PendingRegistration, err error) (bool, error) {
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check pending: %w", err)
	}
	return !s.Now().Before(p.ExpiresAt), nil
}

// RegisterStepOne validates uniqueness, stores a pending registration and
// dispatches its verification code. A retry for the same username and
// email supersedes the earlier pending entry.
func (s *Service) RegisterStepOne(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return apperr.ErrInvalidCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	if n, err := s.store.DeleteExpiredPending(ctx, now); err != nil {
		return fmt.Errorf("sweep pending: %w", err)
	} else if n > 0 {
		s.logger.Debug("swept expired pending registrations", zap.Int64("count", n))
	}

	if exists, err := s.store.UsernameExists(ctx, username); err != nil {
		return fmt.Errorf("check username: %w", err)
	} else if exists {
		return apperr.ErrUsernameTaken
	}
	if exists, err := s.store.EmailExists(ctx, email); err != nil {
		return fmt.Errorf("check email: %w", err)
	} else if exists {
		return apperr.ErrEmailTaken
	}

	if p, err := s.store.GetPending(ctx, username); err == nil {
		if !strings.EqualFold(p.Email, email) {
			return apperr.ErrUsernameTaken
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("get pending: %w", err)
	}
	if p, err := s.store.GetPendingByEmail(ctx, email); err == nil {
		if !strings.EqualFold(p.Username, username) {
			return apperr.ErrEmailTaken
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("get pending: %w", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	code, err := s.NewCode()
	if err != nil {
		return fmt.Errorf("generate code: %w", err)
	}

	pending := &models.PendingRegistration{
		Username:         username,
		Email:            email,
		PasswordHash:     hash,
		VerificationCode: code,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.verificationTTL),
	}
	if err := s.store.UpsertPending(ctx, pending); err != nil {
		return fmt.Errorf("store pending: %w", err)
	}

	if s.sender != nil {
		if err := s.sender.SendVerificationCode(email, username, strconv.FormatUint(uint64(code), 10), s.verificationTTL.String()); err != nil {
			s.logger.Warn("failed to send verification code", zap.String("username", username), zap.Error(err))
		}
	}
	s.logger.Info("registration started", zap.String("username", username))
	return nil
}

// RegisterStepTwo checks the code against the pending entry and creates the
// user. A missing, expired or mismatched entry fails the same way.
func (s *Service) RegisterStepTwo(ctx context.Context, username string, code uint32) (*models.User, error) {
	username = strings.TrimSpace(username)

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetPending(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrIncorrectVerificationCode
	}
	if err != nil {
		return nil, fmt.Errorf("get pending: %w", err)
	}

	now := s.Now()
	if !now.Before(p.ExpiresAt) {
		if err := s.store.DeletePending(ctx, p.Username); err != nil {
			s.logger.Warn("failed to delete expired pending registration", zap.String("username", p.Username), zap.Error(err))
		}
		return nil, apperr.ErrIncorrectVerificationCode
	}
	if p.VerificationCode != code {
		return nil, apperr.ErrIncorrectVerificationCode
	}

	user := &models.User{
		Username:     p.Username,
		Email:        p.Email,
		PasswordHash: p.PasswordHash,
		IsVerified:   true,
		CreatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateUsername):
			return nil, apperr.ErrUsernameTaken
		case errors.Is(err, store.ErrDuplicateEmail):
			return nil, apperr.ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	if err := s.store.DeletePending(ctx, p.Username); err != nil {
		s.logger.Warn("failed to delete pending registration", zap.String("username", p.Username), zap.Error(err))
	}
	s.logger.Info("user registered", zap.Int64("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

// Login authenticates by username or email and issues a new session.
func (s *Service) Login(ctx context.Context, login, password string) (*models.User, string, error) {
	user, err := s.store.GetUserByLogin(ctx, strings.TrimSpace(login))
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", apperr.ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("get user: %w", err)
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		return nil, "", apperr.ErrInvalidCredentials
	}

	token, err := s.NewToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	now := s.Now()
	sess := &models.Session{
		Token:        token,
		UserID:       user.ID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.sessionTTL),
		LastActivity: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}

	s.mu.Lock()
	s.sessions[token] = cachedSession{userID: user.ID, expiresAt: sess.ExpiresAt, touchedAt: now}
	s.mu.Unlock()

	s.logger.Info("user logged in", zap.Int64("user_id", user.ID))
	return user, token, nil
}

// ResolveSession maps a session token to its user. Cache misses fall back to
// the store; expired sessions are removed and rejected.
func (s *Service) ResolveSession(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, apperr.ErrAccessDenied
	}
	now := s.Now()

	s.mu.Lock()
	cached, hit := s.sessions[token]
	epoch := s.revocations
	s.mu.Unlock()

	if !hit {
		sess, err := s.store.GetSession(ctx, token)
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperr.ErrAccessDenied
		}
		if err != nil {
			return 0, fmt.Errorf("get session: %w", err)
		}
		cached = cachedSession{userID: sess.UserID, expiresAt: sess.ExpiresAt, touchedAt: sess.LastActivity}
	}

	if !now.Before(cached.expiresAt) {
		s.forget(token)
		if _, err := s.store.DeleteSession(ctx, token); err != nil {
			s.logger.Warn("failed to delete expired session", zap.Error(err))
		}
		return 0, apperr.ErrAccessDenied
	}

	if now.Sub(cached.touchedAt) >= touchInterval {
		if err := s.store.TouchSession(ctx, token, now); err != nil {
			s.logger.Warn("failed to update session activity", zap.Int64("user_id", cached.userID), zap.Error(err))
		} else {
			cached.touchedAt = now
		}
	}

	s.mu.Lock()
	if hit {
		// a logout in the meantime removed the entry
		cur, ok := s.sessions[token]
		if ok && cached.touchedAt.After(cur.touchedAt) {
			cur.touchedAt = cached.touchedAt
			s.sessions[token] = cur
		}
		s.mu.Unlock()
		if !ok {
			return 0, apperr.ErrAccessDenied
		}
		return cur.userID, nil
	}
	if s.revocations == epoch {
		s.sessions[token] = cached
		s.mu.Unlock()
		return cached.userID, nil
	}
	s.mu.Unlock()

	// Some session was forgotten while the row was read and it may have been
	// this one. Answer from the store without caching.
	if _, err := s.store.GetSession(ctx, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, apperr.ErrAccessDenied
		}
		return 0, fmt.Errorf("get session: %w", err)
	}
	return cached.userID, nil
}

// LoginWithSession resumes an existing session.
func (s *Service) LoginWithSession(ctx context.Context, token string) (*models.User, error) {
	userID, err := s.ResolveSession(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrAccessDenied
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// Logout invalidates the session and reports whether it existed.
func (s *Service) Logout(ctx context.Context, token string) (bool, error) {
	s.forget(token)
	ok, err := s.store.DeleteSession(ctx, token)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return ok, nil
}

// ResolveUser maps a username or email to a user id.
func (s *Service) ResolveUser(ctx context.Context, login string) (int64, error) {
	user, err := s.store.GetUserByLogin(ctx, strings.TrimSpace(login))
	if errors.Is(err, store.ErrNotFound) {
		return 0, apperr.ErrInvalidCredentials
	}
	if err != nil {
		return 0, fmt.Errorf("get user: %w", err)
	}
	return user.ID, nil
}

func (s *Service) forget(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.revocations++
	s.mu.Unlock()
}
