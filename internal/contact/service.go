// Package contact manages per-user contact lists and user search.
package contact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/npchat/internal/apperr"
	"github.com/pliu/npchat/internal/models"
	"github.com/pliu/npchat/internal/store"
)

const defaultSearchLimit = 10

type Service struct {
	store  store.Store
	logger *zap.Logger

	Now func() time.Time
}

func NewService(s store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, logger: logger, Now: time.Now}
}

func (s *Service) requireUser(ctx context.Context, id int64) error {
	_, err := s.store.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.CodeInvalidMessage, "user not found")
	}
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	return nil
}

// Add puts contactID on owner's contact list. Adding yourself or an
// existing contact is rejected.
func (s *Service) Add(ctx context.Context, owner, contactID int64) error {
	if owner == contactID {
		return apperr.New(apperr.CodeInvalidMessage, "cannot add yourself as a contact")
	}
	if err := s.requireUser(ctx, contactID); err != nil {
		return err
	}
	err := s.store.AddContact(ctx, owner, contactID, s.Now())
	if errors.Is(err, store.ErrConflict) {
		return apperr.New(apperr.CodeInvalidMessage, "contact already added")
	}
	if err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	return nil
}

// Remove reports whether contactID was on the list.
func (s *Service) Remove(ctx context.Context, owner, contactID int64) (bool, error) {
	ok, err := s.store.RemoveContact(ctx, owner, contactID)
	if err != nil {
		return false, fmt.Errorf("remove contact: %w", err)
	}
	return ok, nil
}

// List returns owner's non-blocked contacts sorted by username.
func (s *Service) List(ctx context.Context, owner int64) ([]models.Contact, error) {
	contacts, err := s.store.GetContacts(ctx, owner, false)
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", err)
	}
	return contacts, nil
}

func (s *Service) Blocked(ctx context.Context, owner int64) ([]models.Contact, error) {
	contacts, err := s.store.GetContacts(ctx, owner, true)
	if err != nil {
		return nil, fmt.Errorf("get blocked contacts: %w", err)
	}
	return contacts, nil
}

// Block marks contactID as blocked, adding it to the list first if needed.
func (s *Service) Block(ctx context.Context, owner, contactID int64) error {
	return s.setBlocked(ctx, owner, contactID, true)
}

func (s *Service) Unblock(ctx context.Context, owner, contactID int64) error {
	return s.setBlocked(ctx, owner, contactID, false)
}

func (s *Service) setBlocked(ctx context.Context, owner, contactID int64, blocked bool) error {
	err := s.store.SetContactBlocked(ctx, owner, contactID, blocked)
	if errors.Is(err, store.ErrNotFound) {
		if !blocked {
			return apperr.New(apperr.CodeInvalidMessage, "not a contact")
		}
		if err := s.Add(ctx, owner, contactID); err != nil {
			return err
		}
		err = s.store.SetContactBlocked(ctx, owner, contactID, true)
	}
	if err != nil {
		return fmt.Errorf("set contact blocked: %w", err)
	}
	return nil
}

// Search looks up users by username or email, never returning the
// searcher.
func (s *Service) Search(ctx context.Context, searcher int64, query string, limit int) ([]models.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.User{}, nil
	}
	if limit <= 0 || limit > 50 {
		limit = defaultSearchLimit
	}
	users, err := s.store.SearchUsers(ctx, searcher, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.store.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.CodeInvalidMessage, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.PasswordHash = ""
	return u, nil
}
