// Package presence tracks which users have a live connection and delivers
// messages to them, leaving the rest for catch-up on reconnect.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/npchat/internal/models"
	"github.com/pliu/npchat/internal/store"
)

const DefaultPushTimeout = 250 * time.Millisecond

// PushFunc hands a message to a connected user.
type PushFunc func(ctx context.Context, m models.Message) error

type Service struct {
	store       store.Store
	logger      *zap.Logger
	pushTimeout time.Duration

	Now func() time.Time

	mu     sync.Mutex
	online map[int64]*connection
}

// connection is the delivery state of one online user. conns counts the
// live connections; the user is offline once it drops to zero.
type connection struct {
	push  PushFunc
	conns int
}

func NewService(s store.Store, logger *zap.Logger, pushTimeout time.Duration) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pushTimeout <= 0 {
		pushTimeout = DefaultPushTimeout
	}
	return &Service{
		store:       s,
		logger:      logger,
		pushTimeout: pushTimeout,
		Now:         time.Now,
		online:      make(map[int64]*connection),
	}
}

// SetOnline records one more live connection for the user and makes push
// the delivery callback, replacing any previous one.
func (s *Service) SetOnline(userID int64, push PushFunc) {
	s.mu.Lock()
	c, ok := s.online[userID]
	if !ok {
		c = &connection{}
		s.online[userID] = c
	}
	c.push = push
	c.conns++
	n := c.conns
	s.mu.Unlock()
	s.logger.Debug("user online", zap.Int64("user_id", userID), zap.Int("connections", n))
}

// SetOffline drops one connection. The user goes offline with the last one.
func (s *Service) SetOffline(userID int64) {
	s.mu.Lock()
	c, ok := s.online[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	c.conns--
	n := c.conns
	if n <= 0 {
		delete(s.online, userID)
	}
	s.mu.Unlock()
	if n <= 0 {
		s.logger.Debug("user offline", zap.Int64("user_id", userID))
	}
}

func (s *Service) IsOnline(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userID]
	return ok
}

// Deliver pushes m to every online recipient and marks it delivered for
// each successful push. Offline recipients pick it up through
// GetUndelivered. Push failures are logged; the message stays stored.
// It returns the ids that received the message.
func (s *Service) Deliver(ctx context.Context, m models.Message, recipients []int64) []int64 {
	type target struct {
		userID int64
		push   PushFunc
	}
	s.mu.Lock()
	targets := make([]target, 0, len(recipients))
	for _, id := range recipients {
		if c, ok := s.online[id]; ok {
			targets = append(targets, target{id, c.push})
		}
	}
	s.mu.Unlock()

	delivered := make([]int64, 0, len(targets))
	for _, t := range targets {
		if err := s.push(ctx, t.push, m); err != nil {
			s.logger.Warn("push failed",
				zap.Int64("user_id", t.userID), zap.Int64("message_id", m.ID), zap.Error(err))
			continue
		}
		if err := s.MarkDelivered(ctx, m.ID, t.userID); err != nil {
			s.logger.Warn("failed to record delivery",
				zap.Int64("user_id", t.userID), zap.Int64("message_id", m.ID), zap.Error(err))
			continue
		}
		delivered = append(delivered, t.userID)
	}
	return delivered
}

func (s *Service) push(ctx context.Context, push PushFunc, m models.Message) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push panicked: %v", r)
		}
	}()
	return push(ctx, m)
}

// GetUndelivered returns messages in the user's chats from other senders
// that have not been delivered to the user.
func (s *Service) GetUndelivered(ctx context.Context, userID int64) ([]models.Message, error) {
	msgs, err := s.store.GetUndelivered(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get undelivered: %w", err)
	}
	return msgs, nil
}

func (s *Service) MarkDelivered(ctx context.Context, messageID, userID int64) error {
	if err := s.store.MarkDelivered(ctx, messageID, userID, s.Now()); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (s *Service) MarkRead(ctx context.Context, messageID, userID int64) error {
	return s.MarkManyRead(ctx, []int64{messageID}, userID)
}

// MarkManyRead records all read marks atomically.
func (s *Service) MarkManyRead(ctx context.Context, messageIDs []int64, userID int64) error {
	if err := s.store.MarkRead(ctx, userID, messageIDs, s.Now()); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	n, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}
