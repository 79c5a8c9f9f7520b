// Package conversation owns chat membership and message persistence.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/npchat/internal/apperr"
	"github.com/pliu/npchat/internal/models"
	"github.com/pliu/npchat/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Removal describes the outcome of RemoveParticipant.
type Removal struct {
	Removed     bool
	ChatDeleted bool
	// Remaining is the participant set after the removal.
	Remaining []int64
}

type Service struct {
	store  store.Store
	logger *zap.Logger

	Now func() time.Time

	// mu guards participants and serializes multi-step store sequences.
	// Methods ending in Locked expect it to be held.
	mu           sync.Mutex
	participants map[int64][]int64
}

func NewService(s store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        s,
		logger:       logger,
		Now:          time.Now,
		participants: make(map[int64][]int64),
	}
}

// CreateChat creates a chat whose first participant is the creator. Other
// ids are deduplicated.
func (s *Service) CreateChat(ctx context.Context, creator int64, others []int64) (*models.Chat, error) {
	members := []int64{creator}
	for _, id := range others {
		if !slices.Contains(members, id) {
			members = append(members, id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createChatLocked(ctx, creator, members)
}

func (s *Service) createChatLocked(ctx context.Context, creator int64, members []int64) (*models.Chat, error) {
	chat, err := s.store.CreateChat(ctx, creator, members, s.Now())
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	s.participants[chat.ID] = slices.Clone(members)
	s.logger.Debug("chat created", zap.Int64("chat_id", chat.ID), zap.Int64s("participants", members))
	return chat, nil
}

// FindOrCreateDirectChat returns the existing two-person chat between a and
// b, creating it if needed. created reports whether a new chat was made.
func (s *Service) FindOrCreateDirectChat(ctx context.Context, a, b int64) (chatID int64, created bool, err error) {
	if a == b {
		return 0, false, apperr.New(apperr.CodeInvalidMessage, "cannot open a direct chat with yourself")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.store.FindDirectChat(ctx, a, b)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, false, fmt.Errorf("find direct chat: %w", err)
	}
	chat, err := s.createChatLocked(ctx, a, []int64{a, b})
	if err != nil {
		return 0, false, err
	}
	return chat.ID, true, nil
}

func (s *Service) participantsLocked(ctx context.Context, chatID int64) ([]int64, error) {
	if ids, ok := s.participants[chatID]; ok {
		return ids, nil
	}
	ids, err := s.store.GetParticipants(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	if len(ids) > 0 {
		s.participants[chatID] = ids
	}
	return ids, nil
}

// GetParticipants returns a copy of the chat's participant ids. An unknown
// chat yields an empty list.
func (s *Service) GetParticipants(ctx context.Context, chatID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.participantsLocked(ctx, chatID)
	return slices.Clone(ids), err
}

func (s *Service) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.participantsLocked(ctx, chatID)
	return slices.Contains(ids, userID), err
}

// requireMemberLocked checks that the chat exists and userID belongs to it.
func (s *Service) requireMemberLocked(ctx context.Context, chatID, userID int64) ([]int64, error) {
	ids, err := s.participantsLocked(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, apperr.ErrChatNotFound
	}
	if !slices.Contains(ids, userID) {
		return nil, apperr.ErrUserNotParticipant
	}
	return ids, nil
}

// SendMessage persists a message from a current participant. If the
// attachment cannot be stored the message is kept as text only.
func (s *Service) SendMessage(ctx context.Context, senderID, chatID int64, content models.MessageContent) (*models.Message, error) {
	content.Text = strings.TrimRight(content.Text, " \t\r\n")
	if content.Empty() {
		return nil, apperr.New(apperr.CodeInvalidMessage, "message is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.requireMemberLocked(ctx, chatID, senderID); err != nil {
		return nil, err
	}

	if a := content.Attachment; a != nil {
		att := *a
		if err := s.store.InsertAttachment(ctx, &att); err != nil {
			s.logger.Warn("attachment insert failed, sending text only",
				zap.Int64("chat_id", chatID), zap.Int64("user_id", senderID), zap.Error(err))
			content.Attachment = nil
		} else {
			content.Attachment = &att
		}
	}

	msg := &models.Message{
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Timestamp: s.Now(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	stored, err := s.store.GetMessage(ctx, msg.ID)
	if err != nil {
		// the message is persisted; return what we have
		s.logger.Warn("reload of sent message failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return msg, nil
	}
	return stored, nil
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// GetMessages returns a page of history in timestamp order.
func (s *Service) GetMessages(ctx context.Context, chatID int64, limit, offset int) ([]models.Message, error) {
	limit, offset = pageBounds(limit, offset)
	msgs, err := s.store.GetMessages(ctx, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}

func (s *Service) GetHistory(ctx context.Context, chatID int64, from, to time.Time) ([]models.Message, error) {
	if to.Before(from) {
		return nil, apperr.New(apperr.CodeInvalidMessage, "invalid time range")
	}
	msgs, err := s.store.GetMessagesBetween(ctx, chatID, from, to)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	return msgs, nil
}

func (s *Service) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.CodeInvalidMessage, "message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// GetLastMessage returns nil when the chat has no messages.
func (s *Service) GetLastMessage(ctx context.Context, chatID int64) (*models.Message, error) {
	m, err := s.store.GetLastMessage(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last message: %w", err)
	}
	return m, nil
}

// Search finds messages across all chats of userID, newest first.
func (s *Service) Search(ctx context.Context, userID int64, query string, limit int) ([]models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.Message{}, nil
	}
	limit, _ = pageBounds(limit, 0)
	msgs, err := s.store.SearchMessages(ctx, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return msgs, nil
}

// EditMessage replaces the text of a message. Only its sender may edit it.
func (s *Service) EditMessage(ctx context.Context, senderID, messageID int64, text string) (*models.Message, error) {
	text = strings.TrimRight(text, " \t\r\n")

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != senderID {
		return nil, apperr.New(apperr.CodeAccessDenied, "only the sender may edit a message")
	}
	if text == "" && m.Content.Attachment == nil {
		return nil, apperr.New(apperr.CodeInvalidMessage, "message is empty")
	}
	now := s.Now()
	if err := s.store.UpdateMessageText(ctx, messageID, text, now); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	m.Content.Text = text
	m.EditedAt = &now
	return m, nil
}

// DeleteMessage removes a message and returns it. Only its sender may
// delete it.
func (s *Service) DeleteMessage(ctx context.Context, senderID, messageID int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != senderID {
		return nil, apperr.New(apperr.CodeAccessDenied, "only the sender may delete a message")
	}
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	return m, nil
}

// AddParticipant lets a current participant add userID to the chat. It
// reports false if userID was already a member.
func (s *Service) AddParticipant(ctx context.Context, requester, chatID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.requireMemberLocked(ctx, chatID, requester)
	if err != nil {
		return false, err
	}
	if slices.Contains(ids, userID) {
		return false, nil
	}
	if err := s.store.AddParticipant(ctx, chatID, userID, s.Now()); err != nil {
		return false, fmt.Errorf("add participant: %w", err)
	}
	s.participants[chatID] = append(slices.Clone(ids), userID)
	return true, nil
}

// RemoveParticipant removes target from the chat. The creator may remove
// anyone and any participant may remove themselves. Removing the last
// participant deletes the chat.
func (s *Service) RemoveParticipant(ctx context.Context, requester, chatID, target int64) (Removal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return Removal{}, apperr.ErrChatNotFound
	}
	if err != nil {
		return Removal{}, fmt.Errorf("get chat: %w", err)
	}
	ids, err := s.requireMemberLocked(ctx, chatID, requester)
	if err != nil {
		return Removal{}, err
	}
	if !slices.Contains(ids, target) {
		return Removal{}, apperr.ErrUserNotParticipant
	}
	if requester != target && requester != chat.CreatedBy {
		return Removal{}, apperr.New(apperr.CodeAccessDenied, "only the chat creator may remove other participants")
	}

	removed, err := s.store.RemoveParticipant(ctx, chatID, target)
	if err != nil {
		return Removal{}, fmt.Errorf("remove participant: %w", err)
	}
	remaining := slices.DeleteFunc(slices.Clone(ids), func(id int64) bool { return id == target })
	s.participants[chatID] = remaining

	res := Removal{Removed: removed, Remaining: slices.Clone(remaining)}
	if len(remaining) == 0 {
		if _, err := s.deleteChatLocked(ctx, chatID); err != nil {
			return res, err
		}
		res.ChatDeleted = true
	}
	return res, nil
}

func (s *Service) DeleteChat(ctx context.Context, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteChatLocked(ctx, chatID)
}

func (s *Service) deleteChatLocked(ctx context.Context, chatID int64) (bool, error) {
	deleted, err := s.store.DeleteChat(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("delete chat: %w", err)
	}
	delete(s.participants, chatID)
	if deleted {
		s.logger.Debug("chat deleted", zap.Int64("chat_id", chatID))
	}
	return deleted, nil
}

func (s *Service) GetChat(ctx context.Context, chatID int64) (*models.ChatSummary, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *Service) GetUserChats(ctx context.Context, userID int64) ([]models.ChatSummary, error) {
	chats, err := s.store.GetUserChats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user chats: %w", err)
	}
	return chats, nil
}

func (s *Service) GetUserChatIDs(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := s.store.GetUserChatIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user chat ids: %w", err)
	}
	return ids, nil
}
