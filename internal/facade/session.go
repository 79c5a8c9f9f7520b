package facade

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/pliu/npchat/internal/apperr"
	"github.com/pliu/npchat/internal/call"
	"github.com/pliu/npchat/internal/models"
	"github.com/pliu/npchat/internal/ws"
)

// Session serves one authenticated user. Every method acts as that user.
type Session struct {
	userID   int64
	username string
	svc      Services
	logger   *zap.Logger
}

func newSession(svc Services, userID int64, username string) *Session {
	return &Session{
		userID:   userID,
		username: username,
		svc:      svc,
		logger:   svc.logger().With(zap.Int64("user_id", userID)),
	}
}

func (s *Session) UserID() int64 { return s.userID }

// Username is empty for sessions resolved from a bare token.
func (s *Session) Username() string { return s.username }

func (s *Session) fail(op string, err error, fields ...zap.Field) error {
	return translate(s.logger, op, err, apperr.CodeInvalidMessage, fields...)
}

// requireMember checks the chat exists and the user belongs to it.
func (s *Session) requireMember(ctx context.Context, chatID int64) ([]int64, error) {
	ids, err := s.svc.Chats.GetParticipants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, apperr.ErrChatNotFound
	}
	for _, id := range ids {
		if id == s.userID {
			return ids, nil
		}
	}
	return nil, apperr.ErrUserNotParticipant
}

func without(ids []int64, skip int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

// Users and contacts

func (s *Session) GetCurrentUser(ctx context.Context) (*models.User, error) {
	u, err := s.svc.Contacts.GetUser(ctx, s.userID)
	if err != nil {
		return nil, translate(s.logger, "get current user", err, apperr.CodeAccessDenied)
	}
	return u, nil
}

func (s *Session) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.svc.Contacts.GetUser(ctx, id)
	if err != nil {
		return nil, s.fail("get user", err, zap.Int64("target_id", id))
	}
	u.Email = ""
	return u, nil
}

func (s *Session) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	users, err := s.svc.Contacts.Search(ctx, s.userID, query, limit)
	return users, s.fail("search users", err)
}

func (s *Session) GetContacts(ctx context.Context) ([]models.Contact, error) {
	c, err := s.svc.Contacts.List(ctx, s.userID)
	return c, s.fail("get contacts", err)
}

func (s *Session) GetBlockedContacts(ctx context.Context) ([]models.Contact, error) {
	c, err := s.svc.Contacts.Blocked(ctx, s.userID)
	return c, s.fail("get blocked contacts", err)
}

func (s *Session) AddContact(ctx context.Context, contactID int64) error {
	if err := s.svc.Contacts.Add(ctx, s.userID, contactID); err != nil {
		return s.fail("add contact", err, zap.Int64("contact_id", contactID))
	}
	s.contactsChanged(ctx)
	return nil
}

func (s *Session) RemoveContact(ctx context.Context, contactID int64) (bool, error) {
	ok, err := s.svc.Contacts.Remove(ctx, s.userID, contactID)
	if err != nil {
		return false, s.fail("remove contact", err, zap.Int64("contact_id", contactID))
	}
	if ok {
		s.contactsChanged(ctx)
	}
	return ok, nil
}

func (s *Session) BlockContact(ctx context.Context, contactID int64) error {
	if err := s.svc.Contacts.Block(ctx, s.userID, contactID); err != nil {
		return s.fail("block contact", err, zap.Int64("contact_id", contactID))
	}
	s.contactsChanged(ctx)
	return nil
}

func (s *Session) UnblockContact(ctx context.Context, contactID int64) error {
	if err := s.svc.Contacts.Unblock(ctx, s.userID, contactID); err != nil {
		return s.fail("unblock contact", err, zap.Int64("contact_id", contactID))
	}
	s.contactsChanged(ctx)
	return nil
}

// contactsChanged pushes the new contact list to the user's other
// connections.
func (s *Session) contactsChanged(ctx context.Context) {
	contacts, err := s.svc.Contacts.List(ctx, s.userID)
	if err != nil {
		s.logger.Warn("failed to reload contacts", zap.Error(err))
		return
	}
	err = s.svc.Hub.NotifyContactsUpdated(ctx, s.userID, contacts)
	if err != nil && !errors.Is(err, ws.ErrNoListener) {
		s.logger.Warn("contacts update not delivered", zap.Error(err))
	}
}

// Chats

func (s *Session) GetChats(ctx context.Context) ([]models.ChatSummary, error) {
	chats, err := s.svc.Chats.GetUserChats(ctx, s.userID)
	return chats, s.fail("get chats", err)
}

func (s *Session) GetChat(ctx context.Context, chatID int64) (*models.ChatSummary, error) {
	if _, err := s.requireMember(ctx, chatID); err != nil {
		return nil, s.fail("get chat", err, zap.Int64("chat_id", chatID))
	}
	c, err := s.svc.Chats.GetChat(ctx, chatID)
	if err != nil {
		return nil, s.fail("get chat", err, zap.Int64("chat_id", chatID))
	}
	return c, nil
}

// CreateChat creates a chat with the current user and the given users.
func (s *Session) CreateChat(ctx context.Context, userIDs []int64) (*models.Chat, error) {
	for _, id := range userIDs {
		if _, err := s.svc.Contacts.GetUser(ctx, id); err != nil {
			return nil, s.fail("create chat", err, zap.Int64("target_id", id))
		}
	}
	chat, err := s.svc.Chats.CreateChat(ctx, s.userID, userIDs)
	if err != nil {
		return nil, s.fail("create chat", err)
	}
	s.chatOpened(ctx, chat.ID)
	return chat, nil
}

// CreateChatWith opens the direct chat with the user named by login,
// reusing an existing one.
func (s *Session) CreateChatWith(ctx context.Context, login string) (int64, error) {
	other, err := s.svc.Auth.ResolveUser(ctx, login)
	if errors.Is(err, apperr.ErrInvalidCredentials) {
		return 0, apperr.New(apperr.CodeInvalidMessage, "user not found")
	}
	if err != nil {
		return 0, s.fail("create direct chat", err)
	}
	chatID, created, err := s.svc.Chats.FindOrCreateDirectChat(ctx, s.userID, other)
	if err != nil {
		return 0, s.fail("create direct chat", err, zap.Int64("target_id", other))
	}
	if created {
		s.chatOpened(ctx, chatID)
	}
	return chatID, nil
}

// chatOpened registers a new chat with the hub and tells the other
// participants about it.
func (s *Session) chatOpened(ctx context.Context, chatID int64) {
	ids, err := s.svc.Chats.GetParticipants(ctx, chatID)
	if err != nil {
		s.logger.Warn("failed to load participants", zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}
	if err := s.svc.Hub.RegisterChatParticipants(ctx, chatID, ids); err != nil {
		s.logger.Warn("failed to register chat", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	e := models.Event{Type: models.EventChatAdded, Payload: models.ChatPayload{ChatID: chatID}}
	for _, id := range without(ids, s.userID) {
		notifyQuiet(ctx, s.svc.Hub, s.logger, id, e)
	}
}

func (s *Session) AddChatParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	if _, err := s.svc.Contacts.GetUser(ctx, userID); err != nil {
		return false, s.fail("add participant", err, zap.Int64("chat_id", chatID), zap.Int64("target_id", userID))
	}
	added, err := s.svc.Chats.AddParticipant(ctx, s.userID, chatID, userID)
	if err != nil {
		return false, s.fail("add participant", err, zap.Int64("chat_id", chatID), zap.Int64("target_id", userID))
	}
	if !added {
		return false, nil
	}
	if err := s.svc.Hub.RegisterChatParticipants(ctx, chatID, []int64{userID}); err != nil {
		s.logger.Warn("failed to register participant", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	notifyQuiet(ctx, s.svc.Hub, s.logger, userID,
		models.Event{Type: models.EventChatAdded, Payload: models.ChatPayload{ChatID: chatID}})
	return true, nil
}

// LeaveChatParticipant removes the current user from the chat.
func (s *Session) LeaveChatParticipant(ctx context.Context, chatID int64) (bool, error) {
	return s.RemoveChatParticipant(ctx, chatID, s.userID)
}

// RemoveChatParticipant removes userID from the chat. Only the creator
// may remove someone other than themselves.
func (s *Session) RemoveChatParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	res, err := s.svc.Chats.RemoveParticipant(ctx, s.userID, chatID, userID)
	if err != nil {
		return false, s.fail("remove participant", err, zap.Int64("chat_id", chatID), zap.Int64("target_id", userID))
	}
	hub := s.svc.Hub
	if res.ChatDeleted {
		err = hub.RemoveChat(ctx, chatID)
	} else {
		err = hub.UnregisterParticipant(ctx, chatID, userID)
	}
	if err != nil {
		s.logger.Warn("failed to update chat registry", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	if res.Removed {
		notifyQuiet(ctx, hub, s.logger, userID,
			models.Event{Type: models.EventChatRemoved, Payload: models.ChatPayload{ChatID: chatID}})
	}
	return res.Removed, nil
}

// Events

// SubscribeToEvents registers l for the user's events, marks the user
// online and pushes every message that arrived while they were away.
func (s *Session) SubscribeToEvents(ctx context.Context, l ws.Listener) error {
	if err := s.svc.Hub.Subscribe(ctx, s.userID, l); err != nil {
		return s.fail("subscribe", err)
	}
	s.svc.Presence.SetOnline(s.userID, s.push)

	pending, err := s.svc.Presence.GetUndelivered(ctx, s.userID)
	if err != nil {
		s.logger.Warn("failed to load undelivered messages", zap.Error(err))
		return nil
	}
	for _, m := range pending {
		if err := l.Notify(ctx, models.MessageEvent(models.EventMessage, m)); err != nil {
			s.logger.Warn("catch-up push failed", zap.Int64("message_id", m.ID), zap.Error(err))
			continue
		}
		if err := s.svc.Presence.MarkDelivered(ctx, m.ID, s.userID); err != nil {
			s.logger.Warn("failed to record delivery", zap.Int64("message_id", m.ID), zap.Error(err))
			continue
		}
		s.delivered(ctx, m)
	}
	s.logger.Debug("subscribed", zap.String("listener_id", l.ID()), zap.Int("caught_up", len(pending)))
	return nil
}

// UnsubscribeFromEvents drops l. Presence counts connections itself, so
// the user goes offline with their last listener even when a reconnect
// subscribes in between.
func (s *Session) UnsubscribeFromEvents(ctx context.Context, l ws.Listener) error {
	remaining, err := s.svc.Hub.Unsubscribe(ctx, s.userID, l.ID())
	s.svc.Presence.SetOffline(s.userID)
	if err != nil {
		return s.fail("unsubscribe", err)
	}
	s.logger.Debug("unsubscribed", zap.String("listener_id", l.ID()), zap.Int("remaining", remaining))
	return nil
}

func (s *Session) push(ctx context.Context, m models.Message) error {
	return s.svc.Hub.NotifyUser(ctx, s.userID, models.MessageEvent(models.EventMessage, m))
}

func (s *Session) delivered(ctx context.Context, m models.Message) {
	err := s.svc.Hub.NotifyDelivered(ctx, m.ChatID, m.ID, m.SenderID)
	if err != nil && !errors.Is(err, ws.ErrNoListener) {
		s.logger.Warn("delivered notice failed", zap.Int64("message_id", m.ID), zap.Error(err))
	}
}

// Messages

// SendMessage stores the message and delivers it to every other
// participant that is online.
func (s *Session) SendMessage(ctx context.Context, chatID int64, content models.MessageContent) (*models.Message, error) {
	m, err := s.svc.Chats.SendMessage(ctx, s.userID, chatID, content)
	if err != nil {
		return nil, s.fail("send message", err, zap.Int64("chat_id", chatID))
	}
	ids, err := s.svc.Chats.GetParticipants(ctx, chatID)
	if err != nil {
		s.logger.Warn("failed to load recipients", zap.Int64("chat_id", chatID), zap.Error(err))
		return m, nil
	}
	if delivered := s.svc.Presence.Deliver(ctx, *m, without(ids, s.userID)); len(delivered) > 0 {
		s.delivered(ctx, *m)
	}
	return m, nil
}

func (s *Session) GetChatHistory(ctx context.Context, chatID int64, limit, offset int) ([]models.Message, error) {
	if _, err := s.requireMember(ctx, chatID); err != nil {
		return nil, s.fail("get history", err, zap.Int64("chat_id", chatID))
	}
	msgs, err := s.svc.Chats.GetMessages(ctx, chatID, limit, offset)
	return msgs, s.fail("get history", err, zap.Int64("chat_id", chatID))
}

func (s *Session) GetMessageHistory(ctx context.Context, chatID int64, from, to time.Time) ([]models.Message, error) {
	if _, err := s.requireMember(ctx, chatID); err != nil {
		return nil, s.fail("get history", err, zap.Int64("chat_id", chatID))
	}
	msgs, err := s.svc.Chats.GetHistory(ctx, chatID, from, to)
	return msgs, s.fail("get history", err, zap.Int64("chat_id", chatID))
}

// GetLastMessage returns nil for a chat without messages.
func (s *Session) GetLastMessage(ctx context.Context, chatID int64) (*models.Message, error) {
	if _, err := s.requireMember(ctx, chatID); err != nil {
		return nil, s.fail("get last message", err, zap.Int64("chat_id", chatID))
	}
	m, err := s.svc.Chats.GetLastMessage(ctx, chatID)
	if err != nil {
		return nil, s.fail("get last message", err, zap.Int64("chat_id", chatID))
	}
	return m, nil
}

func (s *Session) SearchMessages(ctx context.Context, query string, limit int) ([]models.Message, error) {
	msgs, err := s.svc.Chats.Search(ctx, s.userID, query, limit)
	return msgs, s.fail("search messages", err)
}

func (s *Session) EditMessage(ctx context.Context, messageID int64, text string) (*models.Message, error) {
	m, err := s.svc.Chats.EditMessage(ctx, s.userID, messageID, text)
	if err != nil {
		return nil, s.fail("edit message", err, zap.Int64("message_id", messageID))
	}
	if _, err := s.svc.Hub.NotifyMessage(ctx, models.EventMessageEdited, *m, s.userID); err != nil {
		s.logger.Warn("edit broadcast failed", zap.Int64("message_id", messageID), zap.Error(err))
	}
	return m, nil
}

func (s *Session) DeleteMessage(ctx context.Context, messageID int64) error {
	m, err := s.svc.Chats.DeleteMessage(ctx, s.userID, messageID)
	if err != nil {
		return s.fail("delete message", err, zap.Int64("message_id", messageID))
	}
	if _, err := s.svc.Hub.NotifyMessage(ctx, models.EventMessageDeleted, *m, s.userID); err != nil {
		s.logger.Warn("delete broadcast failed", zap.Int64("message_id", messageID), zap.Error(err))
	}
	return nil
}

func (s *Session) GetUnreadMessageCount(ctx context.Context) (int, error) {
	n, err := s.svc.Presence.UnreadCount(ctx, s.userID)
	return n, s.fail("count unread", err)
}

// readable checks that the message sits in a chat the user belongs to.
func (s *Session) readable(ctx context.Context, messageID int64) error {
	m, err := s.svc.Chats.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	_, err = s.requireMember(ctx, m.ChatID)
	return err
}

func (s *Session) MarkMessageAsRead(ctx context.Context, messageID int64) error {
	if err := s.readable(ctx, messageID); err != nil {
		return s.fail("mark read", err, zap.Int64("message_id", messageID))
	}
	return s.fail("mark read", s.svc.Presence.MarkRead(ctx, messageID, s.userID), zap.Int64("message_id", messageID))
}

// MarkMessagesAsRead marks all messages read in one step or none of them.
func (s *Session) MarkMessagesAsRead(ctx context.Context, messageIDs []int64) error {
	for _, id := range messageIDs {
		if err := s.readable(ctx, id); err != nil {
			return s.fail("mark read", err, zap.Int64("message_id", id))
		}
	}
	return s.fail("mark read", s.svc.Presence.MarkManyRead(ctx, messageIDs, s.userID))
}

// Calls

// InitiateCall calls the other participant of a chat. In a group chat the
// first participant other than the caller is called.
func (s *Session) InitiateCall(ctx context.Context, chatID int64, offer webrtc.SessionDescription) (*call.Call, error) {
	ids, err := s.requireMember(ctx, chatID)
	if err != nil {
		return nil, s.fail("initiate call", err, zap.Int64("chat_id", chatID))
	}
	others := without(ids, s.userID)
	if len(others) == 0 {
		return nil, apperr.New(apperr.CodeInvalidMessage, "nobody to call")
	}
	c, err := s.svc.Calls.Initiate(ctx, chatID, s.userID, others[0], offer)
	if err != nil {
		return nil, s.fail("initiate call", err, zap.Int64("chat_id", chatID))
	}
	return c, nil
}

func (s *Session) AnswerCall(ctx context.Context, callID string, answer webrtc.SessionDescription) (*call.Call, error) {
	c, err := s.svc.Calls.Answer(ctx, callID, s.userID, answer)
	if err != nil {
		return nil, s.fail("answer call", err, zap.String("call_id", callID))
	}
	return c, nil
}

func (s *Session) SendIceCandidate(ctx context.Context, callID string, candidate webrtc.ICECandidateInit) error {
	err := s.svc.Calls.AddIceCandidate(ctx, callID, s.userID, candidate)
	return s.fail("send ice candidate", err, zap.String("call_id", callID))
}

func (s *Session) EndCall(ctx context.Context, callID string) (*call.Call, error) {
	c, err := s.svc.Calls.End(ctx, callID, s.userID)
	if err != nil {
		return nil, s.fail("end call", err, zap.String("call_id", callID))
	}
	return c, nil
}

func (s *Session) GetCall(ctx context.Context, callID string) (*call.Call, error) {
	c, err := s.svc.Calls.Get(callID, s.userID)
	if err != nil {
		return nil, s.fail("get call", err, zap.String("call_id", callID))
	}
	return c, nil
}

func (s *Session) GetActiveCalls(ctx context.Context) []*call.Call {
	return s.svc.Calls.ActiveForUser(s.userID)
}
