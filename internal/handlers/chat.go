package handlers

import (
	"net/http"
	"time"

	"github.com/pliu/npchat/internal/apperr"
	"github.com/pliu/npchat/internal/models"
)

type ChatHandler struct{}

type CreateChatRequest struct {
	UserIDs []int64 `json:"user_ids"`
}

type DirectChatRequest struct {
	Login string `json:"login"`
}

type ParticipantRequest struct {
	UserID int64 `json:"user_id"`
}

type EditMessageRequest struct {
	Text string `json:"text"`
}

type MarkReadRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	chats, err := sess.GetChats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	chat, err := sess.GetChat(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	var req CreateChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	chat, err := sess.CreateChat(r.Context(), req.UserIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

// CreateDirectChat opens or reuses the two-person chat with another user.
func (h *ChatHandler) CreateDirectChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	var req DirectChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	chatID, err := sess.CreateChatWith(r.Context(), req.Login)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": chatID})
}

func (h *ChatHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req ParticipantRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	added, err := sess.AddChatParticipant(r.Context(), chatID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}

func (h *ChatHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	userID, err := pathID(r, "userID")
	if err != nil {
		writeError(w, err)
		return
	}
	removed, err := sess.RemoveChatParticipant(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *ChatHandler) Leave(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	removed, err := sess.LeaveChatParticipant(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// GetChatMessages pages through history with limit/offset, or returns a
// time range when from and to (RFC 3339) are given.
func (h *ChatHandler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var messages []models.Message
	q := r.URL.Query()
	if q.Has("from") || q.Has("to") {
		from, err1 := time.Parse(time.RFC3339, q.Get("from"))
		to, err2 := time.Parse(time.RFC3339, q.Get("to"))
		if err1 != nil || err2 != nil {
			writeError(w, apperr.New(apperr.CodeInvalidMessage, "from and to must be RFC 3339 timestamps"))
			return
		}
		messages, err = sess.GetMessageHistory(r.Context(), chatID, from, to)
	} else {
		messages, err = sess.GetChatHistory(r.Context(), chatID, queryInt(r, "limit"), queryInt(r, "offset"))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) GetLastMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := sess.GetLastMessage(r.Context(), chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	if m == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	chatID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var content models.MessageContent
	if err := decode(r, &content); err != nil {
		writeError(w, err)
		return
	}
	m, err := sess.SendMessage(r.Context(), chatID, content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *ChatHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req EditMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := sess.EditMessage(r.Context(), id, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.DeleteMessage(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	messages, err := sess.SearchMessages(r.Context(), r.URL.Query().Get("q"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	n, err := sess.GetUnreadMessageCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	var req MarkReadRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := sess.MarkMessagesAsRead(r.Context(), req.MessageIDs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) MarkOneRead(w http.ResponseWriter, r *http.Request) {
	sess, ok := session(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.MarkMessageAsRead(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
