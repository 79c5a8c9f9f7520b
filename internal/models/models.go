package models

import "time"

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsVerified   bool      `json:"is_verified"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is a bearer token issued by a successful login.
type Session struct {
	Token        string    `json:"-"`
	UserID       int64     `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// PendingRegistration holds a signup between the two registration steps.
// It is keyed by username.
type PendingRegistration struct {
	Username         string
	Email            string
	PasswordHash     string
	VerificationCode uint32
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

type Chat struct {
	ID        int64     `json:"id"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSummary is the chat list view: the chat plus derived counters.
type ChatSummary struct {
	Chat
	ParticipantCount int        `json:"participant_count"`
	LastMessageTime  *time.Time `json:"last_message_time,omitempty"`
}

type AttachmentType int

const (
	AttachmentFile AttachmentType = iota
	AttachmentPicture
	AttachmentVideo
	AttachmentAudio
)

type Attachment struct {
	ID   int64          `json:"id,omitempty"`
	Type AttachmentType `json:"type"`
	Name string         `json:"name"`
	Data []byte         `json:"data"`
}

// MessageContent is what a sender submits: text and an optional attachment.
type MessageContent struct {
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

func (c MessageContent) Empty() bool {
	return c.Text == "" && c.Attachment == nil
}

type Message struct {
	ID         int64          `json:"id"`
	ChatID     int64          `json:"chat_id"`
	SenderID   int64          `json:"sender_id"`
	SenderName string         `json:"sender_name"`
	Content    MessageContent `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	EditedAt   *time.Time     `json:"edited_at,omitempty"`
}

type Contact struct {
	ID       int64     `json:"id"`
	Username string    `json:"username"`
	AddedAt  time.Time `json:"added_at"`
	Blocked  bool      `json:"blocked,omitempty"`
}
