package store

import (
	"context"
	"errors"
	"time"

	"github.com/pliu/npchat/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrDuplicateUsername = errors.New("duplicate username")
	ErrDuplicateEmail    = errors.New("duplicate email")
)

type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	// GetUserByLogin matches login against username or email, ignoring case.
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	SearchUsers(ctx context.Context, searcherID int64, query string, limit int) ([]models.User, error)

	// Pending registration operations
	UpsertPending(ctx context.Context, p *models.PendingRegistration) error
	GetPending(ctx context.Context, username string) (*models.PendingRegistration, error)
	GetPendingByEmail(ctx context.Context, email string) (*models.PendingRegistration, error)
	DeletePending(ctx context.Context, username string) error
	DeleteExpiredPending(ctx context.Context, now time.Time) (int64, error)

	// Session operations
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	TouchSession(ctx context.Context, token string, at time.Time) error
	DeleteSession(ctx context.Context, token string) (bool, error)

	// Chat operations
	CreateChat(ctx context.Context, createdBy int64, participants []int64, at time.Time) (*models.Chat, error)
	GetChat(ctx context.Context, chatID int64) (*models.ChatSummary, error)
	GetUserChats(ctx context.Context, userID int64) ([]models.ChatSummary, error)
	GetUserChatIDs(ctx context.Context, userID int64) ([]int64, error)
	FindDirectChat(ctx context.Context, a, b int64) (int64, error)
	AddParticipant(ctx context.Context, chatID, userID int64, at time.Time) error
	RemoveParticipant(ctx context.Context, chatID, userID int64) (bool, error)
	GetParticipants(ctx context.Context, chatID int64) ([]int64, error)
	DeleteChat(ctx context.Context, chatID int64) (bool, error)

	// Message operations
	InsertAttachment(ctx context.Context, a *models.Attachment) error
	InsertMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, messageID int64) (*models.Message, error)
	GetMessages(ctx context.Context, chatID int64, limit, offset int) ([]models.Message, error)
	GetLastMessage(ctx context.Context, chatID int64) (*models.Message, error)
	GetMessagesBetween(ctx context.Context, chatID int64, from, to time.Time) ([]models.Message, error)
	SearchMessages(ctx context.Context, userID int64, query string, limit int) ([]models.Message, error)
	UpdateMessageText(ctx context.Context, messageID int64, text string, at time.Time) error
	DeleteMessage(ctx context.Context, messageID int64) error

	// Delivery and read marks
	MarkDelivered(ctx context.Context, messageID, userID int64, at time.Time) error
	GetUndelivered(ctx context.Context, userID int64) ([]models.Message, error)
	MarkRead(ctx context.Context, userID int64, messageIDs []int64, at time.Time) error
	CountUnread(ctx context.Context, userID int64) (int, error)

	// Contact operations
	AddContact(ctx context.Context, userID, contactID int64, at time.Time) error
	RemoveContact(ctx context.Context, userID, contactID int64) (bool, error)
	GetContacts(ctx context.Context, userID int64, blocked bool) ([]models.Contact, error)
	SetContactBlocked(ctx context.Context, userID, contactID int64, blocked bool) error

	Close() error
}
