package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pliu/npchat/internal/models"
)

type chatRow struct {
	ID               int64         `db:"id"`
	CreatedBy        int64         `db:"created_by"`
	CreatedAt        int64         `db:"created_at"`
	ParticipantCount int           `db:"participant_count"`
	LastMessageTime  sql.NullInt64 `db:"last_message_time"`
}

func (r chatRow) model() models.ChatSummary {
	c := models.ChatSummary{
		Chat: models.Chat{
			ID:        r.ID,
			CreatedBy: r.CreatedBy,
			CreatedAt: fromMillis(r.CreatedAt),
		},
		ParticipantCount: r.ParticipantCount,
	}
	if r.LastMessageTime.Valid {
		t := fromMillis(r.LastMessageTime.Int64)
		c.LastMessageTime = &t
	}
	return c
}

const orphanAttachments = "DELETE FROM attachments WHERE id NOT IN (SELECT attachment_id FROM messages WHERE attachment_id IS NOT NULL)"

const chatSummarySelect = `
	SELECT c.id, c.created_by, c.created_at,
		(SELECT COUNT(*) FROM chat_participants cp WHERE cp.chat_id = c.id) AS participant_count,
		(SELECT MAX(m.timestamp) FROM messages m WHERE m.chat_id = c.id) AS last_message_time
	FROM chats c
`

// CreateChat inserts the chat and its participant set in one transaction.
func (s *SQLStore) CreateChat(ctx context.Context, createdBy int64, participants []int64, at time.Time) (*models.Chat, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	chat := &models.Chat{CreatedBy: createdBy, CreatedAt: at}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind("INSERT INTO chats (created_by, created_at) VALUES (?, ?) RETURNING id")
		if err := tx.QueryRowxContext(ctx, query, createdBy, toMillis(at)).Scan(&chat.ID); err != nil {
			return err
		}
		insert := tx.Rebind("INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES (?, ?, ?) ON CONFLICT (chat_id, user_id) DO NOTHING")
		for _, uid := range participants {
			if _, err := tx.ExecContext(ctx, insert, chat.ID, uid, toMillis(at)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return chat, nil
}

func (s *SQLStore) GetChat(ctx context.Context, chatID int64) (*models.ChatSummary, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var row chatRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(chatSummarySelect+" WHERE c.id = ?"), chatID); err != nil {
		return nil, classify(err)
	}
	c := row.model()
	return &c, nil
}

// GetUserChats lists the user's chats, most recently active first. Chats
// without messages sort last.
func (s *SQLStore) GetUserChats(ctx context.Context, userID int64) ([]models.ChatSummary, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	query := s.db.Rebind(chatSummarySelect + `
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.user_id = ?
		ORDER BY last_message_time DESC NULLS LAST, c.id DESC
	`)
	var rows []chatRow
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, classify(err)
	}
	chats := make([]models.ChatSummary, 0, len(rows))
	for _, r := range rows {
		chats = append(chats, r.model())
	}
	return chats, nil
}

func (s *SQLStore) GetUserChatIDs(ctx context.Context, userID int64) ([]int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind("SELECT chat_id FROM chat_participants WHERE user_id = ? ORDER BY chat_id"), userID)
	return ids, classify(err)
}

// FindDirectChat returns the oldest chat whose participant set is exactly
// {a, b}.
func (s *SQLStore) FindDirectChat(ctx context.Context, a, b int64) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	query := s.db.Rebind(`
		SELECT c.id FROM chats c
		WHERE (SELECT COUNT(*) FROM chat_participants cp WHERE cp.chat_id = c.id) = 2
		  AND EXISTS (SELECT 1 FROM chat_participants pa WHERE pa.chat_id = c.id AND pa.user_id = ?)
		  AND EXISTS (SELECT 1 FROM chat_participants pb WHERE pb.chat_id = c.id AND pb.user_id = ?)
		ORDER BY c.id
		LIMIT 1
	`)
	var id int64
	if err := s.db.GetContext(ctx, &id, query, a, b); err != nil {
		return 0, classify(err)
	}
	return id, nil
}

func (s *SQLStore) AddParticipant(ctx context.Context, chatID, userID int64, at time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	query := s.db.Rebind("INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES (?, ?, ?) ON CONFLICT (chat_id, user_id) DO NOTHING")
	_, err := s.db.ExecContext(ctx, query, chatID, userID, toMillis(at))
	return classify(err)
}

func (s *SQLStore) RemoveParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM chat_participants WHERE chat_id = ? AND user_id = ?"), chatID, userID)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore) GetParticipants(ctx context.Context, chatID int64) ([]int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.db.Rebind("SELECT user_id FROM chat_participants WHERE chat_id = ? ORDER BY joined_at, user_id"), chatID)
	return ids, classify(err)
}

// DeleteChat removes the chat with its participants, messages, attachments
// and delivery/read marks. It reports whether the chat existed.
func (s *SQLStore) DeleteChat(ctx context.Context, chatID int64) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var deleted bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		// Delete dependents first (foreign key constraints)
		for _, q := range []string{
			"DELETE FROM message_delivery WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)",
			"DELETE FROM message_read WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)",
			"DELETE FROM messages WHERE chat_id = ?",
			"DELETE FROM chat_participants WHERE chat_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(q), chatID); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, orphanAttachments); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM chats WHERE id = ?"), chatID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		deleted = n > 0
		return err
	})
	return deleted, classify(err)
}
