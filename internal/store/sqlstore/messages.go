package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pliu/npchat/internal/models"
)

type messageRow struct {
	ID             int64          `db:"id"`
	ChatID         int64          `db:"chat_id"`
	SenderID       int64          `db:"sender_id"`
	SenderName     string         `db:"sender_name"`
	Content        string         `db:"content"`
	Timestamp      int64          `db:"timestamp"`
	EditedAt       sql.NullInt64  `db:"edited_at"`
	AttachmentID   sql.NullInt64  `db:"attachment_id"`
	AttachmentType sql.NullInt64  `db:"attachment_type"`
	AttachmentName sql.NullString `db:"attachment_name"`
	AttachmentData []byte         `db:"attachment_data"`
}

func (r messageRow) model() models.Message {
	m := models.Message{
		ID:         r.ID,
		ChatID:     r.ChatID,
		SenderID:   r.SenderID,
		SenderName: r.SenderName,
		Content:    models.MessageContent{Text: r.Content},
		Timestamp:  fromMillis(r.Timestamp),
	}
	if r.EditedAt.Valid {
		t := fromMillis(r.EditedAt.Int64)
		m.EditedAt = &t
	}
	if r.AttachmentID.Valid {
		m.Content.Attachment = &models.Attachment{
			ID:   r.AttachmentID.Int64,
			Type: models.AttachmentType(r.AttachmentType.Int64),
			Name: r.AttachmentName.String,
			Data: r.AttachmentData,
		}
	}
	return m
}

const messageSelect = `
	SELECT m.id, m.chat_id, m.sender_id, COALESCE(u.username, '') AS sender_name,
		m.content, m.timestamp, m.edited_at,
		a.id AS attachment_id, a.type AS attachment_type, a.name AS attachment_name, a.data AS attachment_data
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id
	LEFT JOIN attachments a ON a.id = m.attachment_id
`

func (s *SQLStore) selectMessages(ctx context.Context, tail string, args ...any) ([]models.Message, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(messageSelect+tail), args...); err != nil {
		return nil, classify(err)
	}
	msgs := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.model())
	}
	return msgs, nil
}

func (s *SQLStore) InsertAttachment(ctx context.Context, a *models.Attachment) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	query := s.db.Rebind("INSERT INTO attachments (type, name, data) VALUES (?, ?, ?) RETURNING id")
	return classify(s.db.QueryRowxContext(ctx, query, int64(a.Type), a.Name, a.Data).Scan(&a.ID))
}

// InsertMessage stores m and sets its ID. A non-nil attachment must already
// have been inserted.
func (s *SQLStore) InsertMessage(ctx context.Context, m *models.Message) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var attachmentID sql.NullInt64
	if a := m.Content.Attachment; a != nil && a.ID != 0 {
		attachmentID = sql.NullInt64{Int64: a.ID, Valid: true}
	}
	query := s.db.Rebind("INSERT INTO messages (chat_id, sender_id, content, attachment_id, timestamp) VALUES (?, ?, ?, ?, ?) RETURNING id")
	err := s.db.QueryRowxContext(ctx, query, m.ChatID, m.SenderID, m.Content.Text, attachmentID, toMillis(m.Timestamp)).Scan(&m.ID)
	return classify(err)
}

func (s *SQLStore) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	msgs, err := s.selectMessages(ctx, " WHERE m.id = ?", messageID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, classify(sql.ErrNoRows)
	}
	return &msgs[0], nil
}

// GetMessages returns a page of the chat's history in timestamp order.
func (s *SQLStore) GetMessages(ctx context.Context, chatID int64, limit, offset int) ([]models.Message, error) {
	return s.selectMessages(ctx, " WHERE m.chat_id = ? ORDER BY m.timestamp ASC, m.id ASC LIMIT ? OFFSET ?", chatID, limit, offset)
}

func (s *SQLStore) GetLastMessage(ctx context.Context, chatID int64) (*models.Message, error) {
	msgs, err := s.selectMessages(ctx, " WHERE m.chat_id = ? ORDER BY m.timestamp DESC, m.id DESC LIMIT 1", chatID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, classify(sql.ErrNoRows)
	}
	return &msgs[0], nil
}

func (s *SQLStore) GetMessagesBetween(ctx context.Context, chatID int64, from, to time.Time) ([]models.Message, error) {
	return s.selectMessages(ctx, " WHERE m.chat_id = ? AND m.timestamp >= ? AND m.timestamp <= ? ORDER BY m.timestamp ASC, m.id ASC",
		chatID, toMillis(from), toMillis(to))
}

// SearchMessages matches text across every chat the user belongs to, most
// recent first.
func (s *SQLStore) SearchMessages(ctx context.Context, userID int64, query string, limit int) ([]models.Message, error) {
	return s.selectMessages(ctx, `
		WHERE m.chat_id IN (SELECT chat_id FROM chat_participants WHERE user_id = ?)
		  AND LOWER(m.content) LIKE ?
		ORDER BY m.timestamp DESC, m.id DESC
		LIMIT ?`, userID, likePattern(query), limit)
}

func (s *SQLStore) UpdateMessageText(ctx context.Context, messageID int64, text string, at time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE messages SET content = ?, edited_at = ? WHERE id = ?"), text, toMillis(at), messageID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return classify(sql.ErrNoRows)
	}
	return nil
}

func (s *SQLStore) DeleteMessage(ctx context.Context, messageID int64) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	return classify(s.inTx(ctx, func(tx *sqlx.Tx) error {
		var attachmentID sql.NullInt64
		if err := tx.GetContext(ctx, &attachmentID, tx.Rebind("SELECT attachment_id FROM messages WHERE id = ?"), messageID); err != nil {
			return err
		}
		for _, q := range []string{
			"DELETE FROM message_delivery WHERE message_id = ?",
			"DELETE FROM message_read WHERE message_id = ?",
			"DELETE FROM messages WHERE id = ?",
		} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(q), messageID); err != nil {
				return err
			}
		}
		if attachmentID.Valid {
			if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM attachments WHERE id = ?"), attachmentID.Int64); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *SQLStore) MarkDelivered(ctx context.Context, messageID, userID int64, at time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	query := s.db.Rebind("INSERT INTO message_delivery (message_id, user_id, delivered_at) VALUES (?, ?, ?) ON CONFLICT (message_id, user_id) DO NOTHING")
	_, err := s.db.ExecContext(ctx, query, messageID, userID, toMillis(at))
	return classify(err)
}

// GetUndelivered returns messages from the user's chats, sent by someone
// else, that carry no delivery mark for the user.
func (s *SQLStore) GetUndelivered(ctx context.Context, userID int64) ([]models.Message, error) {
	return s.selectMessages(ctx, `
		WHERE m.chat_id IN (SELECT chat_id FROM chat_participants WHERE user_id = ?)
		  AND m.sender_id <> ?
		  AND NOT EXISTS (SELECT 1 FROM message_delivery d WHERE d.message_id = m.id AND d.user_id = ?)
		ORDER BY m.timestamp ASC, m.id ASC`, userID, userID, userID)
}

// MarkRead records read marks for all ids in a single transaction.
func (s *SQLStore) MarkRead(ctx context.Context, userID int64, messageIDs []int64, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	return classify(s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind("INSERT INTO message_read (message_id, user_id, read_at) VALUES (?, ?, ?) ON CONFLICT (message_id, user_id) DO NOTHING")
		for _, id := range messageIDs {
			if _, err := tx.ExecContext(ctx, query, id, userID, toMillis(at)); err != nil {
				return err
			}
		}
		return nil
	}))
}

// CountUnread counts messages in the user's chats sent by others and not
// yet read by the user.
func (s *SQLStore) CountUnread(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	query := s.db.Rebind(`
		SELECT COUNT(*) FROM messages m
		WHERE m.chat_id IN (SELECT chat_id FROM chat_participants WHERE user_id = ?)
		  AND m.sender_id <> ?
		  AND NOT EXISTS (SELECT 1 FROM message_read r WHERE r.message_id = m.id AND r.user_id = ?)
	`)
	var n int
	err := s.db.GetContext(ctx, &n, query, userID, userID, userID)
	return n, classify(err)
}
