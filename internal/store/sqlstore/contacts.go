package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pliu/npchat/internal/models"
)

type contactRow struct {
	ID       int64  `db:"id"`
	Username string `db:"username"`
	AddedAt  int64  `db:"added_at"`
	Blocked  bool   `db:"blocked"`
}

func (s *SQLStore) AddContact(ctx context.Context, userID, contactID int64, at time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	query := s.db.Rebind("INSERT INTO contacts (user_id, contact_id, added_at, blocked) VALUES (?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, userID, contactID, toMillis(at), false)
	return classify(err)
}

func (s *SQLStore) RemoveContact(ctx context.Context, userID, contactID int64) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM contacts WHERE user_id = ? AND contact_id = ?"), userID, contactID)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetContacts lists the user's contacts with the given blocked flag, sorted
// by username.
func (s *SQLStore) GetContacts(ctx context.Context, userID int64, blocked bool) ([]models.Contact, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	query := s.db.Rebind(`
		SELECT u.id, u.username, c.added_at, c.blocked
		FROM contacts c
		JOIN users u ON u.id = c.contact_id
		WHERE c.user_id = ? AND c.blocked = ?
		ORDER BY LOWER(u.username)
	`)
	var rows []contactRow
	if err := s.db.SelectContext(ctx, &rows, query, userID, blocked); err != nil {
		return nil, classify(err)
	}
	contacts := make([]models.Contact, 0, len(rows))
	for _, r := range rows {
		contacts = append(contacts, models.Contact{
			ID:       r.ID,
			Username: r.Username,
			AddedAt:  fromMillis(r.AddedAt),
			Blocked:  r.Blocked,
		})
	}
	return contacts, nil
}

func (s *SQLStore) SetContactBlocked(ctx context.Context, userID, contactID int64, blocked bool) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE contacts SET blocked = ? WHERE user_id = ? AND contact_id = ?"), blocked, userID, contactID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return classify(sql.ErrNoRows)
	}
	return nil
}
