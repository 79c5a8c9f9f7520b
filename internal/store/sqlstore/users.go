package sqlstore

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pliu/npchat/internal/models"
)

type userRow struct {
	ID           int64  `db:"id"`
	Username     string `db:"username"`
	Email        string `db:"email"`
	PasswordHash string `db:"password_hash"`
	IsVerified   bool   `db:"is_verified"`
	CreatedAt    int64  `db:"created_at"`
}

func (r userRow) model() *models.User {
	return &models.User{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		IsVerified:   r.IsVerified,
		CreatedAt:    fromMillis(r.CreatedAt),
	}
}

const userColumns = "id, username, email, password_hash, is_verified, created_at"

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	query := s.db.Rebind("INSERT INTO users (username, email, password_hash, is_verified, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id")
	err := s.db.QueryRowxContext(ctx, query, user.Username, user.Email, user.PasswordHash, user.IsVerified, toMillis(user.CreatedAt)).Scan(&user.ID)
	return classify(err)
}

func (s *SQLStore) getUser(ctx context.Context, where string, args ...any) (*models.User, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var row userRow
	query := s.db.Rebind("SELECT " + userColumns + " FROM users WHERE " + where)
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, classify(err)
	}
	return row.model(), nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *SQLStore) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	return s.getUser(ctx, "LOWER(username) = LOWER(?) OR LOWER(email) = LOWER(?) ORDER BY id LIMIT 1", login, login)
}

func (s *SQLStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowxContext(ctx, s.db.Rebind("SELECT EXISTS("+query+")"), args...).Scan(&exists)
	return exists, classify(err)
}

func (s *SQLStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM users WHERE LOWER(username) = LOWER(?)", username)
}

func (s *SQLStore) EmailExists(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, "SELECT 1 FROM users WHERE LOWER(email) = LOWER(?)", email)
}

// SearchUsers matches username or email, excluding the searcher. Emails in
// the result are masked.
func (s *SQLStore) SearchUsers(ctx context.Context, searcherID int64, queryStr string, limit int) ([]models.User, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	pattern := likePattern(queryStr)
	query := s.db.Rebind(`
		SELECT ` + userColumns + ` FROM users
		WHERE id <> ? AND (LOWER(username) LIKE ? OR LOWER(email) LIKE ?)
		ORDER BY LOWER(username)
		LIMIT ?
	`)
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, query, searcherID, pattern, pattern, limit); err != nil {
		return nil, classify(err)
	}
	users := make([]models.User, 0, len(rows))
	for _, r := range rows {
		u := r.model()
		u.PasswordHash = ""
		u.Email = maskEmail(u.Email)
		users = append(users, *u)
	}
	return users, nil
}

func maskEmail(email string) string {
	if email == "" {
		return ""
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return email
	}
	local, domain := parts[0], parts[1]
	length := len(local)
	visible := 1
	if length > 2 {
		visible = min(length/2, 3)
	}
	if visible > length {
		visible = length
	}

	maskedLocal := local[:visible] + strings.Repeat("*", length-visible)
	return maskedLocal + "@" + domain
}

type pendingRow struct {
	Username         string `db:"username"`
	Email            string `db:"email"`
	PasswordHash     string `db:"password_hash"`
	VerificationCode int64  `db:"verification_code"`
	CreatedAt        int64  `db:"created_at"`
	ExpiresAt        int64  `db:"expires_at"`
}

func (r pendingRow) model() *models.PendingRegistration {
	return &models.PendingRegistration{
		Username:         r.Username,
		Email:            r.Email,
		PasswordHash:     r.PasswordHash,
		VerificationCode: uint32(r.VerificationCode),
		CreatedAt:        fromMillis(r.CreatedAt),
		ExpiresAt:        fromMillis(r.ExpiresAt),
	}
}

const pendingColumns = "username, email, password_hash, verification_code, created_at, expires_at"

// UpsertPending replaces any pending entry for the same username, compared
// case-insensitively.
func (s *SQLStore) UpsertPending(ctx context.Context, p *models.PendingRegistration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	return classify(s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM pending_registrations WHERE LOWER(username) = LOWER(?)"), p.Username); err != nil {
			return err
		}
		query := tx.Rebind("INSERT INTO pending_registrations (" + pendingColumns + ") VALUES (?, ?, ?, ?, ?, ?)")
		_, err := tx.ExecContext(ctx, query, p.Username, p.Email, p.PasswordHash, int64(p.VerificationCode), toMillis(p.CreatedAt), toMillis(p.ExpiresAt))
		return err
	}))
}

func (s *SQLStore) getPending(ctx context.Context, where, arg string) (*models.PendingRegistration, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var row pendingRow
	query := s.db.Rebind("SELECT " + pendingColumns + " FROM pending_registrations WHERE " + where + " LIMIT 1")
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		return nil, classify(err)
	}
	return row.model(), nil
}

func (s *SQLStore) GetPending(ctx context.Context, username string) (*models.PendingRegistration, error) {
	return s.getPending(ctx, "LOWER(username) = LOWER(?)", username)
}

func (s *SQLStore) GetPendingByEmail(ctx context.Context, email string) (*models.PendingRegistration, error) {
	return s.getPending(ctx, "LOWER(email) = LOWER(?)", email)
}

func (s *SQLStore) DeletePending(ctx context.Context, username string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM pending_registrations WHERE LOWER(username) = LOWER(?)"), username)
	return classify(err)
}

func (s *SQLStore) DeleteExpiredPending(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM pending_registrations WHERE expires_at <= ?"), toMillis(now))
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

type sessionRow struct {
	Token        string `db:"token"`
	UserID       int64  `db:"user_id"`
	CreatedAt    int64  `db:"created_at"`
	ExpiresAt    int64  `db:"expires_at"`
	LastActivity int64  `db:"last_activity"`
}

func (s *SQLStore) CreateSession(ctx context.Context, sess *models.Session) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	query := s.db.Rebind("INSERT INTO sessions (token, user_id, created_at, expires_at, last_activity) VALUES (?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, sess.Token, sess.UserID, toMillis(sess.CreatedAt), toMillis(sess.ExpiresAt), toMillis(sess.LastActivity))
	return classify(err)
}

func (s *SQLStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var row sessionRow
	query := s.db.Rebind("SELECT token, user_id, created_at, expires_at, last_activity FROM sessions WHERE token = ?")
	if err := s.db.GetContext(ctx, &row, query, token); err != nil {
		return nil, classify(err)
	}
	return &models.Session{
		Token:        row.Token,
		UserID:       row.UserID,
		CreatedAt:    fromMillis(row.CreatedAt),
		ExpiresAt:    fromMillis(row.ExpiresAt),
		LastActivity: fromMillis(row.LastActivity),
	}, nil
}

func (s *SQLStore) TouchSession(ctx context.Context, token string, at time.Time) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE sessions SET last_activity = ? WHERE token = ?"), toMillis(at), token)
	return classify(err)
}

func (s *SQLStore) DeleteSession(ctx context.Context, token string) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM sessions WHERE token = ?"), token)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
