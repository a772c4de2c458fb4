package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/iliyamo/showtime-sniper/internal/model"
)

// UserRepo provides account storage for the control API and the notification
// preference lookup used by the notifier.
type UserRepo struct {
	db *sql.DB
}

// NewUserRepo returns a new UserRepo bound to the given database.
func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

// Create inserts a new user and populates the generated ID. A duplicate
// email is reported as ErrEmailTaken.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `INSERT INTO users (email, password_hash, chat_id, notify_only_success) VALUES (?, ?, ?, ?)`
	result, err := r.db.ExecContext(ctx, q, u.Email, u.PasswordHash, u.ChatID, u.NotifyOnlySuccess)
	if err != nil {
		// MySQL error 1062 is a duplicate key violation.
		if strings.Contains(err.Error(), "Error 1062") {
			return ErrEmailTaken
		}
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = uint64(id)
	return nil
}

// GetByEmail returns the user with the given email or ErrUserNotFound.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	const q = `SELECT id, email, password_hash, chat_id, notify_only_success, created_at FROM users WHERE email = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, q, email))
}

// GetByID returns the user with the given id or ErrUserNotFound.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (*model.User, error) {
	const q = `SELECT id, email, password_hash, chat_id, notify_only_success, created_at FROM users WHERE id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, q, id))
}

// UpdatePreferences sets the notification preference and chat id.
func (r *UserRepo) UpdatePreferences(ctx context.Context, id uint64, chatID string, notifyOnlySuccess bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET chat_id = ?, notify_only_success = ? WHERE id = ?`, chatID, notifyOnlySuccess, id)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		// RowsAffected is also 0 when the values did not change; confirm the
		// user actually exists before reporting an error.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *UserRepo) scanOne(row *sql.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.ChatID, &u.NotifyOnlySuccess, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
