package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/clinic-auth-api/internal/models"
	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
)

const uniqueViolation = "23505"

const userColumns = `id, email, password_hash, first_name, last_name, role, specialty_id, phone, active, refresh_token_hash, reset_token_hash, reset_expires_at, last_login, created_at, updated_at`

// UserRepository provides database access for user credential records.
//
// Every statement touches a single row, so each write is atomic on its own.
// The credential slot columns are only ever written together: setting one arm
// nulls the others in the same UPDATE.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByEmail returns a user by email address.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE email = $1 LIMIT 1`
	return r.get(ctx, "find user by email", query, email)
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	return r.get(ctx, "find user by id", query, id)
}

// FindByResetTokenHash returns the user holding the given pending reset digest.
func (r *UserRepository) FindByResetTokenHash(ctx context.Context, digest string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE reset_token_hash = $1 LIMIT 1`
	return r.get(ctx, "find user by reset token", query, digest)
}

func (r *UserRepository) get(ctx context.Context, op, query string, arg interface{}) (*models.User, error) {
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &user, nil
}

// Create inserts a new user.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	const query = `INSERT INTO users (id, email, password_hash, first_name, last_name, role, specialty_id, phone, active, created_at, updated_at) VALUES (:id, :email, :password_hash, :first_name, :last_name, :role, :specialty_id, :phone, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return appErrors.Clone(appErrors.ErrEmailAlreadyRegistered, "")
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UpdateLastLogin updates the last_login timestamp for a user.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE users SET last_login = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// UpdatePassword updates the stored password hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	const query = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, "update password", query, id, passwordHash, updatedAt)
}

// SetRefreshToken stores the digest of the current refresh token, discarding
// any pending reset.
func (r *UserRepository) SetRefreshToken(ctx context.Context, id, digest string, updatedAt time.Time) error {
	const query = `UPDATE users SET refresh_token_hash = $2, reset_token_hash = NULL, reset_expires_at = NULL, updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, "set refresh token", query, id, digest, updatedAt)
}

// SetPendingReset stores a reset digest and expiry, discarding any refresh token.
func (r *UserRepository) SetPendingReset(ctx context.Context, id, digest string, expiresAt, updatedAt time.Time) error {
	const query = `UPDATE users SET refresh_token_hash = NULL, reset_token_hash = $2, reset_expires_at = $3, updated_at = $4 WHERE id = $1`
	return r.execOne(ctx, "set pending reset", query, id, digest, expiresAt, updatedAt)
}

// ClearCredentialSlot empties the credential slot.
func (r *UserRepository) ClearCredentialSlot(ctx context.Context, id string, updatedAt time.Time) error {
	const query = `UPDATE users SET refresh_token_hash = NULL, reset_token_hash = NULL, reset_expires_at = NULL, updated_at = $2 WHERE id = $1`
	return r.execOne(ctx, "clear credential slot", query, id, updatedAt)
}

// CompleteReset replaces the password and empties the slot, but only while the
// slot still holds the given reset digest. It reports whether the row changed.
func (r *UserRepository) CompleteReset(ctx context.Context, id, resetDigest, passwordHash string, updatedAt time.Time) (bool, error) {
	const query = `UPDATE users SET password_hash = $3, refresh_token_hash = NULL, reset_token_hash = NULL, reset_expires_at = NULL, updated_at = $4 WHERE id = $1 AND reset_token_hash = $2`
	res, err := r.db.ExecContext(ctx, query, id, resetDigest, passwordHash, updatedAt)
	if err != nil {
		return false, fmt.Errorf("complete reset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete reset rows: %w", err)
	}
	return affected == 1, nil
}

func (r *UserRepository) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
