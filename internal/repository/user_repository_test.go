package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/clinic-auth-api/internal/models"
	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

var userRowColumns = []string{"id", "email", "password_hash", "first_name", "last_name", "role", "specialty_id", "phone", "active", "refresh_token_hash", "reset_token_hash", "reset_expires_at", "last_login", "created_at", "updated_at"}

func TestUserRepositoryFindByEmail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(userRowColumns).
		AddRow("u1", "alice@clinic.test", "hash", "Alice", "Liddell", string(models.RoleDoctor), "cardiology", nil, true, "digest", nil, nil, now, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + userColumns + " FROM users WHERE email = $1 LIMIT 1")).
		WithArgs("alice@clinic.test").
		WillReturnRows(rows)

	user, err := repo.FindByEmail(context.Background(), "alice@clinic.test")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.FirstName)
	require.NotNil(t, user.SpecialtyID)
	assert.Equal(t, "cardiology", *user.SpecialtyID)
	assert.Nil(t, user.Phone)
	assert.Equal(t, models.CredentialSlot{Kind: models.SlotRefreshToken, Digest: "digest"}, user.Slot())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryFindReturnsErrNoRows(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectQuery("FROM users WHERE id = \\$1").WithArgs("missing").WillReturnRows(sqlmock.NewRows(userRowColumns))
	_, err := repo.FindByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	mock.ExpectQuery("FROM users WHERE reset_token_hash = \\$1").WithArgs("d").WillReturnError(errors.New("boom"))
	_, err = repo.FindByResetTokenHash(context.Background(), "d")
	require.Error(t, err)
	assert.False(t, errors.Is(err, sql.ErrNoRows))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryFindPendingReset(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	now := time.Now().UTC()
	expires := now.Add(time.Hour)
	rows := sqlmock.NewRows(userRowColumns).
		AddRow("u1", "alice@clinic.test", "hash", "Alice", "Liddell", string(models.RoleNurse), nil, nil, true, nil, "reset-digest", expires, nil, now, now)
	mock.ExpectQuery("FROM users WHERE reset_token_hash = \\$1").WithArgs("reset-digest").WillReturnRows(rows)

	user, err := repo.FindByResetTokenHash(context.Background(), "reset-digest")
	require.NoError(t, err)
	slot := user.Slot()
	assert.Equal(t, models.SlotPendingReset, slot.Kind)
	assert.Equal(t, "reset-digest", slot.Digest)
	assert.True(t, expires.Equal(slot.ExpiresAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))

	user := &models.User{Email: "carol@clinic.test", PasswordHash: "hash", FirstName: "Carol", LastName: "D", Role: models.RoleNurse, Active: true}
	require.NoError(t, repo.Create(context.Background(), user))
	assert.NotEmpty(t, user.ID)
	assert.False(t, user.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryCreateDuplicateEmail(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	mock.ExpectExec("INSERT INTO users").WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})

	err := repo.Create(context.Background(), &models.User{Email: "carol@clinic.test"})
	require.ErrorIs(t, err, appErrors.ErrEmailAlreadyRegistered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositorySlotWritesClearOtherArm(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET refresh_token_hash = $2, reset_token_hash = NULL, reset_expires_at = NULL")).
		WithArgs("u1", "refresh-digest", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SetRefreshToken(ctx, "u1", "refresh-digest", now))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET refresh_token_hash = NULL, reset_token_hash = $2, reset_expires_at = $3")).
		WithArgs("u1", "reset-digest", now.Add(time.Hour), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SetPendingReset(ctx, "u1", "reset-digest", now.Add(time.Hour), now))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET refresh_token_hash = NULL, reset_token_hash = NULL, reset_expires_at = NULL, updated_at = $2")).
		WithArgs("missing", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.ClearCredentialSlot(ctx, "missing", now)
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryCompleteResetIsConditional(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	query := regexp.QuoteMeta("WHERE id = $1 AND reset_token_hash = $2")
	mock.ExpectExec(query).WithArgs("u1", "reset-digest", "new-hash", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).WithArgs("u1", "reset-digest", "new-hash", now).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.CompleteReset(ctx, "u1", "reset-digest", "new-hash", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CompleteReset(ctx, "u1", "reset-digest", "new-hash", now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryUpdatePassword(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewUserRepository(db)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1")).
		WithArgs("u1", "hash", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdatePassword(context.Background(), "u1", "hash", now))

	mock.ExpectExec("UPDATE users SET last_login").WithArgs("u1", now, now).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateLastLogin(context.Background(), "u1", now))
	assert.NoError(t, mock.ExpectationsWereMet())
}
