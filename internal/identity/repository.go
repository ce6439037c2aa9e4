package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists the device's single user record.
type Repository interface {
	Current(ctx context.Context) (User, error)
	CreateOrUpdate(ctx context.Context, user User) error
	UpdateLoggedInStatus(ctx context.Context, userUUID string, status LoggedInStatus) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed user repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Current fetches the active user.
func (r *PostgresRepository) Current(ctx context.Context) (User, error) {
	row := r.db.QueryRow(ctx, `SELECT id, full_name, phone, pin_digest, status, logged_in_status, created_at, updated_at
        FROM logged_in_user ORDER BY updated_at DESC LIMIT 1`)
	var (
		id             uuid.UUID
		status         string
		loggedInStatus string
		user           User
	)
	if err := row.Scan(&id, &user.FullName, &user.Phone, &user.PINDigest, &status, &loggedInStatus, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNoUser
		}
		return User{}, err
	}
	user.UUID = id.String()
	user.Status = Status(status)
	user.LoggedInStatus = LoggedInStatus(loggedInStatus)
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

// CreateOrUpdate upserts the user and removes any other user record, keeping a
// single active row per device.
func (r *PostgresRepository) CreateOrUpdate(ctx context.Context, user User) error {
	userID, err := uuid.Parse(user.UUID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = time.Now().UTC()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = user.UpdatedAt
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM logged_in_user WHERE id <> $1`, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO logged_in_user (id, full_name, phone, pin_digest, status, logged_in_status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            full_name = EXCLUDED.full_name,
            phone = EXCLUDED.phone,
            pin_digest = EXCLUDED.pin_digest,
            status = EXCLUDED.status,
            logged_in_status = EXCLUDED.logged_in_status,
            updated_at = EXCLUDED.updated_at`,
		userID, user.FullName, user.Phone, user.PINDigest, string(user.Status), string(user.LoggedInStatus),
		user.CreatedAt.UTC(), user.UpdatedAt.UTC()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// UpdateLoggedInStatus changes only the login status of the given user.
func (r *PostgresRepository) UpdateLoggedInStatus(ctx context.Context, userUUID string, status LoggedInStatus) error {
	userID, err := uuid.Parse(userUUID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	cmd, err := r.db.Exec(ctx, `UPDATE logged_in_user SET logged_in_status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNoUser
	}
	return nil
}
