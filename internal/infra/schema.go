package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the local tables used by the agent. Statements are
// idempotent and run in order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS logged_in_user (
		id uuid PRIMARY KEY,
		full_name text NOT NULL DEFAULT '',
		phone text NOT NULL,
		pin_digest text NOT NULL DEFAULT '',
		status text NOT NULL,
		logged_in_status text NOT NULL,
		created_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS facilities (
		id uuid PRIMARY KEY,
		name text NOT NULL,
		district text NOT NULL DEFAULT '',
		state text NOT NULL DEFAULT '',
		updated_at timestamptz NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_facilities (
		user_id uuid NOT NULL,
		facility_id uuid NOT NULL,
		PRIMARY KEY (user_id, facility_id)
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id uuid PRIMARY KEY,
		payload jsonb NOT NULL DEFAULT '{}'::jsonb,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS blood_pressures (
		id uuid PRIMARY KEY,
		patient_id uuid NOT NULL REFERENCES patients (id) ON DELETE CASCADE,
		payload jsonb NOT NULL DEFAULT '{}'::jsonb,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS prescriptions (
		id uuid PRIMARY KEY,
		patient_id uuid NOT NULL REFERENCES patients (id) ON DELETE CASCADE,
		payload jsonb NOT NULL DEFAULT '{}'::jsonb,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id uuid PRIMARY KEY,
		patient_id uuid NOT NULL REFERENCES patients (id) ON DELETE CASCADE,
		payload jsonb NOT NULL DEFAULT '{}'::jsonb,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS communications (
		id uuid PRIMARY KEY,
		appointment_id uuid NOT NULL REFERENCES appointments (id) ON DELETE CASCADE,
		payload jsonb NOT NULL DEFAULT '{}'::jsonb,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS medical_histories (
		id uuid PRIMARY KEY,
		patient_id uuid NOT NULL REFERENCES patients (id) ON DELETE CASCADE,
		payload jsonb NOT NULL DEFAULT '{}'::jsonb,
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates any missing table in a single transaction.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for i, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}
