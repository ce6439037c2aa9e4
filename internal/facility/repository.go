// Package facility tracks which facilities the device user works at.
package facility

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists pulled facilities and user to facility associations.
type Repository interface {
	SaveFacilities(ctx context.Context, facilities []Facility) error
	Facilities(ctx context.Context) ([]Facility, error)
	AssociateUserWithFacilities(ctx context.Context, userUUID string, facilityUUIDs []string) error
	FacilityUUIDsForUser(ctx context.Context, userUUID string) ([]string, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed facility repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SaveFacilities upserts pulled facilities in one transaction.
func (r *PostgresRepository) SaveFacilities(ctx context.Context, facilities []Facility) error {
	ids := make([]uuid.UUID, 0, len(facilities))
	for _, f := range facilities {
		id, err := uuid.Parse(f.UUID)
		if err != nil {
			return fmt.Errorf("parse facility id %q: %w", f.UUID, err)
		}
		ids = append(ids, id)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for i, f := range facilities {
		if _, err := tx.Exec(ctx, `INSERT INTO facilities (id, name, district, state, updated_at)
            VALUES ($1, $2, $3, $4, $5)
            ON CONFLICT (id) DO UPDATE SET
                name = EXCLUDED.name,
                district = EXCLUDED.district,
                state = EXCLUDED.state,
                updated_at = EXCLUDED.updated_at`,
			ids[i], f.Name, f.District, f.State, f.UpdatedAt,
		); err != nil {
			return fmt.Errorf("save facility %s: %w", f.UUID, err)
		}
	}
	return tx.Commit(ctx)
}

// Facilities lists every stored facility by name.
func (r *PostgresRepository) Facilities(ctx context.Context) ([]Facility, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, district, state, updated_at FROM facilities ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Facility
	for rows.Next() {
		var (
			id uuid.UUID
			f  Facility
		)
		if err := rows.Scan(&id, &f.Name, &f.District, &f.State, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.UUID = id.String()
		out = append(out, f)
	}
	return out, rows.Err()
}

// AssociateUserWithFacilities replaces the user's facility set.
func (r *PostgresRepository) AssociateUserWithFacilities(ctx context.Context, userUUID string, facilityUUIDs []string) error {
	userID, err := uuid.Parse(userUUID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	facilityIDs := make([]uuid.UUID, 0, len(facilityUUIDs))
	for _, raw := range facilityUUIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse facility id %q: %w", raw, err)
		}
		facilityIDs = append(facilityIDs, id)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM user_facilities WHERE user_id = $1`, userID); err != nil {
		return err
	}
	for _, facilityID := range facilityIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO user_facilities (user_id, facility_id) VALUES ($1, $2)
            ON CONFLICT DO NOTHING`, userID, facilityID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// FacilityUUIDsForUser lists the user's facilities in a stable order.
func (r *PostgresRepository) FacilityUUIDsForUser(ctx context.Context, userUUID string) ([]string, error) {
	userID, err := uuid.Parse(userUUID)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	rows, err := r.db.Query(ctx, `SELECT facility_id FROM user_facilities WHERE user_id = $1 ORDER BY facility_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id.String())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
