// Package clinical owns the patient data synced to the device and the
// per-entity pull cursors used by incremental sync.
package clinical

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// patientTables lists clinical tables in child-first order.
var patientTables = []string{
	"medical_histories",
	"communications",
	"appointments",
	"prescriptions",
	"blood_pressures",
	"patients",
}

// DataStore removes all patient data held locally.
type DataStore interface {
	ClearPatientData(ctx context.Context) error
}

// PostgresStore implements DataStore using PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore builds a Postgres-backed clinical data store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// ClearPatientData deletes every clinical row in one transaction.
func (s *PostgresStore) ClearPatientData(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, table := range patientTables {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit(ctx)
}

// MemoryStore is an in-memory DataStore for tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]int
	clears  int
	err     error
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]int)}
}

// Add records n rows for table.
func (s *MemoryStore) Add(table string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[table] += n
}

// Count returns the number of rows held for table.
func (s *MemoryStore) Count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[table]
}

// Clears reports how many times ClearPatientData succeeded.
func (s *MemoryStore) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// FailWith makes subsequent clears return err.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemoryStore) ClearPatientData(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = make(map[string]int)
	s.clears++
	return nil
}
