package postgres

import (
	"context"

	"github.com/jkaninda/bothost/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB  *DB
	runs  *RunRepository
	scans *ScanRepository
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		pgDB:  pgDB,
		runs:  NewRunRepository(pgDB.GormDB()),
		scans: NewScanRepository(pgDB.GormDB()),
	}
}

func (s *Store) Runs() storage.RunStore   { return s.runs }
func (s *Store) Scans() storage.ScanStore { return s.scans }

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Close() error { return s.pgDB.Close() }

func (s *Store) Driver() string { return storage.DriverPostgres }

// DB returns the wrapped connection.
func (s *Store) DB() *DB { return s.pgDB }
