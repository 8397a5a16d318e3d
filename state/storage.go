// Package state is the Postgres-backed storage for the mobile gateway:
// device sessions, users and tenant memberships, per-triple sync state
// and the authoritative business records. An in-memory implementation of
// the same interfaces lives in memory.go for tests and single-process
// dev deployments.
package state

import (
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/hiddenbraintechnologies-sys/mobile-gateway/auth"
	"github.com/hiddenbraintechnologies-sys/mobile-gateway/sqlutil"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage aggregates all gateway tables over one connection pool.
type Storage struct {
	DB *sqlx.DB

	SessionsTable  *SessionsTable
	UsersTable     *UsersTable
	SyncStateTable *SyncStateTable
	RecordsTable   *RecordsTable
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return &Storage{
		DB:             db,
		SessionsTable:  NewSessionsTable(db),
		UsersTable:     NewUsersTable(db),
		SyncStateTable: NewSyncStateTable(db),
		RecordsTable:   NewRecordsTable(db),
	}
}

// SeedUser inserts or replaces a user and their memberships atomically.
// Used by provisioning and tests; the web suite owns these tables in a
// full deployment.
func (s *Storage) SeedUser(user *auth.User, memberships []auth.TenantMembership) error {
	return sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		if err := s.UsersTable.UpsertUser(txn, user); err != nil {
			return err
		}
		for i := range memberships {
			if err := s.UsersTable.UpsertMembership(txn, user.ID, &memberships[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// used in tests to close postgres connections
func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		logger.Panic().Err(err).Msg("failed to close DB")
	}
}
