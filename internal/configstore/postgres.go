package configstore

import (
	"fmt"

	"github.com/ongoingai/console/internal/sqlutil"
)

type PostgresStore struct {
	DSN string
	sqlStore
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlutil.OpenPostgres(dsn)
	if err != nil {
		return nil, fmt.Errorf("open directory store: %w", err)
	}
	return &PostgresStore{
		DSN:      dsn,
		sqlStore: newSQLStore(db, sqlutil.Postgres),
	}, nil
}
