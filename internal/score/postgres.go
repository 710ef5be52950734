package score

import (
	"fmt"

	"github.com/ongoingai/console/internal/sqlutil"
)

// PostgresStore locks the existing annotation row with SELECT ... FOR UPDATE
// before overwriting it.
type PostgresStore struct {
	DSN string
	sqlStore
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlutil.OpenPostgres(dsn)
	if err != nil {
		return nil, fmt.Errorf("open score store: %w", err)
	}
	return &PostgresStore{
		DSN:      dsn,
		sqlStore: newSQLStore(db, sqlutil.Postgres),
	}, nil
}
