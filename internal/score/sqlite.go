package score

import (
	"fmt"

	"github.com/ongoingai/console/internal/sqlutil"
)

type SQLiteStore struct {
	Path string
	sqlStore
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlutil.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open score store: %w", err)
	}
	return &SQLiteStore{
		Path:     path,
		sqlStore: newSQLStore(db, sqlutil.SQLite),
	}, nil
}
