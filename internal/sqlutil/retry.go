package sqlutil

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// RetryBusy re-runs fn with exponential backoff while SQLite reports lock
// contention. Other errors and context cancellation end the loop.
func RetryBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsBusy(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

// WriteGate serializes writers on SQLite, which allows one writer at a time,
// and passes through on Postgres.
type WriteGate struct {
	dialect Dialect
	mu      sync.Mutex
}

func NewWriteGate(dialect Dialect) *WriteGate {
	return &WriteGate{dialect: dialect}
}

// Do runs fn under the gate. On SQLite fn may run more than once, so it must
// open its own transaction.
func (g *WriteGate) Do(ctx context.Context, fn func() error) error {
	if g == nil || g.dialect != SQLite {
		return fn()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return RetryBusy(ctx, fn)
}
