package trace

import (
	"context"
	"errors"

	"github.com/ongoingai/console/internal/filter"
)

var ErrNotFound = errors.New("trace store record not found")

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

type TraceStore interface {
	WriteTrace(ctx context.Context, trace *Trace) error
	WriteBatch(ctx context.Context, traces []*Trace) error
	GetTrace(ctx context.Context, projectID, id string) (*Trace, error)
	ListTraces(ctx context.Context, query TraceQuery) ([]*Trace, error)
	CountTraces(ctx context.Context, projectID string) (int64, error)
	Close() error
}

// TraceQuery selects one page of a project's traces.
type TraceQuery struct {
	ProjectID   string
	Page        int
	Limit       int
	Filter      []filter.Condition
	SearchQuery string
	OrderBy     *filter.OrderBy
}

// Columns is the filter and order whitelist for trace lists.
var Columns = filter.NewTable("t.id",
	filter.Column{ID: "id", Name: "ID", Expr: "t.id", Type: filter.TypeString},
	filter.Column{ID: "name", Name: "Name", Expr: "t.name", Type: filter.TypeString, Nullable: true},
	filter.Column{ID: "timestamp", Name: "Timestamp", Expr: "t.timestamp", Type: filter.TypeDatetime},
	filter.Column{ID: "userId", Name: "User ID", Expr: "t.user_id", Type: filter.TypeString, Nullable: true},
	filter.Column{ID: "sessionId", Name: "Session ID", Expr: "t.session_id", Type: filter.TypeString, Nullable: true},
	filter.Column{ID: "release", Name: "Release", Expr: "t.release", Type: filter.TypeString, Nullable: true},
	filter.Column{ID: "version", Name: "Version", Expr: "t.version", Type: filter.TypeString, Nullable: true},
	filter.Column{ID: "bookmarked", Name: "Bookmarked", Expr: "t.bookmarked", Type: filter.TypeBoolean},
	filter.Column{ID: "tags", Name: "Tags", Expr: "t.tags", Type: filter.TypeString},
)

const defaultTraceOrder = "t.timestamp DESC, t.id DESC"
