package score

import (
	"context"
	"time"

	"github.com/ongoingai/console/internal/audit"
	"github.com/ongoingai/console/internal/filter"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
	// maxGroups caps filter option and score key aggregations.
	maxGroups = 1000
)

// ResourceType is the audit resource name for scores.
const ResourceType = "score"

type Store interface {
	ListScores(ctx context.Context, query ListQuery) ([]*ListedScore, error)
	CountScores(ctx context.Context, query ListQuery) (int64, error)
	FilterOptions(ctx context.Context, projectID string) (*FilterOptions, error)
	ScoreKeys(ctx context.Context, projectID string, since time.Time) ([]KeyAndProps, error)
	GetAnnotation(ctx context.Context, projectID, id string) (*Score, error)
	CreateAnnotation(ctx context.Context, in CreateAnnotationInput, actor audit.Actor) (*Mutation, error)
	UpdateAnnotation(ctx context.Context, in UpdateAnnotationInput, actor audit.Actor) (*Mutation, error)
	DeleteAnnotation(ctx context.Context, projectID, id string, actor audit.Actor) (*Mutation, error)
	WriteScore(ctx context.Context, s *Score) error
	TotalScores(ctx context.Context, projectID string) (int64, error)
	Close() error
}

// ListQuery selects one page of a project's scores. OrgID scopes the author
// join to members of the session organization.
type ListQuery struct {
	ProjectID string
	OrgID     string
	Filter    []filter.Condition
	OrderBy   *filter.OrderBy
	Page      int
	Limit     int
}

type FilterOptions struct {
	Name []OptionCount `json:"name"`
}

type OptionCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Mutation describes a committed annotation change and the audit row written
// with it.
type Mutation struct {
	Action  audit.Action
	Before  *Score
	After   *Score
	AuditID string
}

// Result is the score returned to the caller: the new state, or the removed
// row for a delete.
func (m *Mutation) Result() *Score {
	if m == nil {
		return nil
	}
	if m.After != nil {
		return m.After
	}
	return m.Before
}

// Columns is the filter and order whitelist for score lists. Expressions
// refer to the aliases of the list query joins.
var Columns = filter.NewTable("s.id",
	filter.Column{ID: "id", Name: "ID", Expr: "s.id", Type: filter.TypeString},
	filter.Column{ID: "timestamp", Name: "Timestamp", Expr: "s.timestamp", Type: filter.TypeDatetime},
	filter.Column{ID: "name", Name: "Name", Expr: "s.name", Type: filter.TypeString},
	filter.Column{ID: "value", Name: "Value", Expr: "s.value", Type: filter.TypeNumber, Nullable: true, KeyExpr: "s.name"},
	filter.Column{ID: "stringValue", Name: "String Value", Expr: "s.string_value", Type: filter.TypeString, Nullable: true, KeyExpr: "s.name"},
	filter.Column{ID: "source", Name: "Source", Expr: "s.source", Type: filter.TypeString},
	filter.Column{ID: "dataType", Name: "Data Type", Expr: "s.data_type", Type: filter.TypeString},
	filter.Column{ID: "comment", Name: "Comment", Expr: "s.comment", Type: filter.TypeString, Nullable: true},
	filter.Column{ID: "traceId", Name: "Trace ID", Expr: "s.trace_id", Type: filter.TypeString, Nullable: true},
	filter.Column{ID: "observationId", Name: "Observation ID", Expr: "s.observation_id", Type: filter.TypeString, Nullable: true},
	filter.Column{ID: "authorUserId", Name: "Author", Expr: "s.author_user_id", Type: filter.TypeString, Nullable: true},
	filter.Column{ID: "traceName", Name: "Trace Name", Expr: "t.name", Type: filter.TypeString, Nullable: true},
	filter.Column{ID: "userId", Name: "User ID", Expr: "t.user_id", Type: filter.TypeString, Nullable: true},
	filter.Column{ID: "jobConfigurationId", Name: "Eval Configuration ID", Expr: "je.job_configuration_id", Type: filter.TypeString, Nullable: true},
)

const defaultScoreOrder = "s.timestamp DESC, s.id DESC"
