package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/console/internal/audit"
	"github.com/ongoingai/console/internal/auth"
	"github.com/ongoingai/console/internal/filter"
	"github.com/ongoingai/console/internal/score"
)

// ScoreAuditEvent describes one annotation mutation attempt.
type ScoreAuditEvent struct {
	Action     string
	Outcome    string
	Reason     string
	StatusCode int
	Procedure  string
	ProjectID  string
	ScoreID    string
	AuditID    string
	UserID     string
	OrgID      string
}

type ScoreAuditRecorder func(r *http.Request, event ScoreAuditEvent)

type scoresAllInput struct {
	projectInput
	Filter  []filter.Condition `json:"filter"`
	OrderBy *filter.OrderBy    `json:"orderBy"`
	Page    *int               `json:"page"`
	Limit   *int               `json:"limit"`

	page  int
	limit int
}

func (in *scoresAllInput) validate(limits pageLimits) error {
	page, limit, err := resolvePage(in.Page, in.Limit, limits)
	if err != nil {
		return err
	}
	in.page, in.limit = page, limit
	return nil
}

type scoreFilterOptionsInput struct {
	projectInput
}

func (in *scoreFilterOptionsInput) validate(pageLimits) error { return nil }

type scoreKeysInput struct {
	projectInput
	SelectedTimeOption *score.TimeOption `json:"selectedTimeOption"`
}

func (in *scoreKeysInput) validate(pageLimits) error { return nil }

// Field rules for annotation inputs are enforced by the score store before
// it opens a transaction.
type createAnnotationScoreInput struct {
	projectInput
	TraceID       string         `json:"traceId"`
	ObservationID string         `json:"observationId"`
	Name          string         `json:"name"`
	Value         *float64       `json:"value"`
	StringValue   string         `json:"stringValue"`
	DataType      score.DataType `json:"dataType"`
	ConfigID      string         `json:"configId"`
	Comment       string         `json:"comment"`
}

func (in *createAnnotationScoreInput) validate(pageLimits) error { return nil }

type updateAnnotationScoreInput struct {
	projectInput
	ID          string   `json:"id"`
	Value       *float64 `json:"value"`
	StringValue string   `json:"stringValue"`
	Comment     string   `json:"comment"`
}

func (in *updateAnnotationScoreInput) validate(pageLimits) error {
	if strings.TrimSpace(in.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return nil
}

type deleteAnnotationScoreInput struct {
	projectInput
	ID string `json:"id"`
}

func (in *deleteAnnotationScoreInput) validate(pageLimits) error {
	if strings.TrimSpace(in.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return nil
}

type scoresResponse struct {
	Scores     []listedScoreResponse `json:"scores"`
	TotalCount int64                 `json:"totalCount"`
}

type listedScoreResponse struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Value              *float64       `json:"value"`
	StringValue        *string        `json:"stringValue"`
	Timestamp          time.Time      `json:"timestamp"`
	Source             score.Source   `json:"source"`
	DataType           score.DataType `json:"dataType"`
	Comment            *string        `json:"comment"`
	TraceID            *string        `json:"traceId"`
	ObservationID      *string        `json:"observationId"`
	AuthorUserID       *string        `json:"authorUserId"`
	TraceUserID        *string        `json:"traceUserId"`
	TraceName          *string        `json:"traceName"`
	JobConfigurationID *string        `json:"jobConfigurationId"`
	AuthorUserImage    *string        `json:"authorUserImage"`
	AuthorUserName     *string        `json:"authorUserName"`
}

type scoreResponse struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"projectId"`
	TraceID       *string        `json:"traceId"`
	ObservationID *string        `json:"observationId"`
	Name          string         `json:"name"`
	Value         *float64       `json:"value"`
	StringValue   *string        `json:"stringValue"`
	DataType      score.DataType `json:"dataType"`
	Source        score.Source   `json:"source"`
	Comment       *string        `json:"comment"`
	AuthorUserID  *string        `json:"authorUserId"`
	ConfigID      *string        `json:"configId"`
	Timestamp     time.Time      `json:"timestamp"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func handleScoresAll(ctx context.Context, h *rpcHandler, call *rpcCall, in *scoresAllInput) (any, error) {
	if h.scores == nil {
		return nil, errStoreUnavailable
	}
	result, err := score.List(ctx, h.scores, score.ListQuery{
		ProjectID: call.projectID,
		OrgID:     call.identity.OrgID,
		Filter:    in.Filter,
		OrderBy:   in.OrderBy,
		Page:      in.page,
		Limit:     in.limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]listedScoreResponse, 0, len(result.Scores))
	for _, item := range result.Scores {
		out = append(out, toListedScoreResponse(item))
	}
	return scoresResponse{Scores: out, TotalCount: result.TotalCount}, nil
}

func handleScoreFilterOptions(ctx context.Context, h *rpcHandler, call *rpcCall, _ *scoreFilterOptionsInput) (any, error) {
	if h.scores == nil {
		return nil, errStoreUnavailable
	}
	options, err := h.scores.FilterOptions(ctx, call.projectID)
	if err != nil {
		return nil, err
	}
	if options.Name == nil {
		options.Name = []score.OptionCount{}
	}
	return options, nil
}

func handleScoreKeysAndProps(ctx context.Context, h *rpcHandler, call *rpcCall, in *scoreKeysInput) (any, error) {
	if h.scores == nil {
		return nil, errStoreUnavailable
	}
	cutoff, _, err := in.SelectedTimeOption.Cutoff(time.Now())
	if err != nil {
		return nil, err
	}
	keys, err := h.scores.ScoreKeys(ctx, call.projectID, cutoff)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []score.KeyAndProps{}
	}
	return keys, nil
}

func handleCreateAnnotationScore(ctx context.Context, h *rpcHandler, call *rpcCall, in *createAnnotationScoreInput) (any, error) {
	if h.scores == nil {
		h.auditMutation(call, audit.ActionCreate, "", nil, errStoreUnavailable)
		return nil, errStoreUnavailable
	}
	mutation, err := h.scores.CreateAnnotation(ctx, score.CreateAnnotationInput{
		ProjectID:     call.projectID,
		TraceID:       in.TraceID,
		ObservationID: in.ObservationID,
		Name:          in.Name,
		Value:         in.Value,
		StringValue:   in.StringValue,
		DataType:      in.DataType,
		ConfigID:      in.ConfigID,
		Comment:       in.Comment,
	}, actorFor(call.identity))
	h.auditMutation(call, audit.ActionCreate, "", mutation, err)
	if err != nil {
		return nil, err
	}
	return toScoreResponse(mutation.Result()), nil
}

func handleUpdateAnnotationScore(ctx context.Context, h *rpcHandler, call *rpcCall, in *updateAnnotationScoreInput) (any, error) {
	if h.scores == nil {
		h.auditMutation(call, audit.ActionUpdate, in.ID, nil, errStoreUnavailable)
		return nil, errStoreUnavailable
	}
	mutation, err := h.scores.UpdateAnnotation(ctx, score.UpdateAnnotationInput{
		ProjectID:   call.projectID,
		ID:          in.ID,
		Value:       in.Value,
		StringValue: in.StringValue,
		Comment:     in.Comment,
	}, actorFor(call.identity))
	h.auditMutation(call, audit.ActionUpdate, in.ID, mutation, err)
	if err != nil {
		return nil, err
	}
	return toScoreResponse(mutation.Result()), nil
}

func handleDeleteAnnotationScore(ctx context.Context, h *rpcHandler, call *rpcCall, in *deleteAnnotationScoreInput) (any, error) {
	if h.scores == nil {
		h.auditMutation(call, audit.ActionDelete, in.ID, nil, errStoreUnavailable)
		return nil, errStoreUnavailable
	}
	mutation, err := h.scores.DeleteAnnotation(ctx, call.projectID, in.ID, actorFor(call.identity))
	h.auditMutation(call, audit.ActionDelete, in.ID, mutation, err)
	if err != nil {
		return nil, err
	}
	return toScoreResponse(mutation.Result()), nil
}

// auditMutation emits the mutation audit line and counts committed changes.
// A create that matched an existing annotation is reported as an update.
func (h *rpcHandler) auditMutation(call *rpcCall, requested audit.Action, scoreID string, mutation *score.Mutation, err error) {
	event := ScoreAuditEvent{
		Action:     string(requested),
		Outcome:    "success",
		StatusCode: http.StatusOK,
		Procedure:  call.procedure,
		ProjectID:  call.projectID,
		ScoreID:    strings.TrimSpace(scoreID),
		UserID:     call.identity.UserID,
		OrgID:      call.identity.OrgID,
	}
	if err != nil {
		status, code, _ := classifyError(err)
		event.Outcome = "error"
		event.Reason = strings.ToLower(code)
		event.StatusCode = status
	}
	if mutation != nil {
		event.Action = string(mutation.Action)
		event.AuditID = mutation.AuditID
		if result := mutation.Result(); result != nil {
			event.ScoreID = result.ID
		}
	}

	if h.scoreAudit != nil {
		h.scoreAudit(call.request, event)
	}
	if err == nil && h.metrics != nil {
		h.metrics.RecordScoreMutation(call.request.Context(), event.Action)
	}
}

func actorFor(identity *auth.Identity) audit.Actor {
	if identity == nil {
		return audit.Actor{}
	}
	return audit.Actor{
		UserID:  identity.UserID,
		OrgID:   identity.OrgID,
		OrgRole: string(identity.OrgRole),
	}
}

func toListedScoreResponse(item *score.ListedScore) listedScoreResponse {
	return listedScoreResponse{
		ID:                 item.ID,
		Name:               item.Name,
		Value:              item.Value,
		StringValue:        optionalString(item.StringValue),
		Timestamp:          item.Timestamp,
		Source:             item.Source,
		DataType:           item.DataType,
		Comment:            optionalString(item.Comment),
		TraceID:            optionalString(item.TraceID),
		ObservationID:      optionalString(item.ObservationID),
		AuthorUserID:       optionalString(item.AuthorUserID),
		TraceUserID:        optionalString(item.TraceUserID),
		TraceName:          optionalString(item.TraceName),
		JobConfigurationID: optionalString(item.JobConfigurationID),
		AuthorUserImage:    optionalString(item.AuthorUserImage),
		AuthorUserName:     optionalString(item.AuthorUserName),
	}
}

func toScoreResponse(item *score.Score) scoreResponse {
	return scoreResponse{
		ID:            item.ID,
		ProjectID:     item.ProjectID,
		TraceID:       optionalString(item.TraceID),
		ObservationID: optionalString(item.ObservationID),
		Name:          item.Name,
		Value:         item.Value,
		StringValue:   optionalString(item.StringValue),
		DataType:      item.DataType,
		Source:        item.Source,
		Comment:       optionalString(item.Comment),
		AuthorUserID:  optionalString(item.AuthorUserID),
		ConfigID:      optionalString(item.ConfigID),
		Timestamp:     item.Timestamp,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
	}
}

// optionalString renders empty nullable columns as JSON null.
func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
