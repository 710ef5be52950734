package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ongoingai/console/internal/auth"
	"github.com/ongoingai/console/internal/correlation"
	"github.com/ongoingai/console/internal/filter"
	"github.com/ongoingai/console/internal/observability"
	"github.com/ongoingai/console/internal/score"
	"github.com/ongoingai/console/internal/sqlutil"
	"github.com/ongoingai/console/internal/trace"
)

const rpcPathPrefix = "/api/trpc/"

const (
	codeOK                  = "OK"
	codeBadRequest          = "BAD_REQUEST"
	codeUnauthorized        = "UNAUTHORIZED"
	codeForbidden           = "FORBIDDEN"
	codeNotFound            = "NOT_FOUND"
	codeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	codePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	codeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	codeInternalServerError = "INTERNAL_SERVER_ERROR"
)

const (
	msgTraceNotFound = "No trace with this id in this project."
	msgScoreNotFound = "No annotation score with this id in this project."
)

// ErrInvalidInput marks a request body that decoded but failed validation.
var ErrInvalidInput = errors.New("invalid input")

var (
	errBodyTooLarge = errors.New("request body too large")
	errInvalidJSON  = errors.New("invalid json body")
)

const defaultMaxBodyBytes int64 = 1 << 20

// scopedInput is implemented by every procedure input. project is read
// before the access check; validate runs after it.
type scopedInput interface {
	project() string
	validate(limits pageLimits) error
}

// projectInput is embedded by inputs that carry projectId.
type projectInput struct {
	ProjectID string `json:"projectId"`
}

func (p *projectInput) project() string {
	return strings.TrimSpace(p.ProjectID)
}

type pageLimits struct {
	defaultSize int
	maxSize     int
}

// rpcCall is one authorized procedure invocation.
type rpcCall struct {
	procedure string
	rule      auth.Rule
	identity  *auth.Identity
	projectID string
	request   *http.Request
}

type procedureFunc func(ctx context.Context, h *rpcHandler, call *rpcCall, input scopedInput) (any, error)

type procedure struct {
	newInput func() scopedInput
	run      procedureFunc
}

// procedureOf adapts a typed handler to the dispatch table.
func procedureOf[T any, PT interface {
	*T
	scopedInput
}](run func(ctx context.Context, h *rpcHandler, call *rpcCall, input PT) (any, error)) procedure {
	return procedure{
		newInput: func() scopedInput { return PT(new(T)) },
		run: func(ctx context.Context, h *rpcHandler, call *rpcCall, input scopedInput) (any, error) {
			return run(ctx, h, call, input.(PT))
		},
	}
}

var procedures = map[string]procedure{
	"traces.all":                   procedureOf(handleTracesAll),
	"traces.byId":                  procedureOf(handleTraceByID),
	"scores.all":                   procedureOf(handleScoresAll),
	"scores.filterOptions":         procedureOf(handleScoreFilterOptions),
	"scores.getScoreKeysAndProps":  procedureOf(handleScoreKeysAndProps),
	"scores.createAnnotationScore": procedureOf(handleCreateAnnotationScore),
	"scores.updateAnnotationScore": procedureOf(handleUpdateAnnotationScore),
	"scores.deleteAnnotationScore": procedureOf(handleDeleteAnnotationScore),
}

type rpcHandler struct {
	traces       trace.TraceStore
	scores       score.Store
	logger       *slog.Logger
	metrics      Metrics
	maxBodyBytes int64
	limits       pageLimits
	authAudit    auth.AuditRecorder
	scoreAudit   ScoreAuditRecorder
}

func newRPCHandler(options RouterOptions) *rpcHandler {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := options.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	limits := pageLimits{defaultSize: options.DefaultPageSize, maxSize: options.MaxPageSize}
	if limits.maxSize <= 0 || limits.maxSize > score.MaxPageSize {
		limits.maxSize = score.MaxPageSize
	}
	if limits.defaultSize <= 0 || limits.defaultSize > limits.maxSize {
		limits.defaultSize = min(score.DefaultPageSize, limits.maxSize)
	}
	return &rpcHandler{
		traces:       options.TraceStore,
		scores:       options.ScoreStore,
		logger:       logger,
		metrics:      options.Metrics,
		maxBodyBytes: maxBody,
		limits:       limits,
		authAudit:    options.AuthAuditRecorder,
		scoreAudit:   options.ScoreAuditRecorder,
	}
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, rpcPathPrefix), "/")
	proc, known := procedures[name]
	rule, hasRule := auth.RuleFor(name)
	if !known || !hasRule {
		h.finish(w, r, name, fmt.Errorf("%w: unknown procedure %q", errUnknownProcedure, name))
		return
	}
	if !requireMethod(w, r, http.MethodPost) {
		h.recordRPC(r.Context(), name, codeMethodNotAllowed)
		return
	}

	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.finish(w, r, name, auth.ErrUnauthenticated)
		return
	}

	input := proc.newInput()
	if err := decodeBody(w, r, h.maxBodyBytes, input); err != nil {
		h.finish(w, r, name, err)
		return
	}
	projectID := input.project()
	observability.AnnotateRPC(r.Context(), name, projectID)
	if projectID == "" {
		h.finish(w, r, name, fmt.Errorf("%w: projectId is required", ErrInvalidInput))
		return
	}

	if err := authorize(identity, projectID, rule); err != nil {
		if h.authAudit != nil {
			event := auth.DenyEvent(r, http.StatusForbidden, denyReason(err), identity)
			event.Scope = rule.Scope
			event.ProjectID = projectID
			h.authAudit(r, event)
		}
		h.finish(w, r, name, err)
		return
	}
	if err := input.validate(h.limits); err != nil {
		h.finish(w, r, name, err)
		return
	}

	call := &rpcCall{
		procedure: name,
		rule:      rule,
		identity:  identity,
		projectID: projectID,
		request:   r,
	}
	result, err := proc.run(r.Context(), h, call, input)
	if err != nil {
		h.finish(w, r, name, err)
		return
	}
	h.recordRPC(r.Context(), name, codeOK)
	writeJSON(w, http.StatusOK, result)
}

var (
	errUnknownProcedure = errors.New("unknown procedure")
	errNotProjectMember = errors.New("user is not a member of this project")
	errStoreUnavailable = errors.New("store is not configured")
)

// authorize checks membership first so a missing scope and a missing
// membership are reported apart.
func authorize(identity *auth.Identity, projectID string, rule auth.Rule) error {
	if err := auth.RequireProjectAccess(identity, projectID); err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			return fmt.Errorf("%w: %w", errNotProjectMember, err)
		}
		return err
	}
	return auth.RequireProjectScope(identity, projectID, rule.Scope)
}

func denyReason(err error) string {
	switch {
	case errors.Is(err, errNotProjectMember):
		return "not_project_member"
	case errors.Is(err, auth.ErrForbidden):
		return "missing_scope"
	default:
		return "unauthenticated"
	}
}

// finish writes the error response for err and records the call.
func (h *rpcHandler) finish(w http.ResponseWriter, r *http.Request, procedure string, err error) {
	status, code, message := classifyError(err)
	if status == http.StatusInternalServerError {
		observability.RecordError(r.Context(), err)
		h.logger.ErrorContext(r.Context(),
			"procedure failed",
			"correlation_id", requestCorrelationID(r),
			"procedure", procedure,
			"error_class", sqlutil.ClassifyError(err),
			"error", observability.ScrubCredentials(err.Error()),
		)
	}
	h.recordRPC(r.Context(), procedure, code)
	writeError(w, status, code, message)
}

func (h *rpcHandler) recordRPC(ctx context.Context, procedure, code string) {
	if h.metrics != nil {
		h.metrics.RecordRPC(ctx, procedure, code)
	}
}

// classifyError maps err to a status, code and client-safe message.
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, errUnknownProcedure):
		return http.StatusNotFound, codeNotFound, "unknown procedure"
	case errors.Is(err, errStoreUnavailable):
		return http.StatusServiceUnavailable, codeServiceUnavailable, errStoreUnavailable.Error()
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, codePayloadTooLarge, errBodyTooLarge.Error()
	case errors.Is(err, errInvalidJSON):
		return http.StatusBadRequest, codeBadRequest, err.Error()
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, codeUnauthorized, "missing or invalid session token"
	case errors.Is(err, errNotProjectMember):
		return http.StatusForbidden, codeForbidden, "User is not a member of this project."
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, codeForbidden, "User does not have the required scope for this action."
	case errors.Is(err, score.ErrTraceNotFound), errors.Is(err, trace.ErrNotFound):
		return http.StatusNotFound, codeNotFound, msgTraceNotFound
	case errors.Is(err, score.ErrNotFound):
		return http.StatusNotFound, codeNotFound, msgScoreNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, score.ErrInvalidInput), errors.Is(err, filter.ErrInvalidFilter):
		return http.StatusBadRequest, codeBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, codeInternalServerError, "internal server error"
	}
}

// decodeBody reads exactly one JSON object into dst. Unknown fields and
// trailing data are rejected. An empty body leaves dst zero.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	if r == nil || r.Body == nil {
		return nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return errBodyTooLarge
		}
		return fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after the input object", errInvalidJSON)
	}
	return nil
}

// resolvePage applies the configured defaults and bounds to the wire page
// and limit.
func resolvePage(page, limit *int, limits pageLimits) (int, int, error) {
	resolvedPage := 0
	if page != nil {
		if *page < 0 {
			return 0, 0, fmt.Errorf("%w: page must be >= 0", ErrInvalidInput)
		}
		resolvedPage = *page
	}
	resolvedLimit := limits.defaultSize
	if limit != nil {
		if *limit < 1 || *limit > limits.maxSize {
			return 0, 0, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, limits.maxSize)
		}
		resolvedLimit = *limit
	}
	return resolvedPage, resolvedLimit, nil
}

func requestCorrelationID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id, ok := correlation.FromContext(r.Context()); ok {
		return id
	}
	return correlation.FromHeaders(r.Header)
}
