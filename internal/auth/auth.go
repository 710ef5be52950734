package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	RoleViewer Role = "VIEWER"
	RoleNone   Role = "NONE"
)

// ParseRole accepts any casing. Blank parses as RoleNone.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch role {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer, RoleNone:
		return role, nil
	case "":
		return RoleNone, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

type Scope string

const (
	ScopeProjectRead Scope = "project:read"
	ScopeScoresCUD   Scope = "scores:CUD"
)

func scopesForRole(role Role) []Scope {
	switch role {
	case RoleOwner, RoleAdmin, RoleMember:
		return []Scope{ScopeProjectRead, ScopeScoresCUD}
	case RoleViewer:
		return []Scope{ScopeProjectRead}
	default:
		return nil
	}
}

// Rule maps one RPC procedure to the project scope it needs.
type Rule struct {
	Procedure string
	Scope     Scope
	Mutation  bool
}

var procedureRules = []Rule{
	{Procedure: "traces.all", Scope: ScopeProjectRead},
	{Procedure: "traces.byId", Scope: ScopeProjectRead},
	{Procedure: "scores.all", Scope: ScopeProjectRead},
	{Procedure: "scores.filterOptions", Scope: ScopeProjectRead},
	{Procedure: "scores.getScoreKeysAndProps", Scope: ScopeProjectRead},
	{Procedure: "scores.createAnnotationScore", Scope: ScopeScoresCUD, Mutation: true},
	{Procedure: "scores.updateAnnotationScore", Scope: ScopeScoresCUD, Mutation: true},
	{Procedure: "scores.deleteAnnotationScore", Scope: ScopeScoresCUD, Mutation: true},
}

// AuthorizationMatrix documents the enforced procedure policy.
func AuthorizationMatrix() []Rule {
	out := make([]Rule, len(procedureRules))
	copy(out, procedureRules)
	return out
}

func RuleFor(procedure string) (Rule, bool) {
	for _, rule := range procedureRules {
		if rule.Procedure == procedure {
			return rule, true
		}
	}
	return Rule{}, false
}

const defaultHeaderName = "Authorization"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")

	ErrMissingToken = fmt.Errorf("%w: missing session token", ErrUnauthenticated)
	ErrInvalidToken = fmt.Errorf("%w: invalid session token", ErrUnauthenticated)
)

type ProjectGrant struct {
	ID   string
	Name string
	Role string
}

type SessionConfig struct {
	ID        string
	Token     string
	TokenHash string
	UserID    string
	UserName  string
	UserEmail string
	UserImage string
	OrgID     string
	OrgRole   string
	Projects  []ProjectGrant
}

type Options struct {
	Enabled  bool
	Header   string
	Sessions []SessionConfig
}

// Identity is the session a request runs as.
type Identity struct {
	SessionID string
	UserID    string
	UserName  string
	UserEmail string
	UserImage string
	OrgID     string
	OrgRole   Role

	projects    map[string]Role
	allProjects bool
}

const (
	LocalUserID = "local-user"
	LocalOrgID  = "local"
)

// LocalIdentity is used when auth is disabled: an owner of every project.
func LocalIdentity() *Identity {
	return &Identity{
		SessionID:   "local",
		UserID:      LocalUserID,
		UserName:    "Local User",
		OrgID:       LocalOrgID,
		OrgRole:     RoleOwner,
		allProjects: true,
	}
}

// ProjectRole returns RoleNone for projects outside the session.
func (i *Identity) ProjectRole(projectID string) Role {
	if i == nil {
		return RoleNone
	}
	if i.allProjects {
		return i.OrgRole
	}
	role, ok := i.projects[strings.TrimSpace(projectID)]
	if !ok {
		return RoleNone
	}
	return role
}

func (i *Identity) HasScope(projectID string, scope Scope) bool {
	for _, granted := range scopesForRole(i.ProjectRole(projectID)) {
		if granted == scope {
			return true
		}
	}
	return false
}

// ProjectIDs lists the explicitly granted projects, sorted.
func (i *Identity) ProjectIDs() []string {
	if i == nil {
		return nil
	}
	out := make([]string, 0, len(i.projects))
	for id := range i.projects {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func RequireProjectAccess(identity *Identity, projectID string) error {
	if identity == nil {
		return ErrUnauthenticated
	}
	if identity.ProjectRole(projectID) == RoleNone {
		return fmt.Errorf("%w: user is not a member of project %q", ErrForbidden, projectID)
	}
	return nil
}

func RequireProjectScope(identity *Identity, projectID string, scope Scope) error {
	if err := RequireProjectAccess(identity, projectID); err != nil {
		return err
	}
	if !identity.HasScope(projectID, scope) {
		return fmt.Errorf("%w: missing scope %s on project %q", ErrForbidden, scope, projectID)
	}
	return nil
}

type Authorizer struct {
	enabled  bool
	header   string
	sessions map[string]*Identity
}

func NewAuthorizer(options Options) (*Authorizer, error) {
	header := normalizeHeaderName(options.Header)
	if header == "" {
		header = defaultHeaderName
	}

	authorizer := &Authorizer{
		enabled:  options.Enabled,
		header:   header,
		sessions: map[string]*Identity{},
	}
	if !options.Enabled {
		return authorizer, nil
	}
	if len(options.Sessions) == 0 {
		return nil, errors.New("auth is enabled but no sessions are configured")
	}

	for idx, session := range options.Sessions {
		tokenHash := normalizeTokenHash(session.TokenHash)
		if tokenHash == "" {
			token := strings.TrimSpace(session.Token)
			if token == "" {
				return nil, fmt.Errorf("session %d: token cannot be empty", idx)
			}
			tokenHash = hashToken(token)
		}
		if _, exists := authorizer.sessions[tokenHash]; exists {
			return nil, errors.New("duplicate session token in auth config")
		}

		userID := strings.TrimSpace(session.UserID)
		orgID := strings.TrimSpace(session.OrgID)
		if userID == "" || orgID == "" {
			return nil, fmt.Errorf("session %d: user_id and org_id are required", idx)
		}
		orgRole, err := ParseRole(session.OrgRole)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", idx, err)
		}

		projects := make(map[string]Role, len(session.Projects))
		for _, grant := range session.Projects {
			id := strings.TrimSpace(grant.ID)
			if id == "" {
				return nil, fmt.Errorf("session %d: project id cannot be empty", idx)
			}
			role := orgRole
			if strings.TrimSpace(grant.Role) != "" {
				if role, err = ParseRole(grant.Role); err != nil {
					return nil, fmt.Errorf("session %d project %q: %w", idx, id, err)
				}
			}
			projects[id] = role
		}

		authorizer.sessions[tokenHash] = &Identity{
			SessionID: nonEmpty(session.ID, fmt.Sprintf("session-%d", idx)),
			UserID:    userID,
			UserName:  strings.TrimSpace(session.UserName),
			UserEmail: strings.TrimSpace(session.UserEmail),
			UserImage: strings.TrimSpace(session.UserImage),
			OrgID:     orgID,
			OrgRole:   orgRole,
			projects:  projects,
		}
	}

	return authorizer, nil
}

func (a *Authorizer) Enabled() bool {
	return a != nil && a.enabled
}

func (a *Authorizer) HeaderName() string {
	if a == nil || strings.TrimSpace(a.header) == "" {
		return defaultHeaderName
	}
	return a.header
}

// Authenticate resolves the request session. With auth disabled every
// request runs as LocalIdentity.
func (a *Authorizer) Authenticate(r *http.Request) (*Identity, error) {
	if !a.Enabled() {
		return LocalIdentity(), nil
	}

	token := strings.TrimSpace(r.Header.Get(a.HeaderName()))
	if a.HeaderName() == defaultHeaderName {
		if len(token) < len("bearer ") || !strings.EqualFold(token[:len("bearer ")], "bearer ") {
			return nil, ErrMissingToken
		}
		token = strings.TrimSpace(token[len("bearer "):])
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	identity, ok := a.sessions[hashToken(token)]
	if !ok {
		return nil, ErrInvalidToken
	}
	return identity.clone(), nil
}

type AuditRecorder func(r *http.Request, event AuditEvent)

type AuditEvent struct {
	Action     string
	Outcome    string
	Reason     string
	StatusCode int
	Path       string
	Procedure  string
	Scope      Scope
	ProjectID  string
	SessionID  string
	UserID     string
	OrgID      string
}

// DenyEvent builds the audit event for a refused request.
func DenyEvent(r *http.Request, statusCode int, reason string, identity *Identity) AuditEvent {
	event := AuditEvent{
		Action:     "console_auth",
		Outcome:    "deny",
		Reason:     strings.TrimSpace(reason),
		StatusCode: statusCode,
	}
	if r != nil && r.URL != nil {
		event.Path = r.URL.Path
		event.Procedure = procedureFromPath(r.URL.Path)
	}
	if identity != nil {
		event.SessionID = identity.SessionID
		event.UserID = identity.UserID
		event.OrgID = identity.OrgID
	}
	return event
}

type MiddlewareOptions struct {
	AuditRecorder AuditRecorder
}

// Middleware authenticates every request except health checks and CORS
// preflights and stores the identity in the request context.
func Middleware(authorizer *Authorizer, options MiddlewareOptions, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bypass(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := authorizer.Authenticate(r)
		if err != nil {
			reason := "invalid_session_token"
			if errors.Is(err, ErrMissingToken) {
				reason = "missing_session_token"
			}
			if options.AuditRecorder != nil {
				options.AuditRecorder(r, DenyEvent(r, http.StatusUnauthorized, reason, nil))
			}
			writeAuthError(w, http.StatusUnauthorized, "missing or invalid session token")
			return
		}

		request := r.Clone(WithIdentity(r.Context(), identity))
		if authorizer.Enabled() {
			request.Header = r.Header.Clone()
			request.Header.Del(authorizer.HeaderName())
		}
		next.ServeHTTP(w, request)
	})
}

func bypass(method, path string) bool {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == http.MethodOptions {
		return true
	}
	return path == "/api/health" && (method == http.MethodGet || method == http.MethodHead)
}

func procedureFromPath(path string) string {
	const prefix = "/api/trpc/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  "UNAUTHORIZED",
	})
}

func normalizeHeaderName(header string) string {
	value := strings.TrimSpace(header)
	if value == "" {
		return ""
	}
	return textproto.CanonicalMIMEHeaderKey(value)
}

func nonEmpty(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

// HashToken is the token_hash form accepted in config.
func HashToken(token string) string {
	return hashToken(token)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalizeTokenHash(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}

func (i *Identity) clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	if len(i.projects) > 0 {
		out.projects = make(map[string]Role, len(i.projects))
		for id, role := range i.projects {
			out.projects[id] = role
		}
	}
	return &out
}

type contextIdentityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, contextIdentityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(contextIdentityKey{}).(*Identity)
	return identity, ok && identity != nil
}
