package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is echoed on every response.
	HeaderName = "X-Request-ID"
	maxIDLen   = 128
)

// inbound headers accepted as a request id, in priority order
var candidateHeaders = []string{
	HeaderName,
	"X-Correlation-ID",
}

type contextKey struct{}

var correlationContextKey contextKey

// EnsureRequest returns req with a request id in its context and headers,
// reusing a valid inbound id when one is present.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	if id, ok := FromContext(req.Context()); ok {
		if req.Header == nil {
			req.Header = make(http.Header)
		}
		req.Header.Set(HeaderName, id)
		return req, id
	}

	id := FromHeaders(req.Header)
	if id == "" {
		id = NewID()
	}

	req = req.WithContext(WithContext(req.Context(), id))
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return req, id
}

func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalizeID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey, normalized)
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(correlationContextKey).(string)
	if !ok {
		return "", false
	}
	normalized := normalizeID(value)
	if normalized == "" {
		return "", false
	}
	return normalized, true
}

func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	for _, header := range candidateHeaders {
		if id := normalizeID(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

func NewID() string {
	return "req-" + uuid.NewString()
}

// normalizeID truncates to maxIDLen and rejects anything outside
// [A-Za-z0-9-_.:].
func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
