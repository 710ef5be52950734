package observability

import (
	"context"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

// credentialPatterns match secrets that can surface in storage errors and
// request metadata: session bearer tokens, JWTs, DSN passwords and
// key=value secrets.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}`),
	regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)\b(postgres(?:ql)?://[^:/@\s]+:)[^@\s]+@`),
	regexp.MustCompile(`(?i)\b(?:password|secret|token|token_hash)\s*=\s*\S{4,}`),
}

// ContainsCredential reports whether s matches any credential pattern.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces credential matches in s. DSN passwords keep the
// scheme and user so the message still names the database.
func ScrubCredentials(s string) string {
	if len(s) < 8 {
		return s
	}
	result := s
	changed := false
	for idx, p := range credentialPatterns {
		if !p.MatchString(result) {
			continue
		}
		changed = true
		if idx == 2 {
			result = p.ReplaceAllString(result, "${1}"+credentialRedacted+"@")
			continue
		}
		result = p.ReplaceAllString(result, credentialRedacted)
	}
	if !changed {
		return s
	}
	return strings.TrimSpace(result)
}

// scrubbingExporter sanitizes string attributes, event attributes and
// status descriptions before spans leave the process.
type scrubbingExporter struct {
	wrapped sdktrace.SpanExporter
}

func newScrubbingExporter(wrapped sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &scrubbingExporter{wrapped: wrapped}
}

func (e *scrubbingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	scrubbed := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, s := range spans {
		scrubbed[i] = scrubSpan(s)
	}
	return e.wrapped.ExportSpans(ctx, scrubbed)
}

func (e *scrubbingExporter) Shutdown(ctx context.Context) error {
	return e.wrapped.Shutdown(ctx)
}

// scrubSpan returns s unchanged when it is clean.
func scrubSpan(s sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	if !spanNeedsScrubbing(s) {
		return s
	}

	stub := tracetest.SpanStubFromReadOnlySpan(s)
	stub.Attributes = scrubAttributes(stub.Attributes)
	for i, event := range stub.Events {
		stub.Events[i].Attributes = scrubAttributes(event.Attributes)
	}
	stub.Status.Description = ScrubCredentials(stub.Status.Description)
	return stub.Snapshot()
}

func spanNeedsScrubbing(s sdktrace.ReadOnlySpan) bool {
	if attributesNeedScrubbing(s.Attributes()) {
		return true
	}
	for _, event := range s.Events() {
		if attributesNeedScrubbing(event.Attributes) {
			return true
		}
	}
	return ContainsCredential(s.Status().Description)
}

func attributesNeedScrubbing(attrs []attribute.KeyValue) bool {
	for _, a := range attrs {
		if a.Value.Type() == attribute.STRING && ContainsCredential(a.Value.AsString()) {
			return true
		}
	}
	return false
}

func scrubAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	result := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		if a.Value.Type() == attribute.STRING {
			if val := a.Value.AsString(); ContainsCredential(val) {
				result[i] = attribute.String(string(a.Key), ScrubCredentials(val))
				continue
			}
		}
		result[i] = a
	}
	return result
}
