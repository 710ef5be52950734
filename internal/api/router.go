package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/console/internal/auth"
	"github.com/ongoingai/console/internal/score"
	"github.com/ongoingai/console/internal/trace"
)

// Metrics receives per-call counters. *observability.Runtime satisfies it.
type Metrics interface {
	RecordRPC(ctx context.Context, procedure, code string)
	RecordScoreMutation(ctx context.Context, action string)
}

type RouterOptions struct {
	AppVersion    string
	StorageDriver string
	StoragePath   string
	TraceStore    trace.TraceStore
	ScoreStore    score.Store
	Logger        *slog.Logger
	Metrics       Metrics
	// AuthHeader is added to the CORS allow list when it is not
	// Authorization.
	AuthHeader         string
	MaxBodyBytes       int64
	DefaultPageSize    int
	MaxPageSize        int
	AuthAuditRecorder  auth.AuditRecorder
	ScoreAuditRecorder ScoreAuditRecorder
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		TraceStore:    options.TraceStore,
		ScoreStore:    options.ScoreStore,
	}))
	mux.Handle(rpcPathPrefix, newRPCHandler(options))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "ongoingai console",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux, options.AuthHeader)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\",\"code\":\"INTERNAL_SERVER_ERROR\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler, authHeader string) http.Handler {
	allowedHeaders := []string{"Content-Type", "Authorization", "X-Request-ID"}
	customHeader := strings.TrimSpace(authHeader)
	if customHeader != "" {
		alreadyAllowed := false
		for _, header := range allowedHeaders {
			if strings.EqualFold(header, customHeader) {
				alreadyAllowed = true
				break
			}
		}
		if !alreadyAllowed {
			allowedHeaders = append(allowedHeaders, customHeader)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
