package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/console/internal/score"
	"github.com/ongoingai/console/internal/trace"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	TraceStore    trace.TraceStore
	ScoreStore    score.Store
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSec     int64  `json:"uptime_sec"`
	StorageDriver string `json:"storage_driver"`
	TraceCount    int64  `json:"trace_count"`
	ScoreCount    int64  `json:"score_count"`
	DBSizeBytes   int64  `json:"db_size_bytes,omitempty"`
}

// HealthHandler reports liveness. Count failures leave the counts at zero
// rather than failing the check.
func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		traceCount := int64(0)
		if options.TraceStore != nil {
			if count, err := options.TraceStore.CountTraces(r.Context(), ""); err == nil {
				traceCount = count
			}
		}
		scoreCount := int64(0)
		if options.ScoreStore != nil {
			if count, err := options.ScoreStore.TotalScores(r.Context(), ""); err == nil {
				scoreCount = count
			}
		}

		dbSizeBytes := int64(0)
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:        "ok",
			Version:       options.Version,
			UptimeSec:     int64(uptime.Seconds()),
			StorageDriver: options.StorageDriver,
			TraceCount:    traceCount,
			ScoreCount:    scoreCount,
			DBSizeBytes:   dbSizeBytes,
		})
	})
}
