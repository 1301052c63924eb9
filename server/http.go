package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wolfeidau/bache/expiry"
	"github.com/wolfeidau/bache/telemetry"
)

// statsSource is implemented by stores that can summarise their contents.
type statsSource interface {
	Stats(ctx context.Context) (*expiry.Stats, error)
}

type instanceStats struct {
	TotalBlobs   int64  `json:"total_blobs"`
	TotalSize    int64  `json:"total_size"`
	OldestAccess string `json:"oldest_access,omitempty"`
	NewestAccess string `json:"newest_access,omitempty"`
}

// httpHandler serves the operational endpoints on the metrics listener.
func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports per-instance statistics for stores that keep them.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]instanceStats)
	for _, name := range s.stores.Instances() {
		st, err := s.stores.Get(name)
		if err != nil {
			continue
		}
		src, ok := st.(statsSource)
		if !ok {
			continue
		}
		stats, err := src.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		is := instanceStats{TotalBlobs: stats.TotalBlobs, TotalSize: stats.TotalSize}
		if !stats.OldestBlob.IsZero() {
			is.OldestAccess = stats.OldestBlob.Format(time.RFC3339)
			is.NewestAccess = stats.NewestBlob.Format(time.RFC3339)
		}
		out[name] = is
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
