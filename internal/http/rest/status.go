package rest

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kioskmedia/asset_refresher/internal/coordinator"
	"github.com/kioskmedia/asset_refresher/internal/logctx"
	"github.com/kioskmedia/asset_refresher/internal/storage"
)

const defaultRefreshLimit = 50

// StateReporter exposes the coordinator's current state to the API.
type StateReporter interface {
	CurrentState() coordinator.State
}

type StatusResponse struct {
	State        string     `json:"state"`
	AssetPath    string     `json:"assetPath"`
	AssetPresent bool       `json:"assetPresent"`
	SizeBytes    int64      `json:"sizeBytes,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

type RefreshResponse struct {
	JobID     string `json:"jobId"`
	Kind      string `json:"kind"`
	URL       string `json:"url"`
	LocalPath string `json:"localPath,omitempty"`
	Status    string `json:"status"`
	FetchedAt string `json:"fetchedAt"`
}

// StatusHandler serves the observability surface of the refresher.
type StatusHandler struct {
	reporter  StateReporter
	assetPath string
	repo      storage.RefreshReadRepository
	metrics   http.Handler
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(reporter StateReporter, assetPath string, repo storage.RefreshReadRepository, metrics http.Handler) *StatusHandler {
	return &StatusHandler{
		reporter:  reporter,
		assetPath: assetPath,
		repo:      repo,
		metrics:   metrics,
	}
}

func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", h.HandleStatus)
	r.Get("/refreshes", h.HandleRefreshes)

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	return r
}

func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		State:     h.reporter.CurrentState().String(),
		AssetPath: h.assetPath,
	}

	if info, err := os.Stat(h.assetPath); err == nil {
		resp.AssetPresent = true
		resp.SizeBytes = info.Size()

		modTime := info.ModTime()
		resp.LastModified = &modTime
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *StatusHandler) HandleRefreshes(w http.ResponseWriter, r *http.Request) {
	limit := defaultRefreshLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)

			return
		}

		limit = parsed
	}

	records, err := h.repo.GetRefreshes(limit)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to load refresh history", "err", err)
		http.Error(w, "failed to load refresh history", http.StatusInternalServerError)

		return
	}

	resp := make([]RefreshResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, RefreshResponse{
			JobID:     rec.JobID,
			Kind:      rec.Kind,
			URL:       rec.URL,
			LocalPath: rec.LocalPath,
			Status:    rec.Status,
			FetchedAt: rec.FetchedAt,
		})
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
