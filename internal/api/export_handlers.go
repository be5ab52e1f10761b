package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/export-service/internal/export"
)

// Handlers contains the HTTP handlers for the export API.
type Handlers struct {
	registry *export.Registry
	pipeline *export.Pipeline

	// rootCtx is the server's lifetime context; pipelines launched from
	// initiate requests are cancelled with it on shutdown.
	rootCtx context.Context
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(rootCtx context.Context, registry *export.Registry, pipeline *export.Pipeline) *Handlers {
	return &Handlers{
		registry: registry,
		pipeline: pipeline,
		rootCtx:  rootCtx,
	}
}

// cancelCleanupGrace is how long cancellation waits before deleting the
// artifact, letting a running pipeline release the file handle first.
const cancelCleanupGrace = 500 * time.Millisecond

// HandleInitiateExport validates the request, allocates a job, and launches
// its pipeline in the background.
//
//	POST /exports/csv
func (h *Handlers) HandleInitiateExport(w http.ResponseWriter, r *http.Request) {
	spec, err := parseExportSpec(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := h.registry.Create(*spec)
	go h.pipeline.Run(h.rootCtx, id)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"exportId": id,
		"status":   export.StatusPending,
	})
}

// statusResponse is the wire shape of a job snapshot.
type statusResponse struct {
	ExportID    string          `json:"exportId"`
	Status      string          `json:"status"`
	Progress    export.Progress `json:"progress"`
	Error       *string         `json:"error"`
	CreatedAt   string          `json:"createdAt"`
	CompletedAt *string         `json:"completedAt"`
}

func toStatusResponse(job *export.Job) statusResponse {
	resp := statusResponse{
		ExportID:  job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.Error != "" {
		msg := job.Error
		resp.Error = &msg
	}
	if job.CompletedAt != nil {
		ts := job.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &ts
	}
	return resp
}

// HandleExportStatus returns the job snapshot.
//
//	GET /exports/{id}/status
func (h *Handlers) HandleExportStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "export not found")
		return
	}
	respondJSON(w, http.StatusOK, toStatusResponse(job))
}

// HandleListExports returns snapshots of all jobs, newest first.
//
//	GET /exports
func (h *Handlers) HandleListExports(w http.ResponseWriter, r *http.Request) {
	jobs := h.registry.List()
	out := make([]statusResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toStatusResponse(job))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"exports":   out,
		"active":    h.registry.ActiveCount(),
		"maxActive": h.registry.MaxActive(),
	})
}

// HandleCancelExport cancels a pending or processing job and schedules
// artifact cleanup.
//
//	DELETE /exports/{id}
func (h *Handlers) HandleCancelExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.registry.CancelJob(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "export not found")
		return
	}
	if !ok {
		respondError(w, http.StatusBadRequest, "export is already in a terminal state")
		return
	}

	h.pipeline.CleanupArtifact(id, cancelCleanupGrace)
	w.WriteHeader(http.StatusNoContent)
}

// parseExportSpec validates the initiate query parameters and normalizes
// them into an export spec.
func parseExportSpec(r *http.Request) (*export.Spec, error) {
	q := r.URL.Query()
	spec := &export.Spec{
		Columns:   append([]string(nil), export.ExportableColumns...),
		Delimiter: ',',
		QuoteChar: '"',
	}

	if cc := q.Get("country_code"); cc != "" {
		if !validCountryCode(cc) {
			return nil, fmt.Errorf("country_code must be two uppercase letters, got %q", cc)
		}
		spec.Filters.CountryCode = cc
	}

	if tier := q.Get("subscription_tier"); tier != "" {
		if !export.SubscriptionTiers[tier] {
			return nil, fmt.Errorf("invalid subscription_tier %q", tier)
		}
		spec.Filters.SubscriptionTier = tier
	}

	if raw := q.Get("min_ltv"); raw != "" {
		ltv, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(ltv) || math.IsInf(ltv, 0) {
			return nil, fmt.Errorf("min_ltv must be a number, got %q", raw)
		}
		if ltv < 0 {
			return nil, fmt.Errorf("min_ltv must be non-negative, got %q", raw)
		}
		spec.Filters.MinLTV = &ltv
	}

	if raw := q.Get("columns"); raw != "" {
		columns, err := parseColumns(raw)
		if err != nil {
			return nil, err
		}
		spec.Columns = columns
	}

	if raw := q.Get("delimiter"); raw != "" {
		d, err := singleChar("delimiter", raw)
		if err != nil {
			return nil, err
		}
		spec.Delimiter = d
	}
	if raw := q.Get("quoteChar"); raw != "" {
		qc, err := singleChar("quoteChar", raw)
		if err != nil {
			return nil, err
		}
		spec.QuoteChar = qc
	}
	if spec.Delimiter == spec.QuoteChar {
		return nil, fmt.Errorf("delimiter and quoteChar must differ")
	}

	return spec, nil
}

func validCountryCode(cc string) bool {
	if len(cc) != 2 {
		return false
	}
	for _, c := range cc {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func parseColumns(raw string) ([]string, error) {
	allowed := make(map[string]bool, len(export.ExportableColumns))
	for _, col := range export.ExportableColumns {
		allowed[col] = true
	}

	var columns []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		col := strings.TrimSpace(part)
		if col == "" {
			continue
		}
		if !allowed[col] {
			return nil, fmt.Errorf("invalid column %q", col)
		}
		if seen[col] {
			return nil, fmt.Errorf("duplicate column %q", col)
		}
		seen[col] = true
		columns = append(columns, col)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("columns must name at least one exportable column")
	}
	return columns, nil
}

func singleChar(name, raw string) (rune, error) {
	if utf8.RuneCountInString(raw) != 1 {
		return 0, fmt.Errorf("%s must be a single character, got %q", name, raw)
	}
	r, _ := utf8.DecodeRuneInString(raw)
	return r, nil
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
