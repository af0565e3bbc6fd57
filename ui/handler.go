package ui

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/query"
	"github.com/chrisjsewell/fireflow/pkg/security"
	"github.com/chrisjsewell/fireflow/pkg/storage"
)

// Handler returns the status API for a store, rooted at /api/v1.
//
// Usage:
//
//	http.ListenAndServe(":8080", ui.Handler(store))
func Handler(store core.Storage, opts ...Option) http.Handler {
	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	api := &apiHandler{store: store, logger: cfg.logger}

	r := chi.NewRouter()
	if cfg.middleware != nil {
		r.Use(cfg.middleware)
	}
	r.Get("/", api.index)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", api.status)
		r.Get("/calcjobs", api.listCalcJobs)
		r.Get("/calcjobs/{pk}", api.getCalcJob)
	})
	return r
}

type apiHandler struct {
	store  core.Storage
	logger *slog.Logger
}

// ─────────────────────────────────────────────────────────────────────────────
// Response shapes
// ─────────────────────────────────────────────────────────────────────────────

// The API maps store models onto dedicated response structs so client
// credentials can never leak through a preloaded association.

type statusResponse struct {
	Clients  int64            `json:"clients"`
	Codes    int64            `json:"codes"`
	CalcJobs int64            `json:"calcjobs"`
	ByState  map[string]int64 `json:"by_state"`
	ByStep   map[string]int64 `json:"by_step"`
}

type calcJobSummary struct {
	PK     uint   `json:"pk"`
	Label  string `json:"label"`
	UUID   string `json:"uuid"`
	CodePK uint   `json:"code_pk"`
	Step   string `json:"step,omitempty"`
	State  string `json:"state,omitempty"`
	JobID  string `json:"job_id,omitempty"`
}

type calcJobDetail struct {
	calcJobSummary
	Parameters     map[string]any     `json:"parameters,omitempty"`
	UploadPaths    map[string]*string `json:"upload_paths,omitempty"`
	DownloadGlobs  []string           `json:"download_globs,omitempty"`
	ScriptKey      string             `json:"script_key,omitempty"`
	RemoteState    string             `json:"remote_state,omitempty"`
	Exception      string             `json:"exception,omitempty"`
	RetrievedPaths map[string]*string `json:"retrieved_paths,omitempty"`
	LockedBy       string             `json:"locked_by,omitempty"`
	LockedUntil    *time.Time         `json:"locked_until,omitempty"`
	UpdatedAt      *time.Time         `json:"updated_at,omitempty"`
}

type calcJobList struct {
	Items    []calcJobSummary `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func summarize(calc *core.CalcJob) calcJobSummary {
	s := calcJobSummary{
		PK:     calc.PK,
		Label:  calc.Label,
		UUID:   calc.UUID,
		CodePK: calc.CodePK,
	}
	if calc.Processing != nil {
		s.Step = string(calc.Processing.Step)
		s.State = string(calc.Processing.State)
		s.JobID = calc.Processing.JobID
	}
	return s
}

func detail(calc *core.CalcJob) calcJobDetail {
	d := calcJobDetail{
		calcJobSummary: summarize(calc),
		Parameters:     calc.Parameters,
		UploadPaths:    calc.UploadPaths,
		DownloadGlobs:  calc.DownloadGlobs,
	}
	if proc := calc.Processing; proc != nil {
		d.ScriptKey = proc.ScriptKey
		d.RemoteState = string(proc.RemoteState)
		d.Exception = proc.Exception
		d.RetrievedPaths = proc.RetrievedPaths
		d.LockedBy = proc.LockedBy
		d.LockedUntil = proc.LockedUntil
		d.UpdatedAt = &proc.UpdatedAt
	}
	return d
}

// ─────────────────────────────────────────────────────────────────────────────
// Routes
// ─────────────────────────────────────────────────────────────────────────────

func (h *apiHandler) index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "fireflow",
		"endpoints": []string{
			"/api/v1/status",
			"/api/v1/calcjobs",
			"/api/v1/calcjobs/{pk}",
		},
	})
}

func (h *apiHandler) status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	resp := statusResponse{
		Clients:  stats.Clients,
		Codes:    stats.Codes,
		CalcJobs: stats.CalcJobs,
		ByState:  make(map[string]int64, len(stats.ByState)),
		ByStep:   make(map[string]int64, len(stats.ByStep)),
	}
	for state, n := range stats.ByState {
		resp.ByState[string(state)] = n
	}
	for step, n := range stats.ByStep {
		resp.ByStep[string(step)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) listCalcJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := query.Parse(r.URL.Query().Get("where"), storage.CalcJobColumns)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	// A nil *Filter must stay a nil Predicate.
	var pred core.Predicate
	if filter != nil {
		pred = filter
	}

	page := core.Page{
		Number: intParam(r, "page", 1),
		Size:   security.ClampPageSize(intParam(r, "pageSize", 0)),
	}
	if page.Number < 1 {
		page.Number = 1
	}

	total, err := h.store.CountCalcJobs(r.Context(), pred)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	calcs, err := h.store.ListCalcJobs(r.Context(), pred, page)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	resp := calcJobList{
		Items:    make([]calcJobSummary, 0, len(calcs)),
		Total:    total,
		Page:     page.Number,
		PageSize: page.Size,
	}
	for _, calc := range calcs {
		resp.Items = append(resp.Items, summarize(calc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) getCalcJob(w http.ResponseWriter, r *http.Request) {
	pk, err := strconv.ParseUint(chi.URLParam(r, "pk"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "pk must be an integer"})
		return
	}

	calc, err := h.store.GetCalcJob(r.Context(), uint(pk))
	if errors.Is(err, core.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail(calc))
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func (h *apiHandler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
