// Package api is the L6 read API and manual mutation surface of §4.6,
// §6. It generalizes the teacher's stdlib http.ServeMux handler.go into
// a chi-routed API over the new domain model, and switches the error
// envelope from the teacher's {error} to the spec's {detail} shape.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/omc-payops/nvc-reconciler/internal/matcher"
	"github.com/omc-payops/nvc-reconciler/internal/models"
	"github.com/omc-payops/nvc-reconciler/internal/store"
)

// Scheduler is the subset of scheduler.Scheduler the API needs, kept
// as an interface so the API package doesn't import the scheduler
// package back (it's the other way around in cmd/server).
type Scheduler interface {
	Status() map[string]models.SyncState
}

// API holds the dependencies HTTP handlers need.
type API struct {
	store     *store.Store
	scheduler Scheduler
	tol       models.Tolerances
	log       *logrus.Entry
}

func New(s *store.Store, sched Scheduler, tol models.Tolerances, log *logrus.Entry) *API {
	return &API{store: s, scheduler: sched, tol: tol, log: log}
}

// Router builds the chi mux with the full §4.6/§6 surface plus CORS and
// request logging middleware, carried forward in spirit from the
// teacher's main.go wiring.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequest)
	r.Use(a.cors)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queue", a.getQueue)
		r.Get("/records/{nvc}", a.getRecord)
		r.Get("/records/{nvc}/suggestions", a.getSuggestions)
		r.Get("/summary", a.getSummary)
		r.Get("/search", a.crossSearch)
		r.Get("/sync-status", a.getSyncStatus)
		r.Get("/overview", a.getOverview)
		r.Post("/records/{nvc}/associate", a.postAssociate)
		r.Post("/records/{nvc}/flag", a.postFlag)
	})

	return r
}

func (a *API) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) getQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.QueueFilter{
		Status:       q.Get("status"),
		Tenant:       q.Get("tenant"),
		InvoiceState: q.Get("invoice_status"),
		Search:       q.Get("q"),
		Sort:         q.Get("sort"),
		Limit:        atoiDefault(q.Get("limit"), 50),
		Offset:       atoiDefault(q.Get("offset"), 0),
	}
	page, err := a.store.Queue(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": page.Records,
		"total":   page.Total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request) {
	nvc := chi.URLParam(r, "nvc")
	rec, found, err := a.store.GetRecord(r.Context(), nvc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no reconciliation record for nvc "+nvc)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) getSuggestions(w http.ResponseWriter, r *http.Request) {
	nvc := chi.URLParam(r, "nvc")
	suggestions, err := a.store.Suggestions(r.Context(), nvc, a.tol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nvc": nvc, "suggestions": suggestions})
}

func (a *API) getSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.store.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) crossSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CrossSearchFilter{
		Query:  q.Get("q"),
		Source: q.Get("source"),
		Tenant: q.Get("tenant"),
	}
	if v := q.Get("amount_min"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			filter.AmountMin = &d
		}
	}
	if v := q.Get("amount_max"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			filter.AmountMax = &d
		}
	}
	results, err := a.store.CrossSearch(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *API) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.Status())
}

func (a *API) getOverview(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			window = d
		}
	}
	ov, err := a.store.OverviewSince(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

type associateRequest struct {
	TargetID string `json:"target_id"`
	Source   string `json:"source"`
	Note     string `json:"note"`
}

func (a *API) postAssociate(w http.ResponseWriter, r *http.Request) {
	nvc := chi.URLParam(r, "nvc")
	var req associateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.TargetID == "" || req.Source == "" {
		writeError(w, http.StatusBadRequest, "target_id and source are required")
		return
	}
	if err := a.store.Associate(r.Context(), nvc, req.TargetID, req.Source, req.Note); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// §4.6 associate() "triggers reclassification": the row's status is
	// recomputed right after the link. Store.Associate records only the
	// target's id, not its amount, so the legs the classifier sees are
	// the ones already on the row.
	if _, err := a.store.ReclassifyNVC(r.Context(), nvc, func(rec *models.ReconciliationRecord) (models.MatchStatus, string) {
		return matcher.Reclassify(rec, a.tol)
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nvc": nvc, "status": "associated"})
}

type flagRequest struct {
	Flag       string `json:"flag"`
	Notes      string `json:"notes"`
	ResolvedBy string `json:"resolved_by"`
}

func (a *API) postFlag(w http.ResponseWriter, r *http.Request) {
	nvc := chi.URLParam(r, "nvc")
	var req flagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	var flag *models.ManualFlag
	if req.Flag != "" {
		f := models.ManualFlag(req.Flag)
		flag = &f
	}
	if err := a.store.Flag(r.Context(), nvc, flag, req.Notes, req.ResolvedBy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nvc": nvc, "status": "flagged"})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// writeError uses the spec's {detail: string} envelope (§6), which
// overrides the teacher's {error: string} shape.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
