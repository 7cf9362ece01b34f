// Package api serves the local management surface: health, status, cycle
// history, the processed-decision cache, manual triggering, and metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/ridesweep/internal/engine"
	"github.com/kalambet/ridesweep/internal/storage"
)

const defaultListLimit = 50

// Reporter exposes the engine's last cycle report.
type Reporter interface {
	LastReport() *engine.Report
}

// Trigger lets the API request an immediate cycle and inspect the schedule.
type Trigger interface {
	TriggerNow()
	NextTick() time.Time
}

// DecisionReader is the slice of storage the handlers need.
type DecisionReader interface {
	ListDecisions(limit int, outcome storage.Outcome) ([]storage.Decision, error)
	DeleteDecision(indoorID int64) error
	CountDecisions() (map[storage.Outcome]int, error)
	RecentCycles(limit int) ([]storage.Cycle, error)
}

// Deps wires the handler's collaborators.
type Deps struct {
	Engine    Reporter
	Scheduler Trigger
	Store     DecisionReader
	Token     string
	Version   string
}

// NewHandler builds the management router. /health and /metrics are open;
// everything else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/status", handleStatus(deps))
		r.Get("/cycles", handleListCycles(deps))
		r.Get("/decisions", handleListDecisions(deps))
		r.Delete("/decisions/{id}", handleDeleteDecision(deps))
		r.Post("/run", handleRun(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": deps.Version,
		})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountDecisions()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting decisions: %v", err)
			return
		}

		resp := map[string]any{
			"version":   deps.Version,
			"next_tick": deps.Scheduler.NextTick(),
			"decisions": counts,
		}
		if last := deps.Engine.LastReport(); last != nil {
			resp["last_cycle"] = last
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListCycles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cycles, err := deps.Store.RecentCycles(queryLimit(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing cycles: %v", err)
			return
		}
		if cycles == nil {
			cycles = []storage.Cycle{}
		}
		writeJSON(w, http.StatusOK, cycles)
	}
}

func handleListDecisions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outcome := storage.Outcome(r.URL.Query().Get("outcome"))
		if outcome != "" && !storage.ValidOutcome(string(outcome)) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown outcome %q", outcome)
			return
		}

		decisions, err := deps.Store.ListDecisions(queryLimit(r), outcome)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing decisions: %v", err)
			return
		}

		out := make([]decisionJSON, 0, len(decisions))
		for _, d := range decisions {
			out = append(out, toDecisionJSON(d))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteDecision(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid activity id: %v", err)
			return
		}
		if err := deps.Store.DeleteDecision(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "no decision for activity %d", id)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "deleting decision: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"forgotten": id})
	}
}

func handleRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Scheduler.TriggerNow()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	}
}

// decisionJSON is the wire form of a storage.Decision.
type decisionJSON struct {
	IndoorID  int64  `json:"indoor_id"`
	VirtualID int64  `json:"virtual_id,omitempty"`
	Outcome   string `json:"outcome"`
	DeltaSec  int64  `json:"delta_seconds"`
	Detail    string `json:"detail,omitempty"`
	DecidedAt string `json:"decided_at"`
}

func toDecisionJSON(d storage.Decision) decisionJSON {
	return decisionJSON{
		IndoorID:  d.IndoorID,
		VirtualID: d.VirtualID,
		Outcome:   string(d.Outcome),
		DeltaSec:  int64(d.Delta.Seconds()),
		Detail:    d.Detail,
		DecidedAt: d.DecidedAt.UTC().Format(time.RFC3339),
	}
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
