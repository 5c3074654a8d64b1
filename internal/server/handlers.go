package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/rigwatch/internal/alerts"
	"github.com/steveyegge/rigwatch/internal/gt"
	"github.com/steveyegge/rigwatch/internal/history"
	"github.com/steveyegge/rigwatch/internal/model"
	"github.com/steveyegge/rigwatch/internal/rules"
)

// apiError is the JSON error envelope every endpoint returns on failure.
type apiError struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// routes builds the REST mux. Handlers are stateless readers over the
// stores; every request is bounded by the server-wide timeout.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.hub.ServeWS)

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/timeline/events/all", s.handleAllEvents)
	mux.HandleFunc("GET /api/timeline/events", s.handleEvents)
	mux.HandleFunc("GET /api/metrics/history", s.handleMetricsHistory)
	mux.HandleFunc("GET /api/metrics/summary", s.handleMetricsSummary)
	mux.HandleFunc("GET /api/patterns", s.handlePatterns)

	mux.HandleFunc("GET /api/rules", s.handleListRules)
	mux.HandleFunc("POST /api/rules", s.handleCreateRule)
	mux.HandleFunc("GET /api/rules/{id}", s.handleGetRule)
	mux.HandleFunc("PUT /api/rules/{id}", s.handleUpdateRule)
	mux.HandleFunc("DELETE /api/rules/{id}", s.handleDeleteRule)
	mux.HandleFunc("POST /api/rules/{id}/toggle", s.handleToggleRule)
	mux.HandleFunc("POST /api/rules/test", s.handleTestRule)

	mux.HandleFunc("GET /api/alerts", s.handleListAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/acknowledge", s.handleAckAlert)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", s.handleResolveAlert)
	mux.HandleFunc("DELETE /api/alerts/{id}", s.handleDeleteAlert)

	mux.HandleFunc("GET /api/events/export", s.handleExport)
	mux.HandleFunc("GET /api/agents/{rig}/{role}/{name}/peek", s.handlePeek)

	mux.HandleFunc("GET /api/replay", s.handleListReplays)
	mux.HandleFunc("POST /api/replay", s.handleCreateReplay)
	mux.HandleFunc("POST /api/replay/{id}/start", s.handleStartReplay)

	return http.TimeoutHandler(mux, requestTimeout, `{"error":{"kind":"ErrTimeout","message":"request timed out"}}`)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rigs":   s.poller.Rigs(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.world.State())
}

func (s *Server) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	bounds, _ := s.history.Bounds()
	writeJSON(w, http.StatusOK, map[string]any{
		"events": s.history.Events(),
		"bounds": bounds,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseWindow(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var filter func(model.Event) bool
	if t := r.URL.Query().Get("type"); t != "" {
		if !model.KnownEventType(model.EventType(t)) {
			writeError(w, fmt.Errorf("%w: unknown event type %q", errBadRequest, t))
			return
		}
		filter = func(e model.Event) bool { return string(e.Type) == t }
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": s.history.EventsBetween(start, end, filter),
	})
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseWindow(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"samples": s.metrics.History(start, end),
	})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseWindow(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Summarize(start, end))
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": s.patterns.Patterns(time.Now()),
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.rules.List()})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rule, err := rules.ParseRule(body)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.rules.Create(rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rule, err := rules.ParseRule(body)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.rules.Update(r.PathValue("id"), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Toggle(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleTestRule dry-runs a rule against a sample event.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Rule  rules.Rule      `json:"rule"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	event, err := model.ParseEvent(req.Event)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	matched, err := s.engine.Test(req.Rule, event)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"matched": matched})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.alerts.List()})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.alerts.Acknowledge(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.alerts.Resolve(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExport streams filtered events as JSON or CSV.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		writeError(w, fmt.Errorf("%w: format must be json or csv", errBadRequest))
		return
	}

	rig := q.Get("rig")
	typ := q.Get("type")
	search := strings.ToLower(q.Get("search"))
	events := s.history.EventsBetween(time.Time{}, time.Time{}, func(e model.Event) bool {
		if rig != "" && e.Rig != rig {
			return false
		}
		if typ != "" && string(e.Type) != typ {
			return false
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Text()), search) {
			return false
		}
		return true
	})

	if format == "json" {
		w.Header().Set("Content-Disposition", `attachment; filename="events.json"`)
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"seq", "timestamp", "type", "rig", "agent", "message"})
	for _, e := range events {
		cw.Write([]string{
			strconv.FormatUint(e.Seq, 10),
			e.Timestamp.Format(time.RFC3339Nano),
			string(e.Type),
			e.Rig,
			e.AgentName(),
			e.Text(),
		})
	}
	cw.Flush()
}

// handlePeek proxies a bounded read of an agent's session output.
func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	rig := r.PathValue("rig")
	name := r.PathValue("name")
	lines := 40
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			lines = n
		}
	}
	out, err := s.invoker.Peek(r.Context(), rig, name, lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rig":   rig,
		"role":  r.PathValue("role"),
		"name":  name,
		"lines": out,
	})
}

func (s *Server) handleListReplays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.replays.list()})
}

func (s *Server) handleCreateReplay(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
		Seqs  []uint64  `json:"seqs"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	job, err := s.replays.create(req.Start, req.End, req.Seqs)
	if err != nil {
		if !errors.Is(err, history.ErrOutOfHistory) {
			err = fmt.Errorf("%w: %v", errBadRequest, err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleStartReplay(w http.ResponseWriter, r *http.Request) {
	job, err := s.replays.start(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ---- helpers ----

var errBadRequest = errors.New("bad request")

// parseWindow reads optional start/end query params as RFC3339 or unix
// milliseconds.
func parseWindow(r *http.Request) (start, end time.Time, err error) {
	q := r.URL.Query()
	if start, err = parseStamp(q.Get("start")); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start: %v", errBadRequest, err)
	}
	if end, err = parseStamp(q.Get("end")); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end: %v", errBadRequest, err)
	}
	return start, end, nil
}

func parseStamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", errBadRequest, err)
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps sentinel errors onto the JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	var resp apiError
	resp.Error.Kind = kind
	resp.Error.Message = err.Error()
	writeJSON(w, status, resp)
}

func classify(err error) (kind string, status int) {
	switch {
	case errors.Is(err, gt.ErrInvalidName):
		return "ErrInvalidName", http.StatusBadRequest
	// Tool timeouts and failures both mean the backend CLI is unavailable.
	case errors.Is(err, gt.ErrTimeout):
		return "ErrTimeout", http.StatusServiceUnavailable
	case errors.Is(err, gt.ErrToolFailed):
		return "ErrToolFailed", http.StatusServiceUnavailable
	case errors.Is(err, history.ErrOutOfHistory):
		return "ErrOutOfHistory", http.StatusNotFound
	case errors.Is(err, rules.ErrNotFound),
		errors.Is(err, alerts.ErrNotFound),
		errors.Is(err, errReplayNotFound):
		return "ErrNotFound", http.StatusNotFound
	case errors.Is(err, rules.ErrConflict):
		return "ErrConflict", http.StatusConflict
	case errors.Is(err, rules.ErrBadRequest), errors.Is(err, errBadRequest):
		return "ErrBadRequest", http.StatusBadRequest
	default:
		return "ErrInternal", http.StatusInternalServerError
	}
}
