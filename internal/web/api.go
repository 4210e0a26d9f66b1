package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/archon/internal/agent"
	"github.com/mtzanidakis/archon/internal/orchestrator"
	"github.com/mtzanidakis/archon/internal/schedule"
	"github.com/mtzanidakis/archon/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents (registered descriptors, persisted in DB)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{name}", s.getAgent)

	// Invocations and runs
	mux.HandleFunc("POST /api/invocations", s.createInvocation)
	mux.HandleFunc("POST /api/route", s.routeDryRun)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("POST /api/runs/{id}/resume", s.resumeRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)

	// Recurring invocations
	mux.HandleFunc("GET /api/recurring", s.listRecurring)
	mux.HandleFunc("POST /api/recurring", s.createRecurring)
	mux.HandleFunc("PUT /api/recurring/{id}", s.updateRecurring)
	mux.HandleFunc("DELETE /api/recurring/{id}", s.deleteRecurring)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("PUT /api/secrets/{name}", s.updateSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if agents == nil {
		agents = []store.Agent{}
	}
	jsonResponse(w, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	a, err := s.store.GetAgent(name)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if a == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, a)
}

func (s *Server) createInvocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task      string            `json:"task"`
		Topology  string            `json:"topology"`
		Entry     string            `json:"entry"`
		Consensus bool              `json:"consensus"`
		Peers     []string          `json:"peers"`
		Metadata  map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Task == "" {
		jsonError(w, "task is required", http.StatusBadRequest)
		return
	}

	task := agent.NewTask(body.Task)
	task.Metadata = body.Metadata

	run, err := s.coord.Submit(orchestrator.Invocation{
		Task:      task,
		Topology:  orchestrator.Topology(body.Topology),
		Entry:     body.Entry,
		Consensus: body.Consensus,
		Peers:     body.Peers,
	})
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, run)
}

// routeDryRun answers "where would this go" without executing anything.
func (s *Server) routeDryRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Task == "" {
		jsonError(w, "task is required", http.StatusBadRequest)
		return
	}

	dec, err := s.coord.RouteOnly(r.Context(), agent.NewTask(body.Task))
	if err != nil {
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	jsonResponse(w, dec)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}

	task := agent.Task{ID: run.TaskID, Content: run.Task}
	res, err := s.coord.Resume(r.Context(), task)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteRun(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListRecurring()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recurringToAPI(rec))
	}
	jsonResponse(w, out)
}

func (s *Server) createRecurring(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Topology string `json:"topology"`
		Schedule string `json:"schedule"`
		Task     string `json:"task"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || body.Task == "" {
		jsonError(w, "name, schedule, and task are required", http.StatusBadRequest)
		return
	}

	// Normalize schedule (handles plain cron strings)
	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	rec := store.RecurringInvocation{
		ID:       uuid.New().String(),
		Name:     body.Name,
		Topology: body.Topology,
		Schedule: normalized,
		Task:     body.Task,
		Status:   status,
	}

	if status == "active" {
		rec.NextRunAt = schedule.NextRun(normalized)
	}

	if err := s.store.SaveRecurring(&rec); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, recurringToAPI(rec))
}

func (s *Server) updateRecurring(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.store.GetRecurring(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "recurring invocation not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string `json:"name"`
		Topology *string `json:"topology"`
		Schedule *string `json:"schedule"`
		Task     *string `json:"task"`
		Enabled  *bool   `json:"enabled"`
		Status   *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Topology != nil {
		existing.Topology = *body.Topology
	}
	if body.Task != nil {
		existing.Task = *body.Task
	}

	// enabled bool → status mapping
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "completed" {
			existing.Status = "paused"
		}
	} else if body.Status != nil {
		existing.Status = *body.Status
	}

	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	if existing.Status == "active" {
		existing.NextRunAt = schedule.NextRun(existing.Schedule)
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveRecurring(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, recurringToAPI(*existing))
}

func (s *Server) deleteRecurring(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteRecurring(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	agents, _ := s.store.ListAgents()
	runs, _ := s.store.ListRuns()
	recs, _ := s.store.ListRecurring()

	activeRuns := 0
	for _, run := range runs {
		if run.Status == "running" {
			activeRuns++
		}
	}
	activeRecurring := 0
	for _, rec := range recs {
		if rec.Status == "active" {
			activeRecurring++
		}
	}

	status := map[string]any{
		"status":           "ok",
		"agents_count":     len(agents),
		"runs_count":       len(runs),
		"active_runs":      activeRuns,
		"active_recurring": activeRecurring,
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"nats":             "ok",
		"timestamp":        time.Now().UTC(),
		"version":          s.version,
	}

	jsonResponse(w, status)
}

func recurringToAPI(rec store.RecurringInvocation) map[string]any {
	m := map[string]any{
		"id":               rec.ID,
		"name":             rec.Name,
		"topology":         rec.Topology,
		"schedule":         rec.Schedule,
		"schedule_display": schedule.Describe(rec.Schedule),
		"task":             rec.Task,
		"enabled":          rec.Status == "active",
		"status":           rec.Status,
	}
	if rec.LastStatus != "" {
		m["last_status"] = rec.LastStatus
	}
	if rec.LastError != "" {
		m["last_error"] = rec.LastError
	}
	if rec.LastRunAt != nil {
		m["last_run"] = formatEventTime(*rec.LastRunAt)
	}
	if rec.NextRunAt != nil {
		m["next_run"] = formatEventTime(*rec.NextRunAt)
	}
	return m
}

func formatEventTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
